package pipe

// Transport is the guest's view of the emulator side of the device. A
// real device exposes a handful of i/o registers; here each register
// access that matters is a method.
type Transport interface {
	// Setup hands the host the guest-physical addresses of the
	// device-level shared buffers: the open-command parameter block
	// and the signalled-pipe table with its entry capacity. The analog
	// of writing the buffer addresses into the setup registers.
	Setup(openParams, signalTable uint64, signalCapacity uint32)

	// Exec rings the doorbell for pipe id. This is a synchronous trap:
	// the host consumes the command staged in that pipe's command
	// buffer and writes the status and any output fields back into the
	// same buffer before Exec returns. It must not block indefinitely,
	// the guest may call it while holding its device lock.
	Exec(id uint32)

	// SignalledCount reports how many entries the host has filled in
	// the signalled-pipe table. Reading the count consumes the
	// entries; the host re-raises the interrupt if more remain.
	SignalledCount() uint32
}

// Memory gives the device access to guest physical memory: pinning the
// pages backing a user buffer range, allocating physically contiguous
// pages for command buffers and DMA regions, and resolving a physical
// address to its backing bytes.
type Memory interface {
	// PinPages pins up to count pages starting at the page-aligned
	// address first and returns their physical addresses in order. It
	// may return fewer pages than requested; the transfer shrinks to
	// what was pinned. writable means the host will write to the pages
	// (a guest read).
	PinPages(first uint64, count int, writable bool) ([]uint64, error)

	// ReleasePages undoes PinPages. dirty marks the pages as modified.
	ReleasePages(pages []uint64, dirty bool)

	// AllocPages allocates n physically contiguous pages and returns
	// the base address.
	AllocPages(n int) (uint64, error)

	FreePages(addr uint64, n int)

	// Slice returns the bytes backing [addr, addr+size).
	Slice(addr, size uint64) ([]byte, error)
}
