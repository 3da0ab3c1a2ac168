package pipe

import "context"

// dmaContext tracks the single physically contiguous region a pipe may
// own. Created by CreateDMARegion with only a size; the pages and the
// host mapping appear lazily on first use. Guarded by the pipe's
// command-buffer lock.
type dmaContext struct {
	addr    uint64 // guest-physical base, zero until backed
	size    uint64
	physEnd uint64
}

func checkRegionSize(size uint64) bool {
	if size < DMA_REGION_MIN_SIZE || size > DMA_REGION_MAX_SIZE {
		return false
	}

	return size&(PAGE_SIZE-1) == 0
}

// CreateDMARegion records the requested region size for this pipe. No
// pages are allocated yet. A pipe gets at most one region; a second
// request is rejected, never merged or replaced.
func (p *Pipe) CreateDMARegion(ctx context.Context, size uint64) error {
	if !checkRegionSize(size) {
		p.dev.log.Error("bad dma region size requested", "id", p.id, "size", size)
		return ErrInval
	}

	if err := p.acquireCmd(ctx); err != nil {
		return err
	}
	defer p.releaseCmd()

	if p.dma != nil {
		p.dev.log.Error("dma region already allocated", "id", p.id)
		return ErrBusy
	}

	p.dma = &dmaContext{size: size}

	return nil
}

// dmaAllocLocked backs the region with contiguous pages and tells the
// host where they are so it can translate the physical range. Caller
// holds the command buffer.
func (p *Pipe) dmaAllocLocked() error {
	dma := p.dma

	if dma.addr != 0 {
		return nil
	}

	addr, err := p.dev.mem.AllocPages(int(dma.size >> PAGE_SHIFT))
	if err != nil {
		p.dev.log.Error("dma region allocation failed", "id", p.id,
			"size", dma.size, "error", err)
		return ErrNoMem
	}

	dma.addr = addr
	dma.physEnd = addr + dma.size
	p.dev.dmaAllocTotal.Add(int64(dma.size))

	p.cmd.SetDMAPaddr(dma.addr)
	p.cmd.SetDMASize(dma.size)
	p.execLocked(PIPE_CMD_DMA_HOST_MAP)

	return nil
}

// MapDMA maps size bytes of the pipe's DMA region into the caller's
// view, allocating the region and host-mapping it on first use. The
// mmap(2) analog of this surface.
func (p *Pipe) MapDMA(ctx context.Context, size uint64) ([]byte, error) {
	if err := p.acquireCmd(ctx); err != nil {
		return nil, err
	}
	defer p.releaseCmd()

	if p.dma == nil {
		return nil, ErrInval
	}

	if !checkRegionSize(size) || size > p.dma.size {
		p.dev.log.Error("bad dma mapping size requested", "id", p.id, "size", size)
		return nil, ErrInval
	}

	if err := p.dmaAllocLocked(); err != nil {
		return nil, err
	}

	return p.dev.mem.Slice(p.dma.addr, size)
}

// DMARegionInfo returns the region's physical base and size. Both are
// zero if the pipe has no region; the base alone is zero while the
// region exists but is not backed yet.
func (p *Pipe) DMARegionInfo(ctx context.Context) (uint64, uint64, error) {
	if err := p.acquireCmd(ctx); err != nil {
		return 0, 0, err
	}
	defer p.releaseCmd()

	if p.dma == nil {
		return 0, 0, nil
	}

	return p.dma.addr, p.dma.size, nil
}

// DMALock and DMAUnlock are synchronization hints on the DMA control
// surface. Lock does nothing; Unlock nudges any waiter blocked on the
// pipe.
func (p *Pipe) DMALock() {}

func (p *Pipe) DMAUnlock() {
	p.wakeWaiters()
}

// dmaReleaseHost sends the unmap command for a backed region. Runs
// before the pages free, so the host never retains a physical range
// the guest reused.
func (p *Pipe) dmaReleaseHost() {
	dma := p.dma
	if dma == nil || dma.addr == 0 {
		return
	}

	if err := p.acquireCmd(context.Background()); err != nil {
		return
	}

	p.cmd.SetDMAPaddr(dma.addr)
	p.cmd.SetDMASize(dma.size)
	p.execLocked(PIPE_CMD_DMA_HOST_UNMAP)

	p.releaseCmd()
}

// dmaReleaseGuest frees the region's pages. Only safe once the guest
// side is done with the pipe.
func (p *Pipe) dmaReleaseGuest() {
	dma := p.dma
	if dma == nil || dma.addr == 0 {
		return
	}

	p.dev.mem.FreePages(dma.addr, int(dma.size>>PAGE_SHIFT))
	p.dev.dmaAllocTotal.Add(-int64(dma.size))

	dma.addr = 0
	dma.physEnd = 0
}
