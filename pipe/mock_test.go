package pipe

import (
	"sync"
	"testing"

	"github.com/lab47/lsvd/logger"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fakeMem backs guest physical memory with a flat byte slice and a bump
// allocator. Addresses are offsets into the slice; page zero stays
// reserved so a zero address keeps meaning "none".
type fakeMem struct {
	data []byte
	next uint64

	// pinLimit caps how many pages one PinPages call returns, to
	// exercise short pins. Zero means no cap.
	pinLimit int

	// pinPhys overrides the physical address reported for a pinned
	// page. Identity when nil.
	pinPhys func(page uint64, i int) uint64

	allocFail bool

	mu       sync.Mutex
	pins     int
	releases int
	dirtyRel int
	freed    []uint64
}

func newFakeMem(pages int) *fakeMem {
	return &fakeMem{
		data: make([]byte, pages*PAGE_SIZE),
		next: PAGE_SIZE,
	}
}

func (m *fakeMem) AllocPages(n int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.allocFail {
		return 0, errors.New("no pages")
	}

	addr := m.next
	m.next += uint64(n) * PAGE_SIZE

	if m.next > uint64(len(m.data)) {
		return 0, errors.New("out of fake ram")
	}

	return addr, nil
}

func (m *fakeMem) FreePages(addr uint64, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.freed = append(m.freed, addr)
}

func (m *fakeMem) Slice(addr, size uint64) ([]byte, error) {
	if addr == 0 || addr+size > uint64(len(m.data)) {
		return nil, errors.Errorf("bad range %d+%d", addr, size)
	}

	return m.data[addr : addr+size], nil
}

func (m *fakeMem) PinPages(first uint64, count int, writable bool) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pinLimit > 0 && count > m.pinLimit {
		count = m.pinLimit
	}

	pages := make([]uint64, count)
	for i := range pages {
		page := first + uint64(i)*PAGE_SIZE
		if m.pinPhys != nil {
			pages[i] = m.pinPhys(page, i)
		} else {
			pages[i] = page
		}
	}

	m.pins++

	return pages, nil
}

func (m *fakeMem) ReleasePages(pages []uint64, dirty bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releases++
	if dirty {
		m.dirtyRel++
	}
}

func (m *fakeMem) freedAddrs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]uint64(nil), m.freed...)
}

// execRecord captures one doorbell ring: the command and, for transfer
// and DMA commands, the parameters staged with it.
type execRecord struct {
	id  uint32
	cmd int32

	ptrs  []uint64
	sizes []uint32

	dmaPaddr uint64
	dmaSize  uint64
}

// fakeHost is a scripted Transport. The default behavior answers every
// command with a zero status; tests hang an onExec hook for anything
// richer. Every ring is recorded for the assertions.
type fakeHost struct {
	mem *fakeMem

	openParams OpenParamsAccess
	signals    SignalTableAccess
	signalCap  uint32

	mu      sync.Mutex
	bufs    map[uint32]CommandAccess
	execs   []execRecord
	pending [][2]uint32

	// onExec runs without the host lock held, so it may post signals
	// and deliver interrupts.
	onExec func(h *fakeHost, id uint32, cmd CommandAccess)
}

func newFakeHost(mem *fakeMem) *fakeHost {
	return &fakeHost{
		mem:  mem,
		bufs: make(map[uint32]CommandAccess),
	}
}

func (h *fakeHost) Setup(openParams, signalTable uint64, signalCapacity uint32) {
	buf, err := h.mem.Slice(openParams, OPEN_PARAMS_SIZE)
	if err != nil {
		panic(err)
	}
	h.openParams = NewOpenParamsAccess(buf)

	buf, err = h.mem.Slice(signalTable, uint64(signalCapacity)*SIGNAL_ENTRY_SIZE)
	if err != nil {
		panic(err)
	}
	h.signals = NewSignalTableAccess(buf)
	h.signalCap = signalCapacity
}

func (h *fakeHost) Exec(id uint32) {
	h.mu.Lock()

	acc, ok := h.bufs[id]
	if !ok {
		// The first command for an id arrives through the open
		// parameter block.
		buf, err := h.mem.Slice(h.openParams.CommandBufferPtr(), COMMAND_BUFFER_SIZE)
		if err != nil {
			h.mu.Unlock()
			return
		}

		acc = NewCommandAccess(buf)
	}

	rec := execRecord{id: id, cmd: acc.Cmd()}

	switch rec.cmd {
	case PIPE_CMD_READ, PIPE_CMD_WRITE:
		for i := 0; i < int(acc.BuffersCount()); i++ {
			rec.ptrs = append(rec.ptrs, acc.Ptr(i))
			rec.sizes = append(rec.sizes, acc.Size(i))
		}
	case PIPE_CMD_DMA_HOST_MAP, PIPE_CMD_DMA_HOST_UNMAP:
		rec.dmaPaddr = acc.DMAPaddr()
		rec.dmaSize = acc.DMASize()
	}

	h.execs = append(h.execs, rec)

	h.mu.Unlock()

	if h.onExec != nil {
		h.onExec(h, id, acc)
	} else {
		acc.SetStatus(0)
	}

	// Track the binding the way a host would: a failed open leaves the
	// id unbound and a close frees it for the next open to rebind.
	h.mu.Lock()
	switch rec.cmd {
	case PIPE_CMD_OPEN:
		if acc.Status() >= 0 {
			h.bufs[id] = acc
		} else {
			delete(h.bufs, id)
		}
	case PIPE_CMD_CLOSE:
		delete(h.bufs, id)
	}
	h.mu.Unlock()
}

func (h *fakeHost) SignalledCount() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := uint32(len(h.pending))
	if n > h.signalCap {
		n = h.signalCap
	}

	for i := 0; i < int(n); i++ {
		h.signals.SetEntry(i, h.pending[i][0], h.pending[i][1])
	}
	h.pending = h.pending[n:]

	return n
}

// post queues a signalled-pipe entry for the next SignalledCount read.
func (h *fakeHost) post(id, flags uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pending = append(h.pending, [2]uint32{id, flags})
}

func (h *fakeHost) records() []execRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]execRecord(nil), h.execs...)
}

func (h *fakeHost) countCmd(cmd int32) int {
	var n int

	for _, rec := range h.records() {
		if rec.cmd == cmd {
			n++
		}
	}

	return n
}

// lastCmd returns the most recent record for cmd.
func (h *fakeHost) lastCmd(t *testing.T, cmd int32) execRecord {
	t.Helper()

	recs := h.records()
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].cmd == cmd {
			return recs[i]
		}
	}

	t.Fatalf("no %s command recorded", CommandName(cmd))
	return execRecord{}
}

// consumeAll is the scripted host's "accept everything" answer to a
// transfer command.
func consumeAll(acc CommandAccess) {
	var total int32

	for i := 0; i < int(acc.BuffersCount()); i++ {
		total += int32(acc.Size(i))
	}

	acc.SetConsumedSize(total)
	acc.SetStatus(total)
}

func newTestDevice(t *testing.T, mem *fakeMem) (*Device, *fakeHost) {
	t.Helper()

	host := newFakeHost(mem)

	dev, err := NewDevice(logger.New(logger.Trace), host, mem)
	require.NoError(t, err)

	t.Cleanup(func() { dev.Close() })

	return dev, host
}
