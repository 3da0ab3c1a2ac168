package pipe

import (
	"sync"
	"sync/atomic"

	"github.com/lab47/lsvd/logger"
	"github.com/pkg/errors"
)

// NewCommandAccess wraps the page backing one pipe's command buffer.
func NewCommandAccess(data []byte) CommandAccess {
	return CommandAccess{data: data}
}

// NewSignalTableAccess wraps the signalled-pipe table buffer.
func NewSignalTableAccess(data []byte) SignalTableAccess {
	return SignalTableAccess{data: data}
}

// NewOpenParamsAccess wraps the open-command parameter block.
func NewOpenParamsAccess(data []byte) OpenParamsAccess {
	return OpenParamsAccess{data: data}
}

// Device owns the pipe table, the shared host buffers and the
// signalled-pipe queue. One Device corresponds to one emulator pipe
// device instance; construct it at device-registration time and pass
// it to everything that needs it.
type Device struct {
	log  logger.Logger
	host Transport
	mem  Memory

	// mu protects pipes, the signalled-queue linkage fields in every
	// pipe, and the open-command parameter block. The interrupt path
	// takes it, so it is never held across a call that can block.
	mu             sync.Mutex
	pipes          []*Pipe
	firstSignalled *Pipe

	buffersAddr uint64
	openParams  OpenParamsAccess
	signals     SignalTableAccess

	// signalWork charges the deferred signal goroutine, the analog of
	// scheduling an irq tasklet.
	signalWork chan struct{}
	done       chan struct{}
	taskDone   chan struct{}

	dmaAllocTotal atomic.Int64
}

// NewDevice allocates the shared buffer page, registers it with the
// host and starts the deferred signal worker.
func NewDevice(log logger.Logger, host Transport, mem Memory) (*Device, error) {
	buffersAddr, err := mem.AllocPages(1)
	if err != nil {
		return nil, errors.Wrapf(err, "allocating device buffers")
	}

	page, err := mem.Slice(buffersAddr, PAGE_SIZE)
	if err != nil {
		mem.FreePages(buffersAddr, 1)
		return nil, err
	}

	d := &Device{
		log:         log,
		host:        host,
		mem:         mem,
		pipes:       make([]*Pipe, INITIAL_PIPES_CAPACITY),
		buffersAddr: buffersAddr,
		openParams:  NewOpenParamsAccess(page[:openParamsSize]),
		signals: NewSignalTableAccess(
			page[deviceBuffersSignalOff : deviceBuffersSignalOff+MAX_SIGNALLED_PIPES*signalEntrySize]),
		signalWork: make(chan struct{}, 1),
		done:       make(chan struct{}),
		taskDone:   make(chan struct{}),
	}

	host.Setup(buffersAddr, buffersAddr+deviceBuffersSignalOff,
		MAX_SIGNALLED_PIPES)

	go d.signalTask()

	d.log.Info("pipe device ready", "driver-version", PIPE_DRIVER_VERSION)

	return d, nil
}

// Close tears the device down: stop the deferred worker, then free the
// shared buffers. All pipes must be closed first.
func (d *Device) Close() error {
	close(d.done)
	<-d.taskDone

	d.mem.FreePages(d.buffersAddr, 1)

	return nil
}

// Capacity reports the current pipe table size.
func (d *Device) Capacity() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.pipes)
}

// DMAAllocTotal reports the bytes currently held by pipe DMA regions.
func (d *Device) DMAAllocTotal() int64 {
	return d.dmaAllocTotal.Load()
}

// allocPipeIDLocked finds the first free slot by linear scan, doubling
// the table when it is full. Runs under d.mu and never blocks; the
// table only ever grows.
func (d *Device) allocPipeIDLocked() uint32 {
	for id, p := range d.pipes {
		if p == nil {
			return uint32(id)
		}
	}

	id := len(d.pipes)

	grown := make([]*Pipe, 2*len(d.pipes))
	copy(grown, d.pipes)
	d.pipes = grown

	return uint32(id)
}

// Open creates a new pipe and tells the host about it. The returned
// pipe carries no name or protocol; whatever the client writes first
// is between it and the host service it addresses.
func (d *Device) Open() (*Pipe, error) {
	cmdAddr, err := d.mem.AllocPages(1)
	if err != nil {
		return nil, errors.Wrapf(ErrNoMem, "allocating command buffer")
	}

	buf, err := d.mem.Slice(cmdAddr, commandBufferSize)
	if err != nil {
		d.mem.FreePages(cmdAddr, 1)
		return nil, err
	}

	p := &Pipe{
		dev:     d,
		cmdAddr: cmdAddr,
		cmd:     NewCommandAccess(buf),
		cmdLock: make(chan struct{}, 1),
		wakeCh:  make(chan struct{}),
	}

	d.mu.Lock()

	id := d.allocPipeIDLocked()
	d.pipes[id] = p
	p.id = id
	p.cmd.SetID(id)

	// The open command goes through the shared parameter block, which
	// d.mu protects.
	d.openParams.SetMaxBuffers(MAX_BUFFERS_PER_COMMAND)
	d.openParams.SetCommandBufferPtr(cmdAddr)

	status := p.execLocked(PIPE_CMD_OPEN)
	if status < 0 {
		d.pipes[id] = nil
		d.mu.Unlock()
		d.mem.FreePages(cmdAddr, 1)
		return nil, statusToError(status)
	}

	d.mu.Unlock()

	d.log.Trace("opened pipe", "id", id)

	return p, nil
}

// Interrupt is the guest's interrupt handler: it drains the
// signalled-pipe table into the device queue and charges the deferred
// worker. It must not block, and it reports whether any work was found
// so a shared interrupt line can be disclaimed.
func (d *Device) Interrupt() bool {
	d.mu.Lock()

	count := d.host.SignalledCount()
	if count == 0 {
		d.mu.Unlock()
		return false
	}

	if count > MAX_SIGNALLED_PIPES {
		count = MAX_SIGNALLED_PIPES
	}

	for i := 0; i < int(count); i++ {
		id, flags := d.signals.Entry(i)
		d.signalPipeLocked(id, flags)
	}

	d.mu.Unlock()

	select {
	case d.signalWork <- struct{}{}:
	default:
	}

	return true
}

// signalPipeLocked accumulates flags on the pipe and inserts it at the
// head of the signalled queue. Insertion is idempotent: flags pile up,
// the queue entry does not.
func (d *Device) signalPipeLocked(id, flags uint32) {
	if id >= uint32(len(d.pipes)) {
		d.log.Warn("host signalled unknown pipe", "id", id, "flags", flags)
		return
	}

	p := d.pipes[id]
	if p == nil {
		return
	}

	p.signalledFlags |= flags

	if p.prevSignalled != nil || p.nextSignalled != nil || d.firstSignalled == p {
		return // already in the queue
	}

	p.nextSignalled = d.firstSignalled
	if d.firstSignalled != nil {
		d.firstSignalled.prevSignalled = p
	}
	d.firstSignalled = p
}

// removeSignalledLocked unlinks a pipe the guest is closing before the
// deferred worker got to it. No-op if the pipe is not queued.
func (d *Device) removeSignalledLocked(p *Pipe) {
	if p.prevSignalled != nil {
		p.prevSignalled.nextSignalled = p.nextSignalled
	}
	if p.nextSignalled != nil {
		p.nextSignalled.prevSignalled = p.prevSignalled
	}
	if d.firstSignalled == p {
		d.firstSignalled = p.nextSignalled
	}

	p.prevSignalled = nil
	p.nextSignalled = nil
}

// popSignalledFront takes the queue head and its accumulated flags.
// O(1): the head's flags reset, the new head's back-link clears.
func (d *Device) popSignalledFront() (*Pipe, uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.firstSignalled
	if p == nil {
		return nil, 0
	}

	wakes := p.signalledFlags
	p.signalledFlags = 0

	d.firstSignalled = p.nextSignalled
	if d.firstSignalled != nil {
		d.firstSignalled.prevSignalled = nil
	}
	p.nextSignalled = nil

	return p, wakes
}

// signalTask is the deferred half of the dispatcher. It pops signalled
// pipes one at a time and applies the event outside the device lock: a
// host close is absorbing and clears all wake interest, otherwise only
// the signalled wake bits clear. Waiters wake after the bits change.
func (d *Device) signalTask() {
	defer close(d.taskDone)

	for {
		select {
		case <-d.done:
			return
		case <-d.signalWork:
		}

		for {
			p, wakes := d.popSignalledFront()
			if p == nil {
				break
			}

			if wakes&PIPE_WAKE_CLOSED != 0 {
				p.flags.Store(BIT_CLOSED_ON_HOST)
			} else {
				if wakes&PIPE_WAKE_READ != 0 {
					p.flags.Clear(BIT_WAKE_ON_READ)
				}
				if wakes&PIPE_WAKE_WRITE != 0 {
					p.flags.Clear(BIT_WAKE_ON_WRITE)
				}
			}

			p.wakeWaiters()
		}
	}
}
