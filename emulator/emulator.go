package emulator

import (
	"bytes"
	"strings"
	"sync"

	"github.com/lab47/lsvd/logger"

	"github.com/lab47/qpipe/pipe"
)

// Emulator is an in-process host backend for the pipe device. It
// implements pipe.Transport against the same guest memory the device
// uses, terminating each pipe in a named service the way the real
// emulator routes "pipe:<name>" connections.
type Emulator struct {
	log logger.Logger
	mem pipe.Memory

	mu         sync.Mutex
	pipes      map[uint32]*hostPipe
	services   map[string]func() Service
	setup      bool
	openParams pipe.OpenParamsAccess
	signals    pipe.SignalTableAccess
	signalCap  uint32
	maxBuffers uint32
	pending    []signalEntry
	irq        func() bool

	irqCharge chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type signalEntry struct {
	id, flags uint32
}

// hostPipe is the emulator's side of one guest pipe.
type hostPipe struct {
	id  uint32
	cmd pipe.CommandAccess

	// nameBuf accumulates the service name handshake until its NUL.
	nameBuf []byte
	svc     Service

	// wake requests the guest registered and we have not satisfied
	wantRead  bool
	wantWrite bool

	closed bool

	dmaAddr uint64
	dmaSize uint64
}

func New(log logger.Logger, mem pipe.Memory) *Emulator {
	e := &Emulator{
		log:       log,
		mem:       mem,
		pipes:     make(map[uint32]*hostPipe),
		services:  make(map[string]func() Service),
		irqCharge: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	registerBuiltins(e)

	go e.irqLoop()

	return e
}

func (e *Emulator) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
	})
}

// RegisterService makes a service reachable by name. Each connecting
// pipe gets its own instance from the factory.
func (e *Emulator) RegisterService(name string, factory func() Service) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.services[name] = factory
}

// SetIRQHandler wires the guest's interrupt handler to the emulated
// interrupt line. Must be called before any traffic needs wakeups.
func (e *Emulator) SetIRQHandler(fn func() bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.irq = fn
}

// irqLoop delivers interrupts on its own goroutine, never on the one
// that rang the doorbell: the guest may hold its device lock there.
func (e *Emulator) irqLoop() {
	for {
		select {
		case <-e.done:
			return
		case <-e.irqCharge:
		}

		e.mu.Lock()
		fn := e.irq
		e.mu.Unlock()

		if fn != nil {
			fn()
		}
	}
}

// Setup implements pipe.Transport.
func (e *Emulator) Setup(openParams, signalTable uint64, signalCapacity uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	buf, err := e.mem.Slice(openParams, pipe.OPEN_PARAMS_SIZE)
	if err != nil {
		e.log.Error("bad open params address", "addr", openParams, "error", err)
		return
	}
	e.openParams = pipe.NewOpenParamsAccess(buf)

	buf, err = e.mem.Slice(signalTable, uint64(signalCapacity)*pipe.SIGNAL_ENTRY_SIZE)
	if err != nil {
		e.log.Error("bad signal table address", "addr", signalTable, "error", err)
		return
	}
	e.signals = pipe.NewSignalTableAccess(buf)
	e.signalCap = signalCapacity
	e.setup = true

	e.log.Info("host buffers configured", "signal-capacity", signalCapacity)
}

// SignalledCount implements pipe.Transport: it publishes up to one
// batch of pending signals into the shared table and reports how many.
// Leftovers keep the interrupt line charged, like hardware leaving the
// IRQ raised until fully drained.
func (e *Emulator) SignalledCount() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.pending)
	if n > int(e.signalCap) {
		n = int(e.signalCap)
	}

	for i := 0; i < n; i++ {
		e.signals.SetEntry(i, e.pending[i].id, e.pending[i].flags)
	}
	e.pending = e.pending[n:]

	if len(e.pending) > 0 {
		e.chargeIRQLocked()
	}

	return uint32(n)
}

func (e *Emulator) chargeIRQLocked() {
	select {
	case e.irqCharge <- struct{}{}:
	default:
	}
}

func (e *Emulator) postSignalLocked(id, flags uint32) {
	e.pending = append(e.pending, signalEntry{id: id, flags: flags})
	e.chargeIRQLocked()
}

// Exec implements pipe.Transport: the doorbell. By the time it returns
// the staged command has run and its status is in the buffer.
func (e *Emulator) Exec(id uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	hp := e.pipes[id]
	if hp == nil {
		e.execOpenLocked(id)
		return
	}

	cmd := hp.cmd

	e.log.Trace("pipe command", "id", id, "command", pipe.CommandName(cmd.Cmd()))

	if hp.closed && cmd.Cmd() != pipe.PIPE_CMD_CLOSE {
		cmd.SetStatus(pipe.PIPE_ERROR_IO)
		return
	}

	switch cmd.Cmd() {
	case pipe.PIPE_CMD_CLOSE:
		if hp.svc != nil {
			hp.svc.Close()
		}
		delete(e.pipes, id)
		cmd.SetStatus(0)

	case pipe.PIPE_CMD_WRITE:
		e.execWriteLocked(hp)
		e.checkWakeLocked(hp)

	case pipe.PIPE_CMD_READ:
		e.execReadLocked(hp)
		e.checkWakeLocked(hp)

	case pipe.PIPE_CMD_POLL:
		cmd.SetStatus(e.pollLocked(hp))

	case pipe.PIPE_CMD_WAKE_ON_READ:
		hp.wantRead = true
		cmd.SetStatus(0)
		e.checkWakeLocked(hp)

	case pipe.PIPE_CMD_WAKE_ON_WRITE:
		hp.wantWrite = true
		cmd.SetStatus(0)
		e.checkWakeLocked(hp)

	case pipe.PIPE_CMD_DMA_HOST_MAP:
		hp.dmaAddr = cmd.DMAPaddr()
		hp.dmaSize = cmd.DMASize()
		e.log.Info("dma region mapped", "id", id, "paddr", hp.dmaAddr, "size", hp.dmaSize)
		cmd.SetStatus(0)

	case pipe.PIPE_CMD_DMA_HOST_UNMAP:
		e.log.Info("dma region unmapped", "id", id, "paddr", cmd.DMAPaddr(), "size", cmd.DMASize())
		hp.dmaAddr = 0
		hp.dmaSize = 0
		cmd.SetStatus(0)

	default:
		e.log.Warn("unknown pipe command", "id", id, "command", cmd.Cmd())
		cmd.SetStatus(pipe.PIPE_ERROR_INVAL)
	}
}

// execOpenLocked handles the one command that arrives before the pipe
// exists: the command buffer is found through the open parameter block.
func (e *Emulator) execOpenLocked(id uint32) {
	if !e.setup {
		e.log.Error("open before setup", "id", id)
		return
	}

	addr := e.openParams.CommandBufferPtr()

	buf, err := e.mem.Slice(addr, pipe.COMMAND_BUFFER_SIZE)
	if err != nil {
		e.log.Error("bad command buffer address", "id", id, "addr", addr, "error", err)
		return
	}

	cmd := pipe.NewCommandAccess(buf)
	if cmd.Cmd() != pipe.PIPE_CMD_OPEN || cmd.ID() != id {
		cmd.SetStatus(pipe.PIPE_ERROR_INVAL)
		return
	}

	e.pipes[id] = &hostPipe{id: id, cmd: cmd}

	e.log.Trace("pipe opened", "id", id,
		"max-buffers", e.openParams.MaxBuffers())

	cmd.SetStatus(0)
}

func (e *Emulator) execWriteLocked(hp *hostPipe) {
	cmd := hp.cmd

	total := 0
	var status int32 = pipe.PIPE_ERROR_IO

	count := int(cmd.BuffersCount())
	for i := 0; i < count; i++ {
		data, err := e.mem.Slice(cmd.Ptr(i), uint64(cmd.Size(i)))
		if err != nil {
			e.log.Error("bad sg entry", "id", hp.id, "ptr", cmd.Ptr(i), "error", err)
			status = pipe.PIPE_ERROR_IO
			break
		}

		consumed, st := e.guestWriteLocked(hp, data)
		total += consumed
		status = st

		if consumed < len(data) || st < 0 {
			break
		}
	}

	cmd.SetConsumedSize(int32(total))
	if total > 0 {
		cmd.SetStatus(int32(total))
	} else {
		cmd.SetStatus(status)
	}
}

// guestWriteLocked feeds guest bytes to the pipe: first the name
// handshake, then the connected service.
func (e *Emulator) guestWriteLocked(hp *hostPipe, data []byte) (int, int32) {
	if hp.svc != nil {
		return hp.svc.GuestWrite(data)
	}

	nul := bytes.IndexByte(data, 0)
	if nul < 0 {
		hp.nameBuf = append(hp.nameBuf, data...)
		return len(data), int32(len(data))
	}

	hp.nameBuf = append(hp.nameBuf, data[:nul]...)
	name := strings.TrimPrefix(string(hp.nameBuf), "pipe:")
	hp.nameBuf = nil

	factory := e.services[name]
	if factory == nil {
		e.log.Warn("connect to unknown service", "id", hp.id, "service", name)
		return 0, pipe.PIPE_ERROR_IO
	}

	hp.svc = factory()
	e.log.Info("service connected", "id", hp.id, "service", name)

	consumed := nul + 1

	if rem := data[consumed:]; len(rem) > 0 {
		n, st := hp.svc.GuestWrite(rem)
		if st < 0 && n == 0 {
			return consumed, int32(consumed)
		}
		consumed += n
	}

	return consumed, int32(consumed)
}

func (e *Emulator) execReadLocked(hp *hostPipe) {
	cmd := hp.cmd

	if hp.svc == nil {
		// Nothing to read until the name handshake finishes.
		cmd.SetConsumedSize(0)
		cmd.SetStatus(pipe.PIPE_ERROR_AGAIN)
		return
	}

	total := 0
	var status int32

	count := int(cmd.BuffersCount())
	for i := 0; i < count; i++ {
		data, err := e.mem.Slice(cmd.Ptr(i), uint64(cmd.Size(i)))
		if err != nil {
			e.log.Error("bad sg entry", "id", hp.id, "ptr", cmd.Ptr(i), "error", err)
			status = pipe.PIPE_ERROR_IO
			break
		}

		n, st := hp.svc.GuestRead(data)
		total += n
		status = st

		if n < len(data) || st < 0 {
			break
		}
	}

	cmd.SetConsumedSize(int32(total))
	if total > 0 {
		cmd.SetStatus(int32(total))
	} else {
		cmd.SetStatus(status)
	}
}

func (e *Emulator) pollLocked(hp *hostPipe) int32 {
	if hp.svc == nil {
		return pipe.PIPE_POLL_OUT
	}

	return int32(hp.svc.Poll())
}

// checkWakeLocked satisfies registered wake requests whose condition
// now holds, posting the signal and charging the interrupt.
func (e *Emulator) checkWakeLocked(hp *hostPipe) {
	if hp.svc == nil {
		return
	}

	ready := hp.svc.Poll()

	var flags uint32

	if hp.wantRead && ready&pipe.PIPE_POLL_IN != 0 {
		hp.wantRead = false
		flags |= pipe.PIPE_WAKE_READ
	}
	if hp.wantWrite && ready&pipe.PIPE_POLL_OUT != 0 {
		hp.wantWrite = false
		flags |= pipe.PIPE_WAKE_WRITE
	}

	if flags != 0 {
		e.postSignalLocked(hp.id, flags)
	}
}

// CloseFromHost simulates the host side shutting a pipe down: further
// commands fail with an i/o status and the guest gets a closed wake.
func (e *Emulator) CloseFromHost(id uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	hp := e.pipes[id]
	if hp == nil {
		return
	}

	hp.closed = true
	if hp.svc != nil {
		hp.svc.Close()
		hp.svc = nil
	}

	e.postSignalLocked(id, pipe.PIPE_WAKE_CLOSED)
}
