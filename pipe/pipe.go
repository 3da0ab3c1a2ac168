package pipe

import (
	"context"
	"io"
	"sync"

	"github.com/lab47/qpipe/pkg/atomicbits"
)

// Pipe is one logical bidirectional channel multiplexed over the
// shared transport. It is created by Device.Open and reachable only
// through the pipe table and, transiently, the signalled queue.
type Pipe struct {
	// id indexes the device's pipe table. Unique while open.
	id uint32

	// flags holds the wake bits this pipe is waiting on plus the
	// closed-by-host bit. A blocked client and the signal task both
	// touch it without a shared lock, hence atomic.
	flags atomicbits.Bits

	// Events the host posted that the signal task has not delivered
	// yet, plus the queue linkage. All protected by dev.mu.
	signalledFlags uint32
	prevSignalled  *Pipe
	nextSignalled  *Pipe

	dev *Device

	cmdAddr uint64
	cmd     CommandAccess

	// cmdLock serializes use of the command buffer. A semaphore
	// channel instead of a sync.Mutex so acquisition can be abandoned
	// when the caller's context is cancelled.
	cmdLock chan struct{}

	// wakeCh broadcasts host events: waiters grab the current channel
	// and block on it, wakeWaiters closes it and installs a fresh one.
	wakeMu sync.Mutex
	wakeCh chan struct{}

	// dma is the pipe's optional DMA region, guarded by cmdLock.
	dma *dmaContext
}

func (p *Pipe) ID() uint32 {
	return p.id
}

func (p *Pipe) acquireCmd(ctx context.Context) error {
	select {
	case p.cmdLock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrRestart
	}
}

func (p *Pipe) releaseCmd() {
	<-p.cmdLock
}

// execLocked stages cmd in the command buffer and rings the doorbell.
// The doorbell write is a synchronous trap: the host has consumed the
// request and written the status back by the time it returns. The
// caller holds the command buffer.
func (p *Pipe) execLocked(cmd int32) int32 {
	p.cmd.SetCmd(cmd)
	p.cmd.SetStatus(PIPE_ERROR_INVAL) // failure by default
	p.dev.host.Exec(p.id)

	return p.cmd.Status()
}

// exec acquires the command buffer, runs one command and releases it.
// An interrupted acquisition reports as an i/o failure status.
func (p *Pipe) exec(ctx context.Context, cmd int32) int32 {
	if err := p.acquireCmd(ctx); err != nil {
		return PIPE_ERROR_IO
	}

	status := p.execLocked(cmd)
	p.releaseCmd()

	return status
}

func (p *Pipe) wakeChan() chan struct{} {
	p.wakeMu.Lock()
	defer p.wakeMu.Unlock()

	return p.wakeCh
}

// wakeWaiters wakes everything blocked on this pipe. The signal task
// clears wake bits before calling it, so a woken waiter re-checking
// its bit observes the new state.
func (p *Pipe) wakeWaiters() {
	p.wakeMu.Lock()
	close(p.wakeCh)
	p.wakeCh = make(chan struct{})
	p.wakeMu.Unlock()
}

// populateRWParams fills the scatter/gather parameters from the pinned
// pages, merging pages whose physical addresses are adjacent into
// single entries. The first page carries the sub-page offset of the
// transfer start and the last page may be partial.
func (p *Pipe) populateRWParams(pages []uint64, address, addressEnd, firstPage, lastPage uint64, iterLastPageSize uint32) {
	xaddr := pages[0]
	xaddrPrev := xaddr
	bufferIdx := 0

	var sizeOnPage uint32
	if firstPage == lastPage {
		sizeOnPage = uint32(addressEnd - address)
	} else {
		sizeOnPage = uint32(PAGE_SIZE - (address & ^PAGE_MASK))
	}

	p.cmd.SetPtr(0, xaddr|(address & ^PAGE_MASK))
	p.cmd.SetSize(0, sizeOnPage)

	for i := 1; i < len(pages); i++ {
		xaddr = pages[i]

		if i == len(pages)-1 {
			sizeOnPage = iterLastPageSize
		} else {
			sizeOnPage = PAGE_SIZE
		}

		if xaddr == xaddrPrev+PAGE_SIZE {
			p.cmd.SetSize(bufferIdx, p.cmd.Size(bufferIdx)+sizeOnPage)
		} else {
			bufferIdx++
			p.cmd.SetPtr(bufferIdx, xaddr)
			p.cmd.SetSize(bufferIdx, sizeOnPage)
		}

		xaddrPrev = xaddr
	}

	p.cmd.SetBuffersCount(uint32(bufferIdx + 1))
}

// transferChunk pins as many pages of the range as fit in one command,
// builds the merged scatter/gather list and executes a single read or
// write command. Returns the consumed byte count and host status.
func (p *Pipe) transferChunk(ctx context.Context, address, addressEnd uint64, isWrite bool, lastPage uint64, lastPageSize uint32) (int32, int32, error) {
	firstPage := address & PAGE_MASK

	// Serialize access to the pipe command buffer.
	if err := p.acquireCmd(ctx); err != nil {
		return 0, 0, err
	}

	requested := int((lastPage-firstPage)>>PAGE_SHIFT) + 1
	iterLastPageSize := lastPageSize
	if requested > MAX_BUFFERS_PER_COMMAND {
		requested = MAX_BUFFERS_PER_COMMAND
		iterLastPageSize = PAGE_SIZE
	}

	pages, err := p.dev.mem.PinPages(firstPage, requested, !isWrite)
	if err != nil || len(pages) == 0 {
		p.releaseCmd()
		return 0, 0, ErrFault
	}
	if len(pages) < requested {
		// Short pin: shrink the batch to what was pinned.
		iterLastPageSize = PAGE_SIZE
	}

	p.populateRWParams(pages, address, addressEnd, firstPage, lastPage, iterLastPageSize)

	cmd := int32(PIPE_CMD_READ)
	if isWrite {
		cmd = PIPE_CMD_WRITE
	}

	status := p.execLocked(cmd)
	consumed := p.cmd.ConsumedSize()

	p.dev.mem.ReleasePages(pages, !isWrite && consumed > 0)

	p.releaseCmd()

	return consumed, status, nil
}

// waitHostSignal registers wake interest for one direction, tells the
// host to notify on the event, and sleeps until the interest bit is
// cleared, the host closes the pipe, or ctx is cancelled.
func (p *Pipe) waitHostSignal(ctx context.Context, isWrite bool) error {
	wakeBit := uint32(BIT_WAKE_ON_READ)
	cmd := int32(PIPE_CMD_WAKE_ON_READ)
	if isWrite {
		wakeBit = BIT_WAKE_ON_WRITE
		cmd = PIPE_CMD_WAKE_ON_WRITE
	}

	p.flags.Set(wakeBit)

	// Tell the emulator we're going to wait for a wake event.
	p.exec(ctx, cmd)

	for p.flags.Has(wakeBit) {
		ch := p.wakeChan()

		// The signal task clears the bit before closing the channel;
		// re-check so a wake between the two is not lost.
		if !p.flags.Has(wakeBit) {
			break
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ErrRestart
		}

		if p.flags.Has(BIT_CLOSED_ON_HOST) {
			return ErrIO
		}
	}

	return nil
}

// readWrite is the transfer engine: it moves as many bytes as possible
// between the user range and the host, one bounded scatter/gather
// command at a time, and never discards partial progress.
func (p *Pipe) readWrite(ctx context.Context, address, size uint64, isWrite, nonblock bool) (int64, error) {
	// If the emulator already closed the pipe, no need to go further.
	if p.flags.Has(BIT_CLOSED_ON_HOST) {
		return 0, ErrIO
	}

	// Null reads and writes succeed.
	if size == 0 {
		return 0, nil
	}

	// Check the range for access before touching the host.
	if _, err := p.dev.mem.Slice(address, size); err != nil {
		return 0, ErrFault
	}

	addressEnd := address + size
	lastPage := (addressEnd - 1) & PAGE_MASK
	lastPageSize := uint32((addressEnd-1) & ^PAGE_MASK) + 1

	var count int64

	for address < addressEnd {
		consumed, status, err := p.transferChunk(ctx, address, addressEnd,
			isWrite, lastPage, lastPageSize)
		if err != nil {
			if count > 0 {
				return count, nil
			}
			return 0, err
		}

		if consumed > 0 {
			// No matter what the status says, these bytes moved.
			count += int64(consumed)
			address += uint64(consumed)
		}

		if status > 0 {
			continue
		}

		if status == 0 {
			// End of stream.
			if count > 0 {
				return count, nil
			}
			return 0, io.EOF
		}

		if count > 0 {
			// An error, but earlier iterations already transferred
			// something. Return that and leave the error for the next
			// call. Transient statuses are not worth a log line.
			if status != PIPE_ERROR_AGAIN {
				p.dev.log.Error("backend error on pipe", "id", p.id,
					"command", commandNames[cmdForDir(isWrite)], "status", status)
			}
			return count, nil
		}

		if status != PIPE_ERROR_AGAIN || nonblock {
			return 0, statusToError(status)
		}

		if err := p.waitHostSignal(ctx, isWrite); err != nil {
			return 0, err
		}
	}

	return count, nil
}

func cmdForDir(isWrite bool) int32 {
	if isWrite {
		return PIPE_CMD_WRITE
	}
	return PIPE_CMD_READ
}

// Read transfers up to size bytes from the pipe into the user range at
// addr. It reports io.EOF only when the stream ended before anything
// was transferred. With nonblock set, a transient host status surfaces
// as ErrAgain instead of suspending.
func (p *Pipe) Read(ctx context.Context, addr, size uint64, nonblock bool) (int64, error) {
	return p.readWrite(ctx, addr, size, false, nonblock)
}

// Write transfers up to size bytes from the user range at addr into
// the pipe. Semantics mirror Read.
func (p *Pipe) Write(ctx context.Context, addr, size uint64, nonblock bool) (int64, error) {
	return p.readWrite(ctx, addr, size, true, nonblock)
}

// Poll asks the host for readiness and folds in the closed-by-host
// state the way poll(2) would report it.
func (p *Pipe) Poll(ctx context.Context) (uint32, error) {
	status := p.exec(ctx, PIPE_CMD_POLL)
	if status < 0 {
		return 0, ErrRestart
	}

	var mask uint32

	if status&PIPE_POLL_IN != 0 {
		mask |= POLL_IN
	}
	if status&PIPE_POLL_OUT != 0 {
		mask |= POLL_OUT
	}
	if status&PIPE_POLL_HUP != 0 {
		mask |= POLL_HUP
	}
	if p.flags.Has(BIT_CLOSED_ON_HOST) {
		mask |= POLL_ERR
	}

	return mask, nil
}

// Close tells the host the guest side is going away, removes the pipe
// from the table and the signalled queue, and releases its resources.
// The host is notified about the DMA region before its pages free so
// it never holds stale physical addresses.
func (p *Pipe) Close() error {
	d := p.dev

	p.dmaReleaseHost()
	p.exec(context.Background(), PIPE_CMD_CLOSE)

	d.mu.Lock()
	d.pipes[p.id] = nil
	d.removeSignalledLocked(p)
	d.mu.Unlock()

	p.dmaReleaseGuest()
	d.mem.FreePages(p.cmdAddr, 1)

	d.log.Trace("closed pipe", "id", p.id)

	return nil
}
