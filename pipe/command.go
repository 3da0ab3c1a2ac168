package pipe

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	PAGE_SIZE  = 4096
	PAGE_SHIFT = 12
	PAGE_MASK  = ^uint64(PAGE_SIZE - 1)
)

// Version handshake values of the v2 pipe device.
const (
	PIPE_DRIVER_VERSION         = 4
	PIPE_CURRENT_DEVICE_VERSION = 2
)

const (
	MAX_BUFFERS_PER_COMMAND = 336
	MAX_SIGNALLED_PIPES     = 64
	INITIAL_PIPES_CAPACITY  = 64
	DMA_REGION_MIN_SIZE     = PAGE_SIZE
	DMA_REGION_MAX_SIZE     = 256 << 20
)

// Guest -> host command codes.
const (
	PIPE_CMD_OPEN = iota + 1
	PIPE_CMD_CLOSE
	PIPE_CMD_POLL
	PIPE_CMD_WRITE
	PIPE_CMD_WAKE_ON_WRITE
	PIPE_CMD_READ
	PIPE_CMD_WAKE_ON_READ
	PIPE_CMD_WAKE_ON_DONE_IO // reserved, never sent
	PIPE_CMD_DMA_HOST_MAP
	PIPE_CMD_DMA_HOST_UNMAP
)

var commandNames = map[int32]string{
	PIPE_CMD_OPEN:            "open",
	PIPE_CMD_CLOSE:           "close",
	PIPE_CMD_POLL:            "poll",
	PIPE_CMD_WRITE:           "write",
	PIPE_CMD_WAKE_ON_WRITE:   "wake_on_write",
	PIPE_CMD_READ:            "read",
	PIPE_CMD_WAKE_ON_READ:    "wake_on_read",
	PIPE_CMD_WAKE_ON_DONE_IO: "wake_on_done_io",
	PIPE_CMD_DMA_HOST_MAP:    "dma_host_map",
	PIPE_CMD_DMA_HOST_UNMAP:  "dma_host_unmap",
}

// CommandName names an opcode for log lines.
func CommandName(cmd int32) string {
	if name, ok := commandNames[cmd]; ok {
		return name
	}
	return "unknown"
}

// Host -> guest status codes. Positive statuses mean "made progress,
// try again immediately"; zero is EOF or plain success depending on
// the command.
const (
	PIPE_ERROR_INVAL = -1
	PIPE_ERROR_AGAIN = -2
	PIPE_ERROR_NOMEM = -3
	PIPE_ERROR_IO    = -4
)

// Wake event flags the host posts in the signalled-pipe table.
const (
	PIPE_WAKE_CLOSED     = 1 << 0
	PIPE_WAKE_READ       = 1 << 1
	PIPE_WAKE_WRITE      = 1 << 2
	PIPE_WAKE_UNLOCK_DMA = 1 << 3
)

// Poll readiness flags in a PIPE_CMD_POLL status.
const (
	PIPE_POLL_IN  = 1 << 0
	PIPE_POLL_OUT = 1 << 1
	PIPE_POLL_HUP = 1 << 2
)

// Guest-facing poll mask, the driver's POLLIN/POLLOUT/POLLHUP/POLLERR.
const (
	POLL_IN  = 1 << 0
	POLL_OUT = 1 << 1
	POLL_HUP = 1 << 2
	POLL_ERR = 1 << 3
)

// Wake-interest bits in Pipe.flags.
const (
	BIT_CLOSED_ON_HOST = 1 << 0
	BIT_WAKE_ON_WRITE  = 1 << 1
	BIT_WAKE_ON_READ   = 1 << 2
)

// i/o register offsets of the v2 pipe device, kept as wire reference;
// the Transport interface stands in for them here.
const (
	PIPE_V2_REG_CMD                 = 0
	PIPE_V2_REG_SIGNAL_BUFFER_HIGH  = 4
	PIPE_V2_REG_SIGNAL_BUFFER       = 8
	PIPE_V2_REG_SIGNAL_BUFFER_COUNT = 12
	PIPE_V2_REG_OPEN_BUFFER_HIGH    = 20
	PIPE_V2_REG_OPEN_BUFFER         = 24
	PIPE_V2_REG_VERSION             = 36
	PIPE_V2_REG_GET_SIGNALLED       = 48
)

var (
	// ErrAgain is the transient "try again" condition, surfaced only
	// when the caller asked for non-blocking semantics.
	ErrAgain = errors.New("try again")

	ErrNoMem = errors.New("out of memory")

	// ErrIO covers host-reported failures and pipes the host closed.
	ErrIO = errors.New("i/o error")

	ErrInval = errors.New("invalid argument")

	// ErrRestart means a wait was interrupted; the caller may retry
	// the whole operation.
	ErrRestart = errors.New("interrupted, restart the operation")

	// ErrFault means the user address range is not accessible.
	ErrFault = errors.New("bad user address range")

	// ErrBusy means the pipe already owns a DMA region.
	ErrBusy = errors.New("dma region already allocated")
)

func statusToError(status int32) error {
	switch status {
	case PIPE_ERROR_AGAIN:
		return ErrAgain
	case PIPE_ERROR_NOMEM:
		return ErrNoMem
	case PIPE_ERROR_IO:
		return ErrIO
	default:
		return ErrInval
	}
}

// Command buffer layout, shared bit-for-bit with the host. The header
// is followed by a union of the read/write scatter/gather parameters
// and the DMA map parameters.
const (
	cmdOffCmd      = 0  // s32, guest -> host
	cmdOffID       = 4  // s32, guest -> host
	cmdOffStatus   = 8  // s32, host -> guest
	cmdOffReserved = 12 // pad to a 64-bit boundary

	cmdOffBuffersCount = 16 // u32, guest -> host
	cmdOffConsumedSize = 20 // s32, host -> guest
	cmdOffPtrs         = 24
	cmdOffSizes        = cmdOffPtrs + MAX_BUFFERS_PER_COMMAND*8

	cmdOffDMAPaddr = 16 // u64
	cmdOffDMASize  = 24 // u64

	commandBufferSize = cmdOffSizes + MAX_BUFFERS_PER_COMMAND*4
)

// Shared-layout sizes the host side needs to slice its views.
const (
	COMMAND_BUFFER_SIZE = commandBufferSize
	OPEN_PARAMS_SIZE    = openParamsSize
	SIGNAL_ENTRY_SIZE   = signalEntrySize
)

// CommandAccess reads and writes a pipe's command descriptor in place.
type CommandAccess struct {
	data []byte
}

func (c *CommandAccess) Cmd() int32 {
	return int32(binary.NativeEndian.Uint32(c.data[cmdOffCmd:]))
}

func (c *CommandAccess) SetCmd(cmd int32) {
	binary.NativeEndian.PutUint32(c.data[cmdOffCmd:], uint32(cmd))
}

func (c *CommandAccess) ID() uint32 {
	return binary.NativeEndian.Uint32(c.data[cmdOffID:])
}

func (c *CommandAccess) SetID(id uint32) {
	binary.NativeEndian.PutUint32(c.data[cmdOffID:], id)
}

func (c *CommandAccess) Status() int32 {
	return int32(binary.NativeEndian.Uint32(c.data[cmdOffStatus:]))
}

func (c *CommandAccess) SetStatus(status int32) {
	binary.NativeEndian.PutUint32(c.data[cmdOffStatus:], uint32(status))
}

func (c *CommandAccess) BuffersCount() uint32 {
	return binary.NativeEndian.Uint32(c.data[cmdOffBuffersCount:])
}

func (c *CommandAccess) SetBuffersCount(n uint32) {
	binary.NativeEndian.PutUint32(c.data[cmdOffBuffersCount:], n)
}

func (c *CommandAccess) ConsumedSize() int32 {
	return int32(binary.NativeEndian.Uint32(c.data[cmdOffConsumedSize:]))
}

func (c *CommandAccess) SetConsumedSize(n int32) {
	binary.NativeEndian.PutUint32(c.data[cmdOffConsumedSize:], uint32(n))
}

func (c *CommandAccess) Ptr(n int) uint64 {
	return binary.NativeEndian.Uint64(c.data[cmdOffPtrs+n*8:])
}

func (c *CommandAccess) SetPtr(n int, v uint64) {
	binary.NativeEndian.PutUint64(c.data[cmdOffPtrs+n*8:], v)
}

func (c *CommandAccess) Size(n int) uint32 {
	return binary.NativeEndian.Uint32(c.data[cmdOffSizes+n*4:])
}

func (c *CommandAccess) SetSize(n int, v uint32) {
	binary.NativeEndian.PutUint32(c.data[cmdOffSizes+n*4:], v)
}

func (c *CommandAccess) DMAPaddr() uint64 {
	return binary.NativeEndian.Uint64(c.data[cmdOffDMAPaddr:])
}

func (c *CommandAccess) SetDMAPaddr(v uint64) {
	binary.NativeEndian.PutUint64(c.data[cmdOffDMAPaddr:], v)
}

func (c *CommandAccess) DMASize() uint64 {
	return binary.NativeEndian.Uint64(c.data[cmdOffDMASize:])
}

func (c *CommandAccess) SetDMASize(v uint64) {
	binary.NativeEndian.PutUint64(c.data[cmdOffDMASize:], v)
}

// A signalled-pipe table entry is an (id, flags) pair.
const signalEntrySize = 8

// SignalTableAccess reads and writes the signalled-pipe table the host
// fills before raising the interrupt.
type SignalTableAccess struct {
	data []byte
}

func (s *SignalTableAccess) Entry(n int) (id, flags uint32) {
	ent := s.data[n*signalEntrySize:]

	return binary.NativeEndian.Uint32(ent), binary.NativeEndian.Uint32(ent[4:])
}

func (s *SignalTableAccess) SetEntry(n int, id, flags uint32) {
	ent := s.data[n*signalEntrySize:]

	binary.NativeEndian.PutUint32(ent, id)
	binary.NativeEndian.PutUint32(ent[4:], flags)
}

// Open-command parameter block layout.
const (
	openOffCommandBufferPtr = 0 // u64
	openOffMaxBuffers       = 8 // u32

	openParamsSize = 16 // padded to a 64-bit boundary

	// The signalled-pipe table sits right after the open-command
	// block on the device buffer page.
	deviceBuffersSignalOff = openParamsSize
)

// OpenParamsAccess reads and writes the PIPE_CMD_OPEN parameter block.
type OpenParamsAccess struct {
	data []byte
}

func (o *OpenParamsAccess) CommandBufferPtr() uint64 {
	return binary.NativeEndian.Uint64(o.data[openOffCommandBufferPtr:])
}

func (o *OpenParamsAccess) SetCommandBufferPtr(v uint64) {
	binary.NativeEndian.PutUint64(o.data[openOffCommandBufferPtr:], v)
}

func (o *OpenParamsAccess) MaxBuffers() uint32 {
	return binary.NativeEndian.Uint32(o.data[openOffMaxBuffers:])
}

func (o *OpenParamsAccess) SetMaxBuffers(v uint32) {
	binary.NativeEndian.PutUint32(o.data[openOffMaxBuffers:], v)
}
