package emulator

import (
	"github.com/davecgh/go-spew/spew"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/lab47/lsvd/logger"
	"github.com/mdlayher/ethernet"

	"github.com/lab47/qpipe/pipe"
	"github.com/lab47/qpipe/pkg/bytering"
)

// Service is a host-side endpoint a guest pipe connects to by name.
// Counts follow the wire convention: a zero count with a negative
// status asks the guest to retry or reports an error, a zero count
// with status zero is end of stream.
type Service interface {
	// GuestWrite consumes bytes the guest wrote.
	GuestWrite(p []byte) (int, int32)

	// GuestRead fills p with bytes for the guest.
	GuestRead(p []byte) (int, int32)

	// Poll reports PIPE_POLL_* readiness.
	Poll() uint32

	Close()
}

func registerBuiltins(e *Emulator) {
	e.RegisterService("echo", func() Service {
		return &echoService{ring: bytering.New(echoBufferSize)}
	})
	e.RegisterService("zero", func() Service { return zeroService{} })
	e.RegisterService("discard", func() Service { return discardService{} })
	e.RegisterService("ethdump", func() Service {
		return &ethdumpService{log: e.log}
	})
}

const echoBufferSize = 64 << 10

// echoService loops guest writes back to guest reads through a bounded
// buffer, so a fast writer sees try-again and a reader on an empty
// pipe blocks until data shows up.
type echoService struct {
	ring *bytering.Ring
}

func (s *echoService) GuestWrite(p []byte) (int, int32) {
	n := s.ring.Push(p)
	if n == 0 {
		return 0, pipe.PIPE_ERROR_AGAIN
	}

	return n, int32(n)
}

func (s *echoService) GuestRead(p []byte) (int, int32) {
	n := s.ring.Pop(p)
	if n == 0 {
		return 0, pipe.PIPE_ERROR_AGAIN
	}

	return n, int32(n)
}

func (s *echoService) Poll() uint32 {
	var mask uint32

	if !s.ring.EmptyP() {
		mask |= pipe.PIPE_POLL_IN
	}
	if !s.ring.FullP() {
		mask |= pipe.PIPE_POLL_OUT
	}

	return mask
}

func (s *echoService) Close() {}

// zeroService reads as an endless run of zero bytes and swallows any
// write, useful for throughput smoke tests.
type zeroService struct{}

func (zeroService) GuestWrite(p []byte) (int, int32) {
	return len(p), int32(len(p))
}

func (zeroService) GuestRead(p []byte) (int, int32) {
	clear(p)
	return len(p), int32(len(p))
}

func (zeroService) Poll() uint32 {
	return pipe.PIPE_POLL_IN | pipe.PIPE_POLL_OUT
}

func (zeroService) Close() {}

// discardService accepts writes and ends the stream on read.
type discardService struct{}

func (discardService) GuestWrite(p []byte) (int, int32) {
	return len(p), int32(len(p))
}

func (discardService) GuestRead(p []byte) (int, int32) {
	return 0, 0 // EOF
}

func (discardService) Poll() uint32 {
	return pipe.PIPE_POLL_OUT
}

func (discardService) Close() {}

// ethdumpService treats every guest write as one ethernet frame and
// logs what it decodes. Reads never produce data.
type ethdumpService struct {
	log logger.Logger

	frames int
}

func (s *ethdumpService) GuestWrite(p []byte) (int, int32) {
	s.frames++

	var ef ethernet.Frame

	if err := ef.UnmarshalBinary(p); err != nil {
		s.log.Warn("undecodable frame", "error", err, "dump", spew.Sdump(p))
		return len(p), int32(len(p))
	}

	pkt := gopacket.NewPacket(p, layers.LayerTypeEthernet, gopacket.Default)

	s.log.Info("frame received",
		"n", s.frames,
		"src", ef.Source.String(),
		"dst", ef.Destination.String(),
		"ethertype", uint16(ef.EtherType),
		"layers", len(pkt.Layers()),
		"size", len(p),
	)

	return len(p), int32(len(p))
}

func (s *ethdumpService) GuestRead(p []byte) (int, int32) {
	return 0, pipe.PIPE_ERROR_AGAIN
}

func (s *ethdumpService) Poll() uint32 {
	return pipe.PIPE_POLL_OUT
}

func (s *ethdumpService) Close() {}
