package emulator

import (
	"context"
	"io"
	"testing"

	"github.com/lab47/lsvd/logger"
	"github.com/stretchr/testify/require"

	"github.com/lab47/qpipe/pipe"
	"github.com/lab47/qpipe/pkg/guestmem"
)

func newTestRig(t *testing.T) (*pipe.Device, *Emulator, *guestmem.RAM) {
	t.Helper()

	ram, err := guestmem.MapRAM(256)
	require.NoError(t, err)
	t.Cleanup(func() { ram.Close() })

	log := logger.New(logger.Trace)

	emu := New(log, ram)
	t.Cleanup(emu.Close)

	dev, err := pipe.NewDevice(log, emu, ram)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	emu.SetIRQHandler(dev.Interrupt)

	return dev, emu, ram
}

// stage copies data into a fresh guest page and returns its address.
func stage(t *testing.T, ram *guestmem.RAM, data []byte) uint64 {
	t.Helper()

	pages := (len(data) + guestmem.PageSize - 1) / guestmem.PageSize
	if pages == 0 {
		pages = 1
	}

	addr, err := ram.AllocPages(pages)
	require.NoError(t, err)

	buf, err := ram.Slice(addr, uint64(len(data)))
	require.NoError(t, err)
	copy(buf, data)

	return addr
}

func connect(t *testing.T, ctx context.Context, dev *pipe.Device, ram *guestmem.RAM, service string) *pipe.Pipe {
	t.Helper()

	p, err := dev.Open()
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	name := append([]byte("pipe:"+service), 0)
	addr := stage(t, ram, name)
	defer ram.FreePages(addr, 1)

	n, err := p.Write(ctx, addr, uint64(len(name)), false)
	require.NoError(t, err)
	require.Equal(t, int64(len(name)), n)

	return p
}

func TestEmulator(t *testing.T) {
	ctx := context.Background()

	t.Run("echo loops guest writes back to reads", func(t *testing.T) {
		r := require.New(t)

		dev, _, ram := newTestRig(t)

		p := connect(t, ctx, dev, ram, "echo")

		msg := []byte("ping over shared memory")
		addr := stage(t, ram, msg)

		n, err := p.Write(ctx, addr, uint64(len(msg)), false)
		r.NoError(err)
		r.Equal(int64(len(msg)), n)

		back, err := ram.AllocPages(1)
		r.NoError(err)

		n, err = p.Read(ctx, back, uint64(len(msg)), false)
		r.NoError(err)
		r.Equal(int64(len(msg)), n)

		got, err := ram.Slice(back, uint64(n))
		r.NoError(err)
		r.Equal(msg, got)
	})

	t.Run("the handshake may arrive in pieces", func(t *testing.T) {
		r := require.New(t)

		dev, _, ram := newTestRig(t)

		p, err := dev.Open()
		r.NoError(err)
		t.Cleanup(func() { p.Close() })

		for _, chunk := range [][]byte{[]byte("pipe:"), []byte("ec"), {'h', 'o', 0}} {
			addr := stage(t, ram, chunk)

			n, err := p.Write(ctx, addr, uint64(len(chunk)), false)
			r.NoError(err)
			r.Equal(int64(len(chunk)), n)

			ram.FreePages(addr, 1)
		}

		msg := []byte("late but connected")
		addr := stage(t, ram, msg)

		n, err := p.Write(ctx, addr, uint64(len(msg)), false)
		r.NoError(err)
		r.Equal(int64(len(msg)), n)
	})

	t.Run("connecting to an unknown service fails the write", func(t *testing.T) {
		r := require.New(t)

		dev, _, ram := newTestRig(t)

		p, err := dev.Open()
		r.NoError(err)
		t.Cleanup(func() { p.Close() })

		name := append([]byte("pipe:no-such-service"), 0)
		addr := stage(t, ram, name)

		_, err = p.Write(ctx, addr, uint64(len(name)), false)
		r.ErrorIs(err, pipe.ErrIO)
	})

	t.Run("a blocked reader wakes on a concurrent write", func(t *testing.T) {
		r := require.New(t)

		dev, _, ram := newTestRig(t)

		p := connect(t, ctx, dev, ram, "echo")

		msg := []byte("wakeup call")

		readDone := make(chan error, 1)
		back, err := ram.AllocPages(1)
		r.NoError(err)

		var n int64

		go func() {
			var err error
			n, err = p.Read(ctx, back, uint64(len(msg)), false)
			readDone <- err
		}()

		addr := stage(t, ram, msg)

		_, err = p.Write(ctx, addr, uint64(len(msg)), false)
		r.NoError(err)

		r.NoError(<-readDone)
		r.Equal(int64(len(msg)), n)

		got, err := ram.Slice(back, uint64(n))
		r.NoError(err)
		r.Equal(msg, got)
	})

	t.Run("poll tracks the echo buffer state", func(t *testing.T) {
		r := require.New(t)

		dev, _, ram := newTestRig(t)

		p := connect(t, ctx, dev, ram, "echo")

		mask, err := p.Poll(ctx)
		r.NoError(err)
		r.Equal(uint32(pipe.POLL_OUT), mask)

		msg := []byte("buffered")
		addr := stage(t, ram, msg)

		_, err = p.Write(ctx, addr, uint64(len(msg)), false)
		r.NoError(err)

		mask, err = p.Poll(ctx)
		r.NoError(err)
		r.Equal(uint32(pipe.POLL_IN|pipe.POLL_OUT), mask)
	})

	t.Run("a host-side close fails a blocked reader", func(t *testing.T) {
		r := require.New(t)

		dev, emu, ram := newTestRig(t)

		p := connect(t, ctx, dev, ram, "echo")

		back, err := ram.AllocPages(1)
		r.NoError(err)

		readDone := make(chan error, 1)

		go func() {
			_, err := p.Read(ctx, back, 16, false)
			readDone <- err
		}()

		// Let the reader get as far as arming its wake, then pull the
		// other end.
		mask, err := p.Poll(ctx)
		r.NoError(err)
		r.Zero(mask & pipe.POLL_IN)

		emu.CloseFromHost(p.ID())

		r.ErrorIs(<-readDone, pipe.ErrIO)

		// Every later transfer fails the same way.
		_, err = p.Read(ctx, back, 16, false)
		r.ErrorIs(err, pipe.ErrIO)
	})

	t.Run("zero reads as an endless run of zeros", func(t *testing.T) {
		r := require.New(t)

		dev, _, ram := newTestRig(t)

		p := connect(t, ctx, dev, ram, "zero")

		addr := stage(t, ram, []byte("scribbled over"))

		n, err := p.Read(ctx, addr, 14, false)
		r.NoError(err)
		r.Equal(int64(14), n)

		got, err := ram.Slice(addr, 14)
		r.NoError(err)
		r.Equal(make([]byte, 14), got)
	})

	t.Run("discard swallows writes and ends the stream on read", func(t *testing.T) {
		r := require.New(t)

		dev, _, ram := newTestRig(t)

		p := connect(t, ctx, dev, ram, "discard")

		msg := []byte("into the void")
		addr := stage(t, ram, msg)

		n, err := p.Write(ctx, addr, uint64(len(msg)), false)
		r.NoError(err)
		r.Equal(int64(len(msg)), n)

		_, err = p.Read(ctx, addr, 16, false)
		r.ErrorIs(err, io.EOF)
	})

	t.Run("custom services are reachable by name", func(t *testing.T) {
		r := require.New(t)

		dev, emu, ram := newTestRig(t)

		emu.RegisterService("shout", func() Service { return &shoutService{} })

		p := connect(t, ctx, dev, ram, "shout")

		msg := []byte("quiet words")
		addr := stage(t, ram, msg)

		_, err := p.Write(ctx, addr, uint64(len(msg)), false)
		r.NoError(err)

		back, err := ram.AllocPages(1)
		r.NoError(err)

		n, err := p.Read(ctx, back, uint64(len(msg)), false)
		r.NoError(err)

		got, err := ram.Slice(back, uint64(n))
		r.NoError(err)
		r.Equal([]byte("QUIET WORDS"), got)
	})

	t.Run("dma map commands land on the host side", func(t *testing.T) {
		r := require.New(t)

		dev, emu, ram := newTestRig(t)

		p := connect(t, ctx, dev, ram, "discard")

		const size = 4 * guestmem.PageSize

		r.NoError(p.CreateDMARegion(ctx, size))

		region, err := p.MapDMA(ctx, size)
		r.NoError(err)
		r.Len(region, size)

		base, _, err := p.DMARegionInfo(ctx)
		r.NoError(err)

		emu.mu.Lock()
		hp := emu.pipes[p.ID()]
		r.NotNil(hp)
		r.Equal(base, hp.dmaAddr)
		r.Equal(uint64(size), hp.dmaSize)
		emu.mu.Unlock()
	})
}

// shoutService upcases whatever the guest writes.
type shoutService struct {
	buf []byte
}

func (s *shoutService) GuestWrite(p []byte) (int, int32) {
	for _, c := range p {
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		s.buf = append(s.buf, c)
	}

	return len(p), int32(len(p))
}

func (s *shoutService) GuestRead(p []byte) (int, int32) {
	if len(s.buf) == 0 {
		return 0, pipe.PIPE_ERROR_AGAIN
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]

	return n, int32(n)
}

func (s *shoutService) Poll() uint32 {
	mask := uint32(pipe.PIPE_POLL_OUT)
	if len(s.buf) > 0 {
		mask |= pipe.PIPE_POLL_IN
	}

	return mask
}

func (s *shoutService) Close() {}
