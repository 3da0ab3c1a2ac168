package main

import (
	"context"
	"flag"
	"net"

	"github.com/lab47/lsvd/logger"
	"github.com/mdlayher/ethernet"

	"github.com/lab47/qpipe/emulator"
	"github.com/lab47/qpipe/pipe"
	"github.com/lab47/qpipe/pkg/guestmem"
)

var (
	fRAMPages = flag.Int("ram-pages", 1024, "guest ram size in pages")
	fVerbose  = flag.Bool("verbose", false, "enable trace logging")
)

func main() {
	flag.Parse()

	level := logger.Info
	if *fVerbose {
		level = logger.Trace
	}

	log := logger.New(level)

	ram, err := guestmem.MapRAM(*fRAMPages)
	if err != nil {
		panic(err)
	}
	defer ram.Close()

	emu := emulator.New(log, ram)
	defer emu.Close()

	dev, err := pipe.NewDevice(log, emu, ram)
	if err != nil {
		panic(err)
	}
	defer dev.Close()

	emu.SetIRQHandler(dev.Interrupt)

	ctx := context.Background()

	if err := echoRoundtrip(ctx, log, dev, ram); err != nil {
		log.Error("echo roundtrip failed", "error", err)
		return
	}

	if err := dmaDemo(ctx, log, dev, ram); err != nil {
		log.Error("dma demo failed", "error", err)
		return
	}

	if err := frameDemo(ctx, log, dev, ram); err != nil {
		log.Error("frame demo failed", "error", err)
		return
	}
}

// stage copies data into a fresh guest page and returns its address.
func stage(ram *guestmem.RAM, data []byte) (uint64, error) {
	pages := (len(data) + guestmem.PageSize - 1) / guestmem.PageSize
	if pages == 0 {
		pages = 1
	}

	addr, err := ram.AllocPages(pages)
	if err != nil {
		return 0, err
	}

	buf, err := ram.Slice(addr, uint64(len(data)))
	if err != nil {
		return 0, err
	}

	copy(buf, data)

	return addr, nil
}

func connect(ctx context.Context, dev *pipe.Device, ram *guestmem.RAM, service string) (*pipe.Pipe, error) {
	p, err := dev.Open()
	if err != nil {
		return nil, err
	}

	name := append([]byte("pipe:"+service), 0)

	addr, err := stage(ram, name)
	if err != nil {
		p.Close()
		return nil, err
	}
	defer ram.FreePages(addr, 1)

	if _, err := p.Write(ctx, addr, uint64(len(name)), false); err != nil {
		p.Close()
		return nil, err
	}

	return p, nil
}

func echoRoundtrip(ctx context.Context, log logger.Logger, dev *pipe.Device, ram *guestmem.RAM) error {
	p, err := connect(ctx, dev, ram, "echo")
	if err != nil {
		return err
	}
	defer p.Close()

	msg := []byte("hello through the pipe device")

	addr, err := stage(ram, msg)
	if err != nil {
		return err
	}
	defer ram.FreePages(addr, 1)

	n, err := p.Write(ctx, addr, uint64(len(msg)), false)
	if err != nil {
		return err
	}

	log.Info("wrote to echo pipe", "bytes", n)

	back, err := ram.AllocPages(1)
	if err != nil {
		return err
	}
	defer ram.FreePages(back, 1)

	n, err = p.Read(ctx, back, uint64(len(msg)), false)
	if err != nil {
		return err
	}

	got, _ := ram.Slice(back, uint64(n))
	log.Info("read from echo pipe", "bytes", n, "payload", string(got))

	return nil
}

func dmaDemo(ctx context.Context, log logger.Logger, dev *pipe.Device, ram *guestmem.RAM) error {
	p, err := connect(ctx, dev, ram, "discard")
	if err != nil {
		return err
	}
	defer p.Close()

	const regionSize = 16 * guestmem.PageSize

	if err := p.CreateDMARegion(ctx, regionSize); err != nil {
		return err
	}

	region, err := p.MapDMA(ctx, regionSize)
	if err != nil {
		return err
	}

	copy(region, "bulk data travels here without any copies")

	base, size, err := p.DMARegionInfo(ctx)
	if err != nil {
		return err
	}

	log.Info("dma region ready", "phys", base, "size", size,
		"total", dev.DMAAllocTotal())

	return nil
}

func frameDemo(ctx context.Context, log logger.Logger, dev *pipe.Device, ram *guestmem.RAM) error {
	p, err := connect(ctx, dev, ram, "ethdump")
	if err != nil {
		return err
	}
	defer p.Close()

	src, _ := net.ParseMAC("02:00:00:00:00:01")
	dst, _ := net.ParseMAC("ff:ff:ff:ff:ff:ff")

	fr := ethernet.Frame{
		Destination: dst,
		Source:      src,
		EtherType:   0x88b5, // local experimental
		Payload:     []byte("frame over a pipe"),
	}

	data, err := fr.MarshalBinary()
	if err != nil {
		return err
	}

	addr, err := stage(ram, data)
	if err != nil {
		return err
	}
	defer ram.FreePages(addr, 1)

	n, err := p.Write(ctx, addr, uint64(len(data)), false)
	if err != nil {
		return err
	}

	log.Info("frame written", "bytes", n)

	return nil
}
