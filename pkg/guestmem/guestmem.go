package guestmem

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	PageSize  = 4096
	PageShift = 12
)

// RAM models guest physical memory as a single anonymous mapping.
// Addresses handed out are offsets into the mapping, so the guest core
// and the host emulator resolve the same address to the same bytes the
// way a real device resolves guest-physical addresses.
//
// Page zero is never handed out; a zero address doubles as "none" for
// callers tracking lazily allocated regions.
type RAM struct {
	data []byte

	mu   sync.Mutex
	used []bool
}

func MapRAM(pages int) (*RAM, error) {
	if pages < 2 {
		return nil, errors.Errorf("ram too small: %d pages", pages)
	}

	data, err := unix.Mmap(-1, 0, pages*PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping guest ram")
	}

	used := make([]bool, pages)
	used[0] = true

	return &RAM{data: data, used: used}, nil
}

func (r *RAM) Close() error {
	data := r.data
	r.data = nil
	return unix.Munmap(data)
}

func (r *RAM) Size() uint64 {
	return uint64(len(r.data))
}

// Slice returns the bytes backing [addr, addr+size).
func (r *RAM) Slice(addr, size uint64) ([]byte, error) {
	end := addr + size
	if end < addr || end > uint64(len(r.data)) {
		return nil, errors.Errorf("address range out of ram: %d+%d", addr, size)
	}

	return r.data[addr:end], nil
}

// AllocPages finds n physically contiguous free pages, first fit.
func (r *RAM) AllocPages(n int) (uint64, error) {
	if n <= 0 {
		return 0, errors.Errorf("bad page count: %d", n)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	run := 0
	for i := range r.used {
		if r.used[i] {
			run = 0
			continue
		}

		run++
		if run == n {
			start := i - n + 1
			for j := start; j <= i; j++ {
				r.used[j] = true
			}
			return uint64(start) << PageShift, nil
		}
	}

	return 0, errors.Errorf("out of guest memory: wanted %d contiguous pages", n)
}

func (r *RAM) FreePages(addr uint64, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := int(addr >> PageShift)
	for i := start; i < start+n && i < len(r.used); i++ {
		r.used[i] = false
	}
}

// PinPages resolves up to count pages starting at the page containing
// first. RAM is always resident, so pinning only validates the range;
// physical addresses equal RAM offsets. Fewer pages than requested come
// back when the range runs off the end of RAM, and the caller is
// expected to shrink its transfer accordingly.
func (r *RAM) PinPages(first uint64, count int, writable bool) ([]uint64, error) {
	if first&(PageSize-1) != 0 {
		return nil, errors.Errorf("pin address not page aligned: %d", first)
	}
	if first >= uint64(len(r.data)) {
		return nil, errors.Errorf("pin address out of ram: %d", first)
	}

	avail := int((uint64(len(r.data)) - first) >> PageShift)
	if count > avail {
		count = avail
	}

	pages := make([]uint64, count)
	for i := range pages {
		pages[i] = first + uint64(i)<<PageShift
	}

	return pages, nil
}

func (r *RAM) ReleasePages(pages []uint64, dirty bool) {
	// nothing to unpin, RAM never pages out
}
