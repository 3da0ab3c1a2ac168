package atomicbits

import "sync/atomic"

// Bits is a small atomic bitmask. It is shared between goroutines that
// never take a common lock, so every access goes through sync/atomic.
type Bits struct {
	v atomic.Uint32
}

func (b *Bits) Set(mask uint32) {
	for {
		old := b.v.Load()
		if b.v.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

func (b *Bits) Clear(mask uint32) {
	for {
		old := b.v.Load()
		if b.v.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

func (b *Bits) Has(mask uint32) bool {
	return b.v.Load()&mask != 0
}

// Store replaces the whole mask at once.
func (b *Bits) Store(mask uint32) {
	b.v.Store(mask)
}

func (b *Bits) Load() uint32 {
	return b.v.Load()
}
