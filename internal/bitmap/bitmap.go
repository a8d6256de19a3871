// Package bitmap implements the dense free-block bitmap of spec.md
// §4.2: one bit per fixed-size block (1 = free), with an optional
// O(1)-amortized "next free" hint. It is the bit-level base layer
// Buddy's per-order freelists sit on top of, and the layer its
// coherence invariant (spec.md §3.1) is checked against.
//
// The scanning technique (word-at-a-time, math/bits.TrailingZeros64 to
// find the lowest set bit) is the one achilleasa/gopher-os's physical
// page allocator uses for the same job.
package bitmap

import (
	"encoding/binary"
	"math/bits"

	"github.com/gopher-kernel/memcore/internal/kerrors"
)

const wordBits = 64

// Bitmap represents N equal-sized blocks starting at a base address.
// Its words live in a caller-supplied byte buffer (see NewOverBuffer)
// rather than a slice Bitmap allocates for itself, so a buddy
// allocator can back one with memory it reserved from its own
// bump-allocated metadata range instead of the Go heap. Construct with
// New for a self-backed Bitmap, or NewOverBuffer to place one over
// existing storage; pass Options.Hint to enable GetNextFree.
type Bitmap struct {
	base      uint64
	blockSize uint64
	n         uint64
	buf       []byte // numWords little-endian uint64 words, 8 bytes each

	hinted bool
	hint   int
}

// Options configures a Bitmap at construction.
type Options struct {
	// Hint enables the O(1)-amortized GetNextFree fast path. When
	// false, GetNextFree is a contract violation to call.
	Hint bool
}

// RequiredBytes returns the number of bytes a Bitmap over n blocks
// needs from its backing buffer, for sizing a NewOverBuffer call.
func RequiredBytes(n uint64) uint64 {
	numWords := (n + wordBits - 1) / wordBits
	return numWords * 8
}

// New builds a bitmap over n blocks of blockSize bytes starting at
// base, backed by a freshly allocated Go slice, all initially marked
// used (0). Callers mark blocks free with SetBit as regions become
// available (mirroring Buddy's AddRegion, which starts from an
// all-used bitmap).
func New(base, blockSize, n uint64, opts Options) *Bitmap {
	if blockSize == 0 || n == 0 {
		kerrors.Panic("bitmap.New", base, n, "blockSize and n must be nonzero")
	}
	return NewOverBuffer(base, blockSize, n, make([]byte, RequiredBytes(n)), opts)
}

// NewOverBuffer builds a bitmap over n blocks of blockSize bytes
// starting at base, storing its words directly in buf rather than
// allocating its own backing slice. buf must be at least
// RequiredBytes(n) long and is expected to be zeroed (all blocks
// initially used), as a freshly bump-allocated metadata range is.
func NewOverBuffer(base, blockSize, n uint64, buf []byte, opts Options) *Bitmap {
	if blockSize == 0 || n == 0 {
		kerrors.Panic("bitmap.NewOverBuffer", base, n, "blockSize and n must be nonzero")
	}
	if need := RequiredBytes(n); uint64(len(buf)) < need {
		kerrors.Panic("bitmap.NewOverBuffer", base, uint64(len(buf)), "backing buffer is smaller than the bitmap requires")
	}
	return &Bitmap{
		base:      base,
		blockSize: blockSize,
		n:         n,
		buf:       buf,
		hinted:    opts.Hint,
	}
}

func (b *Bitmap) word(w int) uint64 {
	return binary.LittleEndian.Uint64(b.buf[w*8 : w*8+8])
}

func (b *Bitmap) setWord(w int, v uint64) {
	binary.LittleEndian.PutUint64(b.buf[w*8:w*8+8], v)
}

func (b *Bitmap) numWords() int { return len(b.buf) / 8 }

func (b *Bitmap) index(op string, addr uint64) uint64 {
	if addr < b.base || (addr-b.base)%b.blockSize != 0 {
		kerrors.Panic(op, addr, b.blockSize, "address is not block-aligned within bitmap range")
	}
	idx := (addr - b.base) / b.blockSize
	if idx >= b.n {
		kerrors.Panic(op, addr, b.blockSize, "address is out of the bitmap's range")
	}
	return idx
}

// SetBit marks the block at addr free (val=true) or used (val=false).
// addr must be block-aligned; violating this is fatal.
func (b *Bitmap) SetBit(addr uint64, val bool) {
	idx := b.index("bitmap.SetBit", addr)
	word, bit := int(idx/wordBits), uint(idx%wordBits)
	mask := uint64(1) << bit

	if val {
		b.setWord(word, b.word(word)|mask)
		if b.hinted && word < b.hint {
			b.hint = word
		}
		return
	}

	b.setWord(word, b.word(word)&^mask)
	if b.hinted && word == b.hint && b.word(word) == 0 {
		for b.hint < b.numWords() && b.word(b.hint) == 0 {
			b.hint++
		}
	}
}

// IsFree reports whether the block at addr is marked free. It never
// mutates state.
func (b *Bitmap) IsFree(addr uint64) bool {
	idx := b.index("bitmap.IsFree", addr)
	word, bit := int(idx/wordBits), uint(idx%wordBits)
	return b.word(word)&(uint64(1)<<bit) != 0
}

// GetNextFree finds the lowest-addressed free block at or after the
// stored hint, clears its bit (marking it used), and returns its
// address. It is only valid to call when the bitmap was constructed
// with Options.Hint; calling it otherwise is a contract violation.
func (b *Bitmap) GetNextFree() (uint64, bool) {
	if !b.hinted {
		kerrors.Panic("bitmap.GetNextFree", 0, 0, "bitmap was not constructed with the hint fast path enabled")
	}

	for w := b.hint; w < b.numWords(); w++ {
		word := b.word(w)
		if word == 0 {
			continue
		}

		bit := bits.TrailingZeros64(word)
		idx := uint64(w)*wordBits + uint64(bit)
		if idx >= b.n {
			// Masked tail bits must be zero by construction; this
			// would indicate a corrupted tail word.
			kerrors.Panic("bitmap.GetNextFree", 0, 0, "set bit beyond block count in tail word")
		}

		word &^= uint64(1) << uint(bit)
		b.setWord(w, word)
		b.hint = w
		if word == 0 {
			for b.hint < b.numWords() && b.word(b.hint) == 0 {
				b.hint++
			}
		}
		return b.base + idx*b.blockSize, true
	}

	b.hint = b.numWords()
	return 0, false
}

// Hint returns the current hint word index, for property tests
// checking that it never exceeds any word with a set bit.
func (b *Bitmap) Hint() int { return b.hint }

// NumBlocks returns the number of blocks this bitmap covers.
func (b *Bitmap) NumBlocks() uint64 { return b.n }
