// Package bitfield tracks a peer's piece availability.
package bitfield

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
)

// Bitfield is a fixed-length piece availability vector backed by a roaring
// bitmap. The zero value is not usable; use New or FromBytes.
type Bitfield struct {
	bm *roaring.Bitmap
	n  uint32
}

// New returns an empty bitfield over n pieces.
func New(n uint32) *Bitfield {
	return &Bitfield{
		bm: roaring.New(),
		n:  n,
	}
}

// FromBytes decodes a wire-order bitfield message payload. Bit 7 of byte 0 is
// piece 0. Trailing spare bits must be zero.
func FromBytes(b []byte, n uint32) (*Bitfield, error) {
	if uint32(len(b)) < (n+7)/8 {
		return nil, fmt.Errorf("bitfield payload too short: %d bytes for %d pieces", len(b), n)
	}
	bf := New(n)
	for i := uint32(0); i < uint32(len(b))*8; i++ {
		if b[i/8]&(0x80>>(i%8)) == 0 {
			continue
		}
		if i >= n {
			return nil, fmt.Errorf("spare bit %d set in bitfield for %d pieces", i, n)
		}
		bf.bm.Add(i)
	}
	return bf, nil
}

// Len returns the number of pieces the bitfield covers.
func (bf *Bitfield) Len() uint32 {
	return bf.n
}

func (bf *Bitfield) Set(i uint32) {
	if i >= bf.n {
		panic(fmt.Sprintf("piece %d out of range %d", i, bf.n))
	}
	bf.bm.Add(i)
}

func (bf *Bitfield) Get(i uint32) bool {
	return bf.bm.Contains(i)
}

// Count returns the number of pieces the peer has.
func (bf *Bitfield) Count() uint32 {
	return uint32(bf.bm.GetCardinality())
}

// AllSet reports whether the peer has every piece. An empty bitfield is never
// all set.
func (bf *Bitfield) AllSet() bool {
	return bf.n != 0 && bf.Count() == bf.n
}

func (bf *Bitfield) Empty() bool {
	return bf.bm.IsEmpty()
}

func (bf *Bitfield) SetAll() {
	if bf.n != 0 {
		bf.bm.AddRange(0, uint64(bf.n))
	}
}

// Bytes encodes the bitfield in wire order.
func (bf *Bitfield) Bytes() []byte {
	b := make([]byte, (bf.n+7)/8)
	it := bf.bm.Iterator()
	for it.HasNext() {
		i := it.Next()
		b[i/8] |= 0x80 >> (i % 8)
	}
	return b
}

func (bf *Bitfield) String() string {
	return fmt.Sprintf("%d/%d", bf.Count(), bf.n)
}
