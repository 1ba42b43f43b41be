package bitfield

import (
	"testing"

	"github.com/go-quicktest/qt"
)

func TestRoundTrip(t *testing.T) {
	bf := New(11)
	bf.Set(0)
	bf.Set(7)
	bf.Set(10)
	qt.Assert(t, qt.Equals(bf.Count(), uint32(3)))
	dec, err := FromBytes(bf.Bytes(), 11)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(dec.Get(0)))
	qt.Assert(t, qt.IsTrue(dec.Get(7)))
	qt.Assert(t, qt.IsTrue(dec.Get(10)))
	qt.Assert(t, qt.IsFalse(dec.Get(1)))
}

func TestAllSet(t *testing.T) {
	bf := New(9)
	qt.Assert(t, qt.IsFalse(bf.AllSet()))
	bf.SetAll()
	qt.Assert(t, qt.IsTrue(bf.AllSet()))
	qt.Assert(t, qt.IsFalse(New(0).AllSet()))
}

func TestSpareBitsRejected(t *testing.T) {
	_, err := FromBytes([]byte{0xff}, 4)
	qt.Assert(t, qt.IsNotNil(err))
}

func TestTooShort(t *testing.T) {
	_, err := FromBytes([]byte{0xff}, 9)
	qt.Assert(t, qt.IsNotNil(err))
}
