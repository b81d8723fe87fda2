package orderedmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeleteUpTo(t *testing.T) {
	om := NewOrderedMap()
	om.Set(110, &Segment{Seq: 100, Data: make([]byte, 10)})
	om.Set(120, &Segment{Seq: 110, Data: make([]byte, 10)})
	om.Set(130, &Segment{Seq: 120, Data: make([]byte, 10)})

	removed := om.DeleteUpTo(125)
	assert.Len(t, removed, 2)
	assert.Equal(t, uint32(100), removed[0].Seq)
	assert.Equal(t, uint32(110), removed[1].Seq)

	ack, seg, ok := om.Front()
	assert.True(t, ok)
	assert.Equal(t, uint32(130), ack)
	assert.Equal(t, uint32(120), seg.Seq)
	assert.Equal(t, 1, om.Len())
}

func TestDeleteUpToAcrossWrap(t *testing.T) {
	om := NewOrderedMap()
	om.Set(0xfffffff0, &Segment{Seq: 0xffffffe0})
	om.Set(0x10, &Segment{Seq: 0xfffffff0})
	assert.Len(t, om.DeleteUpTo(0x10), 2)
	assert.Equal(t, 0, om.Len())
	_, _, ok := om.Front()
	assert.False(t, ok)
}

func TestSetDeleteEach(t *testing.T) {
	om := NewOrderedMap()
	om.Set(1, &Segment{Seq: 0})
	om.Set(2, &Segment{Seq: 1})
	om.Set(1, &Segment{Seq: 0, Retransmitted: true})
	assert.Equal(t, 2, om.Len())
	seg, ok := om.Get(1)
	assert.True(t, ok)
	assert.True(t, seg.Retransmitted)

	om.Delete(1)
	var seen []uint32
	om.Each(func(ack uint32, _ *Segment) { seen = append(seen, ack) })
	assert.Equal(t, []uint32{2}, seen)
	om.Clear()
	assert.Equal(t, 0, om.Len())
}
