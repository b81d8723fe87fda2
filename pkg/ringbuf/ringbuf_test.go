package ringbuf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func TestProduceConsume(t *testing.T) {
	rb := New(8)
	assert.Equal(t, 8, rb.Cap())
	assert.Equal(t, 0, rb.Len())

	assert.Equal(t, 5, rb.Produce([]byte("hello")))
	assert.Equal(t, 5, rb.Len())
	assert.Equal(t, []byte("hello"), rb.ReadRegion())

	rb.Consume(3)
	assert.Equal(t, []byte("lo"), rb.ReadRegion())

	// wraps around the end of the backing array
	assert.Equal(t, 6, rb.Produce([]byte("world!!")))
	assert.Equal(t, 8, rb.Len())
	assert.Equal(t, 0, rb.Free())

	out := make([]byte, 8)
	assert.Equal(t, 8, rb.CopyOut(out))
	assert.Equal(t, []byte("loworld!"), out)
}

func TestShortWrite(t *testing.T) {
	rb := New(4)
	assert.Equal(t, 4, rb.Produce([]byte("abcdef")))
	assert.Equal(t, 0, rb.Produce([]byte("g")))
	rb.Consume(1)
	assert.Equal(t, 1, rb.Produce([]byte("gh")))
}

func TestContiguousRegionAcrossWrap(t *testing.T) {
	rb := New(6)
	rb.Produce([]byte("abcd"))
	rb.Consume(4)
	rb.Produce([]byte("efgh"))
	assert.Equal(t, []byte("ef"), rb.ReadRegion())
	assert.Equal(t, []byte("gh"), rb.Peek(2, 10))
	assert.Equal(t, []byte("f"), rb.Peek(1, 1))
	assert.Nil(t, rb.Peek(4, 1))
	rb.Consume(2)
	assert.Equal(t, []byte("gh"), rb.ReadRegion())
}

func TestConsumeUnderflowPanics(t *testing.T) {
	rb := New(4)
	rb.Produce([]byte("ab"))
	assert.Panics(t, func() { rb.Consume(3) })
	assert.Panics(t, func() { rb.Consume(-1) })
	assert.NotPanics(t, func() { rb.Consume(2) })
}

func TestRandomizedAccounting(t *testing.T) {
	const capacity = 97
	rb := New(capacity)
	r := rand.New(rand.NewSource(42))
	var model bytes.Buffer
	var produced, consumed uint64

	for i := 0; i < 5000; i++ {
		if r.Intn(2) == 0 {
			p := make([]byte, r.Intn(40))
			r.Read(p)
			n := rb.Produce(p)
			require.Equal(t, min(len(p), capacity-model.Len()), n)
			model.Write(p[:n])
			produced += uint64(n)
		} else {
			n := r.Intn(rb.Len() + 1)
			got := make([]byte, n)
			require.Equal(t, n, rb.CopyOut(got))
			require.Equal(t, model.Next(n), got)
			rb.Consume(n)
			consumed += uint64(n)
		}
		require.Equal(t, int(produced-consumed), rb.Len())
		require.LessOrEqual(t, rb.Len(), capacity)
		require.Equal(t, produced, rb.Produced())
		require.Equal(t, consumed, rb.Consumed())
	}
}
