// Fixed-capacity byte queue.
// Positions are running byte counts; the slot for a position is pos % cap.
package ringbuf

import "fmt"

type RingBuffer struct {
	buf []byte
	rd  uint64 // total consumed
	wr  uint64 // total produced
}

func New(capacity int) *RingBuffer {
	if capacity <= 0 {
		panic(fmt.Sprintf("ringbuf: capacity %d", capacity))
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

func (rb *RingBuffer) Cap() int { return len(rb.buf) }

// Len is the number of bytes available to read.
func (rb *RingBuffer) Len() int { return int(rb.wr - rb.rd) }

func (rb *RingBuffer) Free() int { return len(rb.buf) - rb.Len() }

func (rb *RingBuffer) Produced() uint64 { return rb.wr }

func (rb *RingBuffer) Consumed() uint64 { return rb.rd }

// Produce copies as much of p as fits and returns the count. It never blocks
// and never grows the buffer.
func (rb *RingBuffer) Produce(p []byte) int {
	n := min(len(p), rb.Free())
	if n == 0 {
		return 0
	}
	s := rb.index(rb.wr)
	e := (s + n) % len(rb.buf)
	if e > s {
		copy(rb.buf[s:e], p[:n])
	} else {
		firstPart := len(rb.buf) - s
		copy(rb.buf[s:], p[:firstPart])
		copy(rb.buf[:e], p[firstPart:n])
	}
	rb.wr += uint64(n)
	return n
}

// Consume drops n bytes from the front. Consuming more than Len is a bug in
// the caller.
func (rb *RingBuffer) Consume(n int) {
	if n < 0 || n > rb.Len() {
		panic(fmt.Sprintf("ringbuf: consume %d with %d buffered", n, rb.Len()))
	}
	rb.rd += uint64(n)
}

// ReadRegion returns the contiguous readable bytes at the front. The slice is
// valid until the next Produce or Consume.
func (rb *RingBuffer) ReadRegion() []byte {
	return rb.Peek(0, rb.Len())
}

// Peek returns up to n contiguous bytes starting off bytes past the front.
// It may return fewer than n when the data wraps.
func (rb *RingBuffer) Peek(off, n int) []byte {
	avail := rb.Len() - off
	if off < 0 || avail <= 0 || n <= 0 {
		return nil
	}
	n = min(n, avail)
	s := rb.index(rb.rd + uint64(off))
	n = min(n, len(rb.buf)-s)
	return rb.buf[s : s+n]
}

// CopyOut copies buffered bytes into p without consuming them.
func (rb *RingBuffer) CopyOut(p []byte) int {
	total := 0
	for total < len(p) {
		region := rb.Peek(total, len(p)-total)
		if len(region) == 0 {
			break
		}
		total += copy(p[total:], region)
	}
	return total
}

func (rb *RingBuffer) index(pos uint64) int {
	return int(pos % uint64(len(rb.buf)))
}
