package orderedmap

type (
	// Segment is one transmitted, not yet acknowledged TCP segment.
	Segment struct {
		Seq   uint32
		Data  []byte
		Flags uint8
		Sent  int64 // engine clock, nanoseconds
		// Retransmitted segments are not used for RTT samples.
		Retransmitted bool
	}

	OrderedMap struct {
		acks []uint32            // expected ack num, in send order
		segs map[uint32]*Segment // ack to segment
	}
)

func NewOrderedMap() *OrderedMap {
	return &OrderedMap{
		acks: []uint32{},
		segs: make(map[uint32]*Segment),
	}
}

// Add or update an element
func (om *OrderedMap) Set(ack uint32, seg *Segment) {
	if _, exists := om.segs[ack]; !exists {
		om.acks = append(om.acks, ack) // Add key to order list if new
	}
	om.segs[ack] = seg
}

func (om *OrderedMap) Len() int {
	return len(om.acks)
}

func (om *OrderedMap) Get(ack uint32) (*Segment, bool) {
	seg, exists := om.segs[ack]
	return seg, exists
}

// Front returns the oldest unacknowledged segment.
func (om *OrderedMap) Front() (uint32, *Segment, bool) {
	if len(om.acks) == 0 {
		return 0, nil, false
	}
	ack := om.acks[0]
	return ack, om.segs[ack], true
}

// Each visits segments oldest first.
func (om *OrderedMap) Each(fn func(ack uint32, seg *Segment)) {
	for _, ack := range om.acks {
		fn(ack, om.segs[ack])
	}
}

// Remove an element
func (om *OrderedMap) Delete(ack uint32) {
	if _, exists := om.segs[ack]; exists {
		delete(om.segs, ack)
		for i, k := range om.acks {
			if k == ack {
				om.acks = append(om.acks[:i], om.acks[i+1:]...)
				break
			}
		}
	}
}

// DeleteUpTo removes every segment fully covered by ackNum and returns them
// oldest first.
func (om *OrderedMap) DeleteUpTo(ackNum uint32) []*Segment {
	var removed []*Segment
	i := 0
	for ; i < len(om.acks); i++ {
		ack := om.acks[i]
		if int32(ack-ackNum) > 0 {
			break
		}
		removed = append(removed, om.segs[ack])
		delete(om.segs, ack)
	}
	om.acks = om.acks[i:]
	return removed
}

func (om *OrderedMap) Clear() {
	om.acks = om.acks[:0]
	om.segs = make(map[uint32]*Segment)
}
