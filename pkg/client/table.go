package client

// _maxChannel bounds the channel indices a server may assign
const _maxChannel = 1 << 16

// channelTable maps server assigned channel indices to streams.
// Channels are small and dense, so a slice is used instead of a map.
type channelTable struct {
	slots []*Stream
}

// get returns the stream at channel, or nil
func (t *channelTable) get(channel uint32) *Stream {
	if uint64(channel) >= uint64(len(t.slots)) {
		return nil
	}
	return t.slots[channel]
}

// put sets the slot at channel, growing the table as needed. A nil stream
// clears the slot.
func (t *channelTable) put(channel uint32, s *Stream) {
	if s == nil {
		if uint64(channel) < uint64(len(t.slots)) {
			t.slots[channel] = nil
			t.trim()
		}
		return
	}
	if n := int(channel) + 1; n > len(t.slots) {
		if n <= cap(t.slots) {
			t.slots = t.slots[:n]
		} else {
			slots := make([]*Stream, n, 2*n)
			copy(slots, t.slots)
			t.slots = slots
		}
	}
	t.slots[channel] = s
}

// len returns one past the highest occupied channel
func (t *channelTable) len() int {
	return len(t.slots)
}

func (t *channelTable) trim() {
	n := len(t.slots)
	for n > 0 && t.slots[n-1] == nil {
		n--
	}
	t.slots = t.slots[:n]
}
