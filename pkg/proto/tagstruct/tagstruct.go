// Package tagstruct implements the self-describing field encoding used in the
// header of every control packet. Each value is prefixed by a one byte tag
// naming its type, so a reader can detect a mismatch between what it expects
// and what the peer sent.
package tagstruct

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/AutoMQ/audiostream/pkg/sample"
)

// Tag identifies the type of the next value
type Tag byte

const (
	TagString     Tag = 't'
	TagStringNull Tag = 'N'
	TagU32        Tag = 'L'
	TagU8         Tag = 'B'
	TagU64        Tag = 'R'
	TagS64        Tag = 'r'
	TagSampleSpec Tag = 'a'
	TagArbitrary  Tag = 'x'
	TagBoolTrue   Tag = '1'
	TagBoolFalse  Tag = '0'
	TagTimeval    Tag = 'T'
	TagUsec       Tag = 'U'
	TagChannelMap Tag = 'm'
	TagCVolume    Tag = 'v'
)

var (
	// ErrShort is returned when a value extends past the end of the data
	ErrShort = errors.New("tagstruct: read past end of data")
	// ErrTag is returned when the next value has a different type than requested
	ErrTag = errors.New("tagstruct: unexpected tag")
)

// TagStruct is a sequence of tagged values.
// Writes append to the end, reads consume from the front.
type TagStruct struct {
	data   []byte
	rindex int
}

// New returns an empty TagStruct ready for writing
func New() *TagStruct {
	return &TagStruct{data: make([]byte, 0, 64)}
}

// NewFromBytes returns a TagStruct reading from data. data must not be modified afterwards.
func NewFromBytes(data []byte) *TagStruct {
	return &TagStruct{data: data}
}

// Bytes returns the encoded data
func (t *TagStruct) Bytes() []byte {
	return t.data
}

// Len returns the number of encoded bytes
func (t *TagStruct) Len() int {
	return len(t.data)
}

// EOF reports whether every value has been read
func (t *TagStruct) EOF() bool {
	return t.rindex >= len(t.data)
}

// Remaining returns the number of unread bytes
func (t *TagStruct) Remaining() int {
	return len(t.data) - t.rindex
}

func (t *TagStruct) PutU8(v uint8) {
	t.data = append(t.data, byte(TagU8), v)
}

func (t *TagStruct) PutU32(v uint32) {
	t.data = append(t.data, byte(TagU32))
	t.data = binary.BigEndian.AppendUint32(t.data, v)
}

func (t *TagStruct) PutU64(v uint64) {
	t.data = append(t.data, byte(TagU64))
	t.data = binary.BigEndian.AppendUint64(t.data, v)
}

func (t *TagStruct) PutS64(v int64) {
	t.data = append(t.data, byte(TagS64))
	t.data = binary.BigEndian.AppendUint64(t.data, uint64(v))
}

// PutString writes a NUL terminated string. s must not contain NUL bytes.
func (t *TagStruct) PutString(s string) {
	t.data = append(t.data, byte(TagString))
	t.data = append(t.data, s...)
	t.data = append(t.data, 0)
}

// PutNullString writes the absent string
func (t *TagStruct) PutNullString() {
	t.data = append(t.data, byte(TagStringNull))
}

func (t *TagStruct) PutBool(b bool) {
	if b {
		t.data = append(t.data, byte(TagBoolTrue))
		return
	}
	t.data = append(t.data, byte(TagBoolFalse))
}

// PutTimeval writes tm with microsecond precision
func (t *TagStruct) PutTimeval(tm time.Time) {
	usec := tm.UnixMicro()
	t.data = append(t.data, byte(TagTimeval))
	t.data = binary.BigEndian.AppendUint32(t.data, uint32(usec/1e6))
	t.data = binary.BigEndian.AppendUint32(t.data, uint32(usec%1e6))
}

// PutUsec writes d as a count of microseconds
func (t *TagStruct) PutUsec(d time.Duration) {
	t.data = append(t.data, byte(TagUsec))
	t.data = binary.BigEndian.AppendUint64(t.data, uint64(d.Microseconds()))
}

func (t *TagStruct) PutSampleSpec(s *sample.Spec) {
	t.data = append(t.data, byte(TagSampleSpec), byte(s.Format), s.Channels)
	t.data = binary.BigEndian.AppendUint32(t.data, s.Rate)
}

func (t *TagStruct) PutChannelMap(m *sample.ChannelMap) {
	t.data = append(t.data, byte(TagChannelMap), m.Channels)
	for i := uint8(0); i < m.Channels; i++ {
		t.data = append(t.data, byte(m.Map[i]))
	}
}

func (t *TagStruct) PutCVolume(v *sample.CVolume) {
	t.data = append(t.data, byte(TagCVolume), v.Channels)
	for i := uint8(0); i < v.Channels; i++ {
		t.data = binary.BigEndian.AppendUint32(t.data, uint32(v.Values[i]))
	}
}

// PutArbitrary writes a length prefixed byte slice
func (t *TagStruct) PutArbitrary(p []byte) {
	t.data = append(t.data, byte(TagArbitrary))
	t.data = binary.BigEndian.AppendUint32(t.data, uint32(len(p)))
	t.data = append(t.data, p...)
}

// expect consumes the tag and n following bytes, returning them
func (t *TagStruct) expect(tag Tag, n int) ([]byte, error) {
	if t.rindex >= len(t.data) {
		return nil, ErrShort
	}
	if got := Tag(t.data[t.rindex]); got != tag {
		return nil, errors.WithMessagef(ErrTag, "want %q, got %q", tag, got)
	}
	if t.rindex+1+n > len(t.data) {
		return nil, ErrShort
	}
	b := t.data[t.rindex+1 : t.rindex+1+n]
	t.rindex += 1 + n
	return b, nil
}

func (t *TagStruct) GetU8() (uint8, error) {
	b, err := t.expect(TagU8, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (t *TagStruct) GetU32() (uint32, error) {
	b, err := t.expect(TagU32, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (t *TagStruct) GetU64() (uint64, error) {
	b, err := t.expect(TagU64, 8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (t *TagStruct) GetS64() (int64, error) {
	b, err := t.expect(TagS64, 8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// GetString reads a string. The absent string is returned as ("", false).
func (t *TagStruct) GetString() (s string, ok bool, err error) {
	if t.rindex >= len(t.data) {
		return "", false, ErrShort
	}
	switch Tag(t.data[t.rindex]) {
	case TagStringNull:
		t.rindex++
		return "", false, nil
	case TagString:
		end := bytes.IndexByte(t.data[t.rindex+1:], 0)
		if end < 0 {
			return "", false, ErrShort
		}
		s = string(t.data[t.rindex+1 : t.rindex+1+end])
		t.rindex += 1 + end + 1
		return s, true, nil
	default:
		return "", false, errors.WithMessagef(ErrTag, "want string, got %q", t.data[t.rindex])
	}
}

func (t *TagStruct) GetBool() (bool, error) {
	if t.rindex >= len(t.data) {
		return false, ErrShort
	}
	switch Tag(t.data[t.rindex]) {
	case TagBoolTrue:
		t.rindex++
		return true, nil
	case TagBoolFalse:
		t.rindex++
		return false, nil
	default:
		return false, errors.WithMessagef(ErrTag, "want boolean, got %q", t.data[t.rindex])
	}
}

func (t *TagStruct) GetTimeval() (time.Time, error) {
	b, err := t.expect(TagTimeval, 8)
	if err != nil {
		return time.Time{}, err
	}
	sec := binary.BigEndian.Uint32(b[:4])
	usec := binary.BigEndian.Uint32(b[4:])
	if usec >= 1e6 {
		return time.Time{}, errors.Errorf("tagstruct: microseconds out of range: %d", usec)
	}
	return time.Unix(int64(sec), int64(usec)*int64(time.Microsecond)), nil
}

func (t *TagStruct) GetUsec() (time.Duration, error) {
	b, err := t.expect(TagUsec, 8)
	if err != nil {
		return 0, err
	}
	return time.Duration(binary.BigEndian.Uint64(b)) * time.Microsecond, nil
}

func (t *TagStruct) GetSampleSpec() (sample.Spec, error) {
	b, err := t.expect(TagSampleSpec, 6)
	if err != nil {
		return sample.Spec{}, err
	}
	return sample.Spec{
		Format:   sample.Format(b[0]),
		Channels: b[1],
		Rate:     binary.BigEndian.Uint32(b[2:]),
	}, nil
}

func (t *TagStruct) GetChannelMap() (sample.ChannelMap, error) {
	var m sample.ChannelMap
	b, err := t.expect(TagChannelMap, 1)
	if err != nil {
		return m, err
	}
	m.Channels = b[0]
	if m.Channels > sample.ChannelsMax {
		return m, errors.Errorf("tagstruct: too many channels: %d", m.Channels)
	}
	if t.Remaining() < int(m.Channels) {
		return m, ErrShort
	}
	for i := uint8(0); i < m.Channels; i++ {
		m.Map[i] = sample.Position(t.data[t.rindex])
		t.rindex++
	}
	return m, nil
}

func (t *TagStruct) GetCVolume() (sample.CVolume, error) {
	var v sample.CVolume
	b, err := t.expect(TagCVolume, 1)
	if err != nil {
		return v, err
	}
	v.Channels = b[0]
	if v.Channels > sample.ChannelsMax {
		return v, errors.Errorf("tagstruct: too many channels: %d", v.Channels)
	}
	if t.Remaining() < 4*int(v.Channels) {
		return v, ErrShort
	}
	for i := uint8(0); i < v.Channels; i++ {
		v.Values[i] = sample.Volume(binary.BigEndian.Uint32(t.data[t.rindex:]))
		t.rindex += 4
	}
	return v, nil
}

// GetArbitrary reads a length prefixed byte slice. The result aliases the TagStruct data.
func (t *TagStruct) GetArbitrary() ([]byte, error) {
	b, err := t.expect(TagArbitrary, 4)
	if err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(b))
	if t.Remaining() < n {
		return nil, ErrShort
	}
	p := t.data[t.rindex : t.rindex+n]
	t.rindex += n
	return p, nil
}

// String returns a short description, only for debug use
func (t *TagStruct) String() string {
	return fmt.Sprintf("tagstruct(len=%d, read=%d)", len(t.data), t.rindex)
}
