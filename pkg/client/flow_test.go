package client

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/AutoMQ/audiostream/pkg/proto/command"
	"github.com/AutoMQ/audiostream/pkg/proto/tagstruct"
)

func TestStream_WriteCredit(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(rt *rapid.T) {
		re := require.New(rt)
		h := newHarness(rt)

		initial := rapid.Uint32Range(0, 1<<14).Draw(rt, "initial")
		s := h.playback(_u8Mono, 0, 0, initial)

		credit := uint64(initial)
		var counter uint64
		steps := rapid.IntRange(1, 20).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(rt, "grant") {
				n := rapid.Uint32Range(0, 1<<13).Draw(rt, "bytes")
				h.push(command.Request, 0, n)
				credit += uint64(n)
			}
			l := rapid.IntRange(0, 1<<13).Draw(rt, "length")
			re.NoError(s.Write(make([]byte, l), 0, SeekRelative))
			if uint64(l) <= credit {
				credit -= uint64(l)
			} else {
				credit = 0
			}
			counter += uint64(l)

			got, err := s.WritableSize()
			re.NoError(err)
			re.Equal(int(credit), got)
			c, err := s.Counter()
			re.NoError(err)
			re.Equal(counter, c)
		}
	})
}

func TestStream_Write(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	h := newHarness(t)

	s := h.playback(_s16Stereo, 0, 7, 100)
	re.NoError(s.Write([]byte{1, 2, 3, 4}, 16, SeekAbsolute))
	re.NoError(s.Write(nil, 0, SeekRelative))
	re.NoError(s.Write([]byte{5, 6, 7, 8}, -4, SeekRelativeEnd))

	re.Equal([]sentMemblock{
		{channel: 7, offset: 16, seek: SeekAbsolute, data: []byte{1, 2, 3, 4}},
		{channel: 7, offset: -4, seek: SeekRelativeEnd, data: []byte{5, 6, 7, 8}},
	}, h.conn.memblocks)
	n, err := s.WritableSize()
	re.NoError(err)
	re.Equal(92, n)
}

func TestStream_WriteRejected(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness) *Stream
		data  []byte
		off   int64
		seek  SeekMode
		want  error
	}{
		{
			name:  "unconnected",
			setup: func(h *harness) *Stream { return h.newStream(_u8Mono) },
			data:  []byte{1},
			want:  ErrBadState,
		},
		{
			name:  "record stream",
			setup: func(h *harness) *Stream { return h.record(_u8Mono, nil, 0) },
			data:  []byte{1},
			want:  ErrBadState,
		},
		{
			name:  "unknown seek mode",
			setup: func(h *harness) *Stream { return h.playback(_u8Mono, 0, 0, 0) },
			data:  []byte{1},
			seek:  SeekMode(9),
			want:  ErrInvalid,
		},
		{
			name: "upload with offset",
			setup: func(h *harness) *Stream {
				s := h.newStream(_u8Mono)
				require.NoError(h.t, s.ConnectUpload(10))
				tag, _ := h.expect(command.CreateUploadStream)
				h.reply(tag, func(ts *tagstruct.TagStruct) {
					ts.PutU32(0)
					ts.PutU32(10)
				})
				return s
			},
			data: []byte{1},
			off:  1,
			want: ErrInvalid,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)
			h := newHarness(t)

			s := tt.setup(h)
			re.ErrorIs(s.Write(tt.data, tt.off, tt.seek), tt.want)
			re.Equal(CodeOf(tt.want), h.ctx.Errno())
			re.Empty(h.conn.memblocks)
		})
	}
}

func TestStream_Request(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	h := newHarness(t)

	s := h.playback(_u8Mono, 0, 1, 0)
	var got []int
	s.SetWriteCallback(func(_ *Stream, n int) { got = append(got, n) })

	h.push(command.Request, 1, 0)
	re.Empty(got)
	h.push(command.Request, 1, 10)
	h.push(command.Request, 1, 5)
	re.Equal([]int{10, 15}, got)

	// other channels are ignored
	h.push(command.Request, 2, 5)
	re.Equal([]int{10, 15}, got)

	h.receive(command.Request, _pushTag, nil)
	re.Equal(ContextFailed, h.ctx.State())
	re.Equal(CodeProtocol, h.ctx.Errno())
}

func TestStream_OverflowUnderflow(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	h := newHarness(t)

	s := h.playback(_u8Mono, 0, 0, 0)
	var events []string
	s.SetOverflowCallback(func(*Stream) { events = append(events, "overflow") })
	s.SetUnderflowCallback(func(*Stream) { events = append(events, "underflow") })

	h.push(command.Underflow, 0)
	h.push(command.Overflow, 0)
	h.push(command.Overflow, 3)
	re.Equal([]string{"underflow", "overflow"}, events)
	re.Equal(StreamReady, s.State())

	h.receive(command.Overflow, _pushTag, func(ts *tagstruct.TagStruct) {
		ts.PutU32(0)
		ts.PutU32(0)
	})
	re.Equal(ContextFailed, h.ctx.State())
}

func TestStream_PeekDrop(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	h := newHarness(t)

	s := h.record(_u8Mono, &BufferAttr{MaxLength: 1000}, 2)
	var readable []int
	s.SetReadCallback(func(_ *Stream, n int) { readable = append(readable, n) })

	re.ErrorIs(s.Drop(), ErrBadState)
	data, err := s.Peek()
	re.NoError(err)
	re.Nil(data)

	first, second := make([]byte, 10), make([]byte, 20)
	for i := range first {
		first[i] = 1
	}
	for i := range second {
		second[i] = 2
	}
	h.memblock(2, first)
	h.memblock(2, second)
	re.Equal([]int{10, 30}, readable)

	for i := 0; i < 3; i++ {
		data, err = s.Peek()
		re.NoError(err)
		re.Equal(first, data)
	}
	n, err := s.ReadableSize()
	re.NoError(err)
	re.Equal(30, n)

	re.NoError(s.Drop())
	counter, err := s.Counter()
	re.NoError(err)
	re.Equal(uint64(10), counter)

	data, err = s.Peek()
	re.NoError(err)
	re.Equal(second, data)
	re.NoError(s.Drop())
	re.ErrorIs(s.Drop(), ErrBadState)

	counter, err = s.Counter()
	re.NoError(err)
	re.Equal(uint64(30), counter)
	n, err = s.ReadableSize()
	re.NoError(err)
	re.Zero(n)
}

func TestStream_RecordOverrun(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	h := newHarness(t)

	s := h.record(_s16Stereo, &BufferAttr{MaxLength: 16}, 0)
	h.memblock(0, make([]byte, 12))
	h.memblock(0, make([]byte, 12))

	n, err := s.ReadableSize()
	re.NoError(err)
	re.Equal(16, n)

	// data for unknown channels and playback streams is discarded
	h.memblock(5, make([]byte, 4))
	p := h.playback(_s16Stereo, 0, 1, 0)
	h.memblock(1, make([]byte, 4))
	_, err = p.ReadableSize()
	re.ErrorIs(err, ErrBadState)
}

func TestStream_DropAfterOverrun(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	h := newHarness(t)

	s := h.record(_u8Mono, &BufferAttr{MaxLength: 20}, 0)
	h.memblock(0, bytes.Repeat([]byte{1}, 10))
	data, err := s.Peek()
	re.NoError(err)
	re.Equal(bytes.Repeat([]byte{1}, 10), data)

	// the held chunk is evicted while the reader looks at it
	h.memblock(0, bytes.Repeat([]byte{2}, 10))
	h.memblock(0, bytes.Repeat([]byte{3}, 10))

	re.NoError(s.Drop())
	counter, err := s.Counter()
	re.NoError(err)
	re.Equal(uint64(10), counter)

	data, err = s.Peek()
	re.NoError(err)
	re.Equal(bytes.Repeat([]byte{2}, 10), data)
	re.NoError(s.Drop())
	data, err = s.Peek()
	re.NoError(err)
	re.Equal(bytes.Repeat([]byte{3}, 10), data)
	re.NoError(s.Drop())

	counter, err = s.Counter()
	re.NoError(err)
	re.Equal(uint64(30), counter)
}

func TestStream_PeekRejected(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	h := newHarness(t)

	p := h.playback(_u8Mono, 0, 0, 0)
	_, err := p.Peek()
	re.ErrorIs(err, ErrBadState)
	re.ErrorIs(p.Drop(), ErrBadState)

	s := h.newStream(_u8Mono)
	_, err = s.Peek()
	re.ErrorIs(err, ErrBadState)
	_, err = s.ReadableSize()
	re.ErrorIs(err, ErrBadState)
	_, err = s.WritableSize()
	re.ErrorIs(err, ErrBadState)
}
