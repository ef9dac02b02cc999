package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/AutoMQ/audiostream/pkg/proto/command"
	"github.com/AutoMQ/audiostream/pkg/proto/tagstruct"
)

func TestStream_SyncClocks(t *testing.T) {
	at := func(usec int) time.Time { return _startTime.Add(time.Duration(usec) * time.Microsecond) }
	tests := []struct {
		name          string
		dir           Direction
		local, remote time.Time
		now           time.Time
		wantSync      bool
		wantTransport time.Duration
		wantTimestamp time.Time
	}{
		{
			name:  "playback in order",
			dir:   Playback,
			local: at(100), remote: at(150), now: at(200),
			wantSync: true, wantTransport: 50 * time.Microsecond, wantTimestamp: at(150),
		},
		{
			name:  "record in order",
			dir:   Record,
			local: at(100), remote: at(170), now: at(200),
			wantSync: true, wantTransport: 30 * time.Microsecond, wantTimestamp: at(170),
		},
		{
			name:  "server ahead",
			dir:   Playback,
			local: at(100), remote: at(250), now: at(200),
			wantSync: false, wantTransport: 50 * time.Microsecond, wantTimestamp: at(150),
		},
		{
			name:  "server behind",
			dir:   Record,
			local: at(100), remote: at(50), now: at(300),
			wantSync: false, wantTransport: 100 * time.Microsecond, wantTimestamp: at(200),
		},
		{
			name:  "all equal",
			dir:   Playback,
			local: at(100), remote: at(100), now: at(100),
			wantSync: true, wantTransport: 0, wantTimestamp: at(100),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			s := &Stream{direction: tt.dir}
			info := &LatencyInfo{}
			s.syncClocks(info, tt.local, tt.remote, tt.now)
			re.Equal(tt.wantSync, info.SynchronizedClocks)
			re.Equal(tt.wantTransport, info.TransportDelay)
			re.True(tt.wantTimestamp.Equal(info.Timestamp))
		})
	}
}

func TestStream_GetLatencyInfo(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	h := newHarness(t)

	s := h.playback(_u8Mono, 0, 6, 0)
	re.NoError(s.Write(make([]byte, 800), 0, SeekRelative))

	var got []*LatencyInfo
	o, err := s.GetLatencyInfo(func(cs *Stream, info *LatencyInfo) {
		re.Same(s, cs)
		got = append(got, info)
	})
	re.NoError(err)
	re.Equal(OperationRunning, o.State())

	tag, ts := h.expect(command.GetPlaybackLatency)
	channel, err := ts.GetU32()
	re.NoError(err)
	re.Equal(uint32(6), channel)
	local, err := ts.GetTimeval()
	re.NoError(err)
	re.True(_startTime.Equal(local))
	counter, err := ts.GetU64()
	re.NoError(err)
	re.Equal(uint64(800), counter)
	re.True(ts.EOF())

	h.clock.Advance(200 * time.Microsecond)
	reply := &latencyReply{
		buffer:      10 * time.Millisecond,
		sink:        20 * time.Millisecond,
		playing:     true,
		queueLength: 480,
		local:       local,
		remote:      local.Add(150 * time.Microsecond),
		counter:     800,
	}
	h.reply(tag, reply.put)

	re.Equal(OperationDone, o.State())
	re.Len(got, 1)
	info := got[0]
	re.True(info.SynchronizedClocks)
	re.Equal(150*time.Microsecond, info.TransportDelay)
	re.Equal(10*time.Millisecond, info.BufferDelay)
	re.Equal(20*time.Millisecond, info.SinkDelay)
	re.True(info.Playing)
	re.Equal(uint32(480), info.QueueLength)
	re.Equal(uint64(800), info.Counter)
	re.True(reply.remote.Equal(info.Timestamp))

	pos, err := s.GetTime(info)
	re.NoError(err)
	re.Equal(100*time.Millisecond-30*time.Millisecond-150*time.Microsecond, pos)
}

func TestStream_GetLatencyInfoFailure(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	h := newHarness(t)

	s := h.record(_u8Mono, nil, 0)
	calls := 0
	var got *LatencyInfo
	_, err := s.GetLatencyInfo(func(_ *Stream, info *LatencyInfo) {
		calls++
		got = info
	})
	re.NoError(err)
	tag, _ := h.expect(command.GetRecordLatency)
	h.replyError(tag, CodeNoEntity)
	re.Equal(1, calls)
	re.Nil(got)
	re.Equal(ContextReady, h.ctx.State())
	re.Equal(CodeNoEntity, h.ctx.Errno())

	// a reply with trailing data fails the connection
	_, err = s.GetLatencyInfo(func(*Stream, *LatencyInfo) { calls++ })
	re.NoError(err)
	tag, _ = h.expect(command.GetRecordLatency)
	h.reply(tag, func(ts *tagstruct.TagStruct) {
		(&latencyReply{local: _startTime, remote: _startTime}).put(ts)
		ts.PutU8(0)
	})
	re.Equal(1, calls)
	re.Equal(ContextFailed, h.ctx.State())
	re.Equal(CodeProtocol, h.ctx.Errno())
	re.Equal(StreamFailed, s.State())
}

func TestStream_GetLatencyInfoRejected(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	h := newHarness(t)

	s := h.newStream(_u8Mono)
	_, err := s.GetLatencyInfo(nil)
	re.ErrorIs(err, ErrBadState)

	re.NoError(s.ConnectUpload(100))
	tag, _ := h.expect(command.CreateUploadStream)
	h.reply(tag, func(ts *tagstruct.TagStruct) {
		ts.PutU32(0)
		ts.PutU32(100)
	})
	re.Equal(StreamReady, s.State())
	_, err = s.GetLatencyInfo(nil)
	re.ErrorIs(err, ErrBadState)
	_, err = s.GetTime(&LatencyInfo{})
	re.ErrorIs(err, ErrBadState)
	re.Empty(h.conn.packets)
}

func TestStream_GetTime(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	h := newHarness(t)

	info := &LatencyInfo{
		BufferDelay:    100 * time.Millisecond,
		SinkDelay:      30 * time.Millisecond,
		SourceDelay:    20 * time.Millisecond,
		TransportDelay: 10 * time.Millisecond,
		Counter:        8000,
	}

	p := h.playback(_u8Mono, 0, 0, 0)
	pos, err := p.GetTime(info)
	re.NoError(err)
	re.Equal(860*time.Millisecond, pos)

	r := h.record(_u8Mono, nil, 0)
	pos, err = r.GetTime(info)
	re.NoError(err)
	re.Equal(1100*time.Millisecond, pos)

	// playback clamps at zero
	q := h.playback(_u8Mono, 0, 1, 0)
	pos, err = q.GetTime(&LatencyInfo{Counter: 80, BufferDelay: time.Second})
	re.NoError(err)
	re.Zero(pos)

	_, err = p.GetTime(nil)
	re.ErrorIs(err, ErrInvalid)
}

func TestStream_GetLatency(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	h := newHarness(t)

	info := &LatencyInfo{BufferDelay: 100 * time.Millisecond, Counter: 8000}

	p := h.playback(_u8Mono, 0, 0, 0)
	p.counter = 16000
	latency, negative, err := p.GetLatency(info)
	re.NoError(err)
	re.False(negative)
	re.Equal(1100*time.Millisecond, latency)

	// playback position past the written data
	q := h.playback(_u8Mono, 0, 1, 0)
	latency, negative, err = q.GetLatency(info)
	re.NoError(err)
	re.False(negative)
	re.Zero(latency)

	r := h.record(_u8Mono, nil, 0)
	latency, negative, err = r.GetLatency(info)
	re.NoError(err)
	re.True(negative)
	re.Equal(1100*time.Millisecond, latency)

	r.counter = 16000
	latency, negative, err = r.GetLatency(info)
	re.NoError(err)
	re.False(negative)
	re.Equal(900*time.Millisecond, latency)
}

func TestStream_GetTimeMonotonic(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(rt *rapid.T) {
		re := require.New(rt)
		h := newHarness(rt)

		var s *Stream
		if rapid.Bool().Draw(rt, "record") {
			s = h.record(_s16Stereo, nil, 0)
		} else {
			s = h.playback(_s16Stereo, 0, 0, 0)
		}
		delay := rapid.Int64Range(0, int64(time.Second))
		var last time.Duration
		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			info := &LatencyInfo{
				BufferDelay:    time.Duration(delay.Draw(rt, "buffer")),
				SinkDelay:      time.Duration(delay.Draw(rt, "sink")),
				SourceDelay:    time.Duration(delay.Draw(rt, "source")),
				TransportDelay: time.Duration(delay.Draw(rt, "transport")),
				Counter:        rapid.Uint64Range(0, 1<<24).Draw(rt, "counter"),
			}
			pos, err := s.GetTime(info)
			re.NoError(err)
			re.GreaterOrEqual(pos, last)
			last = pos
		}
	})
}

func TestStream_Interpolation(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	h := newHarness(t)

	s := h.playback(_u8Mono, FlagInterpolateLatency, 0, 0)
	tag, ts := h.expect(command.GetPlaybackLatency)
	_, _ = ts.GetU32()
	local, err := ts.GetTimeval()
	re.NoError(err)

	pos, err := s.GetInterpolatedTime()
	re.NoError(err)
	re.Zero(pos)

	// the query is outstanding, the timer only re-arms
	h.advance(10 * time.Millisecond)
	re.Empty(h.conn.packets)

	h.reply(tag, (&latencyReply{local: local, remote: local.Add(5 * time.Millisecond), counter: 800}).put)
	pos, err = s.GetInterpolatedTime()
	re.NoError(err)
	re.Equal(100*time.Millisecond, pos)

	h.advance(10 * time.Millisecond)
	h.expect(command.GetPlaybackLatency)
	pos, err = s.GetInterpolatedTime()
	re.NoError(err)
	re.Equal(110*time.Millisecond, pos)

	latency, negative, err := s.GetInterpolatedLatency()
	re.NoError(err)
	re.False(negative)
	re.Zero(latency)

	// no refresh while the second query is outstanding
	h.advance(30 * time.Millisecond)
	re.Empty(h.conn.packets)
}

func TestStream_InterpolationReplyError(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	h := newHarness(t)

	s := h.playback(_u8Mono, FlagInterpolateLatency, 0, 0)
	tag, _ := h.expect(command.GetPlaybackLatency)
	h.replyError(tag, CodeInternal)
	re.Equal(StreamReady, s.State())

	// a failed refresh does not stall the model
	h.advance(10 * time.Millisecond)
	h.expect(command.GetPlaybackLatency)
}

func TestStream_InterpolatedTimeStaleReply(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	h := newHarness(t)

	s := h.playback(_u8Mono, FlagInterpolateLatency, 0, 0)
	tag, ts := h.expect(command.GetPlaybackLatency)
	_, _ = ts.GetU32()
	local, err := ts.GetTimeval()
	re.NoError(err)
	h.clock.Advance(10 * time.Millisecond)
	h.reply(tag, (&latencyReply{local: local, remote: local.Add(5 * time.Millisecond), counter: 800}).put)

	h.advance(40 * time.Millisecond)
	before, err := s.GetInterpolatedTime()
	re.NoError(err)
	re.Equal(140*time.Millisecond, before)

	// the server reports a position behind the one already handed out
	tag, ts = h.expect(command.GetPlaybackLatency)
	_, _ = ts.GetU32()
	local, err = ts.GetTimeval()
	re.NoError(err)
	h.reply(tag, (&latencyReply{local: local, remote: local, counter: 400}).put)

	pos, err := s.GetInterpolatedTime()
	re.NoError(err)
	re.Equal(before, pos)

	h.advance(50 * time.Millisecond)
	h.expect(command.GetPlaybackLatency)
	pos, err = s.GetInterpolatedTime()
	re.NoError(err)
	re.Equal(145*time.Millisecond, pos)
}

func TestStream_InterpolatedTimeCorked(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	h := newHarness(t)

	s := h.playback(_u8Mono, FlagInterpolateLatency, 0, 0)
	tag, ts := h.expect(command.GetPlaybackLatency)
	_, _ = ts.GetU32()
	local, err := ts.GetTimeval()
	re.NoError(err)
	h.clock.Advance(10 * time.Millisecond)
	h.reply(tag, (&latencyReply{local: local, remote: local.Add(5 * time.Millisecond), counter: 800}).put)

	before, err := s.GetInterpolatedTime()
	re.NoError(err)
	re.Equal(100*time.Millisecond, before)

	var acks []bool
	_, err = s.Cork(true, func(_ *Stream, ok bool) { acks = append(acks, ok) })
	re.NoError(err)
	re.True(s.IsCorked())
	tag, ts = h.expect(command.CorkPlaybackStream)
	_, _ = ts.GetU32()
	b, err := ts.GetBool()
	re.NoError(err)
	re.True(b)
	h.reply(tag, nil)
	re.Equal([]bool{true}, acks)

	for i := 0; i < 5; i++ {
		h.advance(50 * time.Millisecond)
		pos, err := s.GetInterpolatedTime()
		re.NoError(err)
		re.Equal(before, pos)
	}

	_, err = s.Cork(false, nil)
	re.NoError(err)
	re.False(s.IsCorked())
	h.advance(20 * time.Millisecond)
	pos, err := s.GetInterpolatedTime()
	re.NoError(err)
	re.Equal(before+20*time.Millisecond, pos)
	h.advance(20 * time.Millisecond)
	pos, err = s.GetInterpolatedTime()
	re.NoError(err)
	re.Equal(before+40*time.Millisecond, pos)
}

func TestStream_InterpolatedTimeRejected(t *testing.T) {
	t.Parallel()
	re := require.New(t)
	h := newHarness(t)

	s := h.playback(_u8Mono, 0, 0, 0)
	_, err := s.GetInterpolatedTime()
	re.ErrorIs(err, ErrBadState)
	_, _, err = s.GetInterpolatedLatency()
	re.ErrorIs(err, ErrBadState)
	re.Nil(s.ipolEvent)
}
