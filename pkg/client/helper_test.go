package client

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AutoMQ/audiostream/pkg/config"
	"github.com/AutoMQ/audiostream/pkg/mainloop"
	"github.com/AutoMQ/audiostream/pkg/memblock"
	"github.com/AutoMQ/audiostream/pkg/proto/codec"
	"github.com/AutoMQ/audiostream/pkg/proto/command"
	"github.com/AutoMQ/audiostream/pkg/proto/tagstruct"
	"github.com/AutoMQ/audiostream/pkg/sample"
)

const _pushTag uint32 = 0xFFFFFFFF

var (
	_startTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	// 8000 bytes per second, one byte per frame
	_u8Mono = sample.Spec{Format: sample.U8, Rate: 8000, Channels: 1}
	// 176400 bytes per second, four bytes per frame
	_s16Stereo = sample.Spec{Format: sample.S16LE, Rate: 44100, Channels: 2}
)

type sentMemblock struct {
	channel uint32
	offset  int64
	seek    codec.SeekMode
	data    []byte
}

// recorder is a packetStream keeping what is sent
type recorder struct {
	packets   [][]byte
	memblocks []sentMemblock
	closed    bool
}

func (r *recorder) SendPacket(payload []byte) {
	r.packets = append(r.packets, append([]byte(nil), payload...))
}

func (r *recorder) SendMemblock(channel uint32, offset int64, seek codec.SeekMode, chunk memblock.Chunk) {
	r.memblocks = append(r.memblocks, sentMemblock{
		channel: channel,
		offset:  offset,
		seek:    seek,
		data:    append([]byte(nil), chunk.Data()...),
	})
	chunk.Unref()
}

func (r *recorder) Close() {
	r.closed = true
}

type harness struct {
	t     require.TestingT
	clock clockwork.FakeClock
	loop  *mainloop.Loop
	ctx   *Context
	conn  *recorder
}

func newHarness(t require.TestingT) *harness {
	return newHarnessWithConfig(t, config.NewClient())
}

// newHarnessWithConfig returns a harness with a Ready context
func newHarnessWithConfig(t require.TestingT, cfg *config.Client) *harness {
	re := require.New(t)
	clock := clockwork.NewFakeClockAt(_startTime)
	loop := mainloop.New(clock, zap.NewNop())
	h := &harness{
		t:     t,
		clock: clock,
		loop:  loop,
		ctx:   NewContext(loop, cfg, zap.NewNop()),
		conn:  &recorder{},
	}
	h.ctx.attach(h.conn)
	re.Equal(ContextSettingName, h.ctx.State())

	cmd, tag, ts := h.pop()
	re.Equal(command.SetClientName, cmd)
	name, ok, err := ts.GetString()
	re.NoError(err)
	re.True(ok)
	re.Equal(h.ctx.Name(), name)

	h.reply(tag, nil)
	re.Equal(ContextReady, h.ctx.State())
	return h
}

// pop removes the oldest sent packet and decodes its header
func (h *harness) pop() (command.Command, uint32, *tagstruct.TagStruct) {
	re := require.New(h.t)
	re.NotEmpty(h.conn.packets, "no packet sent")
	p := h.conn.packets[0]
	h.conn.packets = h.conn.packets[1:]

	ts := tagstruct.NewFromBytes(p)
	cmd, err := ts.GetU32()
	re.NoError(err)
	tag, err := ts.GetU32()
	re.NoError(err)
	return command.Command(cmd), tag, ts
}

// expect pops a packet and checks its command
func (h *harness) expect(want command.Command) (uint32, *tagstruct.TagStruct) {
	cmd, tag, ts := h.pop()
	require.Equal(h.t, want, cmd)
	return tag, ts
}

func (h *harness) receive(cmd command.Command, tag uint32, put func(ts *tagstruct.TagStruct)) {
	ts := tagstruct.New()
	ts.PutU32(uint32(cmd))
	ts.PutU32(tag)
	if put != nil {
		put(ts)
	}
	h.ctx.receivePacket(ts.Bytes())
}

func (h *harness) reply(tag uint32, put func(ts *tagstruct.TagStruct)) {
	h.receive(command.Reply, tag, put)
}

func (h *harness) replyError(tag uint32, code Code) {
	h.receive(command.Error, tag, func(ts *tagstruct.TagStruct) { ts.PutU32(uint32(code)) })
}

func (h *harness) push(cmd command.Command, values ...uint32) {
	h.receive(cmd, _pushTag, func(ts *tagstruct.TagStruct) {
		for _, v := range values {
			ts.PutU32(v)
		}
	})
}

// advance moves the clock and runs expired timers
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.loop.RunPending()
}

func (h *harness) newStream(spec sample.Spec) *Stream {
	s, err := NewStream(h.ctx, "test", &spec, nil)
	require.NoError(h.t, err)
	return s
}

// playback returns a Ready playback stream on channel with credit granted on creation
func (h *harness) playback(spec sample.Spec, flags StreamFlags, channel, credit uint32) *Stream {
	re := require.New(h.t)
	s := h.newStream(spec)
	re.NoError(s.ConnectPlayback("", nil, flags, nil, nil))
	tag, _ := h.expect(command.CreatePlaybackStream)
	h.reply(tag, func(ts *tagstruct.TagStruct) {
		ts.PutU32(channel)
		ts.PutU32(0)
		ts.PutU32(credit)
	})
	re.Equal(StreamReady, s.State())
	return s
}

// record returns a Ready record stream on channel
func (h *harness) record(spec sample.Spec, attr *BufferAttr, channel uint32) *Stream {
	re := require.New(h.t)
	s := h.newStream(spec)
	re.NoError(s.ConnectRecord("", attr, 0))
	tag, _ := h.expect(command.CreateRecordStream)
	h.reply(tag, func(ts *tagstruct.TagStruct) {
		ts.PutU32(channel)
		ts.PutU32(0)
	})
	re.Equal(StreamReady, s.State())
	return s
}

// latencyReply answers a latency query
type latencyReply struct {
	buffer, sink, source time.Duration
	playing              bool
	queueLength          uint32
	local, remote        time.Time
	counter              uint64
}

func (l *latencyReply) put(ts *tagstruct.TagStruct) {
	ts.PutUsec(l.buffer)
	ts.PutUsec(l.sink)
	ts.PutUsec(l.source)
	ts.PutBool(l.playing)
	ts.PutU32(l.queueLength)
	ts.PutTimeval(l.local)
	ts.PutTimeval(l.remote)
	ts.PutU64(l.counter)
}

// memblock delivers record data
func (h *harness) memblock(channel uint32, data []byte) {
	h.ctx.receiveMemblock(channel, 0, codec.SeekRelative, memblock.NewChunk(memblock.NewFromBytes(data)))
}

// upload returns a Ready upload stream on channel
func (h *harness) upload(spec sample.Spec, channel, length uint32) *Stream {
	re := require.New(h.t)
	s := h.newStream(spec)
	re.NoError(s.ConnectUpload(length))
	tag, _ := h.expect(command.CreateUploadStream)
	h.reply(tag, func(ts *tagstruct.TagStruct) {
		ts.PutU32(channel)
		ts.PutU32(length)
	})
	re.Equal(StreamReady, s.State())
	return s
}
