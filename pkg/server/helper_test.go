package server

import (
	"bytes"
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AutoMQ/audiostream/pkg/client"
	"github.com/AutoMQ/audiostream/pkg/proto/codec"
	"github.com/AutoMQ/audiostream/pkg/proto/command"
	"github.com/AutoMQ/audiostream/pkg/proto/tagstruct"
	"github.com/AutoMQ/audiostream/pkg/sample"
)

const _clientName = "tester"

var (
	_startTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	// 8000 bytes per second, one byte per frame
	_u8Mono = sample.Spec{Format: sample.U8, Rate: 8000, Channels: 1}
	// 176400 bytes per second, four bytes per frame
	_s16Stereo = sample.Spec{Format: sample.S16LE, Rate: 44100, Channels: 2}
)

// wire drives a conn without its serve loop. Frames the conn writes are
// kept in out.
type wire struct {
	t     require.TestingT
	re    *require.Assertions
	clock clockwork.FakeClock
	s     *Server
	c     *conn
	out   *bytes.Buffer
	in    *codec.Framer
	tag   uint32
}

// newWire returns a wire whose client has set its name
func newWire(t require.TestingT) *wire {
	w := newUnnamedWire(t)
	tag := w.command(command.SetClientName, func(ts *tagstruct.TagStruct) { ts.PutString(_clientName) })
	w.expectReply(tag)
	return w
}

func newUnnamedWire(t require.TestingT) *wire {
	clock := clockwork.NewFakeClockAt(_startTime)
	s := NewServer(context.Background(), nil, zap.NewNop())
	s.clock = clock
	out := &bytes.Buffer{}
	c := &conn{
		server:   s,
		playback: make(map[uint32]*playbackStream),
		record:   make(map[uint32]*recordStream),
		uploads:  make(map[uint32]*uploadStream),
		lastTick: clock.Now(),
		lg:       zap.NewNop(),
	}
	c.framer = codec.NewFramer(out, nil, nil)
	return &wire{
		t:     t,
		re:    require.New(t),
		clock: clock,
		s:     s,
		c:     c,
		out:   out,
		in:    codec.NewFramer(nil, out, nil),
	}
}

// send processes a command packet and returns the error of the conn
func (w *wire) send(cmd command.Command, tag uint32, put func(ts *tagstruct.TagStruct)) error {
	ts := tagstruct.New()
	ts.PutU32(uint32(cmd))
	ts.PutU32(tag)
	if put != nil {
		put(ts)
	}
	return w.c.processCommand(ts.Bytes())
}

// command sends a well formed command and returns its tag
func (w *wire) command(cmd command.Command, put func(ts *tagstruct.TagStruct)) uint32 {
	w.tag++
	w.re.NoError(w.send(cmd, w.tag, put))
	return w.tag
}

func (w *wire) memblock(channel uint32, offset int64, seek codec.SeekMode, data []byte) {
	w.c.processMemblock(codec.NewMemblockFrame(channel, offset, seek, data))
}

// tick advances the clock by d and lets the conn catch up
func (w *wire) tick(d time.Duration) {
	w.clock.Advance(d)
	w.c.tick(w.clock.Now())
}

// next returns the oldest frame written by the conn
func (w *wire) next() *codec.Frame {
	w.re.NotZero(w.out.Len(), "no frame written")
	f, free, err := w.in.ReadFrame()
	w.re.NoError(err)
	defer free()
	f.Payload = append([]byte(nil), f.Payload...)
	return f
}

// packet returns the header of the oldest frame, which must be a packet
func (w *wire) packet() (command.Command, uint32, *tagstruct.TagStruct) {
	f := w.next()
	w.re.Equal(codec.KindCommand, f.Kind)
	ts := tagstruct.NewFromBytes(f.Payload)
	cmd, err := ts.GetU32()
	w.re.NoError(err)
	tag, err := ts.GetU32()
	w.re.NoError(err)
	return command.Command(cmd), tag, ts
}

func (w *wire) expectReply(tag uint32) *tagstruct.TagStruct {
	cmd, got, ts := w.packet()
	w.re.Equal(command.Reply, cmd)
	w.re.Equal(tag, got)
	return ts
}

// expectEmptyReply also checks that the reply carries nothing
func (w *wire) expectEmptyReply(tag uint32) {
	w.re.True(w.expectReply(tag).EOF())
}

func (w *wire) expectError(tag uint32, code client.Code) {
	cmd, got, ts := w.packet()
	w.re.Equal(command.Error, cmd)
	w.re.Equal(tag, got)
	v, err := ts.GetU32()
	w.re.NoError(err)
	w.re.Equal(code, client.Code(v))
	w.re.True(ts.EOF())
}

// expectPush checks a command sent without request
func (w *wire) expectPush(want command.Command, values ...uint32) {
	cmd, tag, ts := w.packet()
	w.re.Equal(want, cmd)
	w.re.Equal(_pushTag, tag)
	for _, v := range values {
		got, err := ts.GetU32()
		w.re.NoError(err)
		w.re.Equal(v, got)
	}
	w.re.True(ts.EOF())
}

func (w *wire) expectNothing() {
	w.re.Zero(w.out.Len(), "unexpected frame written")
}

// playback creates a playback stream and returns its channel and the target length granted
func (w *wire) playback(spec sample.Spec, attr client.BufferAttr, corked bool) (uint32, uint32) {
	tag := w.command(command.CreatePlaybackStream, func(ts *tagstruct.TagStruct) {
		putPlayback(ts, "music", spec, sample.AutoChannelMap(spec.Channels), "", attr, corked, sample.ResetVolume(spec.Channels))
	})
	ts := w.expectReply(tag)
	channel, err := ts.GetU32()
	w.re.NoError(err)
	sink, err := ts.GetU32()
	w.re.NoError(err)
	w.re.Equal(_sinkIndex, sink)
	tlength, err := ts.GetU32()
	w.re.NoError(err)
	w.re.True(ts.EOF())
	return channel, tlength
}

func putPlayback(ts *tagstruct.TagStruct, name string, spec sample.Spec, cm sample.ChannelMap, dev string, attr client.BufferAttr, corked bool, cv sample.CVolume) {
	ts.PutString(name)
	ts.PutSampleSpec(&spec)
	ts.PutChannelMap(&cm)
	ts.PutU32(client.InvalidIndex)
	if dev == "" {
		ts.PutNullString()
	} else {
		ts.PutString(dev)
	}
	ts.PutU32(attr.MaxLength)
	ts.PutBool(corked)
	ts.PutU32(attr.TargetLength)
	ts.PutU32(attr.PreBuf)
	ts.PutU32(attr.MinReq)
	ts.PutU32(0)
	ts.PutCVolume(&cv)
}

// record creates a record stream and returns its channel
func (w *wire) record(spec sample.Spec, attr client.BufferAttr, corked bool) uint32 {
	tag := w.command(command.CreateRecordStream, func(ts *tagstruct.TagStruct) {
		putRecord(ts, "mic", spec, sample.AutoChannelMap(spec.Channels), "", attr, corked)
	})
	ts := w.expectReply(tag)
	channel, err := ts.GetU32()
	w.re.NoError(err)
	source, err := ts.GetU32()
	w.re.NoError(err)
	w.re.Equal(_sourceIndex, source)
	w.re.True(ts.EOF())
	return channel
}

func putRecord(ts *tagstruct.TagStruct, name string, spec sample.Spec, cm sample.ChannelMap, dev string, attr client.BufferAttr, corked bool) {
	ts.PutString(name)
	ts.PutSampleSpec(&spec)
	ts.PutChannelMap(&cm)
	ts.PutU32(client.InvalidIndex)
	if dev == "" {
		ts.PutNullString()
	} else {
		ts.PutString(dev)
	}
	ts.PutU32(attr.MaxLength)
	ts.PutBool(corked)
	ts.PutU32(attr.FragSize)
}

// upload creates an upload stream and returns its channel
func (w *wire) upload(name string, spec sample.Spec, length uint32) uint32 {
	tag := w.command(command.CreateUploadStream, func(ts *tagstruct.TagStruct) {
		putUpload(ts, name, spec, length)
	})
	ts := w.expectReply(tag)
	channel, err := ts.GetU32()
	w.re.NoError(err)
	got, err := ts.GetU32()
	w.re.NoError(err)
	w.re.Equal(length, got)
	w.re.True(ts.EOF())
	return channel
}

func putUpload(ts *tagstruct.TagStruct, name string, spec sample.Spec, length uint32) {
	cm := sample.AutoChannelMap(spec.Channels)
	ts.PutString(name)
	ts.PutSampleSpec(&spec)
	ts.PutChannelMap(&cm)
	ts.PutU32(length)
}

func putChannel(channel uint32) func(ts *tagstruct.TagStruct) {
	return func(ts *tagstruct.TagStruct) { ts.PutU32(channel) }
}
