package server

import (
	"bytes"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/AutoMQ/audiostream/pkg/client"
	"github.com/AutoMQ/audiostream/pkg/proto/codec"
	"github.com/AutoMQ/audiostream/pkg/proto/command"
	"github.com/AutoMQ/audiostream/pkg/sample"
)

// streamEntry is the registry record of a stream. Only name may change
// after registration.
type streamEntry struct {
	index     uint32
	conn      *conn
	client    string
	direction client.Direction
	channel   uint32
	name      atomic.Pointer[string]
}

func (c *conn) newEntry(name string, dir client.Direction, channel uint32) *streamEntry {
	e := &streamEntry{
		conn:      c,
		client:    c.name,
		direction: dir,
		channel:   channel,
	}
	e.name.Store(&name)
	return e
}

func (e *streamEntry) info() StreamInfo {
	return StreamInfo{
		Index:     e.index,
		Client:    e.client,
		Name:      *e.name.Load(),
		Direction: e.direction,
		Channel:   e.channel,
	}
}

// playbackStream discards data at the rate of its sample spec. Indexes are
// byte positions in the stream: data is consumed at readIndex, written at
// writeIndex, and endIndex is the end of the written data.
type playbackStream struct {
	entry *streamEntry
	spec  sample.Spec
	attr  client.BufferAttr

	corked       bool
	prebuffering bool
	underrun     bool

	readIndex  int64
	writeIndex int64
	endIndex   int64

	missing uint64 // credit granted and not used yet
	drains  []uint32
	carry   time.Duration // consumed time not worth a whole frame yet
}

func (p *playbackStream) queued() uint64 {
	if p.endIndex <= p.readIndex {
		return 0
	}
	return uint64(p.endIndex - p.readIndex)
}

func (p *playbackStream) playing() bool {
	return !p.corked && !p.prebuffering && p.queued() > 0
}

func (c *conn) receivePlayback(p *playbackStream, data []byte, offset int64, seek codec.SeekMode) {
	switch seek {
	case codec.SeekRelative:
		p.writeIndex += offset
	case codec.SeekAbsolute:
		p.writeIndex = offset
	case codec.SeekRelativeOnRead:
		p.writeIndex = p.readIndex + offset
	case codec.SeekRelativeEnd:
		p.writeIndex = p.endIndex + offset
	default:
		c.lg.Warn("memblock with unknown seek mode", zap.Uint32("channel", p.entry.channel), zap.Stringer("seek", seek))
		return
	}

	n := uint64(len(data))
	p.writeIndex += int64(n)
	if p.writeIndex > p.endIndex {
		p.endIndex = p.writeIndex
	}
	if n > 0 {
		p.underrun = false
	}
	if n >= p.missing {
		p.missing = 0
	} else {
		p.missing -= n
	}
	c.server.metrics.bytesReceived(len(data))

	if p.queued() > uint64(p.attr.MaxLength) {
		p.readIndex = p.endIndex - int64(p.attr.MaxLength)
		c.server.metrics.xrun(command.Overflow)
		c.push(command.Overflow, p.entry.channel)
	}
}

// consume plays elapsed time worth of data
func (c *conn) consume(p *playbackStream, elapsed time.Duration) {
	if p.corked {
		return
	}
	if p.prebuffering {
		if q := p.queued(); q == 0 || q < uint64(p.attr.PreBuf) {
			return
		}
		p.prebuffering = false
		p.carry = 0
	}

	d := elapsed + p.carry
	n := p.spec.DurationToBytes(d)
	p.carry = d - p.spec.BytesToDuration(n)

	q := p.queued()
	switch {
	case n <= q:
		p.readIndex += int64(n)
	case !p.underrun:
		p.readIndex = p.endIndex
		p.underrun = true
		p.carry = 0
		p.prebuffering = p.attr.PreBuf > 0
		c.server.metrics.xrun(command.Underflow)
		c.push(command.Underflow, p.entry.channel)
	default:
		p.readIndex = p.endIndex
	}

	if p.queued() == 0 {
		c.completeDrains(p)
	}
	c.requestCredit(p)
}

// requestCredit grants the client enough credit to fill the target length
func (c *conn) requestCredit(p *playbackStream) {
	have := p.queued() + p.missing
	target := uint64(p.attr.TargetLength)
	if have >= target {
		return
	}
	want := target - have
	if want < uint64(p.attr.MinReq) {
		return
	}
	p.missing += want
	c.push(command.Request, p.entry.channel, uint32(want))
}

func (c *conn) completeDrains(p *playbackStream) {
	for _, tag := range p.drains {
		c.reply(tag)
	}
	p.drains = nil
}

func (c *conn) removePlayback(p *playbackStream) {
	for _, tag := range p.drains {
		c.replyError(tag, client.CodeNoEntity)
	}
	p.drains = nil
	delete(c.playback, p.entry.channel)
	c.server.unregister(p.entry)
}

// recordStream produces silence at the rate of its sample spec
type recordStream struct {
	entry   *streamEntry
	spec    sample.Spec
	attr    client.BufferAttr
	corked  bool
	silence []byte // one fragment
	carry   time.Duration
}

func newSilence(spec *sample.Spec, size uint32) []byte {
	return bytes.Repeat([]byte{spec.Format.Silence()}, int(size))
}

// produce sends elapsed time worth of data in fragments
func (c *conn) produce(r *recordStream, elapsed time.Duration) {
	if r.corked {
		return
	}
	d := elapsed + r.carry
	n := r.spec.DurationToBytes(d)
	r.carry = d - r.spec.BytesToDuration(n)

	for n > 0 {
		m := min(n, uint64(len(r.silence)))
		c.writeFrame(codec.NewMemblockFrame(r.entry.channel, 0, codec.SeekRelative, r.silence[:m]))
		c.server.metrics.bytesSent(int(m))
		n -= m
	}
}

func (c *conn) removeRecord(r *recordStream) {
	delete(c.record, r.entry.channel)
	c.server.unregister(r.entry)
}

// Sample is audio data stored by an upload stream
type Sample struct {
	Name       string
	Spec       sample.Spec
	ChannelMap sample.ChannelMap
	Data       []byte
}

// uploadStream collects data for a sample of a fixed length
type uploadStream struct {
	entry      *streamEntry
	spec       sample.Spec
	channelMap sample.ChannelMap
	length     uint32
	data       []byte
}

// receive appends p, dropping what exceeds the announced length
func (u *uploadStream) receive(p []byte) int {
	room := int(u.length) - len(u.data)
	if len(p) > room {
		p = p[:room]
	}
	u.data = append(u.data, p...)
	return len(p)
}

func (c *conn) removeUpload(u *uploadStream) {
	delete(c.uploads, u.entry.channel)
	c.server.unregister(u.entry)
}

// kill removes the stream of e and tells the client
func (c *conn) kill(e *streamEntry) {
	switch e.direction {
	case client.Playback:
		if p, ok := c.playback[e.channel]; ok && p.entry == e {
			c.removePlayback(p)
			c.push(command.PlaybackStreamKilled, e.channel)
		}
	case client.Record:
		if r, ok := c.record[e.channel]; ok && r.entry == e {
			c.removeRecord(r)
			c.push(command.RecordStreamKilled, e.channel)
		}
	case client.Upload:
		if u, ok := c.uploads[e.channel]; ok && u.entry == e {
			c.removeUpload(u)
			c.push(command.PlaybackStreamKilled, e.channel)
		}
	}
	c.lg.Info("stream killed", zap.Uint32("index", e.index), zap.Stringer("direction", e.direction), zap.Uint32("channel", e.channel))
}
