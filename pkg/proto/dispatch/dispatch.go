// Package dispatch routes decoded command packets to handlers: replies go to
// the handler registered for their tag, everything else to the command table.
package dispatch

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/audiostream/pkg/mainloop"
	"github.com/AutoMQ/audiostream/pkg/proto/command"
	"github.com/AutoMQ/audiostream/pkg/proto/tagstruct"
	"github.com/AutoMQ/audiostream/pkg/util/logutil"
)

// ReplyFunc handles the answer to a request. cmd is Reply, Error or Timeout;
// ts is positioned after the tag and is nil for Timeout.
type ReplyFunc func(cmd command.Command, ts *tagstruct.TagStruct)

// CommandFunc handles a command that is not a reply
type CommandFunc func(cmd command.Command, tag uint32, ts *tagstruct.TagStruct)

// Table maps commands to their handlers
type Table map[command.Command]CommandFunc

// ErrUnknownCommand is returned by Run for a command without handler
var ErrUnknownCommand = errors.New("dispatch: no handler for command")

type pending struct {
	fn    ReplyFunc
	timer *mainloop.TimeEvent
}

// Dispatcher correlates replies with requests by tag.
// All methods must be called from the loop goroutine.
type Dispatcher struct {
	loop    *mainloop.Loop
	table   Table
	replies map[uint32]*pending
	drain   func()

	lg *zap.Logger
}

// New creates a Dispatcher running reply timeouts on loop
func New(loop *mainloop.Loop, table Table, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		loop:    loop,
		table:   table,
		replies: make(map[uint32]*pending),
		lg:      logutil.OrNop(logger),
	}
}

// Register installs fn as the handler of the reply to tag. If no reply
// arrives within timeout, fn is called with command.Timeout.
func (d *Dispatcher) Register(tag uint32, timeout time.Duration, fn ReplyFunc) {
	p := &pending{fn: fn}
	p.timer = d.loop.TimeNew(d.loop.Now().Add(timeout), func(*mainloop.TimeEvent) {
		if logutil.DebugEnabled(d.lg) {
			d.lg.Debug("request timed out", zap.Uint32("tag", tag))
		}
		d.complete(tag, command.Timeout, nil)
	})
	d.replies[tag] = p
}

// IsPending reports whether a handler is waiting for a reply
func (d *Dispatcher) IsPending() bool {
	return len(d.replies) > 0
}

// SetDrainCallback sets a function called whenever the last pending reply
// completes. nil disables it.
func (d *Dispatcher) SetDrainCallback(fn func()) {
	d.drain = fn
}

func (d *Dispatcher) complete(tag uint32, cmd command.Command, ts *tagstruct.TagStruct) bool {
	p, ok := d.replies[tag]
	if !ok {
		return false
	}
	delete(d.replies, tag)
	p.timer.Free()
	p.fn(cmd, ts)
	if len(d.replies) == 0 && d.drain != nil {
		d.drain()
	}
	return true
}

// Run decodes the command and tag of a packet and calls its handler
func (d *Dispatcher) Run(payload []byte) error {
	ts := tagstruct.NewFromBytes(payload)
	c, err := ts.GetU32()
	if err != nil {
		return errors.WithMessage(err, "decode command")
	}
	tag, err := ts.GetU32()
	if err != nil {
		return errors.WithMessage(err, "decode tag")
	}
	cmd := command.Command(c)

	if logutil.DebugEnabled(d.lg) {
		d.lg.Debug("dispatch", zap.Stringer("command", cmd), zap.Uint32("tag", tag))
	}

	if cmd == command.Reply || cmd == command.Error {
		if !d.complete(tag, cmd, ts) {
			// the request has timed out already
			d.lg.Warn("reply for unknown tag", zap.Stringer("command", cmd), zap.Uint32("tag", tag))
		}
		return nil
	}

	fn, ok := d.table[cmd]
	if !ok || fn == nil {
		return errors.WithMessagef(ErrUnknownCommand, "command %s", cmd)
	}
	fn(cmd, tag, ts)
	return nil
}

// Close completes every pending handler with command.Timeout, oldest tag first
func (d *Dispatcher) Close() {
	d.drain = nil
	for len(d.replies) > 0 {
		tags := make([]uint32, 0, len(d.replies))
		for tag := range d.replies {
			tags = append(tags, tag)
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
		for _, tag := range tags {
			d.complete(tag, command.Timeout, nil)
		}
	}
}
