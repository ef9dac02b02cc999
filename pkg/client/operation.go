package client

import (
	"github.com/AutoMQ/audiostream/pkg/proto/command"
	"github.com/AutoMQ/audiostream/pkg/proto/tagstruct"
)

// OperationState is the state of an asynchronous request
type OperationState int

const (
	OperationRunning OperationState = iota
	OperationDone
	OperationCancelled
)

func (s OperationState) String() string {
	switch s {
	case OperationRunning:
		return "Running"
	case OperationDone:
		return "Done"
	case OperationCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// callback is implemented by the completion callbacks an Operation accepts
type callback interface {
	operationCallback()
}

// SuccessFunc is called when a simple request completes.
// success is false if the server rejected the request or it timed out.
type SuccessFunc func(s *Stream, success bool)

// LatencyInfoFunc is called with the answer to a latency query.
// info is nil if the query failed.
type LatencyInfoFunc func(s *Stream, info *LatencyInfo)

func (SuccessFunc) operationCallback()     {}
func (LatencyInfoFunc) operationCallback() {}

// Operation tracks an asynchronous request. While running, it keeps its
// stream alive. Cancelling it suppresses the callback; the request itself is
// not withdrawn from the server.
type Operation struct {
	ctx    *Context
	stream *Stream
	state  OperationState
	cb     callback
}

func newOperation(c *Context, s *Stream, cb callback) *Operation {
	o := &Operation{
		ctx:    c,
		stream: s.Ref(),
		cb:     cb,
	}
	c.operations[o] = struct{}{}
	return o
}

// State returns the state of o
func (o *Operation) State() OperationState {
	return o.state
}

// Cancel suppresses the callback of a running operation
func (o *Operation) Cancel() {
	o.setState(OperationCancelled)
}

func (o *Operation) done() {
	o.setState(OperationDone)
}

func (o *Operation) setState(st OperationState) {
	if o.state != OperationRunning || st == o.state {
		return
	}
	o.state = st
	delete(o.ctx.operations, o)
	o.cb = nil
	if s := o.stream; s != nil {
		o.stream = nil
		s.Unref()
	}
}

func (o *Operation) succeed(success bool) {
	if o.state != OperationRunning {
		return
	}
	if fn, ok := o.cb.(SuccessFunc); ok && fn != nil {
		fn(o.stream, success)
	}
}

func (o *Operation) latencyInfo(info *LatencyInfo) {
	if o.state != OperationRunning {
		return
	}
	if fn, ok := o.cb.(LatencyInfoFunc); ok && fn != nil {
		fn(o.stream, info)
	}
}

// simpleAck handles replies that carry no data
func (o *Operation) simpleAck(cmd command.Command, ts *tagstruct.TagStruct) {
	defer o.done()

	c := o.ctx
	success := true
	if cmd != command.Reply {
		if c.handleError(cmd, ts) != nil {
			return
		}
		success = false
	} else if !ts.EOF() {
		c.fail(CodeProtocol)
		return
	}
	o.succeed(success)
}
