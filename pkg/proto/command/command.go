package command

import (
	"fmt"
)

// Command is the code at the head of every control packet.
type Command uint32

const (
	Error   Command = 0
	Timeout Command = 1 // pseudo command, never sent on the wire
	Reply   Command = 2

	CreatePlaybackStream Command = 3
	DeletePlaybackStream Command = 4
	CreateRecordStream   Command = 5
	DeleteRecordStream   Command = 6

	Exit          Command = 7
	Auth          Command = 8
	SetClientName Command = 9

	DrainPlaybackStream Command = 12
	GetPlaybackLatency  Command = 14
	CreateUploadStream  Command = 15
	DeleteUploadStream  Command = 16
	FinishUploadStream  Command = 17

	CorkPlaybackStream    Command = 41
	FlushPlaybackStream   Command = 42
	TriggerPlaybackStream Command = 43

	SetPlaybackStreamName Command = 46
	SetRecordStreamName   Command = 47

	GetRecordLatency     Command = 57
	CorkRecordStream     Command = 58
	FlushRecordStream    Command = 59
	PrebufPlaybackStream Command = 60
	Request              Command = 61 // server -> client
	Overflow             Command = 62 // server -> client
	Underflow            Command = 63 // server -> client
	PlaybackStreamKilled Command = 64 // server -> client
	RecordStreamKilled   Command = 65 // server -> client
)

var EnumNamesCommand = map[Command]string{
	Error:                 "Error",
	Timeout:               "Timeout",
	Reply:                 "Reply",
	CreatePlaybackStream:  "CreatePlaybackStream",
	DeletePlaybackStream:  "DeletePlaybackStream",
	CreateRecordStream:    "CreateRecordStream",
	DeleteRecordStream:    "DeleteRecordStream",
	Exit:                  "Exit",
	Auth:                  "Auth",
	SetClientName:         "SetClientName",
	DrainPlaybackStream:   "DrainPlaybackStream",
	GetPlaybackLatency:    "GetPlaybackLatency",
	CreateUploadStream:    "CreateUploadStream",
	DeleteUploadStream:    "DeleteUploadStream",
	FinishUploadStream:    "FinishUploadStream",
	CorkPlaybackStream:    "CorkPlaybackStream",
	FlushPlaybackStream:   "FlushPlaybackStream",
	TriggerPlaybackStream: "TriggerPlaybackStream",
	SetPlaybackStreamName: "SetPlaybackStreamName",
	SetRecordStreamName:   "SetRecordStreamName",
	GetRecordLatency:      "GetRecordLatency",
	CorkRecordStream:      "CorkRecordStream",
	FlushRecordStream:     "FlushRecordStream",
	PrebufPlaybackStream:  "PrebufPlaybackStream",
	Request:               "Request",
	Overflow:              "Overflow",
	Underflow:             "Underflow",
	PlaybackStreamKilled:  "PlaybackStreamKilled",
	RecordStreamKilled:    "RecordStreamKilled",
}

// String implements fmt.Stringer
func (c Command) String() string {
	if s, ok := EnumNamesCommand[c]; ok {
		return s
	}
	return fmt.Sprintf("UnknownCommand(%d)", uint32(c))
}

// Valid reports whether c is a known command
func (c Command) Valid() bool {
	_, ok := EnumNamesCommand[c]
	return ok
}

// IsReply returns whether c answers an earlier request
func (c Command) IsReply() bool {
	switch c {
	case Reply, Error, Timeout:
		return true
	default:
		return false
	}
}

// IsServerPush returns whether c is sent by the server without a preceding request
func (c Command) IsServerPush() bool {
	switch c {
	case Request, Overflow, Underflow, PlaybackStreamKilled, RecordStreamKilled:
		return true
	default:
		return false
	}
}
