package schema

import (
	"fmt"

	logs "github.com/danmuck/pipelink/internal/logging"
	"github.com/danmuck/pipelink/internal/protocol/tlv"
)

// Message type IDs. They travel as the frame message_type and double as
// envelope tags.
const (
	MsgControl     uint32 = 1
	MsgApplication uint32 = 2
)

// Field IDs.
const (
	FieldOperation uint16 = 1
	FieldStash     uint16 = 2

	FieldCorrelation uint16 = 100
	FieldReply       uint16 = 101
	FieldFailed      uint16 = 102
	FieldBody        uint16 = 103
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgControl: {
		{FieldOperation, tlv.TypeU8},
	},
	MsgApplication: {
		{FieldBody, tlv.TypeBytes},
	},
}

// optional fields are type-checked when present.
var optional = map[uint32][]Requirement{
	MsgControl: {
		{FieldStash, tlv.TypeBytes},
	},
	MsgApplication: {
		{FieldCorrelation, tlv.TypeU64},
		{FieldReply, tlv.TypeBool},
		{FieldFailed, tlv.TypeBool},
	},
}

// Validate enforces required fields and field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	logs.Tracef("schema.Validate message_type=%d fields=%d", messageType, len(fields))
	reqs, ok := requirements[messageType]
	if !ok {
		logs.Errf("schema.Validate unknown message_type=%d", messageType)
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			logs.Errf(
				"schema.Validate missing field message_type=%d field_id=%d",
				messageType,
				req.ID,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			return typeMismatch(messageType, req, f)
		}
	}
	for _, opt := range optional[messageType] {
		f, found := tlv.GetField(fields, opt.ID)
		if found && f.Type != opt.Type {
			return typeMismatch(messageType, opt, f)
		}
	}
	return nil
}

func typeMismatch(messageType uint32, req Requirement, f tlv.Field) error {
	logs.Errf(
		"schema.Validate type mismatch message_type=%d field_id=%d got=%d want=%d",
		messageType,
		req.ID,
		f.Type,
		req.Type,
	)
	return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
}
