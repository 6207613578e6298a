package protocol

import (
	"fmt"

	"github.com/danmuck/pipelink/internal/protocol/schema"
	"github.com/danmuck/pipelink/internal/protocol/tlv"
)

// Operation is a control operation.
type Operation uint8

const (
	OpHeartbeat Operation = 1
	OpPoison    Operation = 2
	OpStash     Operation = 3
)

func (o Operation) String() string {
	switch o {
	case OpHeartbeat:
		return "heartbeat"
	case OpPoison:
		return "poison"
	case OpStash:
		return "stash"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// ControlMessage is the body of a control envelope.
type ControlMessage struct {
	Op       Operation
	Stash    []byte
	HasStash bool
}

func Heartbeat() ControlMessage { return ControlMessage{Op: OpHeartbeat} }

func Poison() ControlMessage { return ControlMessage{Op: OpPoison} }

func StashUpdate(stash []byte) ControlMessage {
	return ControlMessage{Op: OpStash, Stash: stash, HasStash: true}
}

func (m ControlMessage) Envelope() Envelope {
	fields := []tlv.Field{tlv.U8(schema.FieldOperation, uint8(m.Op))}
	if m.HasStash {
		fields = append(fields, tlv.Bytes(schema.FieldStash, m.Stash))
	}
	return Envelope{Tag: TagControl, Payload: tlv.EncodeFields(fields)}
}

// DecodeControl parses a control envelope. Operations outside the known set
// return ErrUnknownOperation so callers can drop them.
func DecodeControl(env Envelope) (ControlMessage, error) {
	if env.Tag != TagControl {
		return ControlMessage{}, fmt.Errorf("%w: tag=%s", ErrTagMismatch, env.Tag)
	}
	fields, err := decodeBody(schema.MsgControl, env.Payload)
	if err != nil {
		return ControlMessage{}, err
	}
	opField, _ := tlv.GetField(fields, schema.FieldOperation)
	op, err := tlv.U8FromBytes(opField.Value)
	if err != nil {
		return ControlMessage{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	msg := ControlMessage{Op: Operation(op)}
	switch msg.Op {
	case OpHeartbeat, OpPoison, OpStash:
	default:
		return ControlMessage{}, fmt.Errorf("%w: %d", ErrUnknownOperation, op)
	}
	if f, ok := tlv.GetField(fields, schema.FieldStash); ok {
		msg.Stash = f.Value
		msg.HasStash = true
	}
	return msg, nil
}

// ApplicationMessage is the body of an application envelope. Reply marks a
// response to the sender's correlation; Failed marks the placeholder reply
// produced when the handler failed.
type ApplicationMessage struct {
	Correlation    uint64
	HasCorrelation bool
	Reply          bool
	Failed         bool
	Body           []byte
}

func Request(correlation uint64, body []byte) ApplicationMessage {
	return ApplicationMessage{Correlation: correlation, HasCorrelation: true, Body: body}
}

func Notification(body []byte) ApplicationMessage {
	return ApplicationMessage{Body: body}
}

func ReplyTo(correlation uint64, body []byte) ApplicationMessage {
	return ApplicationMessage{Correlation: correlation, HasCorrelation: true, Reply: true, Body: body}
}

func FailedReplyTo(correlation uint64) ApplicationMessage {
	return ApplicationMessage{Correlation: correlation, HasCorrelation: true, Reply: true, Failed: true, Body: []byte{}}
}

func (m ApplicationMessage) Envelope() Envelope {
	fields := make([]tlv.Field, 0, 4)
	if m.HasCorrelation {
		fields = append(fields, tlv.U64(schema.FieldCorrelation, m.Correlation))
	}
	if m.Reply {
		fields = append(fields, tlv.Bool(schema.FieldReply, true))
	}
	if m.Failed {
		fields = append(fields, tlv.Bool(schema.FieldFailed, true))
	}
	body := m.Body
	if body == nil {
		body = []byte{}
	}
	fields = append(fields, tlv.Bytes(schema.FieldBody, body))
	return Envelope{Tag: TagApplication, Payload: tlv.EncodeFields(fields)}
}

func DecodeApplication(env Envelope) (ApplicationMessage, error) {
	if env.Tag != TagApplication {
		return ApplicationMessage{}, fmt.Errorf("%w: tag=%s", ErrTagMismatch, env.Tag)
	}
	fields, err := decodeBody(schema.MsgApplication, env.Payload)
	if err != nil {
		return ApplicationMessage{}, err
	}
	var msg ApplicationMessage
	body, _ := tlv.GetField(fields, schema.FieldBody)
	msg.Body = body.Value
	if f, ok := tlv.GetField(fields, schema.FieldCorrelation); ok {
		if msg.Correlation, err = tlv.U64FromBytes(f.Value); err != nil {
			return ApplicationMessage{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		msg.HasCorrelation = true
	}
	if f, ok := tlv.GetField(fields, schema.FieldReply); ok {
		if msg.Reply, err = tlv.BoolFromBytes(f.Value); err != nil {
			return ApplicationMessage{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
	}
	if f, ok := tlv.GetField(fields, schema.FieldFailed); ok {
		if msg.Failed, err = tlv.BoolFromBytes(f.Value); err != nil {
			return ApplicationMessage{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
	}
	return msg, nil
}

func decodeBody(messageType uint32, payload []byte) ([]tlv.Field, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return fields, nil
}
