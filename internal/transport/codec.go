package transport

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"maekawa-dme/internal/maekawa"
)

// ErrMalformedMessage is returned when an inbound payload cannot be decoded
var ErrMalformedMessage = errors.New("malformed message")

// Field numbers of the envelope
const (
	envelopeEpochField   protowire.Number = 1
	envelopeSeqField     protowire.Number = 2
	envelopeMessageField protowire.Number = 3
)

// Field numbers of a protocol message
const (
	messageIDField   protowire.Number = 1
	messageTypeField protowire.Number = 2
	messageSrcField  protowire.Number = 3
	messageDestField protowire.Number = 4
	messageTSField   protowire.Number = 5
)

// envelope wraps a message with its position on the sender's link. The
// receiver uses (epoch, seq) to drop retransmitted duplicates.
type envelope struct {
	epoch uint64
	seq   uint64
	msg   *maekawa.Message
}

// EncodeMessage encodes msg in protobuf wire format
func EncodeMessage(msg *maekawa.Message) []byte {
	var b []byte
	if msg.ID != "" {
		b = protowire.AppendTag(b, messageIDField, protowire.BytesType)
		b = protowire.AppendString(b, msg.ID)
	}
	b = protowire.AppendTag(b, messageTypeField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Type))
	b = protowire.AppendTag(b, messageSrcField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Src))
	b = protowire.AppendTag(b, messageDestField, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(msg.Dest)))
	b = protowire.AppendTag(b, messageTSField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.TS))
	return b
}

// DecodeMessage decodes a message written by EncodeMessage. Type, Src and TS
// are required; unknown fields are skipped.
func DecodeMessage(data []byte) (*maekawa.Message, error) {
	msg := &maekawa.Message{Dest: maekawa.NoNode}
	var hasType, hasSrc, hasTS bool

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == messageIDField && typ == protowire.BytesType:
			var v string
			v, n = protowire.ConsumeString(data)
			msg.ID = v
		case num == messageTypeField && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			if v > math.MaxInt32 {
				return nil, fmt.Errorf("%w: message type %d out of range", ErrMalformedMessage, v)
			}
			msg.Type = maekawa.MessageType(v)
			hasType = true
		case num == messageSrcField && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			if v > math.MaxInt32 {
				return nil, fmt.Errorf("%w: source %d out of range", ErrMalformedMessage, v)
			}
			msg.Src = maekawa.NodeID(v)
			hasSrc = true
		case num == messageDestField && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			msg.Dest = maekawa.NodeID(protowire.DecodeZigZag(v))
		case num == messageTSField && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			msg.TS = maekawa.Timestamp(v)
			hasTS = true
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedMessage, num, protowire.ParseError(n))
		}
		data = data[n:]
	}

	if !hasType || !hasSrc || !hasTS {
		return nil, fmt.Errorf("%w: missing required field", ErrMalformedMessage)
	}
	if !msg.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown message type %d", ErrMalformedMessage, msg.Type)
	}
	return msg, nil
}

func encodeEnvelope(env envelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, envelopeEpochField, protowire.VarintType)
	b = protowire.AppendVarint(b, env.epoch)
	b = protowire.AppendTag(b, envelopeSeqField, protowire.VarintType)
	b = protowire.AppendVarint(b, env.seq)
	b = protowire.AppendTag(b, envelopeMessageField, protowire.BytesType)
	b = protowire.AppendBytes(b, EncodeMessage(env.msg))
	return b
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == envelopeEpochField && typ == protowire.VarintType:
			env.epoch, n = protowire.ConsumeVarint(data)
		case num == envelopeSeqField && typ == protowire.VarintType:
			env.seq, n = protowire.ConsumeVarint(data)
		case num == envelopeMessageField && typ == protowire.BytesType:
			var raw []byte
			raw, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				msg, err := DecodeMessage(raw)
				if err != nil {
					return envelope{}, err
				}
				env.msg = msg
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return envelope{}, fmt.Errorf("%w: field %d: %v", ErrMalformedMessage, num, protowire.ParseError(n))
		}
		data = data[n:]
	}

	if env.msg == nil {
		return envelope{}, fmt.Errorf("%w: envelope without message", ErrMalformedMessage)
	}
	if env.seq == 0 {
		return envelope{}, fmt.Errorf("%w: envelope without sequence number", ErrMalformedMessage)
	}
	return env, nil
}

// frame is the raw payload of a Deliver call. Decoding happens in the handler
// so malformed input can be logged and counted before it is dropped.
type frame struct {
	data []byte
}

// rawCodec moves frames on and off the wire untouched
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("rawCodec: cannot marshal %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("rawCodec: cannot unmarshal into %T", v)
	}
	f.data = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string {
	return "maekawa-raw"
}
