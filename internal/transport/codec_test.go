package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"maekawa-dme/internal/maekawa"
)

func TestEncodeDecodeMessage(t *testing.T) {
	msg := &maekawa.Message{
		ID:   "5b7a1c9e-2d40-4f0e-9a51-0d1c2e3f4a5b",
		Type: maekawa.InquireMsg,
		Src:  12,
		Dest: maekawa.NoNode,
		TS:   1 << 40,
	}

	decoded, err := DecodeMessage(EncodeMessage(msg))
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestDecodeMessage_ZeroValuesAreExplicit(t *testing.T) {
	msg := &maekawa.Message{Type: maekawa.RequestMsg, Src: 0, Dest: 0, TS: 0}

	decoded, err := DecodeMessage(EncodeMessage(msg))
	require.NoError(t, err)
	assert.Equal(t, maekawa.RequestMsg, decoded.Type)
	assert.Equal(t, maekawa.NodeID(0), decoded.Dest)
	assert.Empty(t, decoded.ID)
}

func TestDecodeMessage_SkipsUnknownFields(t *testing.T) {
	data := EncodeMessage(&maekawa.Message{Type: maekawa.GrantMsg, Src: 1, Dest: 2, TS: 3})
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "future field")

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, maekawa.GrantMsg, decoded.Type)
	assert.Equal(t, maekawa.NodeID(2), decoded.Dest)
}

func TestDecodeMessage_Malformed(t *testing.T) {
	valid := EncodeMessage(&maekawa.Message{Type: maekawa.YieldMsg, Src: 4, Dest: 1, TS: 8})

	var unknownType []byte
	unknownType = protowire.AppendTag(unknownType, messageTypeField, protowire.VarintType)
	unknownType = protowire.AppendVarint(unknownType, 17)
	unknownType = protowire.AppendTag(unknownType, messageSrcField, protowire.VarintType)
	unknownType = protowire.AppendVarint(unknownType, 1)
	unknownType = protowire.AppendTag(unknownType, messageTSField, protowire.VarintType)
	unknownType = protowire.AppendVarint(unknownType, 1)

	var missingTS []byte
	missingTS = protowire.AppendTag(missingTS, messageTypeField, protowire.VarintType)
	missingTS = protowire.AppendVarint(missingTS, 0)
	missingTS = protowire.AppendTag(missingTS, messageSrcField, protowire.VarintType)
	missingTS = protowire.AppendVarint(missingTS, 1)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte{0xff, 0xff, 0xff}},
		{"truncated", valid[:len(valid)-1]},
		{"unknown type", unknownType},
		{"missing timestamp", missingTS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage(tt.data)
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestEnvelope(t *testing.T) {
	env := envelope{
		epoch: 1700000000000000000,
		seq:   42,
		msg:   &maekawa.Message{ID: "x", Type: maekawa.ReleaseMsg, Src: 3, Dest: 0, TS: 9},
	}

	decoded, err := decodeEnvelope(encodeEnvelope(env))
	require.NoError(t, err)
	assert.Equal(t, env, decoded)

	_, err = decodeEnvelope(nil)
	assert.ErrorIs(t, err, ErrMalformedMessage)

	noSeq := encodeEnvelope(envelope{epoch: 1, msg: env.msg})
	_, err = decodeEnvelope(noSeq)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestRawCodec(t *testing.T) {
	c := rawCodec{}
	assert.Equal(t, "maekawa-raw", c.Name())

	data, err := c.Marshal(&frame{data: []byte{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	var f frame
	require.NoError(t, c.Unmarshal(data, &f))
	assert.Equal(t, []byte{1, 2, 3}, f.data)
	data[0] = 9
	assert.Equal(t, byte(1), f.data[0], "unmarshal copies")

	_, err = c.Marshal("not a frame")
	assert.Error(t, err)
	assert.Error(t, c.Unmarshal(nil, new(int)))
}
