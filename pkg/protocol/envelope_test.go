package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadEnvelopeStream(t *testing.T) {
	first, err := Encode(PublishRequest{Method: MethodPublish, Type: "text", Message: "hi"})
	require.NoError(t, err)
	second, err := Encode(PingRequest{Method: MethodPing})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, first))
	require.NoError(t, WriteEnvelope(&buf, second))

	// Two documents read back from the same stream, in order
	got, err := ReadEnvelope(&buf)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = ReadEnvelope(&buf)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestReadEnvelopeRejectsBadLengths(t *testing.T) {
	tests := []struct {
		name string
		head []byte
		want error
	}{
		{
			name: "length below minimum document size",
			head: []byte{0x04, 0x00, 0x00, 0x00},
			want: ErrInvalidEnvelope,
		},
		{
			name: "length above maximum envelope size",
			head: []byte{0x00, 0x00, 0x20, 0x00}, // 2 MB
			want: ErrEnvelopeTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadEnvelope(bytes.NewReader(tt.head))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMethodProbe(t *testing.T) {
	doc, err := Encode(AckRequest{Method: MethodAck, Channel: "c1", PublishedAt: 12.5})
	require.NoError(t, err)

	method, err := Method(doc)
	require.NoError(t, err)
	assert.Equal(t, MethodAck, method)
}

func TestMethodProbeMissingMethod(t *testing.T) {
	doc, err := Encode(CreateChannelEnvelope{Channel: "c1", Users: []string{"u2"}})
	require.NoError(t, err)

	_, err = Method(doc)
	assert.ErrorIs(t, err, ErrMissingMethod)
}

func TestPeekRoutingFields(t *testing.T) {
	env := PublishEnvelope{
		Method:      MethodPublish,
		Type:        "text",
		Channel:     "g1",
		Message:     "hello",
		Writer:      "a",
		PublishedAt: 1700000000.25,
	}
	doc, err := Encode(env)
	require.NoError(t, err)

	method, channel, publishedAt, err := Peek(doc)
	require.NoError(t, err)
	assert.Equal(t, MethodPublish, method)
	assert.Equal(t, "g1", channel)
	assert.Equal(t, env.PublishedAt, publishedAt)
}

func TestPublishEnvelopeRoundTrip(t *testing.T) {
	env := PublishEnvelope{
		Method:      MethodPublish,
		Type:        "withdrawal",
		Channel:     "g1",
		Message:     "", // control publishes keep an explicit empty body
		Writer:      "a",
		PublishedAt: 42.0,
	}

	doc, err := Encode(env)
	require.NoError(t, err)

	var decoded PublishEnvelope
	require.NoError(t, Decode(doc, &decoded))
	assert.Equal(t, env, decoded)

	// The empty message field must be present on the wire, not omitted
	var raw map[string]interface{}
	require.NoError(t, Decode(doc, &raw))
	_, present := raw["message"]
	assert.True(t, present, "message field should survive encoding when empty")
}

func TestUnreadRequestBeforePresence(t *testing.T) {
	doc, err := Encode(UnreadRequest{Method: MethodUnread})
	require.NoError(t, err)

	var decoded UnreadRequest
	require.NoError(t, Decode(doc, &decoded))
	assert.Nil(t, decoded.Before)

	before := 99.5
	doc, err = Encode(UnreadRequest{Method: MethodUnread, Channel: "c1", Before: &before})
	require.NoError(t, err)

	decoded = UnreadRequest{}
	require.NoError(t, Decode(doc, &decoded))
	require.NotNil(t, decoded.Before)
	assert.Equal(t, before, *decoded.Before)
	assert.Equal(t, "c1", decoded.Channel)
}

func TestTimestampConversion(t *testing.T) {
	ts := Now()
	assert.InDelta(t, ts, Timestamp(Time(ts)), 1e-6)
}
