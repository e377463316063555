package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

const (
	// MaxEnvelopeSize is the maximum allowed envelope size (1 MB)
	MaxEnvelopeSize = 1024 * 1024

	// minDocumentSize is the smallest valid BSON document (int32 length + terminator)
	minDocumentSize = 5
)

// Method names carried in the "method" field of every envelope.
const (
	MethodAuthenticate = "authenticate"
	MethodCreate       = "create"
	MethodGetChannels  = "get_channels"
	MethodUnread       = "unread"
	MethodJoin         = "join"
	MethodWithdrawal   = "withdrawal"
	MethodAttend       = "attend"
	MethodExit         = "exit"
	MethodPublish      = "publish"
	MethodAck          = "ack"
	MethodPing         = "ping"
)

// ControlTopic is the bus topic peers listen on for channel-creation events.
const ControlTopic = "create_channel"

var (
	ErrEnvelopeTooLarge = errors.New("envelope exceeds maximum size (1 MB)")
	ErrInvalidEnvelope  = errors.New("invalid envelope length")
	ErrMissingMethod    = errors.New("envelope has no method field")
)

// Envelopes are single BSON documents. BSON is self-framing: the first
// four bytes are the total document length, little-endian, terminator
// included, so no extra length prefix is added on the wire.

// ReadEnvelope reads one raw BSON document from r.
func ReadEnvelope(r io.Reader) ([]byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(head[:])
	if length < minDocumentSize {
		return nil, ErrInvalidEnvelope
	}
	if length > MaxEnvelopeSize {
		return nil, ErrEnvelopeTooLarge
	}

	doc := make([]byte, length)
	copy(doc, head[:])
	if _, err := io.ReadFull(r, doc[4:]); err != nil {
		return nil, err
	}

	return doc, nil
}

// WriteEnvelope writes a raw BSON document to w.
func WriteEnvelope(w io.Writer, doc []byte) error {
	if len(doc) > MaxEnvelopeSize {
		return ErrEnvelopeTooLarge
	}
	_, err := w.Write(doc)
	return err
}

// Method extracts the method tag without decoding the full envelope.
func Method(doc []byte) (string, error) {
	var probe struct {
		Method string `bson:"method"`
	}
	if err := bson.Unmarshal(doc, &probe); err != nil {
		return "", err
	}
	if probe.Method == "" {
		return "", ErrMissingMethod
	}
	return probe.Method, nil
}

// Peek extracts the routing fields the fan-out dispatcher needs. Envelopes
// without a channel (the create_channel control document) decode with an
// empty Channel.
func Peek(doc []byte) (method, channel string, publishedAt float64, err error) {
	var probe struct {
		Method      string  `bson:"method"`
		Channel     string  `bson:"channel"`
		PublishedAt float64 `bson:"published_at"`
	}
	if err := bson.Unmarshal(doc, &probe); err != nil {
		return "", "", 0, err
	}
	return probe.Method, probe.Channel, probe.PublishedAt, nil
}

// Encode marshals an envelope struct to its wire form.
func Encode(v interface{}) ([]byte, error) {
	return bson.Marshal(v)
}

// Decode unmarshals a raw document into an envelope struct.
func Decode(doc []byte, v interface{}) error {
	return bson.Unmarshal(doc, v)
}

// Now returns the current time as seconds since the Unix epoch. Timestamps
// travel as BSON doubles and order messages within a channel.
func Now() float64 {
	return Timestamp(time.Now())
}

// Timestamp converts a time.Time to wire seconds.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Time converts wire seconds back to a time.Time.
func Time(ts float64) time.Time {
	return time.Unix(0, int64(ts*float64(time.Second)))
}
