package protocol

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

// TestEnvelopeRoundTrip checks that any publish envelope survives the wire.
func TestEnvelopeRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := PublishEnvelope{
			Method:      MethodPublish,
			Type:        rapid.StringMatching(`[a-z]{1,16}`).Draw(t, "type"),
			Channel:     rapid.StringMatching(`[a-zA-Z0-9-]{1,36}`).Draw(t, "channel"),
			Message:     rapid.String().Draw(t, "message"),
			Writer:      rapid.StringMatching(`[a-zA-Z0-9_]{1,20}`).Draw(t, "writer"),
			PublishedAt: rapid.Float64Range(0, 4e9).Draw(t, "publishedAt"),
		}

		doc, err := Encode(original)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		var buf bytes.Buffer
		if err := WriteEnvelope(&buf, doc); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		read, err := ReadEnvelope(&buf)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}

		var decoded PublishEnvelope
		if err := Decode(read, &decoded); err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		if decoded != original {
			t.Fatalf("round-trip mismatch: got %+v, want %+v", decoded, original)
		}
	})
}
