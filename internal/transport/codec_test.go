package transport

import (
	"bytes"
	"io"
	"testing"

	"github.com/kestrelbots/sithra/internal/protocol"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	path := "/test.echo"
	pkt := protocol.NewRequest(path, []byte("hello"))

	frame, err := Encode(pkt)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	body, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame error: %v", err)
	}

	got, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if got.Path == nil || *got.Path != path || string(got.Payload) != "hello" {
		t.Fatalf("unexpected round trip: %+v", got)
	}
}

// TestRawDatapackBypassesStructDecoding verifies the RawDataPackCodec-
// equivalent path: a frame read via ReadRawDatapack carries its body
// unparsed, and re-framing it via WriteRawDatapack reproduces the exact
// original bytes with no struct decode/re-encode step — while the body
// still decodes correctly through the normal path for a caller that does
// need to inspect it.
func TestRawDatapackBypassesStructDecoding(t *testing.T) {
	pkt := protocol.NewRequest("/test.relay", []byte("payload"))
	frame, err := Encode(pkt)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	var pipe bytes.Buffer
	pipe.Write(frame)

	read := &ReadStream{r: io.NopCloser(&pipe)}
	raw, err := read.ReadRawDatapack()
	if err != nil {
		t.Fatalf("ReadRawDatapack error: %v", err)
	}

	var out bytes.Buffer
	write := &WriteStream{w: nopWriteCloser{&out}}
	if err := write.WriteRawDatapack(raw); err != nil {
		t.Fatalf("WriteRawDatapack error: %v", err)
	}
	if !bytes.Equal(out.Bytes(), frame) {
		t.Fatalf("relayed frame does not match original bytes")
	}

	decoded, err := Decode(raw.Body)
	if err != nil {
		t.Fatalf("Decode(raw.Body) error: %v", err)
	}
	if decoded.Path == nil || *decoded.Path != "/test.relay" {
		t.Fatalf("unexpected decoded path: %+v", decoded.Path)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
