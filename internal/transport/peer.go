package transport

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/kestrelbots/sithra/internal/protocol"
)

// Peer represents one duplex byte stream speaking the datapack framing —
// either the current process's own stdio (for a plugin) or a spawned
// child's stdin/stdout (for the host's loader). It can be split into
// independent read and write halves that are handed to separate goroutines,
// mirroring the teacher's stdin/stdout pipe split in
// internal/mcp/stdio.go.
type Peer struct {
	r io.ReadCloser
	w io.WriteCloser
}

// NewPeer binds an arbitrary read/write pair.
func NewPeer(r io.ReadCloser, w io.WriteCloser) *Peer {
	return &Peer{r: r, w: w}
}

// Stdio binds the current process's own standard input/output, for use by
// a plugin framing itself.
func Stdio() *Peer {
	return NewPeer(os.Stdin, os.Stdout)
}

// FromCommand starts cmd with piped stdin/stdout (and inherited stderr, per
// the loader's spec) and returns a Peer bound to the child's pipes. The
// caller is responsible for calling cmd.Wait (or killing the process) once
// the peer's halves are closed.
func FromCommand(cmd *exec.Cmd) (*Peer, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("start plugin process: %w", err)
	}

	return NewPeer(stdout, stdin), nil
}

// Reader returns the read half of the peer.
func (p *Peer) Reader() io.ReadCloser { return p.r }

// Writer returns the write half of the peer.
func (p *Peer) Writer() io.WriteCloser { return p.w }

// Split separates the peer into independent read and write streams so they
// can be driven by separate goroutines (the loader's write-loop and
// read-loop, or a plugin's single-threaded serve loop reading on one side
// and a response-writer goroutine on the other).
func (p *Peer) Split() (*ReadStream, *WriteStream) {
	return &ReadStream{r: p.r}, &WriteStream{w: p.w}
}

// Close closes both halves of the peer.
func (p *Peer) Close() error {
	rerr := p.r.Close()
	werr := p.w.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}

// ReadStream reads framed datapacks off one side of a Peer.
type ReadStream struct {
	r io.ReadCloser
}

// ReadDatapack blocks for the next frame and decodes it. Framing-level
// errors (EOF, partial frame) are returned as-is so the caller can
// distinguish a clean close from a transport fault; decode errors (bad
// MessagePack body within an otherwise well-framed stream) are wrapped so
// the caller can tell the two apart.
func (s *ReadStream) ReadDatapack() (*protocol.Datapack, error) {
	body, err := ReadFrame(s.r)
	if err != nil {
		return nil, err
	}
	return Decode(body)
}

// ReadRawDatapack blocks for the next frame and returns its body
// unparsed, for callers that only need to relay the frame onward (see
// DecodeRaw).
func (s *ReadStream) ReadRawDatapack() (*protocol.RawDatapack, error) {
	body, err := ReadFrame(s.r)
	if err != nil {
		return nil, err
	}
	return DecodeRaw(body), nil
}

// Close closes the underlying read half.
func (s *ReadStream) Close() error { return s.r.Close() }

// WriteStream writes framed datapacks to one side of a Peer. A WriteStream
// is not safe for concurrent use by multiple goroutines — each plugin or
// child has exactly one writer task, per the concurrency model's
// single-writer-per-stream rule.
type WriteStream struct {
	w io.WriteCloser
}

// WriteDatapack encodes and writes p as a single frame.
func (s *WriteStream) WriteDatapack(p *protocol.Datapack) error {
	frame, err := Encode(p)
	if err != nil {
		return err
	}
	return WriteFrame(s.w, frame)
}

// WriteRawDatapack writes p's body as a frame without re-encoding it.
func (s *WriteStream) WriteRawDatapack(p *protocol.RawDatapack) error {
	frame, err := EncodeRaw(p)
	if err != nil {
		return err
	}
	return WriteFrame(s.w, frame)
}

// Close closes the underlying write half.
func (s *WriteStream) Close() error { return s.w.Close() }
