// Package source wraps a caller-supplied byte resource into a pausable,
// encoding-aware stream for the row tokenizer.
//
// A Stream is an io.Reader with a pause gate in front of it: while paused,
// Read blocks until Resume or Close. This is the low-level half of the
// ingest backpressure contract. The tokenizer pulls bytes through the
// gate, so pausing the stream stops all further decoding.
package source

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// ErrUnsupportedSource is returned by Open when the resource is neither
// readable nor materializable into memory.
var ErrUnsupportedSource = errors.New("source: resource supports neither streaming nor in-memory reads")

// ErrClosed is returned by Read after Close, including to readers that were
// blocked on a paused stream.
var ErrClosed = errors.New("source: stream closed")

// DefaultChunkSize bounds how much decoded text is retained for the
// first-chunk diagnostic.
const DefaultChunkSize = 10000

// Stream is a pausable, decoded byte stream over a file-like resource.
// A Stream is exclusively owned by one ingest run; it must not be shared.
type Stream struct {
	r      io.Reader
	closer io.Closer

	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
	closed bool

	// First decoded bytes, kept verbatim for diagnostics.
	first    []byte
	firstCap int
}

// sizedReaderAt is a random-access resource that knows its length, like
// bytes.Reader or a multipart section.
type sizedReaderAt interface {
	io.ReaderAt
	Size() int64
}

// Open adapts resource into a Stream decoding from the named text encoding
// (empty means UTF-8). Supported resources, in preference order:
//
//   - io.Reader: streamed directly
//   - []byte: served from memory
//   - interface{ Bytes() []byte }: materialized, then served from memory
//   - io.ReaderAt with Size(): read through a section reader
//
// Anything else fails with ErrUnsupportedSource. chunkSize only bounds the
// retained first-chunk diagnostic; pass 0 for the default.
func Open(resource any, encodingName string, chunkSize int) (*Stream, error) {
	var r io.Reader
	var closer io.Closer

	switch res := resource.(type) {
	case io.Reader:
		r = res
		if c, ok := res.(io.Closer); ok {
			closer = c
		}
	case []byte:
		r = bytes.NewReader(res)
	case interface{ Bytes() []byte }:
		r = bytes.NewReader(res.Bytes())
	case sizedReaderAt:
		r = io.NewSectionReader(res, 0, res.Size())
	default:
		return nil, fmt.Errorf("%w (got %T)", ErrUnsupportedSource, resource)
	}

	decoded, err := decodeReader(r, encodingName)
	if err != nil {
		return nil, err
	}

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	s := &Stream{
		r:        decoded,
		closer:   closer,
		firstCap: chunkSize,
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// decodeReader wraps r with a decoder for the named encoding. The UTF-8
// decoder also sanitizes invalid sequences to U+FFFD, so downstream code
// always sees valid UTF-8.
func decodeReader(r io.Reader, name string) (io.Reader, error) {
	if name == "" {
		name = "utf-8"
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("source: unknown encoding %q: %w", name, err)
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}

// Read implements io.Reader. It blocks while the stream is paused and
// returns ErrClosed once the stream has been closed. The chunk handed out
// by a Read already in progress when Pause is called is the only data that
// may arrive after a pause commits.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	for s.paused && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	s.mu.Unlock()

	n, err := s.r.Read(p)
	if n > 0 {
		s.recordFirst(p[:n])
	}
	return n, err
}

// Pause stops the stream before the next read. Idempotent.
func (s *Stream) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume lifts a pause. Idempotent; a no-op on a stream that is not paused.
func (s *Stream) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Close releases the underlying resource (if it is closable) and wakes any
// reader blocked on a pause. Safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()

	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// FirstChunk returns the first decoded bytes of the stream, verbatim, up to
// one chunk's worth. Callers use it to show raw text before parsing.
func (s *Stream) FirstChunk() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.first)
}

func (s *Stream) recordFirst(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.first) >= s.firstCap {
		return
	}
	room := s.firstCap - len(s.first)
	if len(p) > room {
		p = p[:room]
	}
	s.first = append(s.first, p...)
}
