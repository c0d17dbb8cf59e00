// Package tokenizer turns a byte stream into chunks of CSV rows.
//
// The ingest engine consumes tokenization as a capability: anything that
// satisfies Binding can feed it. The default binding here is built on
// encoding/csv pulling bytes through a source.Stream, grouping rows into
// chunks by a byte budget so that a slow consumer never forces more than
// one chunk of rows into memory.
package tokenizer

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/arbor-data/intake/internal/source"
)

// DefaultChunkSize is the byte budget per emitted chunk.
const DefaultChunkSize = 10000

// DefaultDelimiterCandidates are tried, in order, when no delimiter is
// declared. The first candidate present in the first line wins.
var DefaultDelimiterCandidates = []rune{',', '\t', ';', '|'}

// RowError is a non-fatal, per-row anomaly. The tokenizer keeps going.
type RowError struct {
	Row int // 1-based row number within the input
	Err error
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

// Chunk is an ordered group of rows delivered together, plus any row-level
// errors encountered while producing it.
type Chunk struct {
	Rows   [][]string
	Errors []RowError
}

// Config enumerates the recognized tokenizer options.
type Config struct {
	// Delimiter is the field separator. Zero means sniff from
	// DelimiterCandidates (or the package defaults).
	Delimiter           rune
	DelimiterCandidates []rune

	// Comment marks lines to skip entirely. Zero disables.
	Comment rune

	// LazyQuotes permits bare quotes inside fields (encoding/csv semantics).
	LazyQuotes bool

	// TrimLeadingSpace drops whitespace after the delimiter.
	TrimLeadingSpace bool

	// SkipEmptyLines drops rows whose every cell is empty.
	SkipEmptyLines bool

	// ChunkSize is the byte budget per chunk. Zero means DefaultChunkSize.
	ChunkSize int

	// RowLimit stops tokenization after this many rows (preview mode).
	// Zero means unbounded.
	RowLimit int
}

// Binding is the tokenizer capability the ingest engine drives. Run blocks
// until natural end-of-input, Abort, or a fatal error, invoking the chunk
// handler synchronously along the way. After Abort returns, no further rows
// are emitted.
type Binding interface {
	Run(ctx context.Context) error
	Pause()
	Resume()
	Abort()
}

// CSV is the default Binding, backed by encoding/csv.
type CSV struct {
	stream  *source.Stream
	cfg     Config
	onChunk func(Chunk)

	mu      sync.Mutex
	cond    *sync.Cond
	paused  bool
	aborted bool
}

// New builds a CSV binding over stream. onChunk is invoked synchronously
// for every chunk, one chunk at a time; it may block, and the binding will
// not read ahead while it does.
func New(stream *source.Stream, cfg Config, onChunk func(Chunk)) *CSV {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if len(cfg.DelimiterCandidates) == 0 {
		cfg.DelimiterCandidates = DefaultDelimiterCandidates
	}
	t := &CSV{stream: stream, cfg: cfg, onChunk: onChunk}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Pause stops the binding before its next row read. Idempotent.
func (t *CSV) Pause() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
}

// Resume lifts a pause. Idempotent.
func (t *CSV) Resume() {
	t.mu.Lock()
	t.paused = false
	t.mu.Unlock()
	t.cond.Broadcast()
}

// Abort stops the binding permanently. No rows are emitted after Abort
// returns, even if input remains.
func (t *CSV) Abort() {
	t.mu.Lock()
	t.aborted = true
	t.mu.Unlock()
	t.cond.Broadcast()
}

// wait blocks while paused. Reports false once aborted.
func (t *CSV) wait() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.paused && !t.aborted {
		t.cond.Wait()
	}
	return !t.aborted
}

// Run drives tokenization to completion. It returns nil on natural
// end-of-input or Abort, and the fatal error otherwise. Chunks are flushed
// whenever the byte budget is consumed, the row limit is reached, or input
// ends.
func (t *CSV) Run(ctx context.Context) error {
	counted := &countingReader{r: bufio.NewReader(t.stream)}

	delim, err := t.resolveDelimiter(counted)
	if err != nil {
		return err
	}

	cr := csv.NewReader(counted)
	cr.Comma = delim
	cr.Comment = t.cfg.Comment
	cr.LazyQuotes = t.cfg.LazyQuotes
	cr.TrimLeadingSpace = t.cfg.TrimLeadingSpace
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	var (
		chunk     Chunk
		mark      int64
		totalRows int
		rowNum    int
	)

	flush := func() {
		if len(chunk.Rows) == 0 && len(chunk.Errors) == 0 {
			return
		}
		out := chunk
		chunk = Chunk{}
		mark = counted.n
		t.onChunk(out)
	}

	for {
		if !t.wait() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		record, err := cr.Read()
		rowNum++
		switch {
		case err == io.EOF:
			flush()
			return nil
		case err != nil:
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				// Recoverable per-row anomaly; keep tokenizing.
				chunk.Errors = append(chunk.Errors, RowError{Row: rowNum, Err: err})
				continue
			}
			if errors.Is(err, source.ErrClosed) {
				flush()
				return nil
			}
			return fmt.Errorf("tokenizer: %w", err)
		}

		if t.cfg.SkipEmptyLines && isEmptyRow(record) {
			continue
		}

		chunk.Rows = append(chunk.Rows, record)
		totalRows++

		if t.cfg.RowLimit > 0 && totalRows >= t.cfg.RowLimit {
			flush()
			return nil
		}

		if counted.n-mark >= int64(t.cfg.ChunkSize) {
			flush()
		}
	}
}

// resolveDelimiter returns the configured delimiter, sniffing the first
// line for a candidate when none was declared.
func (t *CSV) resolveDelimiter(r *countingReader) (rune, error) {
	if t.cfg.Delimiter != 0 {
		return t.cfg.Delimiter, nil
	}

	br, ok := r.r.(*bufio.Reader)
	if !ok {
		return ',', nil
	}
	peek, err := br.Peek(t.cfg.ChunkSize)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull && len(peek) == 0 {
		return 0, fmt.Errorf("tokenizer: sniff delimiter: %w", err)
	}

	line := string(peek)
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	for _, cand := range t.cfg.DelimiterCandidates {
		if strings.ContainsRune(line, cand) {
			return cand, nil
		}
	}
	return ',', nil
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// countingReader tracks consumed bytes so chunks can be cut by byte budget.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
