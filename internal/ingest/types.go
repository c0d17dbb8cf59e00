// Package ingest turns a delimited text file into a bounded, backpressured
// stream of named records.
//
// Two entry points share the same source + tokenizer stack: Preview samples
// the first few rows of a file for format-detection UI, and Process decodes
// the whole file chunk by chunk, pausing all upstream reads while the
// consumer handles each batch.
package ingest

import (
	"context"
	"errors"

	"github.com/arbor-data/intake/internal/tokenizer"
)

// PreviewRowCount is the fixed number of rows a preview reports. Shorter
// files are padded with empty rows.
const PreviewRowCount = 5

// ErrEmptyFile is the preview failure for files that yield zero rows,
// whether zero bytes or nothing the tokenizer could parse.
var ErrEmptyFile = errors.New("file is empty")

// ColumnRef is an explicit assigned/unassigned choice for one field. The
// zero value means "no column chosen"; a field without an assigned column
// is never populated.
type ColumnRef struct {
	Index    int
	Assigned bool
}

// Column assigns the zero-based column index i.
func Column(i int) ColumnRef {
	return ColumnRef{Index: i, Assigned: true}
}

// FieldAssignments maps caller-defined field names to source columns.
// Indices need not be unique or contiguous. Read-only during a run.
type FieldAssignments map[string]ColumnRef

// Record maps field names to cell values. A field is absent (not empty)
// when no column was assigned or the row was shorter than the index.
type Record map[string]string

// Batch is one consumer delivery: the records of a chunk plus the count of
// records already delivered before it. StartIndex values are contiguous
// and strictly increasing across a run.
type Batch struct {
	Records    []Record
	StartIndex int
}

// Input identifies the file being ingested. Resource is anything
// source.Open accepts (io.Reader, []byte, ...).
type Input struct {
	Name     string
	Resource any
}

// Options is the per-run configuration bundle.
type Options struct {
	// Encoding is the declared text encoding; empty means UTF-8.
	Encoding string

	// ChunkSize is the tokenizer byte budget per chunk (default 10000).
	ChunkSize int

	Delimiter           rune
	DelimiterCandidates []rune
	Comment             rune
	LazyQuotes          bool
	TrimLeadingSpace    bool
	SkipEmptyLines      bool
}

func (o Options) tokenizerConfig() tokenizer.Config {
	return tokenizer.Config{
		Delimiter:           o.Delimiter,
		DelimiterCandidates: o.DelimiterCandidates,
		Comment:             o.Comment,
		LazyQuotes:          o.LazyQuotes,
		TrimLeadingSpace:    o.TrimLeadingSpace,
		SkipEmptyLines:      o.SkipEmptyLines,
		ChunkSize:           o.ChunkSize,
	}
}

// PreviewReport is the success payload of a preview: exactly
// PreviewRowCount raw rows (padded), the first decoded chunk verbatim, and
// the first non-fatal tokenizer warning if any.
type PreviewReport struct {
	FileName     string
	FirstChunk   string
	Rows         [][]string
	IsSingleLine bool
	Warning      error
}

// PreviewOutcome is either a report or a failure, never both. Previews
// always resolve to an outcome; they do not panic or error out sideways.
type PreviewOutcome struct {
	FileName string
	Report   *PreviewReport
	Err      error
}

// Failed reports whether the outcome is the failure variant.
func (o PreviewOutcome) Failed() bool { return o.Err != nil }

// ProgressFunc receives the number of records seen in each chunk, before
// the consumer runs. A zero delta means the chunk carried no records.
type ProgressFunc func(delta int)

// BatchFunc is the asynchronous consumer. Decoding stays paused until it
// returns; its error does not stall the pipeline but is collected into the
// run result.
type BatchFunc func(ctx context.Context, records []Record, startIndex int) error
