package ingest

import (
	"context"
	"fmt"

	"github.com/arbor-data/intake/internal/source"
	"github.com/arbor-data/intake/internal/tokenizer"
)

// Preview samples the first PreviewRowCount rows of in and reports what it
// found. It always resolves to an outcome: open failures, tokenizer fatal
// errors, empty files, and even panics from the pipeline all land in the
// failure variant so callers can always render something.
func Preview(ctx context.Context, in Input, opts Options) (out PreviewOutcome) {
	out.FileName = in.Name

	defer func() {
		if r := recover(); r != nil {
			out.Report = nil
			out.Err = fmt.Errorf("preview: %v", r)
		}
	}()

	st, err := source.Open(in.Resource, opts.Encoding, opts.ChunkSize)
	if err != nil {
		out.Err = err
		return out
	}
	defer st.Close()

	cfg := opts.tokenizerConfig()
	cfg.RowLimit = PreviewRowCount

	var (
		rows     [][]string
		warning  error
		firstRow = true
	)

	var tok *tokenizer.CSV
	tok = tokenizer.New(st, cfg, func(chunk tokenizer.Chunk) {
		for _, row := range chunk.Rows {
			if len(rows) >= PreviewRowCount {
				break
			}
			row = normalizeRow(row)
			if firstRow {
				stripBOM(row)
				firstRow = false
			}
			rows = append(rows, row)
		}
		if warning == nil && len(chunk.Errors) > 0 {
			warning = chunk.Errors[0]
		}
		if len(rows) >= PreviewRowCount {
			// Stop both halves explicitly; the tokenizer pausing on its
			// own does not stop the byte source.
			st.Pause()
			tok.Abort()
		}
	})

	if err := tok.Run(ctx); err != nil {
		out.Err = err
		return out
	}

	if len(rows) == 0 {
		out.Err = ErrEmptyFile
		return out
	}

	report := &PreviewReport{
		FileName:     in.Name,
		FirstChunk:   st.FirstChunk(),
		IsSingleLine: len(rows) == 1,
		Warning:      warning,
	}
	for len(rows) < PreviewRowCount {
		rows = append(rows, []string{})
	}
	report.Rows = rows

	out.Report = report
	return out
}
