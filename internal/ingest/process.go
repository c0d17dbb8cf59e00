package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/arbor-data/intake/internal/source"
	"github.com/arbor-data/intake/internal/tokenizer"
)

// runPhase tracks where a streaming run is inside its chunk cycle. The
// pipeline suspends in exactly one place, awaitingConsumer, and both the
// byte source and the tokenizer stay paused for the duration.
type runPhase int

const (
	phaseIdle runPhase = iota
	phaseChunkReceived
	phaseAwaitingConsumer
	phaseResuming
)

// run is the mutable state of one streaming invocation. It is owned by the
// chunk handler and discarded when the run settles.
type run struct {
	skipLine  bool // drop the header row, once
	skipBOM   bool // inspect the first cell of the first row, once
	processed int  // records delivered so far
	phase     runPhase
	tok       *tokenizer.CSV

	consumerErrs []error
}

// Process decodes in chunk by chunk, remaps columns to named fields via
// assignments, and hands each non-empty batch to onBatch, pausing all
// further decoding until onBatch returns. It blocks until the whole file
// is consumed and returns nil on success, the tokenizer's fatal error on
// failure, or the joined consumer errors when only consumers failed.
//
// onProgress is called once per chunk, before the consumer, with the
// number of records the chunk produced (possibly zero). No onBatch or
// onProgress calls happen after a fatal failure.
func Process(
	ctx context.Context,
	in Input,
	opts Options,
	assignments FieldAssignments,
	hasHeaders bool,
	onProgress ProgressFunc,
	onBatch BatchFunc,
) error {
	st, err := source.Open(in.Resource, opts.Encoding, opts.ChunkSize)
	if err != nil {
		return fmt.Errorf("ingest %s: %w", in.Name, err)
	}
	defer st.Close()

	r := &run{
		skipLine: hasHeaders,
		skipBOM:  true,
	}

	tok := tokenizer.New(st, opts.tokenizerConfig(), func(chunk tokenizer.Chunk) {
		handleChunk(ctx, r, st, chunk, assignments, onProgress, onBatch)
	})
	r.tok = tok

	if err := tok.Run(ctx); err != nil {
		// Fatal: fail the run without resuming anything.
		return fmt.Errorf("ingest %s: %w", in.Name, err)
	}
	return errors.Join(r.consumerErrs...)
}

// handleChunk is the per-chunk state machine. Pausing happens first: the
// tokenizer's own pausing does not propagate to the byte source, so both
// are paused explicitly. Resuming happens exactly once per chunk, on
// every path including consumer failure.
func handleChunk(
	ctx context.Context,
	r *run,
	st *source.Stream,
	chunk tokenizer.Chunk,
	assignments FieldAssignments,
	onProgress ProgressFunc,
	onBatch BatchFunc,
) {
	st.Pause()
	r.tok.Pause()
	r.phase = phaseChunkReceived

	defer func() {
		r.phase = phaseResuming
		r.tok.Resume()
		st.Resume()
		r.phase = phaseIdle
	}()

	rows := chunk.Rows
	if r.skipBOM && len(rows) > 0 {
		rows[0] = normalizeRow(rows[0])
		stripBOM(rows[0])
		r.skipBOM = false
	}
	if r.skipLine && len(rows) > 0 {
		rows = rows[1:]
		r.skipLine = false
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		row = normalizeRow(row)
		rec := make(Record, len(assignments))
		for field, ref := range assignments {
			if !ref.Assigned || ref.Index >= len(row) {
				continue
			}
			rec[field] = row[ref.Index]
		}
		records = append(records, rec)
	}

	startIndex := r.processed
	r.processed += len(records)

	if onProgress != nil {
		onProgress(len(records))
	}

	if len(records) == 0 {
		return
	}

	r.phase = phaseAwaitingConsumer
	if err := onBatch(ctx, records, startIndex); err != nil {
		// A failing consumer must not stall the pipeline; collect and go on.
		r.consumerErrs = append(r.consumerErrs, fmt.Errorf("batch at %d: %w", startIndex, err))
	}
}
