package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunPhase indicates the current stage of a streaming run.
type RunPhase string

const (
	PhaseStarting  RunPhase = "starting"
	PhaseStreaming RunPhase = "streaming"
	PhaseComplete  RunPhase = "complete"
	PhaseFailed    RunPhase = "failed"
	PhaseCancelled RunPhase = "cancelled"
)

// RunProgress is a point-in-time snapshot of a run.
type RunProgress struct {
	RunID    string   `json:"runId"`
	FileName string   `json:"fileName"`
	Phase    RunPhase `json:"phase"`
	RowsSeen int      `json:"rowsSeen"`
	Batches  int      `json:"batches"`
	Error    string   `json:"error,omitempty"`
}

// RunResult is the terminal outcome of a run.
type RunResult struct {
	RunID    string        `json:"runId"`
	FileName string        `json:"fileName"`
	RowsSeen int           `json:"rowsSeen"`
	Batches  int           `json:"batches"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Consumer receives batches from streaming runs. The production consumer
// persists them; tests substitute their own.
type Consumer interface {
	HandleBatch(ctx context.Context, records []Record, startIndex int) error
}

// ServiceConfig carries the run-management knobs.
type ServiceConfig struct {
	MaxConcurrent int
	MaxWait       time.Duration
	RunTimeout    time.Duration
}

// Service owns asynchronous streaming runs: it starts them in the
// background, fans progress out to subscribers, and bounds concurrency.
type Service struct {
	consumer   Consumer
	limiter    *RunLimiter
	runTimeout time.Duration

	mu   sync.RWMutex
	runs map[string]*activeRun
}

type activeRun struct {
	ID       string
	FileName string
	Cancel   context.CancelFunc
	Done     chan struct{}

	mu        sync.Mutex
	progress  RunProgress
	result    *RunResult
	listeners []chan RunProgress
}

// NewService creates a Service delivering batches to consumer.
func NewService(consumer Consumer, cfg ServiceConfig) *Service {
	timeout := cfg.RunTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Service{
		consumer:   consumer,
		limiter:    NewRunLimiter(cfg.MaxConcurrent, cfg.MaxWait),
		runTimeout: timeout,
		runs:       make(map[string]*activeRun),
	}
}

// Start begins an asynchronous streaming run and returns its ID
// immediately. Use SubscribeProgress or Result for updates. Returns
// ErrTooManyRuns when the concurrency limit is reached and no slot frees
// up within the wait window.
func (s *Service) Start(ctx context.Context, in Input, opts Options, assignments FieldAssignments, hasHeaders bool) (string, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return "", err
	}

	runID := uuid.New().String()
	runCtx, cancel := context.WithTimeout(context.Background(), s.runTimeout)

	ar := &activeRun{
		ID:       runID,
		FileName: in.Name,
		Cancel:   cancel,
		Done:     make(chan struct{}),
		progress: RunProgress{
			RunID:    runID,
			FileName: in.Name,
			Phase:    PhaseStarting,
		},
	}

	s.mu.Lock()
	s.runs[runID] = ar
	s.mu.Unlock()

	go func() {
		defer s.limiter.Release()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in ingest run",
					"run_id", runID,
					"file", in.Name,
					"panic", r,
				)
				msg := fmt.Sprintf("internal error: %v", r)
				ar.setTerminal(PhaseFailed, msg)
				ar.finish(s, &RunResult{
					RunID:    runID,
					FileName: in.Name,
					Error:    msg,
				})
			}
		}()
		s.execute(runCtx, ar, in, opts, assignments, hasHeaders)
	}()

	return runID, nil
}

// execute runs Process to completion and records the result.
func (s *Service) execute(ctx context.Context, ar *activeRun, in Input, opts Options, assignments FieldAssignments, hasHeaders bool) {
	started := time.Now()
	logger := slog.With("run_id", ar.ID, "file", in.Name)

	ar.setPhase(PhaseStreaming)

	onProgress := func(delta int) {
		ar.addProgress(delta)
	}
	onBatch := func(ctx context.Context, records []Record, startIndex int) error {
		return s.consumer.HandleBatch(ctx, records, startIndex)
	}

	err := Process(ctx, in, opts, assignments, hasHeaders, onProgress, onBatch)

	snapshot := ar.snapshot()
	result := &RunResult{
		RunID:    ar.ID,
		FileName: in.Name,
		RowsSeen: snapshot.RowsSeen,
		Batches:  snapshot.Batches,
		Duration: time.Since(started),
	}

	switch {
	case ctx.Err() != nil:
		result.Error = "cancelled"
		ar.setTerminal(PhaseCancelled, result.Error)
		logger.Warn("run cancelled", "rows_seen", result.RowsSeen)
	case err != nil:
		result.Error = err.Error()
		ar.setTerminal(PhaseFailed, result.Error)
		logger.Error("run failed", "error", err)
	default:
		ar.setPhase(PhaseComplete)
		logger.Info("run complete",
			"rows_seen", result.RowsSeen,
			"batches", result.Batches,
			"duration", result.Duration,
		)
	}
	ar.finish(s, result)
}

// SubscribeProgress returns a channel receiving progress updates for the
// run. The current snapshot is delivered immediately; the channel is
// closed when the run settles.
func (s *Service) SubscribeProgress(runID string) (<-chan RunProgress, error) {
	ar, err := s.get(runID)
	if err != nil {
		return nil, err
	}

	ch := make(chan RunProgress, 10)
	ar.mu.Lock()
	if ar.result != nil {
		// Already settled: deliver the final snapshot and close.
		ch <- ar.progress
		close(ch)
		ar.mu.Unlock()
		return ch, nil
	}
	ar.listeners = append(ar.listeners, ch)
	ch <- ar.progress
	ar.mu.Unlock()
	return ch, nil
}

// Progress returns the current progress without blocking.
func (s *Service) Progress(runID string) (RunProgress, error) {
	ar, err := s.get(runID)
	if err != nil {
		return RunProgress{}, err
	}
	return ar.snapshot(), nil
}

// Result blocks until the run settles and returns its result.
func (s *Service) Result(runID string) (*RunResult, error) {
	ar, err := s.get(runID)
	if err != nil {
		return nil, err
	}
	<-ar.Done

	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.result, nil
}

// Cancel cancels an in-progress run.
func (s *Service) Cancel(runID string) error {
	ar, err := s.get(runID)
	if err != nil {
		return err
	}
	ar.Cancel()
	return nil
}

// ActiveRuns returns the number of runs currently executing.
func (s *Service) ActiveRuns() int { return s.limiter.ActiveCount() }

// WaitForDrain blocks until active runs complete, for graceful shutdown.
func (s *Service) WaitForDrain(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

func (s *Service) get(runID string) (*activeRun, error) {
	s.mu.RLock()
	ar, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	return ar, nil
}

// cleanup removes the run from tracking after a delay so late pollers can
// still fetch the result.
func (s *Service) cleanup(runID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.runs, runID)
		s.mu.Unlock()
	})
}

func (ar *activeRun) snapshot() RunProgress {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.progress
}

func (ar *activeRun) setPhase(phase RunPhase) {
	ar.mu.Lock()
	ar.progress.Phase = phase
	ar.notifyLocked()
	ar.mu.Unlock()
}

func (ar *activeRun) setTerminal(phase RunPhase, errMsg string) {
	ar.mu.Lock()
	ar.progress.Phase = phase
	ar.progress.Error = errMsg
	ar.notifyLocked()
	ar.mu.Unlock()
}

func (ar *activeRun) addProgress(delta int) {
	ar.mu.Lock()
	ar.progress.RowsSeen += delta
	ar.progress.Batches++
	ar.notifyLocked()
	ar.mu.Unlock()
}

// notifyLocked sends the current progress to all listeners, skipping any
// that are slow. Caller holds ar.mu.
func (ar *activeRun) notifyLocked() {
	for _, ch := range ar.listeners {
		select {
		case ch <- ar.progress:
		default:
		}
	}
}

// finish records the result, closes listeners, and schedules cleanup.
func (ar *activeRun) finish(s *Service, result *RunResult) {
	ar.mu.Lock()
	ar.result = result
	for _, ch := range ar.listeners {
		close(ch)
	}
	ar.listeners = nil
	ar.mu.Unlock()

	close(ar.Done)
	ar.Cancel()
	s.cleanup(ar.ID, 5*time.Minute)
}
