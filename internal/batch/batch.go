// Package batch sequences many media items through the query pipeline.
//
// An Orchestrator runs one batch at a time: Idle -> Running -> {Paused <->
// Running} -> Idle. Items are processed one after another, grouped by a key
// function. Pause is cooperative and takes effect between items; Abort
// cancels the in-flight item and fails the rest as cancelled. Every item
// handed to Start yields exactly one result, in submission order.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/mediaquery/internal/media"
	"github.com/fpang/mediaquery/internal/metrics"
	"github.com/fpang/mediaquery/internal/provider"
)

const (
	// DefaultPollInterval is how often a paused batch checks for resume.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultReclaimEvery is the number of items between FreeOSMemory hints.
	DefaultReclaimEvery = 10
)

var (
	// ErrAlreadyRunning is returned by Start while another batch is active.
	ErrAlreadyRunning = errors.New("a batch is already running")

	// ErrAborted is returned alongside the full result list when the batch
	// was aborted or its context was cancelled.
	ErrAborted = errors.New("batch aborted")
)

// Processor answers the question for one item. It must not return until
// the item's temporary artifacts are released.
type Processor interface {
	Process(ctx context.Context, item media.Item, question string) provider.QueryResult
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, item media.Item, question string) provider.QueryResult

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, item media.Item, question string) provider.QueryResult {
	return f(ctx, item, question)
}

// Sink receives each result as soon as it is recorded, in processing order.
// index is the item's position in the submitted slice.
type Sink func(index int, res provider.QueryResult)

// State is a snapshot of the orchestrator. The zero value is Idle.
type State struct {
	BatchID      string    `json:"batchId,omitempty"`
	Running      bool      `json:"running"`
	Paused       bool      `json:"paused"`
	CurrentIndex int       `json:"currentIndex"`
	TotalItems   int       `json:"totalItems"`
	CurrentItem  string    `json:"currentItem,omitempty"`
	CurrentGroup string    `json:"currentGroup,omitempty"`
	GroupIndex   int       `json:"groupIndex"`
	TotalGroups  int       `json:"totalGroups"`
	Succeeded    int       `json:"succeeded"`
	Failed       int       `json:"failed"`
	StartedAt    time.Time `json:"startedAt,omitempty"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPollInterval sets how often a paused batch checks for resume.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.poll = d }
}

// WithReclaimEvery sets the number of items between memory reclamation
// hints. Zero disables them.
func WithReclaimEvery(n int) Option {
	return func(o *Orchestrator) { o.reclaimEvery = n }
}

// Orchestrator runs batches. It is safe for concurrent use; only one batch
// runs at a time.
type Orchestrator struct {
	proc         Processor
	poll         time.Duration
	reclaimEvery int

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

// New creates an idle Orchestrator.
func New(proc Processor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		proc:         proc,
		poll:         DefaultPollInterval,
		reclaimEvery: DefaultReclaimEvery,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Status returns a snapshot of the current state.
func (o *Orchestrator) Status() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Pause asks the running batch to stop before its next item. It reports
// whether a batch was running.
func (o *Orchestrator) Pause() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.Running {
		return false
	}
	if !o.state.Paused {
		log.Info().Str("batch_id", o.state.BatchID).Msg("Batch paused")
	}
	o.state.Paused = true
	return true
}

// Resume lets a paused batch continue. It reports whether a batch was running.
func (o *Orchestrator) Resume() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.Running {
		return false
	}
	if o.state.Paused {
		log.Info().Str("batch_id", o.state.BatchID).Msg("Batch resumed")
	}
	o.state.Paused = false
	return true
}

// Abort cancels the running batch. The in-flight item sees a cancelled
// context; items not yet started fail as cancelled.
func (o *Orchestrator) Abort() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.Running || o.cancel == nil {
		return false
	}
	log.Warn().Str("batch_id", o.state.BatchID).Msg("Batch abort requested")
	o.cancel()
	return true
}

// NewID returns a fresh batch identifier.
func NewID() string {
	return "batch-" + uuid.NewString()
}

// Start processes items and blocks until the batch ends. The returned slice
// always holds one result per item, in submission order. sink may be nil.
func (o *Orchestrator) Start(ctx context.Context, items []media.Item, key GroupKeyFunc, question string, sink Sink) ([]provider.QueryResult, error) {
	return o.StartWithID(ctx, NewID(), items, key, question, sink)
}

// StartWithID is Start with a caller-chosen batch ID, for callers that
// persist the batch before it runs.
func (o *Orchestrator) StartWithID(ctx context.Context, batchID string, items []media.Item, key GroupKeyFunc, question string, sink Sink) ([]provider.QueryResult, error) {
	groups := groupItems(items, key)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if o.state.Running {
		o.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	o.state = State{
		BatchID:     batchID,
		Running:     true,
		TotalItems:  len(items),
		TotalGroups: len(groups),
		StartedAt:   time.Now(),
	}
	o.cancel = cancel
	o.mu.Unlock()

	// Reset on every exit path, including a panic outside the per-item scope.
	defer o.reset()

	log.Info().
		Str("batch_id", batchID).
		Int("items", len(items)).
		Int("groups", len(groups)).
		Msg("Batch started")

	start := time.Now()
	results := make([]provider.QueryResult, len(items))
	done := 0

	for gi, g := range groups {
		if g.label != "" {
			log.Info().
				Str("batch_id", batchID).
				Str("group", g.label).
				Int("group_index", gi+1).
				Int("group_items", len(g.indexes)).
				Msg("Processing group")
		}
		for _, idx := range g.indexes {
			item := items[idx]

			if err := o.waitWhilePaused(ctx); err != nil {
				results[idx] = cancelledResult(item, question)
			} else {
				o.begin(done, item, g.label, gi)
				results[idx] = o.processOne(ctx, item, question)
			}
			done++
			o.finish(results[idx])

			if sink != nil {
				sink(idx, results[idx])
			}
			metrics.New().
				Dimension("Outcome", results[idx].Outcome.String()).
				Count("BatchItems").
				Flush()

			if o.reclaimEvery > 0 && done%o.reclaimEvery == 0 {
				debug.FreeOSMemory()
				log.Debug().Int("processed", done).Msg("Released memory to OS")
			}
		}
	}

	st := o.Status()
	log.Info().
		Str("batch_id", batchID).
		Int("succeeded", st.Succeeded).
		Int("failed", st.Failed).
		Dur("duration", time.Since(start)).
		Msg("Batch finished")

	if ctx.Err() != nil {
		return results, ErrAborted
	}
	return results, nil
}

// processOne runs the processor for one item. A panic becomes a permanent
// failure for that item only.
func (o *Orchestrator) processOne(ctx context.Context, item media.Item, question string) (res provider.QueryResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("item", item.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Item processing panicked")
			res = provider.Failed(provider.ClassPermanent, fmt.Sprintf("internal error: %v", r))
			res.ItemID = item.ID
			res.Question = question
		}
	}()

	if ctx.Err() != nil {
		return cancelledResult(item, question)
	}
	res = o.proc.Process(ctx, item, question)
	if res.ItemID == "" {
		res.ItemID = item.ID
	}
	return res
}

// waitWhilePaused blocks between items while the batch is paused.
func (o *Orchestrator) waitWhilePaused(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.mu.Lock()
		paused := o.state.Paused
		o.mu.Unlock()
		if !paused {
			return nil
		}
		t := time.NewTimer(o.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (o *Orchestrator) begin(index int, item media.Item, label string, gi int) {
	o.mu.Lock()
	o.state.CurrentIndex = index
	o.state.CurrentItem = item.ID
	o.state.CurrentGroup = label
	o.state.GroupIndex = gi
	total := o.state.TotalItems
	batchID := o.state.BatchID
	o.mu.Unlock()

	log.Info().
		Str("batch_id", batchID).
		Int("index", index+1).
		Int("total", total).
		Str("item", item.ID).
		Msg("Processing item")
}

func (o *Orchestrator) finish(res provider.QueryResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if res.OK() {
		o.state.Succeeded++
	} else {
		o.state.Failed++
	}
}

func (o *Orchestrator) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = State{}
	o.cancel = nil
}

func cancelledResult(item media.Item, question string) provider.QueryResult {
	res := provider.Failed(provider.ClassCancelled, "batch aborted before item started")
	res.ItemID = item.ID
	res.Question = question
	return res
}
