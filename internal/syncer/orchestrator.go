package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kasirinaja/kiosk/internal/apperrors"
	"kasirinaja/kiosk/internal/cache"
	"kasirinaja/kiosk/internal/connectivity"
	"kasirinaja/kiosk/internal/correlation"
	"kasirinaja/kiosk/internal/domain"
	"kasirinaja/kiosk/internal/store"
	"kasirinaja/kiosk/internal/transport"
)

var ErrStopped = errors.New("sync orchestrator stopped")

const lastSuccessKey = "last_successful_sync"

const DefaultMaxAttempts = 10

type Options struct {
	// CallTimeout bounds every transport call; a timeout is transient.
	CallTimeout time.Duration
	// MaxAttempts turns a transient failure permanent once reached.
	MaxAttempts int
	SalePolicy  SalePolicy
	// Interval triggers a pass periodically while online. Zero disables it.
	Interval   time.Duration
	TerminalID string
	StatusTTL  time.Duration
}

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.SalePolicy == "" {
		o.SalePolicy = PurgeAfterClosure
	}
	if o.TerminalID == "" {
		o.TerminalID = "kiosk"
	}
	if o.StatusTTL <= 0 {
		o.StatusTTL = 24 * time.Hour
	}
	return o
}

// Orchestrator runs sync passes one at a time. Triggers that arrive while a
// pass is running are folded into a single follow-up pass.
type Orchestrator struct {
	pipeline    *Pipeline
	transport   transport.Transport
	correlation *correlation.Table
	store       store.Store
	conn        connectivity.Source
	cache       cache.StatusCache
	opts        Options
	logger      *slog.Logger
	now         func() time.Time

	mu          sync.Mutex
	state       State
	rerun       bool
	stopped     bool
	done        chan struct{}
	last        *PassResult
	lastSuccess *time.Time
}

type syncMetaEntry struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

// New builds an orchestrator. conn and statusCache may be nil.
func New(pipeline *Pipeline, t transport.Transport, s store.Store, conn connectivity.Source, statusCache cache.StatusCache, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if statusCache == nil {
		statusCache = cache.NoopStatusCache{}
	}
	return &Orchestrator{
		pipeline:    pipeline,
		transport:   t,
		correlation: correlation.New(s),
		store:       s,
		conn:        conn,
		cache:       statusCache,
		opts:        opts.withDefaults(),
		logger:      logger.With(slog.String("component", "syncer")),
		now:         time.Now,
		state:       StateIdle,
	}
}

// Trigger starts a pass in the background, or schedules one more pass if a
// pass is already running.
func (o *Orchestrator) Trigger() {
	done, ok := o.begin()
	if !ok {
		return
	}
	go o.loop(context.Background(), done)
}

// RunPass runs a pass on the calling goroutine and returns its result. When
// a pass is already running it waits for the follow-up pass instead. ctx only
// bounds the wait; a running pass is never cancelled.
func (o *Orchestrator) RunPass(ctx context.Context) (PassResult, error) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return PassResult{}, ErrStopped
	}
	if o.state == StateRunning {
		o.rerun = true
		done := o.done
		o.mu.Unlock()
		select {
		case <-done:
			return o.Last(), nil
		case <-ctx.Done():
			return PassResult{}, ctx.Err()
		}
	}
	done := o.markRunning()
	o.mu.Unlock()

	o.loop(ctx, done)
	return o.Last(), nil
}

func (o *Orchestrator) begin() (chan struct{}, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return nil, false
	}
	if o.state == StateRunning {
		o.rerun = true
		return nil, false
	}
	return o.markRunning(), true
}

// markRunning must be called with mu held.
func (o *Orchestrator) markRunning() chan struct{} {
	o.state = StateRunning
	o.rerun = false
	o.done = make(chan struct{})
	return o.done
}

func (o *Orchestrator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		o.runPass(ctx)

		o.mu.Lock()
		again := o.rerun && !o.stopped
		o.rerun = false
		if !again {
			o.state = StateIdle
		}
		o.mu.Unlock()
		if !again {
			return
		}
	}
}

func (o *Orchestrator) runPass(parent context.Context) {
	ctx := context.WithoutCancel(parent)
	result := newPassResult(o.now().UTC())

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("sync pass panicked", slog.Any("panic", r))
			result.Errors = append(result.Errors, fmt.Sprintf("panic: %v", r))
			result.State = StateHardFailure
		}
		result.Duration = o.now().Sub(result.Started)
		o.finish(ctx, result)
	}()

	o.publish(ctx, true)

	if o.conn != nil && !o.conn.Online() {
		result.Offline = true
		result.State = result.outcome()
		o.logger.Info("sync pass skipped, offline")
		return
	}

	env := &Env{
		transport:   o.transport,
		correlation: o.correlation,
		resolvers:   o.pipeline.resolvers,
		callTimeout: o.opts.CallTimeout,
		maxAttempts: o.opts.MaxAttempts,
		salePolicy:  o.opts.SalePolicy,
		logger:      o.logger,
		result:      &result,
	}
	for _, stage := range o.pipeline.stages {
		counts, err := stage.Sync(ctx, env)
		if counts == nil {
			counts = &EntityCounts{}
		}
		result.Entities[stage.Entity()] = counts
		if err != nil {
			o.logger.Error("sync stage failed", slog.String("entity", string(stage.Entity())), slog.Any("error", err))
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", stage.Entity(), err))
		}
	}
	result.State = result.outcome()
}

func (o *Orchestrator) finish(ctx context.Context, result PassResult) {
	o.mu.Lock()
	o.last = &result
	o.mu.Unlock()

	if result.State == StateSuccess {
		at := result.Started.Add(result.Duration).UTC()
		o.mu.Lock()
		o.lastSuccess = &at
		o.mu.Unlock()
		if err := store.Save(ctx, o.store, store.SyncMeta, syncMetaEntry{Name: lastSuccessKey, At: at}); err != nil {
			o.logger.Warn("WARN: failed to persist last successful sync", slog.Any("error", err))
		}
	}

	totals := result.Totals()
	o.logger.Info("sync pass finished",
		slog.String("state", string(result.State)),
		slog.Duration("duration", result.Duration),
		slog.Int("attempted", totals.Attempted),
		slog.Int("succeeded", totals.Succeeded),
		slog.Int("failed", totals.Failed),
		slog.Int("mappings", len(result.Mappings)),
	)
	o.publish(ctx, false)
}

// publish writes the current status to the status cache. Failures are
// logged and otherwise ignored.
func (o *Orchestrator) publish(ctx context.Context, syncing bool) {
	snapshot, err := o.snapshot(ctx, syncing)
	if err != nil {
		o.logger.Warn("WARN: failed to build sync status", slog.Any("error", err))
		return
	}
	if err := o.cache.Set(ctx, cache.StatusKey(o.opts.TerminalID), &snapshot, o.opts.StatusTTL); err != nil {
		o.logger.Warn("WARN: failed to publish sync status", slog.Any("error", err))
	}
}

// Last returns the result of the most recent pass.
func (o *Orchestrator) Last() PassResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return PassResult{State: StateIdle}
	}
	return *o.last
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Status reports connectivity, whether a pass is running, pending counts per
// entity and the time of the last successful pass.
func (o *Orchestrator) Status(ctx context.Context) (domain.StatusSnapshot, error) {
	return o.snapshot(ctx, o.State() == StateRunning)
}

func (o *Orchestrator) snapshot(ctx context.Context, syncing bool) (domain.StatusSnapshot, error) {
	counts := make(map[domain.EntityType]int, len(o.pipeline.stages))
	for _, stage := range o.pipeline.stages {
		n, err := stage.Pending(ctx)
		if err != nil {
			return domain.StatusSnapshot{}, err
		}
		counts[stage.Entity()] = n
	}

	lastSuccess, err := o.lastSuccessful(ctx)
	if err != nil {
		return domain.StatusSnapshot{}, err
	}

	last := o.Last()
	return domain.StatusSnapshot{
		IsOnline:           o.conn != nil && o.conn.Online(),
		IsSyncing:          syncing,
		PendingCounts:      counts,
		LastSuccessfulSync: lastSuccess,
		LastPassState:      string(last.State),
		UpdatedAt:          o.now().UTC(),
	}, nil
}

func (o *Orchestrator) lastSuccessful(ctx context.Context) (*time.Time, error) {
	o.mu.Lock()
	cached := o.lastSuccess
	o.mu.Unlock()
	if cached != nil {
		at := *cached
		return &at, nil
	}

	entry, err := store.Load[syncMetaEntry](ctx, o.store, store.SyncMeta, lastSuccessKey)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.lastSuccess = &entry.At
	o.mu.Unlock()
	at := entry.At
	return &at, nil
}

// Run triggers a pass whenever connectivity comes back, and on Interval
// while online. It returns when ctx is done or the source closes.
func (o *Orchestrator) Run(ctx context.Context) {
	if o.conn == nil {
		<-ctx.Done()
		return
	}
	signals := o.conn.Subscribe()
	if o.conn.Online() {
		o.Trigger()
	}

	var tick <-chan time.Time
	if o.opts.Interval > 0 {
		ticker := time.NewTicker(o.opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if sig == connectivity.BecameOnline {
				o.logger.Info("connectivity restored, triggering sync")
				o.Trigger()
			}
		case <-tick:
			if o.conn.Online() {
				o.Trigger()
			}
		}
	}
}

// Stop refuses new passes and waits for a running one to finish.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	o.stopped = true
	o.rerun = false
	var done chan struct{}
	if o.state == StateRunning {
		done = o.done
	}
	o.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
