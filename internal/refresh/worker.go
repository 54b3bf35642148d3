package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/growthops/countsync/internal/domain"
)

// Phase is the worker's position in its cycle state machine.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseBuilding Phase = "building"
	PhaseDraining Phase = "draining"
	PhasePausing  Phase = "pausing"
	PhaseCooldown Phase = "cooldown"
)

// Options configure the worker.
type Options struct {
	Bounds          Bounds
	Substores       []string
	InterBatchDelay time.Duration
	CyclePause      time.Duration
	ErrorCooldown   time.Duration
	ProgressEvery   int
}

// CycleReport summarizes one completed refresh cycle.
type CycleReport struct {
	Cycle          int64         `json:"cycle"`
	Started        time.Time     `json:"started"`
	Duration       time.Duration `json:"duration"`
	Combinations   int           `json:"combinations"`
	Updated        int           `json:"updated"`
	Failed         int           `json:"failed"`
	RateLimited    int           `json:"rateLimited"`
	StoreErrors    int           `json:"storeErrors"`
	FinalBatchSize int           `json:"finalBatchSize"`
}

// Status is a point-in-time view of the worker.
type Status struct {
	Running    bool            `json:"running"`
	Phase      Phase           `json:"phase"`
	Cycle      int64           `json:"cycle"`
	Processed  int             `json:"processed"`
	Total      int             `json:"total"`
	Controller ControllerState `json:"controller"`
	LastCycle  *CycleReport    `json:"lastCycle,omitempty"`
	LastError  string          `json:"lastError,omitempty"`
}

// Worker is the perpetual refresh cycle driver. At most one loop runs per
// Worker; cycles never overlap.
type Worker struct {
	counter    Counter
	categories domain.CategorySource
	store      domain.CountStore
	observer   domain.CycleObserver
	ctrl       *Controller
	opts       Options
	logger     *slog.Logger

	cycleMu sync.Mutex // one cycle at a time, owner of ctrl
	cycle   atomic.Int64

	mu        sync.Mutex
	running   bool
	stopping  bool
	stop      chan struct{}
	done      chan struct{}
	phase     Phase
	processed int
	total     int
	last      *CycleReport
	lastErr   string
}

// NewWorker creates a worker. observer may be nil.
func NewWorker(
	c Counter,
	categories domain.CategorySource,
	store domain.CountStore,
	observer domain.CycleObserver,
	opts Options,
	logger *slog.Logger,
) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = domain.NoOpObserver{}
	}
	if opts.Bounds == (Bounds{}) {
		opts.Bounds = WorkerBounds
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 20
	}
	return &Worker{
		counter:    c,
		categories: categories,
		store:      store,
		observer:   observer,
		ctrl:       NewController(opts.Bounds),
		opts:       opts,
		logger:     logger,
		phase:      PhaseIdle,
	}
}

// Start launches the cycle loop. It returns false without side effects when
// the loop is already running. Cancelling ctx aborts in-flight work.
func (w *Worker) Start(ctx context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return false
	}
	w.running = true
	w.stopping = false
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.run(ctx, w.stop, w.done)
	w.logger.Info("refresh worker started")
	return true
}

// Stop asks the loop to exit after the in-flight cycle. It does not block.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running || w.stopping {
		return
	}
	w.stopping = true
	close(w.stop)
	w.logger.Info("refresh worker stopping after current cycle")
}

// Wait blocks until the loop has exited or ctx is done.
func (w *Worker) Wait(ctx context.Context) error {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
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

// Running reports whether the loop is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Status returns a snapshot of the worker.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := Status{
		Running:    w.running,
		Phase:      w.phase,
		Cycle:      w.cycle.Load(),
		Processed:  w.processed,
		Total:      w.total,
		Controller: w.ctrl.State(),
		LastError:  w.lastErr,
	}
	if w.last != nil {
		last := *w.last
		st.LastCycle = &last
	}
	return st
}

func (w *Worker) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.phase = PhaseIdle
		w.mu.Unlock()
		close(done)
		w.logger.Info("refresh worker stopped")
	}()

	for {
		_, err := w.safeCycle(ctx)

		wait := w.opts.CyclePause
		phase := PhasePausing
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("refresh cycle failed, cooling down", "error", err, "cooldown", w.opts.ErrorCooldown)
			wait = w.opts.ErrorCooldown
			phase = PhaseCooldown
		}

		select {
		case <-stop:
			return
		default:
		}

		w.setPhase(phase)
		if !sleep(ctx, stop, wait) {
			return
		}
	}
}

// safeCycle runs one cycle, converting a panic into an error so the loop
// survives it.
func (w *Worker) safeCycle(ctx context.Context) (report CycleReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refresh cycle panicked: %v", r)
			w.logger.Error("refresh cycle panicked", "panic", r, "stack", string(debug.Stack()))
			w.setError(err)
		}
	}()
	return w.RunCycle(ctx)
}

// RunCycle performs one full pass over every published category and
// configured substore. Per-combination failures are logged and counted; only
// failures to build the work set are returned.
func (w *Worker) RunCycle(ctx context.Context) (CycleReport, error) {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	report := CycleReport{Cycle: w.cycle.Add(1), Started: time.Now()}
	w.ctrl.Reset()
	w.setPhase(PhaseBuilding)

	cats, err := w.categories.PublishedCategories(ctx)
	if err != nil {
		err = fmt.Errorf("load published categories: %w", err)
		w.setError(err)
		return report, err
	}
	combos := domain.Combinations(cats, w.opts.Substores)
	report.Combinations = len(combos)

	w.logger.Info("refresh cycle started",
		"cycle", report.Cycle,
		"categories", len(cats),
		"substores", len(w.opts.Substores),
		"combinations", len(combos),
	)

	w.mu.Lock()
	w.phase = PhaseDraining
	w.processed = 0
	w.total = len(combos)
	w.mu.Unlock()

	nextProgress := w.opts.ProgressEvery
	rest := combos
	for len(rest) > 0 {
		if err := ctx.Err(); err != nil {
			w.setError(err)
			return report, err
		}

		var batch []domain.Combination
		batch, rest = NextBatch(rest, w.ctrl.Size())

		results, outcome := Dispatch(ctx, w.counter, batch)
		if ctx.Err() != nil {
			// cancelled mid-batch; the partial results are not trustworthy
			w.setError(ctx.Err())
			return report, ctx.Err()
		}

		for _, r := range results {
			if r.RateLimited {
				report.RateLimited++
			}
			if !r.OK() {
				report.Failed++
			}
			if errors.Is(r.Err, ErrCountPanicked) {
				w.logger.Error("skipping save of failed count", "error", r.Err)
				continue
			}
			// partial totals are persisted as well so every pair stays fresh
			if _, err := w.store.Upsert(ctx, r.Combination.Category, r.Combination.Substore, r.Count); err != nil {
				report.StoreErrors++
				w.logger.Error("failed to save count", "error", err, "category", r.Combination.Category, "substore", r.Combination.Substore)
				continue
			}
			report.Updated++
		}

		size := w.ctrl.Observe(outcome)
		processed := w.advance(len(batch))
		if processed >= nextProgress {
			w.emitProgress(report, processed, len(combos), size, false)
			for nextProgress <= processed {
				nextProgress += w.opts.ProgressEvery
			}
		}

		if len(rest) > 0 && !sleep(ctx, nil, w.opts.InterBatchDelay) {
			w.setError(ctx.Err())
			return report, ctx.Err()
		}
	}

	report.Duration = time.Since(report.Started)
	report.FinalBatchSize = w.ctrl.Size()
	w.emitProgress(report, len(combos), len(combos), report.FinalBatchSize, true)

	w.mu.Lock()
	w.last = &report
	w.lastErr = ""
	w.mu.Unlock()

	w.logger.Info("refresh cycle completed",
		"cycle", report.Cycle,
		"updated", report.Updated,
		"failed", report.Failed,
		"rate_limited", report.RateLimited,
		"duration", report.Duration,
	)
	return report, nil
}

func (w *Worker) emitProgress(report CycleReport, processed, total, batchSize int, done bool) {
	elapsed := time.Since(report.Started)
	var remaining time.Duration
	if processed > 0 && processed < total {
		remaining = time.Duration(float64(elapsed) / float64(processed) * float64(total-processed))
	}
	p := domain.CycleProgress{
		Cycle:     report.Cycle,
		Processed: processed,
		Total:     total,
		BatchSize: batchSize,
		Elapsed:   elapsed,
		Remaining: remaining,
		Done:      done,
	}
	if !done {
		w.logger.Info("refresh cycle progress",
			"cycle", p.Cycle,
			"processed", p.Processed,
			"total", p.Total,
			"percent", fmt.Sprintf("%.1f", p.Percent()),
			"batch_size", p.BatchSize,
			"elapsed", p.Elapsed.Round(time.Millisecond),
			"eta", p.Remaining.Round(time.Second),
		)
	}
	w.observer.OnProgress(p)
}

func (w *Worker) advance(n int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.processed += n
	return w.processed
}

func (w *Worker) setPhase(p Phase) {
	w.mu.Lock()
	w.phase = p
	w.mu.Unlock()
}

func (w *Worker) setError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	w.mu.Lock()
	w.lastErr = err.Error()
	w.mu.Unlock()
}

// sleep waits for d, returning false if ctx is done or stop is closed first.
func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	}
}
