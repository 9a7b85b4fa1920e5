// Package engine orchestrates documentation generation over a schema
// model: per-node state machine, bounded concurrency, retry with backoff,
// failover across backends, and cache short-circuiting.
package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aleenprd/docbt/internal/cache"
	"github.com/aleenprd/docbt/internal/errors"
	"github.com/aleenprd/docbt/internal/llm"
	"github.com/aleenprd/docbt/internal/logging"
	"github.com/aleenprd/docbt/internal/prompt"
	"github.com/aleenprd/docbt/internal/schema"
)

// NodeState tracks a node through the generation run.
type NodeState string

const (
	StatePending    NodeState = "pending"
	StateInFlight   NodeState = "in_flight"
	StateRetrying   NodeState = "retrying"
	StateFailedOver NodeState = "failed_over"
	StateSucceeded  NodeState = "succeeded"
	StateFailed     NodeState = "failed"
	StateSkipped    NodeState = "skipped"
)

// Event is one progress notification. The handler runs on worker
// goroutines and must not block.
type Event struct {
	RunID   string
	Node    schema.NodeRef
	State   NodeState
	Backend string
	Cached  bool
	Attempt int
	Err     string
}

// Result is the immutable per-node outcome of a run.
type Result struct {
	Node     schema.NodeRef
	State    NodeState
	Text     string
	Backend  string
	Cached   bool
	Attempts int
	ErrKind  errors.Kind
	Err      string
}

// Config wires the engine's collaborators and policy knobs. Backends is
// the ordered preference list; the first entry is the primary.
type Config struct {
	Backends []llm.Backend
	Builder  *prompt.Builder
	Cache    cache.Store
	Logger   *logging.Logger

	// Workers bounds concurrent in-flight requests. Kept low by default
	// to respect backend rate limits.
	Workers int
	// MaxAttempts is the attempt budget per backend for retryable errors.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// CallTimeout bounds each individual Complete call.
	CallTimeout time.Duration
	// BatchTimeout, when set, deadlines the whole run; on expiry the
	// engine drains in-flight work and skips the remainder.
	BatchTimeout time.Duration
	// IncludeColumnSummaries sequences each table's request after its
	// columns so their descriptions can feed the table prompt.
	IncludeColumnSummaries bool

	// OnEvent receives progress events when non-nil.
	OnEvent func(Event)
}

// DefaultConfig returns the policy defaults. Collaborators still need to
// be filled in.
func DefaultConfig() Config {
	return Config{
		Workers:                3,
		MaxAttempts:            3,
		BaseBackoff:            500 * time.Millisecond,
		MaxBackoff:             8 * time.Second,
		CallTimeout:            60 * time.Second,
		IncludeColumnSummaries: true,
	}
}

type Engine struct {
	cfg Config
	log *logging.Logger

	// sleep is swappable so retry tests run without real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) (*Engine, error) {
	if len(cfg.Backends) == 0 {
		return nil, errors.New(errors.KindConfig, "engine requires at least one backend")
	}

	if cfg.Builder == nil {
		return nil, errors.New(errors.KindConfig, "engine requires a prompt builder")
	}

	if cfg.Cache == nil {
		return nil, errors.New(errors.KindConfig, "engine requires a cache store")
	}

	defaults := DefaultConfig()

	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaults.BaseBackoff
	}

	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}

	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaults.CallTimeout
	}

	log := cfg.Logger
	if log == nil {
		log = logging.NewNop()
	}

	return &Engine{
		cfg:   cfg,
		log:   log,
		sleep: sleepCtx,
	}, nil
}

// run carries the shared state of one Generate call.
type run struct {
	id      string
	source  *schema.DataSource
	ctx     context.Context
	sem     chan struct{}
	mu      sync.Mutex
	results map[schema.NodeRef]Result
}

// Generate documents every node of the data source. It always returns a
// result per node, in canonical schema order, regardless of individual
// failures; the error return covers only pre-run validation.
func (e *Engine) Generate(ctx context.Context, ds *schema.DataSource) ([]Result, error) {
	if err := ds.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.KindUnsupportedSchema, "schema failed validation")
	}

	if e.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, e.cfg.BatchTimeout)
		defer cancel()
	}

	r := &run{
		id:      uuid.NewString(),
		source:  ds,
		ctx:     ctx,
		sem:     make(chan struct{}, e.cfg.Workers),
		results: make(map[schema.NodeRef]Result),
	}

	e.log.Info("starting generation run",
		"run_id", r.id, "source", ds.Name, "nodes", len(schema.Nodes(ds)), "workers", e.cfg.Workers)

	var wg sync.WaitGroup

	for _, table := range ds.Tables {
		wg.Add(1)

		go func(table *schema.Table) {
			defer wg.Done()
			e.processTable(r, table)
		}(table)
	}

	wg.Wait()

	ordered := make([]Result, 0, len(r.results))

	for _, ref := range schema.Nodes(ds) {
		res, ok := r.results[ref]
		if !ok {
			res = Result{Node: ref, State: StateSkipped, Err: "not scheduled"}
		}

		ordered = append(ordered, res)
	}

	e.log.Info("generation run finished", "run_id", r.id, "results", len(ordered))

	return ordered, nil
}

// processTable runs the table's columns first, then the table itself.
// The table-after-columns edge only exists when column summaries feed the
// table prompt.
func (e *Engine) processTable(r *run, table *schema.Table) {
	var colWg sync.WaitGroup

	for _, col := range table.Columns {
		ref := schema.ColumnRef(table.Name, col.Name)

		colWg.Add(1)

		go func(ref schema.NodeRef) {
			defer colWg.Done()
			e.processNode(r, ref, nil)
		}(ref)
	}

	tableRef := schema.TableRef(table.Name)

	if !e.cfg.IncludeColumnSummaries {
		colWg.Add(1)

		go func() {
			defer colWg.Done()
			e.processNode(r, tableRef, nil)
		}()

		colWg.Wait()

		return
	}

	colWg.Wait()
	e.processNode(r, tableRef, e.columnSummaries(r, table))
}

func (e *Engine) columnSummaries(r *run, table *schema.Table) map[string]string {
	summaries := make(map[string]string)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, col := range table.Columns {
		res, ok := r.results[schema.ColumnRef(table.Name, col.Name)]
		if ok && res.State == StateSucceeded {
			summaries[col.Name] = res.Text
		}
	}

	return summaries
}

// processNode drives one node through the state machine to a terminal
// state and records the result.
func (e *Engine) processNode(r *run, ref schema.NodeRef, summaries map[string]string) {
	if r.ctx.Err() != nil {
		e.record(r, e.skip(r, ref, "run cancelled"))

		return
	}

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-r.ctx.Done():
		e.record(r, e.skip(r, ref, "run cancelled"))

		return
	}

	// Cache short-circuit: a hit on any configured backend's fingerprint
	// succeeds without touching the network.
	if res, ok := e.fromCache(r, ref); ok {
		e.record(r, res)

		return
	}

	e.record(r, e.generate(r, ref, summaries))
}

func (e *Engine) fromCache(r *run, ref schema.NodeRef) (Result, bool) {
	for _, backend := range e.cfg.Backends {
		fp := schema.Fingerprint(r.source, ref, prompt.TemplateVersion, backend.Name())

		entry, ok, err := e.cfg.Cache.Get(r.ctx, fp)
		if err != nil {
			e.log.Warn("cache read failed", "run_id", r.id, "node", ref.Path(), "error", err)

			continue
		}

		if ok {
			e.emit(Event{RunID: r.id, Node: ref, State: StateSucceeded, Backend: entry.Backend, Cached: true})

			return Result{
				Node:    ref,
				State:   StateSucceeded,
				Text:    entry.Text,
				Backend: entry.Backend,
				Cached:  true,
			}, true
		}
	}

	return Result{}, false
}

// generate walks the backend preference list. Retryable errors consume
// the per-backend attempt budget with jittered backoff; unavailable and
// auth errors fail over immediately; structural rejections stop the node
// unless the rejection is capacity-bound, which earns a single failover
// to a backend with a larger context window.
func (e *Engine) generate(r *run, ref schema.NodeRef, summaries map[string]string) Result {
	var (
		lastErr          error
		lastBackend      string
		totalAttempts    int
		capacityFailover bool
	)

	for i := 0; i < len(e.cfg.Backends); i++ {
		backend := e.cfg.Backends[i]
		lastBackend = backend.Name()

		req, err := e.cfg.Builder.Build(ref, prompt.Context{
			Source:           r.source,
			ColumnSummaries:  summaries,
			MaxContextTokens: backend.Capabilities().MaxContextTokens,
		})
		if err != nil {
			lastErr = err

			if errors.IsKind(err, errors.KindPromptTooLarge) && !capacityFailover {
				// One shot at a roomier backend.
				capacityFailover = true

				if next := e.nextLargerBackend(i, backend); next >= 0 {
					e.emit(Event{RunID: r.id, Node: ref, State: StateFailedOver, Backend: lastBackend, Err: err.Error()})

					i = next - 1

					continue
				}
			}

			return e.fail(r, ref, lastBackend, totalAttempts, err)
		}

		jump := -1

		for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
			if r.ctx.Err() != nil {
				return e.skip(r, ref, "run cancelled")
			}

			totalAttempts++
			e.emit(Event{RunID: r.id, Node: ref, State: StateInFlight, Backend: lastBackend, Attempt: totalAttempts})

			completion, err := e.complete(r.ctx, backend, req)
			if err == nil {
				return e.succeed(r, ref, backend, completion, totalAttempts)
			}

			lastErr = err

			e.log.Debug("backend call failed",
				"run_id", r.id, "node", ref.Path(), "backend", lastBackend,
				"attempt", attempt, "kind", string(errors.GetKind(err)), "error", err)

			if errors.IsKind(err, errors.KindUnavailable) || errors.IsKind(err, errors.KindAuth) {
				// Retrying the same backend is pointless.
				break
			}

			if errors.IsKind(err, errors.KindInvalidRequest) {
				if errors.IsCapacityLimited(err) && !capacityFailover {
					capacityFailover = true

					if next := e.nextLargerBackend(i, backend); next >= 0 {
						e.emit(Event{RunID: r.id, Node: ref, State: StateFailedOver, Backend: lastBackend, Err: err.Error()})

						jump = next

						break
					}
				}

				return e.fail(r, ref, lastBackend, totalAttempts, err)
			}

			if !errors.Retryable(err) {
				return e.fail(r, ref, lastBackend, totalAttempts, err)
			}

			if attempt == e.cfg.MaxAttempts {
				break
			}

			e.emit(Event{RunID: r.id, Node: ref, State: StateRetrying, Backend: lastBackend, Attempt: totalAttempts, Err: err.Error()})

			hint, _ := errors.RetryAfter(err)
			if sleepErr := e.sleep(r.ctx, e.backoff(attempt, hint)); sleepErr != nil {
				return e.skip(r, ref, "run cancelled")
			}
		}

		if jump >= 0 {
			i = jump - 1

			continue
		}

		if i < len(e.cfg.Backends)-1 {
			e.emit(Event{RunID: r.id, Node: ref, State: StateFailedOver, Backend: lastBackend, Err: errString(lastErr)})
		}
	}

	return e.fail(r, ref, lastBackend, totalAttempts, lastErr)
}

// complete issues one backend call under the per-call timeout. The call
// context is detached from batch cancellation so in-flight requests drain
// instead of aborting mid-read.
func (e *Engine) complete(ctx context.Context, backend llm.Backend, req llm.Request) (*llm.Completion, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
	defer cancel()

	return backend.Complete(callCtx, req)
}

// nextLargerBackend finds a later backend with a strictly larger context
// window, or -1.
func (e *Engine) nextLargerBackend(from int, current llm.Backend) int {
	for i := from + 1; i < len(e.cfg.Backends); i++ {
		if e.cfg.Backends[i].Capabilities().MaxContextTokens > current.Capabilities().MaxContextTokens {
			return i
		}
	}

	return -1
}

func (e *Engine) succeed(r *run, ref schema.NodeRef, backend llm.Backend, completion *llm.Completion, attempts int) Result {
	fp := schema.Fingerprint(r.source, ref, prompt.TemplateVersion, backend.Name())

	entry := cache.Entry{
		Fingerprint:     fp,
		Text:            completion.Text,
		Backend:         backend.Name(),
		TemplateVersion: prompt.TemplateVersion,
		GeneratedAt:     time.Now().UTC(),
	}

	if err := e.cfg.Cache.Put(r.ctx, entry); err != nil {
		// A failed write-through costs a regeneration next run, nothing
		// worse.
		e.log.Warn("cache write failed", "run_id", r.id, "node", ref.Path(), "error", err)
	}

	e.emit(Event{RunID: r.id, Node: ref, State: StateSucceeded, Backend: backend.Name(), Attempt: attempts})

	return Result{
		Node:     ref,
		State:    StateSucceeded,
		Text:     completion.Text,
		Backend:  backend.Name(),
		Attempts: attempts,
	}
}

func (e *Engine) fail(r *run, ref schema.NodeRef, backend string, attempts int, err error) Result {
	e.emit(Event{RunID: r.id, Node: ref, State: StateFailed, Backend: backend, Attempt: attempts, Err: errString(err)})

	return Result{
		Node:     ref,
		State:    StateFailed,
		Backend:  backend,
		Attempts: attempts,
		ErrKind:  errors.GetKind(err),
		Err:      errString(err),
	}
}

func (e *Engine) skip(r *run, ref schema.NodeRef, reason string) Result {
	e.emit(Event{RunID: r.id, Node: ref, State: StateSkipped, Err: reason})

	return Result{Node: ref, State: StateSkipped, Err: reason}
}

// record stores a terminal result and fills the description slot on
// success.
func (e *Engine) record(r *run, res Result) {
	if res.State == StateSucceeded {
		r.mu.Lock()
		schema.SetDescription(r.source, res.Node, res.Text)
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.results[res.Node] = res
	r.mu.Unlock()
}

// backoff computes the jittered delay before the next attempt. A
// rate-limit hint from the backend takes precedence over the computed
// backoff when it is longer.
func (e *Engine) backoff(attempt int, hint time.Duration) time.Duration {
	backoff := e.cfg.BaseBackoff << (attempt - 1)
	if backoff > e.cfg.MaxBackoff || backoff <= 0 {
		backoff = e.cfg.MaxBackoff
	}

	// Full jitter.
	delay := time.Duration(rand.Int63n(int64(backoff) + 1))

	if hint > delay {
		delay = hint
	}

	return delay
}

func (e *Engine) emit(ev Event) {
	if e.cfg.OnEvent != nil {
		e.cfg.OnEvent(ev)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
