package engine

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleenprd/docbt/internal/cache"
	"github.com/aleenprd/docbt/internal/errors"
	"github.com/aleenprd/docbt/internal/llm"
	"github.com/aleenprd/docbt/internal/prompt"
	"github.com/aleenprd/docbt/internal/schema"
)

type mockBackend struct {
	name       string
	maxContext int

	mu      sync.Mutex
	calls   int
	handler func(req llm.Request) (*llm.Completion, error)
}

func (m *mockBackend) Name() string { return m.name }

func (m *mockBackend) Capabilities() llm.Capabilities {
	return llm.Capabilities{MaxContextTokens: m.maxContext}
}

func (m *mockBackend) Complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindTransient, "call cancelled")
	}

	m.mu.Lock()
	m.calls++
	handler := m.handler
	m.mu.Unlock()

	return handler(req)
}

func (m *mockBackend) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls
}

// echoBackend answers every prompt with a text derived from the node it
// targets, so tests can tell results apart.
func echoBackend(name string) *mockBackend {
	return &mockBackend{
		name:       name,
		maxContext: 100000,
		handler: func(req llm.Request) (*llm.Completion, error) {
			return &llm.Completion{Text: "doc for " + promptNode(req)}, nil
		},
	}
}

// promptNode extracts the node identity line from a built prompt.
func promptNode(req llm.Request) string {
	for _, line := range strings.Split(req.Prompt, "\n") {
		if rest, ok := strings.CutPrefix(line, "Column: "); ok {
			return rest
		}

		if rest, ok := strings.CutPrefix(line, "Table: "); ok {
			return rest
		}
	}

	return "unknown"
}

func testSource() *schema.DataSource {
	return &schema.DataSource{
		Name:    "analytics",
		Backend: "postgres",
		Tables: []*schema.Table{
			{
				Name: "users",
				Columns: []*schema.Column{
					{Name: "id", Type: schema.TypeInteger, Ordinal: 0},
					{Name: "email", Type: schema.TypeString, Nullable: true, Ordinal: 1},
				},
			},
			{
				Name: "orders",
				Columns: []*schema.Column{
					{Name: "id", Type: schema.TypeInteger, Ordinal: 0},
				},
			},
		},
	}
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()

	if cfg.Builder == nil {
		cfg.Builder = prompt.New(prompt.DefaultTemplates())
	}

	if cfg.Cache == nil {
		store, err := cache.NewFileStore(t.TempDir())
		require.NoError(t, err)
		cfg.Cache = store
	}

	if cfg.Workers == 0 {
		cfg.Workers = 2
	}

	cfg.IncludeColumnSummaries = true

	eng, err := New(cfg)
	require.NoError(t, err)

	// No real backoff delays in tests.
	eng.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	return eng
}

func resultByPath(t *testing.T, results []Result, path string) Result {
	t.Helper()

	for _, res := range results {
		if res.Node.Path() == path {
			return res
		}
	}

	t.Fatalf("no result for %s", path)

	return Result{}
}

func TestNewValidation(t *testing.T) {
	builder := prompt.New(prompt.DefaultTemplates())
	store, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = New(Config{Builder: builder, Cache: store})
	assert.Error(t, err, "no backends")

	_, err = New(Config{Backends: []llm.Backend{echoBackend("b")}, Cache: store})
	assert.Error(t, err, "no builder")

	_, err = New(Config{Backends: []llm.Backend{echoBackend("b")}, Builder: builder})
	assert.Error(t, err, "no cache")
}

func TestGenerateAllSucceed(t *testing.T) {
	backend := echoBackend("mock/primary")
	eng := newTestEngine(t, Config{Backends: []llm.Backend{backend}})

	src := testSource()

	results, err := eng.Generate(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, results, 5)

	for _, res := range results {
		assert.Equal(t, StateSucceeded, res.State, res.Node.Path())
		assert.False(t, res.Cached)
	}

	// Description slots are filled in place.
	assert.Equal(t, "doc for users", src.Table("users").Description)
	assert.Equal(t, "doc for users.email", src.Table("users").Column("email").Description)
}

func TestCanonicalResultOrder(t *testing.T) {
	// Mixed latency per call; completion order must not leak into the
	// result order.
	backend := &mockBackend{
		name:       "mock/slow",
		maxContext: 100000,
	}

	var n int32

	backend.handler = func(req llm.Request) (*llm.Completion, error) {
		if atomic.AddInt32(&n, 1)%2 == 0 {
			time.Sleep(30 * time.Millisecond)
		}

		return &llm.Completion{Text: "doc for " + promptNode(req)}, nil
	}

	eng := newTestEngine(t, Config{Backends: []llm.Backend{backend}, Workers: 4})

	results, err := eng.Generate(context.Background(), testSource())
	require.NoError(t, err)

	paths := make([]string, len(results))
	for i, res := range results {
		paths[i] = res.Node.Path()
	}

	assert.Equal(t, []string{"users", "users.id", "users.email", "orders", "orders.id"}, paths)
}

func TestIdempotentRerunUsesCache(t *testing.T) {
	store, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)

	first := echoBackend("mock/primary")
	eng := newTestEngine(t, Config{Backends: []llm.Backend{first}, Cache: store})

	src := testSource()

	warm, err := eng.Generate(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 5, first.callCount())

	// Fresh engine, same cache: zero backend calls, identical text.
	second := echoBackend("mock/primary")
	eng2 := newTestEngine(t, Config{Backends: []llm.Backend{second}, Cache: store})

	cached, err := eng2.Generate(context.Background(), testSource())
	require.NoError(t, err)
	assert.Equal(t, 0, second.callCount())

	for i := range warm {
		assert.Equal(t, warm[i].Text, cached[i].Text)
		assert.True(t, cached[i].Cached)
		assert.Equal(t, StateSucceeded, cached[i].State)
	}
}

func TestTableRenameInvalidatesCache(t *testing.T) {
	store, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)

	first := echoBackend("mock/primary")
	eng := newTestEngine(t, Config{Backends: []llm.Backend{first}, Cache: store})

	_, err = eng.Generate(context.Background(), testSource())
	require.NoError(t, err)

	renamed := testSource()
	renamed.Tables[0].Name = "accounts"

	second := echoBackend("mock/primary")
	eng2 := newTestEngine(t, Config{Backends: []llm.Backend{second}, Cache: store})

	results, err := eng2.Generate(context.Background(), renamed)
	require.NoError(t, err)

	// The renamed table and its two columns regenerate; the sibling
	// table and its column stay cached.
	assert.Equal(t, 3, second.callCount())
	assert.False(t, resultByPath(t, results, "accounts").Cached)
	assert.False(t, resultByPath(t, results, "accounts.id").Cached)
	assert.True(t, resultByPath(t, results, "orders").Cached)
	assert.True(t, resultByPath(t, results, "orders.id").Cached)
}

func TestPartialFailure(t *testing.T) {
	backend := &mockBackend{name: "mock/flaky", maxContext: 100000}
	backend.handler = func(req llm.Request) (*llm.Completion, error) {
		if promptNode(req) == "users.email" {
			return nil, errors.New(errors.KindTransient, "connection reset")
		}

		return &llm.Completion{Text: "doc for " + promptNode(req)}, nil
	}

	eng := newTestEngine(t, Config{Backends: []llm.Backend{backend}})

	results, err := eng.Generate(context.Background(), testSource())
	require.NoError(t, err)
	require.Len(t, results, 5)

	failed := resultByPath(t, results, "users.email")
	assert.Equal(t, StateFailed, failed.State)
	assert.Equal(t, errors.KindTransient, failed.ErrKind)
	assert.Equal(t, 3, failed.Attempts)

	for _, res := range results {
		if res.Node.Path() != "users.email" {
			assert.Equal(t, StateSucceeded, res.State, res.Node.Path())
		}
	}
}

func TestFailoverToSecondary(t *testing.T) {
	primary := &mockBackend{name: "mock/primary", maxContext: 100000}
	primary.handler = func(llm.Request) (*llm.Completion, error) {
		return nil, errors.New(errors.KindUnavailable, "connection refused")
	}

	secondary := echoBackend("mock/secondary")

	eng := newTestEngine(t, Config{Backends: []llm.Backend{primary, secondary}})

	results, err := eng.Generate(context.Background(), testSource())
	require.NoError(t, err)

	for _, res := range results {
		assert.Equal(t, StateSucceeded, res.State)
		assert.Equal(t, "mock/secondary", res.Backend)
	}

	// Unavailable fails over immediately: one attempt per node, no
	// retries against the dead primary.
	assert.Equal(t, 5, primary.callCount())
}

func TestAllBackendsUnavailable(t *testing.T) {
	down := func(name string) *mockBackend {
		b := &mockBackend{name: name, maxContext: 100000}
		b.handler = func(llm.Request) (*llm.Completion, error) {
			return nil, errors.New(errors.KindUnavailable, name+" unreachable")
		}

		return b
	}

	second := down("mock/secondary")
	eng := newTestEngine(t, Config{Backends: []llm.Backend{down("mock/primary"), second}})

	results, err := eng.Generate(context.Background(), testSource())
	require.NoError(t, err)

	for _, res := range results {
		assert.Equal(t, StateFailed, res.State)
		assert.Equal(t, errors.KindUnavailable, res.ErrKind)
		// The reported error is the last backend's.
		assert.Contains(t, res.Err, "mock/secondary unreachable")
	}
}

func TestInvalidRequestShortCircuits(t *testing.T) {
	primary := &mockBackend{name: "mock/primary", maxContext: 100000}
	primary.handler = func(llm.Request) (*llm.Completion, error) {
		return nil, errors.New(errors.KindInvalidRequest, "malformed request")
	}

	secondary := echoBackend("mock/secondary")

	sleeps := int32(0)

	eng := newTestEngine(t, Config{Backends: []llm.Backend{primary, secondary}, Workers: 1})
	eng.sleep = func(ctx context.Context, d time.Duration) error {
		atomic.AddInt32(&sleeps, 1)

		return ctx.Err()
	}

	results, err := eng.Generate(context.Background(), testSource())
	require.NoError(t, err)

	for _, res := range results {
		assert.Equal(t, StateFailed, res.State)
		assert.Equal(t, errors.KindInvalidRequest, res.ErrKind)
		assert.Equal(t, 1, res.Attempts, "structural rejection is never retried")
	}

	assert.Zero(t, atomic.LoadInt32(&sleeps), "no backoff for non-retryable errors")
	assert.Zero(t, secondary.callCount(), "structural rejection does not fail over")
}

func TestCapacityLimitedFailsOverOnce(t *testing.T) {
	small := &mockBackend{name: "mock/small", maxContext: 8000}
	small.handler = func(llm.Request) (*llm.Completion, error) {
		err := errors.New(errors.KindInvalidRequest, "maximum context length exceeded")
		err.CapacityLimited = true

		return nil, err
	}

	large := echoBackend("mock/large")

	eng := newTestEngine(t, Config{Backends: []llm.Backend{small, large}})

	results, err := eng.Generate(context.Background(), testSource())
	require.NoError(t, err)

	for _, res := range results {
		assert.Equal(t, StateSucceeded, res.State)
		assert.Equal(t, "mock/large", res.Backend)
	}

	// One capacity rejection per node, no retries against the small
	// backend.
	assert.Equal(t, 5, small.callCount())
}

func TestPromptTooLargeWithoutLargerBackendFails(t *testing.T) {
	// A context window this small cannot fit even the minimal prompt, so
	// building fails before any network call.
	tiny := &mockBackend{name: "mock/tiny", maxContext: 10}
	tiny.handler = func(llm.Request) (*llm.Completion, error) {
		t.Fatal("backend must not be called")

		return nil, nil
	}

	eng := newTestEngine(t, Config{Backends: []llm.Backend{tiny}})

	results, err := eng.Generate(context.Background(), testSource())
	require.NoError(t, err)

	for _, res := range results {
		assert.Equal(t, StateFailed, res.State)
		assert.Equal(t, errors.KindPromptTooLarge, res.ErrKind)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	backend := &mockBackend{name: "mock/flaky", maxContext: 100000}

	var failures sync.Map

	backend.handler = func(req llm.Request) (*llm.Completion, error) {
		node := promptNode(req)

		count, _ := failures.LoadOrStore(node, new(int32))
		if atomic.AddInt32(count.(*int32), 1) <= 2 {
			return nil, errors.New(errors.KindRateLimited, "slow down")
		}

		return &llm.Completion{Text: "doc for " + node}, nil
	}

	eng := newTestEngine(t, Config{Backends: []llm.Backend{backend}})

	results, err := eng.Generate(context.Background(), testSource())
	require.NoError(t, err)

	for _, res := range results {
		assert.Equal(t, StateSucceeded, res.State)
		assert.Equal(t, 3, res.Attempts, "two rate limits then success")
	}
}

func TestColumnSummariesFeedTablePrompt(t *testing.T) {
	var (
		mu           sync.Mutex
		tablePrompts []string
	)

	backend := &mockBackend{name: "mock/primary", maxContext: 100000}
	backend.handler = func(req llm.Request) (*llm.Completion, error) {
		node := promptNode(req)

		if !strings.Contains(node, ".") {
			mu.Lock()
			tablePrompts = append(tablePrompts, req.Prompt)
			mu.Unlock()
		}

		return &llm.Completion{Text: "doc for " + node}, nil
	}

	eng := newTestEngine(t, Config{Backends: []llm.Backend{backend}})

	_, err := eng.Generate(context.Background(), testSource())
	require.NoError(t, err)

	require.Len(t, tablePrompts, 2)

	joined := strings.Join(tablePrompts, "\n===\n")
	assert.Contains(t, joined, "doc for users.id")
	assert.Contains(t, joined, "doc for users.email")
	assert.Contains(t, joined, "doc for orders.id")
}

func TestCancellationSkipsRemainder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	backend := &mockBackend{name: "mock/primary", maxContext: 100000}

	var completed int32

	backend.handler = func(req llm.Request) (*llm.Completion, error) {
		// Cancel the batch after the first completion lands.
		if atomic.AddInt32(&completed, 1) == 1 {
			cancel()
		}

		return &llm.Completion{Text: "doc for " + promptNode(req)}, nil
	}

	eng := newTestEngine(t, Config{Backends: []llm.Backend{backend}, Workers: 1})

	results, err := eng.Generate(ctx, testSource())
	require.NoError(t, err)
	require.Len(t, results, 5)

	succeeded, skipped := 0, 0

	for _, res := range results {
		switch res.State {
		case StateSucceeded:
			succeeded++
			assert.NotEmpty(t, res.Text, "completed nodes keep their results")
		case StateSkipped:
			skipped++
		default:
			t.Fatalf("unexpected state %s for %s", res.State, res.Node.Path())
		}
	}

	assert.GreaterOrEqual(t, succeeded, 1)
	assert.GreaterOrEqual(t, skipped, 1)
	assert.Equal(t, 5, succeeded+skipped)
}

func TestBatchTimeout(t *testing.T) {
	backend := &mockBackend{name: "mock/slow", maxContext: 100000}
	backend.handler = func(req llm.Request) (*llm.Completion, error) {
		time.Sleep(50 * time.Millisecond)

		return &llm.Completion{Text: "doc for " + promptNode(req)}, nil
	}

	eng := newTestEngine(t, Config{
		Backends:     []llm.Backend{backend},
		Workers:      1,
		BatchTimeout: 75 * time.Millisecond,
	})

	results, err := eng.Generate(context.Background(), testSource())
	require.NoError(t, err)
	require.Len(t, results, 5)

	skipped := 0

	for _, res := range results {
		if res.State == StateSkipped {
			skipped++
		}
	}

	assert.GreaterOrEqual(t, skipped, 1, "deadline skips the remainder")
}

func TestProgressEvents(t *testing.T) {
	backend := echoBackend("mock/primary")

	var (
		mu     sync.Mutex
		events []Event
	)

	eng := newTestEngine(t, Config{
		Backends: []llm.Backend{backend},
		OnEvent: func(ev Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})

	_, err := eng.Generate(context.Background(), testSource())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()

	require.NotEmpty(t, events)

	runID := events[0].RunID
	inFlight, succeeded := 0, 0

	for _, ev := range events {
		assert.Equal(t, runID, ev.RunID, "all events share the run id")

		switch ev.State {
		case StateInFlight:
			inFlight++
		case StateSucceeded:
			succeeded++
		}
	}

	assert.Equal(t, 5, inFlight)
	assert.Equal(t, 5, succeeded)
}

func TestBackoff(t *testing.T) {
	eng := newTestEngine(t, Config{Backends: []llm.Backend{echoBackend("b")}})

	for attempt := 1; attempt <= 5; attempt++ {
		delay := eng.backoff(attempt, 0)
		assert.GreaterOrEqual(t, delay, time.Duration(0))
		assert.LessOrEqual(t, delay, eng.cfg.MaxBackoff)
	}

	// A rate-limit hint longer than the jittered delay wins.
	hint := 30 * time.Second
	assert.Equal(t, hint, eng.backoff(1, hint))
}

func TestGenerateRejectsInvalidSchema(t *testing.T) {
	eng := newTestEngine(t, Config{Backends: []llm.Backend{echoBackend("b")}})

	bad := testSource()
	bad.Tables[0].Columns[1].Ordinal = 5

	_, err := eng.Generate(context.Background(), bad)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindUnsupportedSchema))
}
