package remote

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fraud-review/api-go/internal/batch"
	"github.com/example/fraud-review/api-go/internal/catalog"
	"github.com/example/fraud-review/api-go/internal/httpapi"
	"github.com/example/fraud-review/api-go/internal/model"
	"github.com/example/fraud-review/api-go/internal/poller"
	"github.com/example/fraud-review/api-go/internal/simulator"
	"github.com/example/fraud-review/api-go/internal/store"
)

var threeRows = model.Upload{
	Name:        "batch.csv",
	ContentType: "text/csv",
	Data:        []byte("transaction_id,amount\nTX-1,10\nTX-2,20\nTX-3,30\n"),
}

func newBackend(t *testing.T, stepDelay time.Duration) *httptest.Server {
	t.Helper()
	cat, err := catalog.Load("")
	require.NoError(t, err)
	sim := simulator.New(store.NewMemory(), simulator.Options{
		StepDelay: stepDelay,
		Rand:      rand.New(rand.NewSource(5)),
		Catalog:   cat,
	})
	t.Cleanup(func() { _ = sim.Close() })
	ts := httptest.NewServer(httpapi.Server{Backend: sim, Catalog: cat}.Router())
	t.Cleanup(ts.Close)
	return ts
}

func newClient(t *testing.T, url string, cfg Config) *Client {
	t.Helper()
	cfg.BaseURL = url
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	c, err := New(cfg, nil)
	require.NoError(t, err)
	return c
}

func TestClient_Lifecycle(t *testing.T) {
	ctx := context.Background()
	ts := newBackend(t, time.Millisecond)
	c := newClient(t, ts.URL, Config{RateLimit: 1000})

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.HealthOK, h.Status)

	id, err := c.Submit(ctx, threeRows)
	require.NoError(t, err)

	final, err := poller.Watch(ctx, poller.StatusFunc(c.Status), id, poller.Options{Interval: 2 * time.Millisecond}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)

	page, err := c.Results(ctx, id, model.ResultQuery{Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, page.Rows, 3)
	assert.Equal(t, 1, page.TotalPages)
	assert.Equal(t, 3, page.TotalItems)

	page, err = c.Results(ctx, id, model.ResultQuery{Page: 1, Filter: "TX-3"})
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	assert.Equal(t, "TX-3", page.Rows[0].TransactionID)
}

func TestClient_ErrorMapping(t *testing.T) {
	ctx := context.Background()
	ts := newBackend(t, time.Hour)
	c := newClient(t, ts.URL, Config{})

	_, err := c.Status(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	id, err := c.Submit(ctx, threeRows)
	require.NoError(t, err)

	_, err = c.Results(ctx, id, model.ResultQuery{Page: 1})
	assert.ErrorIs(t, err, model.ErrNotReady)

	_, err = c.Submit(ctx, model.Upload{Name: "x.csv", Data: []byte("transaction_id\n")})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = c.Submit(ctx, model.Upload{Name: "x.csv", Model: "unknown", Data: threeRows.Data})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestClient_StatusRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jobId":"j1","status":"processing","progress":40}`))
	}))
	t.Cleanup(ts.Close)

	c := newClient(t, ts.URL, Config{StatusRetries: 2})
	r, err := c.Status(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, 40, r.Progress)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_StatusRetriesAreBounded(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)

	c := newClient(t, ts.URL, Config{StatusRetries: 2})
	_, err := c.Status(context.Background(), "j1")
	assert.ErrorIs(t, err, model.ErrTransport)
	assert.Contains(t, err.Error(), "500")
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(ts.Close)

	c := newClient(t, ts.URL, Config{StatusRetries: 5})
	_, err := c.Status(context.Background(), "j1")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_GarbageResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>hello</html>"))
	}))
	t.Cleanup(ts.Close)

	c := newClient(t, ts.URL, Config{StatusRetries: 0})
	_, err := c.Status(context.Background(), "j1")
	assert.ErrorIs(t, err, model.ErrTransport)

	_, err = c.Health(context.Background())
	assert.ErrorIs(t, err, model.ErrTransport)
}

func TestClient_MalformedStatusEndsWatch(t *testing.T) {
	var statusCalls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/health" {
			_, _ = w.Write([]byte(`{"status":"ok"}`))
			return
		}
		statusCalls.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(ts.Close)

	c := newClient(t, ts.URL, Config{StatusRetries: 3})
	_, err := c.Status(context.Background(), "j1")
	assert.ErrorIs(t, err, model.ErrTransport)
	assert.Equal(t, int32(1), statusCalls.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	bc := batch.New(c, nil, batch.Options{})
	var updates []model.StatusReport
	final, err := poller.Watch(ctx, bc, "j1", poller.Options{Interval: 5 * time.Millisecond}, func(r model.StatusReport) {
		updates = append(updates, r)
	})
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, final.Status)
	assert.ErrorIs(t, final.Err, model.ErrTransport)
	require.Len(t, updates, 1)
	assert.Equal(t, model.JobFailed, updates[0].Status)
}

func TestClient_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := newClient(t, url, Config{StatusRetries: 1})
	_, err := c.Health(context.Background())
	assert.ErrorIs(t, err, model.ErrTransport)
	_, err = c.Status(context.Background(), "j1")
	assert.ErrorIs(t, err, model.ErrTransport)
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New(Config{BaseURL: "not a url"}, nil)
	assert.Error(t, err)
	_, err = New(Config{BaseURL: ""}, nil)
	assert.Error(t, err)
}

func TestBatchClientFallsBackWhenRemoteIsDown(t *testing.T) {
	ctx := context.Background()
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	sim := simulator.New(store.NewMemory(), simulator.Options{StepDelay: time.Millisecond})
	t.Cleanup(func() { _ = sim.Close() })
	c := batch.New(newClient(t, url, Config{}), sim, batch.Options{ProbeTimeout: time.Second})

	id, err := c.Submit(ctx, threeRows)
	require.NoError(t, err)
	assert.Equal(t, batch.ModeSimulator, c.Mode())

	final, err := poller.Watch(ctx, c, id, poller.Options{Interval: time.Millisecond}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, final.Status)
}

func TestBatchClientUsesReachableRemote(t *testing.T) {
	ts := newBackend(t, time.Millisecond)
	local := simulator.New(store.NewMemory(), simulator.Options{StepDelay: time.Hour})
	t.Cleanup(func() { _ = local.Close() })

	c := batch.New(newClient(t, ts.URL, Config{}), local, batch.Options{})
	id, err := c.Submit(context.Background(), threeRows)
	require.NoError(t, err)
	assert.Equal(t, batch.ModeRemote, c.Mode())

	_, err = local.Status(context.Background(), id)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
