package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fraud-review/api-go/internal/batch"
	"github.com/example/fraud-review/api-go/internal/blob"
	"github.com/example/fraud-review/api-go/internal/catalog"
	"github.com/example/fraud-review/api-go/internal/metrics"
	"github.com/example/fraud-review/api-go/internal/model"
	"github.com/example/fraud-review/api-go/internal/simulator"
	"github.com/example/fraud-review/api-go/internal/store"
)

const threeRows = "transaction_id,amount\nTX-1,10\nTX-2,20\nTX-3,30\n"

func newTestServer(t *testing.T, maxUpload int64) (*httptest.Server, *store.Memory) {
	t.Helper()
	cat, err := catalog.Load("")
	require.NoError(t, err)
	mem := store.NewMemory()
	blobs := &blob.LocalFS{Root: t.TempDir()}
	coll := metrics.NewCollector(prometheus.NewRegistry())
	sim := simulator.New(mem, simulator.Options{
		StepDelay: time.Millisecond,
		Rand:      rand.New(rand.NewSource(11)),
		Catalog:   cat,
		Blobs:     blobs,
		Metrics:   coll,
	})
	t.Cleanup(func() { _ = sim.Close() })

	srv := Server{
		Backend:        sim,
		Jobs:           mem,
		Audit:          mem,
		Blobs:          blobs,
		Catalog:        cat,
		Metrics:        coll,
		MaxUploadBytes: maxUpload,
		BaseURL:        "http://fraud.test",
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, mem
}

func multipartBody(t *testing.T, field, filename, content string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func submit(t *testing.T, ts *httptest.Server, filename, content string) *http.Response {
	t.Helper()
	body, ct := multipartBody(t, "file", filename, content)
	resp, err := http.Post(ts.URL+"/v1/jobs", ct, body)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	return resp
}

func waitCompleted(t *testing.T, ts *httptest.Server, id string) model.StatusReport {
	t.Helper()
	var report model.StatusReport
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/v1/jobs/" + id + "/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if json.NewDecoder(resp.Body).Decode(&report) != nil {
			return false
		}
		return report.Status == model.JobCompleted
	}, 5*time.Second, 5*time.Millisecond)
	return report
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t, 0)

	resp := submit(t, ts, "batch.csv", threeRows)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	created := decode[map[string]string](t, resp)
	id := created["jobId"]
	require.NotEmpty(t, id)

	report := waitCompleted(t, ts, id)
	assert.Equal(t, 100, report.Progress)
	assert.Equal(t, "http://fraud.test/v1/jobs/"+id+"/download", report.DownloadRef)

	resp = get(t, ts.URL+"/v1/jobs/"+id+"/results?page=1&pageSize=10")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[model.ResultPage](t, resp)
	assert.Len(t, page.Rows, 3)
	assert.Equal(t, 1, page.TotalPages)
	assert.Equal(t, 3, page.TotalItems)

	resp = get(t, ts.URL+"/v1/jobs/"+id+"/results?filter=tx-2")
	page = decode[model.ResultPage](t, resp)
	require.Len(t, page.Rows, 1)
	assert.Equal(t, "TX-2", page.Rows[0].TransactionID)

	resp = get(t, ts.URL+"/v1/jobs/"+id+"/results?page=4")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page = decode[model.ResultPage](t, resp)
	assert.Empty(t, page.Rows)
	assert.Equal(t, 3, page.TotalItems)

	resp = get(t, ts.URL+"/v1/jobs/"+id+"/results?page=9223372036854775807")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page = decode[model.ResultPage](t, resp)
	assert.Empty(t, page.Rows)

	resp = get(t, ts.URL+"/v1/jobs/"+id+"/download")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "transactionId,approved,decision,score", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "TX-1,"))

	resp = get(t, ts.URL+"/v1/jobs/"+id+"/input")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	input, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, threeRows, string(input))

	resp = get(t, ts.URL+"/v1/jobs?status=completed")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobs := decode[[]map[string]any](t, resp)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0]["id"])
	assert.Equal(t, "http://fraud.test/v1/jobs/"+id+"/download", jobs[0]["resultUrl"])

	require.Eventually(t, func() bool {
		resp := get(t, ts.URL+"/v1/logs")
		entries := decode[[]model.AuditEntry](t, resp)
		return len(entries) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestResultsBeforeCompletionIsNotReady(t *testing.T) {
	cat, err := catalog.Load("")
	require.NoError(t, err)
	mem := store.NewMemory()
	sim := simulator.New(mem, simulator.Options{StepDelay: time.Hour, Catalog: cat})
	t.Cleanup(func() { _ = sim.Close() })
	ts := httptest.NewServer(Server{Backend: sim, Jobs: mem}.Router())
	t.Cleanup(ts.Close)

	resp := submit(t, ts, "batch.csv", threeRows)
	id := decode[map[string]string](t, resp)["jobId"]

	resp = get(t, ts.URL+"/v1/jobs/"+id)
	report := decode[model.StatusReport](t, resp)
	assert.Equal(t, model.JobProcessing, report.Status)
	assert.Equal(t, 0, report.Progress)

	resp = get(t, ts.URL+"/v1/jobs/"+id+"/results")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Equal(t, model.CodeNotReady, body.Code)

	resp = get(t, ts.URL+"/v1/jobs/"+id+"/download")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestErrorResponses(t *testing.T) {
	ts, _ := newTestServer(t, 64)

	cases := []struct {
		name   string
		do     func() *http.Response
		status int
		code   string
	}{
		{"unknown job", func() *http.Response { return get(t, ts.URL+"/v1/jobs/nope/status") }, http.StatusNotFound, model.CodeNotFound},
		{"unknown results", func() *http.Response { return get(t, ts.URL+"/v1/jobs/nope/results") }, http.StatusNotFound, model.CodeNotFound},
		{"bad page", func() *http.Response { return get(t, ts.URL+"/v1/jobs/nope/results?page=abc") }, http.StatusBadRequest, model.CodeValidation},
		{"bad status filter", func() *http.Response { return get(t, ts.URL+"/v1/jobs?status=weird") }, http.StatusBadRequest, model.CodeValidation},
		{"bad log time", func() *http.Response { return get(t, ts.URL+"/v1/logs?start=yesterday") }, http.StatusBadRequest, model.CodeValidation},
		{"unknown route", func() *http.Response { return get(t, ts.URL+"/v2/everything") }, http.StatusNotFound, model.CodeNotFound},
		{"wrong extension", func() *http.Response { return submit(t, ts, "batch.xlsx", threeRows) }, http.StatusBadRequest, model.CodeValidation},
		{"empty file", func() *http.Response { return submit(t, ts, "batch.csv", "") }, http.StatusBadRequest, model.CodeValidation},
		{"too large", func() *http.Response { return submit(t, ts, "batch.csv", strings.Repeat("a", 100)) }, http.StatusRequestEntityTooLarge, model.CodeValidation},
		{"header only", func() *http.Response { return submit(t, ts, "batch.csv", "transaction_id\n") }, http.StatusBadRequest, model.CodeValidation},
		{"missing file field", func() *http.Response {
			body, ct := multipartBody(t, "upload", "batch.csv", threeRows)
			resp, err := http.Post(ts.URL+"/v1/jobs", ct, body)
			require.NoError(t, err)
			return resp
		}, http.StatusBadRequest, model.CodeValidation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := tc.do()
			assert.Equal(t, tc.status, resp.StatusCode)
			body := decode[errorBody](t, resp)
			assert.Equal(t, tc.code, body.Code)
			assert.NotEmpty(t, body.Message)
			assert.NotEmpty(t, body.RequestID)
		})
	}
}

func TestOutOfRangePage(t *testing.T) {
	ts, _ := newTestServer(t, 0)
	id := decode[map[string]string](t, submit(t, ts, "batch.csv", threeRows))["jobId"]
	waitCompleted(t, ts, id)

	resp := get(t, ts.URL+"/v1/jobs/"+id+"/results?page=0")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.CodeOutOfRange, decode[errorBody](t, resp).Code)
}

func TestHealthModelsMetrics(t *testing.T) {
	ts, _ := newTestServer(t, 0)

	resp := get(t, ts.URL+"/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decode[model.Health](t, resp)
	assert.Equal(t, model.HealthOK, h.Status)
	assert.Equal(t, simulator.Name, h.Backend)
	assert.Equal(t, "memory", h.Database)

	resp = get(t, ts.URL+"/v1/models")
	models := decode[[]model.ModelInfo](t, resp)
	require.Len(t, models, 1)
	assert.Equal(t, "baseline - default - v1.0.0", models[0].Label)

	resp = submit(t, ts, "batch.csv", threeRows)
	resp.Body.Close()
	resp = get(t, ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(data), `fraud_jobs_submitted_total{backend="simulator"} 1`)
}

type failingHealth struct{ batch.Backend }

func (failingHealth) Health(context.Context) (model.Health, error) {
	return model.Health{}, fmt.Errorf("%w: database locked", model.ErrTransport)
}

func TestHealthDown(t *testing.T) {
	ts := httptest.NewServer(Server{Backend: failingHealth{}}.Router())
	t.Cleanup(ts.Close)

	resp := get(t, ts.URL+"/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, model.HealthDown, decode[model.Health](t, resp).Status)
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t, 0)
	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/v1/jobs", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{model.ErrValidation, http.StatusBadRequest},
		{model.ErrOutOfRange, http.StatusBadRequest},
		{fmt.Errorf("%w: 10 bytes", batch.ErrTooLarge), http.StatusRequestEntityTooLarge},
		{model.ErrNotFound, http.StatusNotFound},
		{&model.JobError{Op: "fetch results", Err: model.ErrNotReady}, http.StatusConflict},
		{model.ErrTransport, http.StatusBadGateway},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusFor(tc.err), tc.err.Error())
	}
}
