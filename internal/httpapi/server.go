package httpapi

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/fraud-review/api-go/internal/batch"
	"github.com/example/fraud-review/api-go/internal/blob"
	"github.com/example/fraud-review/api-go/internal/catalog"
	"github.com/example/fraud-review/api-go/internal/metrics"
	"github.com/example/fraud-review/api-go/internal/model"
	"github.com/example/fraud-review/api-go/internal/results"
	"github.com/example/fraud-review/api-go/internal/store"
)

type Server struct {
	Backend        batch.Backend
	Jobs           store.JobStore   // optional, enables job listing
	Audit          store.AuditStore // optional, enables /v1/logs
	Blobs          *blob.LocalFS    // optional, serves archived inputs
	Catalog        *catalog.Catalog
	Metrics        *metrics.Collector
	Log            *zap.Logger
	MaxUploadBytes int64
	BaseURL        string // optional, for generating absolute download URLs
}

func (s Server) Router() http.Handler {
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
	if s.MaxUploadBytes <= 0 {
		s.MaxUploadBytes = batch.DefaultMaxUploadBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.Log))
	r.Use(cors)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeErr(w, r, fmt.Errorf("%w: no route for %s", model.ErrNotFound, r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{
			Code:      "METHOD_NOT_ALLOWED",
			Message:   fmt.Sprintf("%s not allowed on %s", r.Method, r.URL.Path),
			RequestID: middleware.GetReqID(r.Context()),
		})
	})

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.Metrics.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetStatus)
		r.Get("/jobs/{id}/status", s.handleGetStatus)
		r.Get("/jobs/{id}/results", s.handleGetResults)
		r.Get("/jobs/{id}/download", s.handleDownload)
		r.Get("/jobs/{id}/input", s.handleGetInput)
		r.Get("/models", s.handleModels)
		r.Get("/logs", s.handleLogs)
	})

	return r
}

func (s Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.Backend.Health(r.Context())
	if err != nil || h.Status != model.HealthOK {
		if err != nil {
			s.Log.Warn("health check failed", zap.Error(err))
		}
		h.Status = model.HealthDown
		writeJSON(w, http.StatusServiceUnavailable, h)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(s.MaxUploadBytes); err != nil {
		s.writeErr(w, r, uploadErr(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeErr(w, r, fmt.Errorf("%w: missing 'file' field: %v", model.ErrValidation, err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.MaxUploadBytes+1))
	if err != nil {
		s.writeErr(w, r, fmt.Errorf("read upload: %w", err))
		return
	}

	upload := model.Upload{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Model:       strings.TrimSpace(r.FormValue("modelId")),
		Data:        data,
	}
	if err := batch.ValidateUpload(upload, s.MaxUploadBytes); err != nil {
		s.writeErr(w, r, err)
		return
	}

	id, err := s.Backend.Submit(ctx, upload)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/jobs/"+id)
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": id})
}

func uploadErr(err error) error {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return fmt.Errorf("%w: request exceeds %d bytes", batch.ErrTooLarge, tooBig.Limit)
	}
	return fmt.Errorf("%w: parse multipart: %v", model.ErrValidation, err)
}

func (s Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.Backend.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.withBase(report))
}

func (s Server) withBase(report model.StatusReport) model.StatusReport {
	if report.DownloadRef != "" && strings.HasPrefix(report.DownloadRef, "/") && s.BaseURL != "" {
		report.DownloadRef = strings.TrimRight(s.BaseURL, "/") + report.DownloadRef
	}
	return report
}

func (s Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.Jobs == nil {
		s.writeErr(w, r, fmt.Errorf("%w: job listing is not available", model.ErrNotFound))
		return
	}
	ctx := r.Context()
	var status *model.JobStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed := model.JobStatus(raw)
		if !parsed.Valid() {
			s.writeErr(w, r, fmt.Errorf("%w: invalid status: %s", model.ErrValidation, raw))
			return
		}
		status = &parsed
	}

	limit := 25
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			s.writeErr(w, r, fmt.Errorf("%w: invalid limit: %s", model.ErrValidation, raw))
			return
		}
		if value > 100 {
			value = 100
		}
		limit = value
	}

	jobs, err := s.Jobs.ListJobs(ctx, status, limit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	resp := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, jobResponse(job, s.BaseURL))
	}
	writeJSON(w, http.StatusOK, resp)
}

func jobResponse(job model.Job, baseURL string) map[string]any {
	resp := map[string]any{
		"id":           job.ID,
		"createdAt":    job.CreatedAt,
		"updatedAt":    job.UpdatedAt,
		"status":       job.Status,
		"progress":     job.Progress,
		"modelVersion": job.ModelVersion,
		"rowCount":     job.RowCount,
	}
	if job.CompletedAt != nil {
		resp["completedAt"] = *job.CompletedAt
	}
	if job.FailureReason != "" {
		resp["failureReason"] = job.FailureReason
	}
	if job.Status == model.JobCompleted {
		base := strings.TrimRight(baseURL, "/")
		resp["resultUrl"] = fmt.Sprintf("%s/v1/jobs/%s/download", base, job.ID)
	}
	return resp
}

func (s Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	q, err := parseResultQuery(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	page, err := s.Backend.Results(r.Context(), chi.URLParam(r, "id"), q)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func parseResultQuery(r *http.Request) (model.ResultQuery, error) {
	v := r.URL.Query()
	q := model.ResultQuery{
		Page:   1,
		Filter: strings.TrimSpace(v.Get("filter")),
	}
	if raw := v.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, fmt.Errorf("%w: invalid page: %s", model.ErrValidation, raw)
		}
		q.Page = n
	}
	if raw := v.Get("pageSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, fmt.Errorf("%w: invalid pageSize: %s", model.ErrValidation, raw)
		}
		q.PageSize = n
	}
	if raw := v.Get("rejected"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return q, fmt.Errorf("%w: invalid rejected: %s", model.ErrValidation, raw)
		}
		q.RejectedOnly = b
	}
	return q, nil
}

// handleDownload streams every row of a completed job as CSV.
func (s Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	q := model.ResultQuery{Page: 1, PageSize: results.MaxPageSize}
	page, err := s.Backend.Results(ctx, id, q)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, id))
	w.Header().Set("Cache-Control", "no-store")

	cw := csv.NewWriter(w)
	_ = cw.Write(model.ResultColumns)
	for {
		for _, row := range page.Rows {
			_ = cw.Write([]string{
				row.TransactionID,
				strconv.FormatBool(row.Approved),
				row.Decision,
				strconv.FormatFloat(row.Score, 'f', -1, 64),
			})
		}
		if q.Page >= page.TotalPages {
			break
		}
		q.Page++
		page, err = s.Backend.Results(ctx, id, q)
		if err != nil {
			s.Log.Error("download interrupted", zap.String("job_id", id), zap.Error(err))
			break
		}
	}
	cw.Flush()
}

func (s Server) handleGetInput(w http.ResponseWriter, r *http.Request) {
	if s.Blobs == nil || s.Jobs == nil {
		s.writeErr(w, r, fmt.Errorf("%w: input archive is not available", model.ErrNotFound))
		return
	}
	job, err := s.Jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if job.InputKey == "" || !s.Blobs.Exists(job.InputKey) {
		s.writeErr(w, r, fmt.Errorf("%w: input not archived", model.ErrNotFound))
		return
	}
	f, err := s.Blobs.Open(job.InputKey)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.Copy(w, f)
}

func (s Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	if s.Catalog == nil {
		writeJSON(w, http.StatusOK, []model.ModelInfo{})
		return
	}
	writeJSON(w, http.StatusOK, s.Catalog.Models())
}

func (s Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		s.writeErr(w, r, fmt.Errorf("%w: audit log is not available", model.ErrNotFound))
		return
	}
	f, err := parseAuditFilter(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	entries, err := s.Audit.ListAudit(r.Context(), f)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseAuditFilter(r *http.Request) (model.AuditFilter, error) {
	v := r.URL.Query()
	f := model.AuditFilter{ModelVersion: strings.TrimSpace(v.Get("modelVersion"))}
	for name, dst := range map[string]**time.Time{"start": &f.Start, "end": &f.End} {
		raw := strings.TrimSpace(v.Get(name))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("%w: invalid %s: %s", model.ErrValidation, name, raw)
		}
		*dst = &t
	}
	if raw := v.Get("fraudOnly"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return f, fmt.Errorf("%w: invalid fraudOnly: %s", model.ErrValidation, raw)
		}
		f.FraudOnly = b
	}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("%w: invalid limit: %s", model.ErrValidation, raw)
		}
		f.Limit = n
	}
	return f, nil
}
