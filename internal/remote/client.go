// Package remote talks to a scoring backend over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/fraud-review/api-go/internal/model"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultStatusRetries = 2
	DefaultRetryBackoff  = 250 * time.Millisecond
)

type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	StatusRetries  int
	RetryBackoff   time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
}

type Client struct {
	base    *url.URL
	httpc   *http.Client
	limiter *rate.Limiter
	retries int
	backoff time.Duration
	log     *zap.Logger
}

func New(cfg Config, log *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q", cfg.BaseURL)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultTimeout
	}
	if cfg.StatusRetries < 0 {
		cfg.StatusRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		base:    base,
		httpc:   &http.Client{Timeout: cfg.RequestTimeout},
		retries: cfg.StatusRetries,
		backoff: cfg.RetryBackoff,
		log:     log,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// statusError is an error response that carried no taxonomy code.
type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.code, e.msg)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return fmt.Errorf("%w: rate limit: %w", model.ErrTransport, err)
		}
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", model.ErrTransport, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", model.ErrTransport, err)
	}
	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode response: %w", model.ErrTransport, err)
	}
	return nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// decodeError maps an error response back to the taxonomy, first by its code
// and then by HTTP status.
func decodeError(status int, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	msg := eb.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	if sentinel := model.FromCode(eb.Code); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, msg)
	}
	var sentinel error
	switch {
	case status == http.StatusNotFound:
		sentinel = model.ErrNotFound
	case status == http.StatusConflict:
		sentinel = model.ErrNotReady
	case status == http.StatusRequestEntityTooLarge, status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		sentinel = model.ErrValidation
	default:
		sentinel = model.ErrTransport
	}
	return fmt.Errorf("%w: %w", sentinel, &statusError{code: status, msg: msg})
}

func (c *Client) Submit(ctx context.Context, upload model.Upload) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	name := upload.Name
	if name == "" {
		name = "upload.csv"
	}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(name)))
	ct := upload.ContentType
	if ct == "" {
		ct = "text/csv"
	}
	h.Set("Content-Type", ct)
	fw, err := mw.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(upload.Data); err != nil {
		return "", err
	}
	if upload.Model != "" {
		if err := mw.WriteField("modelId", upload.Model); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/jobs", nil), &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		JobID string `json:"jobId"`
	}
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", fmt.Errorf("%w: submit response has no jobId", model.ErrTransport)
	}
	return out.JobID, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// Status reads a job's status, retrying transport failures and 5xx responses
// with exponential backoff.
func (c *Client) Status(ctx context.Context, id string) (model.StatusReport, error) {
	var report model.StatusReport
	delay := c.backoff
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/v1/jobs/"+url.PathEscape(id)+"/status", nil), nil)
		if err != nil {
			return model.StatusReport{}, err
		}
		err = c.do(req, &report)
		if err == nil {
			if err := report.Check(); err != nil {
				return model.StatusReport{}, fmt.Errorf("%w: status response: %w", model.ErrTransport, err)
			}
			return report, nil
		}
		if attempt >= c.retries || !retryable(err) {
			return model.StatusReport{}, err
		}
		c.log.Debug("retrying status read",
			zap.String("job_id", id),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return model.StatusReport{}, fmt.Errorf("%w: %w", model.ErrTransport, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func retryable(err error) bool {
	if !model.IsTransport(err) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	return true
}

func (c *Client) Results(ctx context.Context, id string, q model.ResultQuery) (model.ResultPage, error) {
	v := url.Values{}
	v.Set("page", strconv.Itoa(q.Page))
	if q.PageSize != 0 {
		v.Set("pageSize", strconv.Itoa(q.PageSize))
	}
	if q.Filter != "" {
		v.Set("filter", q.Filter)
	}
	if q.RejectedOnly {
		v.Set("rejected", "true")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/v1/jobs/"+url.PathEscape(id)+"/results", v), nil)
	if err != nil {
		return model.ResultPage{}, err
	}
	var page model.ResultPage
	if err := c.do(req, &page); err != nil {
		return model.ResultPage{}, err
	}
	return page, nil
}

// Health reports the backend's own view of itself; a body without an "ok"
// status counts as unreachable.
func (c *Client) Health(ctx context.Context) (model.Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/health", nil), nil)
	if err != nil {
		return model.Health{}, err
	}
	var h model.Health
	if err := c.do(req, &h); err != nil {
		return model.Health{}, err
	}
	if h.Status != model.HealthOK {
		return h, fmt.Errorf("%w: backend health is %q", model.ErrTransport, h.Status)
	}
	return h, nil
}
