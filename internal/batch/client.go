// Package batch is the boundary between callers and whichever scoring backend
// is available. A Client validates uploads, decides once between the remote
// backend and the simulator, and normalizes every backend error into the
// model error taxonomy.
package batch

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/example/fraud-review/api-go/internal/metrics"
	"github.com/example/fraud-review/api-go/internal/model"
)

const (
	DefaultMaxUploadBytes = 10 << 20
	DefaultProbeTimeout   = 3 * time.Second
	DefaultMaxHandles     = 10000
)

// ErrTooLarge is a validation error for uploads above the size ceiling.
var ErrTooLarge = fmt.Errorf("%w: file too large", model.ErrValidation)

// Backend is a scoring service that owns jobs and their results.
type Backend interface {
	Submit(ctx context.Context, upload model.Upload) (string, error)
	Status(ctx context.Context, id string) (model.StatusReport, error)
	Results(ctx context.Context, id string, q model.ResultQuery) (model.ResultPage, error)
	Health(ctx context.Context) (model.Health, error)
}

type Mode string

const (
	ModeUnknown   Mode = ""
	ModeRemote    Mode = "remote"
	ModeSimulator Mode = "simulator"
)

type Options struct {
	MaxUploadBytes int64
	ProbeTimeout   time.Duration
	// MaxHandles bounds how many job handles keep their backend routing. The
	// least recently used handle is forgotten first and then follows the
	// active backend.
	MaxHandles int
	Metrics        *metrics.Collector
	Log            *zap.Logger
}

type Client struct {
	remote    Backend
	simulator Backend
	opts      Options

	mu      sync.Mutex
	mode    Mode
	probing chan struct{} // closed when the in-flight probe finishes

	handles *lru.Cache[string, Backend]
}

// New builds a client. remote may be nil, in which case every call goes to
// the simulator without probing.
func New(remote, simulator Backend, opts Options) *Client {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.MaxHandles <= 0 {
		opts.MaxHandles = DefaultMaxHandles
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	handles, _ := lru.New[string, Backend](opts.MaxHandles)
	return &Client{
		remote:    remote,
		simulator: simulator,
		opts:      opts,
		handles:   handles,
	}
}

// Mode reports the cached backend decision; ModeUnknown before first use.
func (c *Client) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Reconnect discards the cached decision and probes the remote backend again.
// Jobs already submitted keep talking to the backend that issued them.
func (c *Client) Reconnect(ctx context.Context) Mode {
	return c.resolve(ctx, true)
}

// resolve returns the cached mode, probing when there is none or when force
// is set. The probe runs without holding c.mu, and callers arriving while a
// probe is in flight wait for its outcome instead of starting another.
func (c *Client) resolve(ctx context.Context, force bool) Mode {
	for {
		c.mu.Lock()
		if c.probing == nil {
			if c.mode != ModeUnknown && !force {
				m := c.mode
				c.mu.Unlock()
				return m
			}
			done := make(chan struct{})
			c.probing = done
			c.mu.Unlock()

			m := c.probe(ctx)

			c.mu.Lock()
			c.mode = m
			c.probing = nil
			c.mu.Unlock()
			close(done)
			return m
		}
		wait := c.probing
		c.mu.Unlock()

		select {
		case <-wait:
			force = false
		case <-ctx.Done():
			return ModeSimulator
		}
	}
}

func (c *Client) probe(ctx context.Context) Mode {
	if c.remote == nil {
		return ModeSimulator
	}
	pctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()

	h, err := c.remote.Health(pctx)
	reachable := err == nil && h.Status == model.HealthOK
	c.opts.Metrics.RecordProbe(reachable)
	if !reachable {
		if err == nil {
			err = fmt.Errorf("health status %q", h.Status)
		}
		c.opts.Log.Warn("remote backend unreachable, using simulator", zap.Error(err))
		return ModeSimulator
	}
	c.opts.Log.Info("remote backend reachable")
	return ModeRemote
}

// active returns the backend for new work, probing on first use.
func (c *Client) active(ctx context.Context) Backend {
	return c.backendFor(c.resolve(ctx, false))
}

func (c *Client) backendFor(m Mode) Backend {
	if m == ModeRemote {
		return c.remote
	}
	return c.simulator
}

func (c *Client) route(ctx context.Context, id string) Backend {
	if b, ok := c.handles.Get(id); ok {
		return b
	}
	return c.active(ctx)
}

// Submit validates the upload and hands it to the active backend. It returns
// as soon as the backend has issued a handle.
func (c *Client) Submit(ctx context.Context, upload model.Upload) (string, error) {
	if err := ValidateUpload(upload, c.opts.MaxUploadBytes); err != nil {
		return "", &model.JobError{Op: "submit", Err: err}
	}
	b := c.active(ctx)
	id, err := b.Submit(ctx, upload)
	if err != nil {
		return "", normalize("submit", "", err)
	}

	c.handles.Add(id, b)

	c.opts.Log.Info("job submitted", zap.String("job_id", id), zap.String("file", upload.Name))
	return id, nil
}

// PollStatus performs one status read. It never fails because a job is still
// running.
func (c *Client) PollStatus(ctx context.Context, id string) (model.StatusReport, error) {
	r, err := c.route(ctx, id).Status(ctx, id)
	if err == nil {
		err = r.Check()
	}
	if err != nil {
		err = normalize("poll status", id, err)
		c.opts.Metrics.RecordPoll(model.Code(err))
		return model.StatusReport{}, err
	}
	c.opts.Metrics.RecordPoll("ok")
	return r, nil
}

func (c *Client) FetchResults(ctx context.Context, id string, q model.ResultQuery) (model.ResultPage, error) {
	page, err := c.route(ctx, id).Results(ctx, id, q)
	if err != nil {
		return model.ResultPage{}, normalize("fetch results", id, err)
	}
	return page, nil
}

func (c *Client) Health(ctx context.Context) (model.Health, error) {
	h, err := c.active(ctx).Health(ctx)
	if err != nil {
		return model.Health{}, normalize("health", "", err)
	}
	return h, nil
}

// normalize classifies a backend error. Anything outside the taxonomy is
// reported as a transport failure.
func normalize(op, id string, err error) error {
	var je *model.JobError
	if errors.As(err, &je) && model.Classified(je) {
		return err
	}
	if !model.Classified(err) {
		err = fmt.Errorf("%w: %w", model.ErrTransport, err)
	}
	return &model.JobError{Op: op, JobID: id, Err: err}
}

var csvContentTypes = map[string]bool{
	"text/csv":                 true,
	"application/csv":          true,
	"text/plain":               true,
	"application/vnd.ms-excel": true,
	"application/octet-stream": true,
}

// ValidateUpload rejects empty, oversize and non-CSV files. A max of zero
// disables the size check.
func ValidateUpload(u model.Upload, max int64) error {
	if len(u.Data) == 0 {
		return fmt.Errorf("%w: file is empty", model.ErrValidation)
	}
	if max > 0 && int64(len(u.Data)) > max {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(u.Data), max)
	}
	if u.Name != "" && !strings.EqualFold(filepath.Ext(u.Name), ".csv") {
		return fmt.Errorf("%w: unsupported file type %q", model.ErrValidation, filepath.Ext(u.Name))
	}
	if u.ContentType != "" {
		mt, _, err := mime.ParseMediaType(u.ContentType)
		if err != nil || !csvContentTypes[mt] {
			return fmt.Errorf("%w: unsupported content type %q", model.ErrValidation, u.ContentType)
		}
	}
	return nil
}
