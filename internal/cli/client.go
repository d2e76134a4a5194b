package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/fraud-review/api-go/internal/batch"
	"github.com/example/fraud-review/api-go/internal/config"
	"github.com/example/fraud-review/api-go/internal/model"
	"github.com/example/fraud-review/api-go/internal/poller"
	"github.com/example/fraud-review/api-go/internal/remote"
	"github.com/example/fraud-review/api-go/internal/results"
	"github.com/example/fraud-review/api-go/internal/simulator"
	"github.com/example/fraud-review/api-go/internal/store"
)

// newBatchClient connects to backend.url, falling back to an in-process
// simulator when the backend is unreachable or unset.
func newBatchClient(cfg config.Config, log *zap.Logger) (*batch.Client, func(), error) {
	cat, err := loadCatalog(cfg)
	if err != nil {
		return nil, nil, err
	}
	sim := newSimulator(cfg, store.NewMemory(), simulator.Options{Catalog: cat, Log: log})

	var rb batch.Backend
	if cfg.Backend.URL != "" {
		rc, err := remote.New(remote.Config{
			BaseURL:        cfg.Backend.URL,
			RequestTimeout: cfg.Backend.RequestTimeout,
			StatusRetries:  cfg.Backend.StatusRetries,
			RetryBackoff:   cfg.Backend.RetryBackoff,
			RateLimit:      cfg.Backend.RateLimit,
		}, log)
		if err != nil {
			_ = sim.Close()
			return nil, nil, err
		}
		rb = rc
	}

	c := batch.New(rb, sim, batch.Options{
		MaxUploadBytes: cfg.Upload.MaxBytes,
		ProbeTimeout:   cfg.Backend.ProbeTimeout,
		Log:            log,
	})
	return c, func() { _ = sim.Close() }, nil
}

func withClient(cmd *cobra.Command, fn func(ctx context.Context, cfg config.Config, c *batch.Client) error) error {
	cfg, log, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	c, closeFn, err := newBatchClient(cfg, log)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(cmd.Context(), cfg, c)
}

func buildSubmitCommand() *cobra.Command {
	var (
		modelRef string
		detach   bool
		pageSize int
	)

	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Upload a transaction CSV for scoring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			upload := model.Upload{
				Name:        filepath.Base(args[0]),
				ContentType: "text/csv",
				Model:       modelRef,
				Data:        data,
			}
			return withClient(cmd, func(ctx context.Context, cfg config.Config, c *batch.Client) error {
				return submitAndWatch(ctx, cmd.OutOrStdout(), cfg, c, upload, detach, pageSize)
			})
		},
	}

	cmd.Flags().StringVarP(&modelRef, "model", "m", "", "model label or version (default: current model)")
	cmd.Flags().BoolVar(&detach, "detach", false, "print the job id and exit without waiting")
	cmd.Flags().IntVar(&pageSize, "page-size", results.DefaultPageSize, "rows to print once the job completes")

	return cmd
}

func submitAndWatch(ctx context.Context, out io.Writer, cfg config.Config, c *batch.Client, upload model.Upload, detach bool, pageSize int) error {
	id, err := c.Submit(ctx, upload)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "job %s submitted (backend: %s)\n", id, c.Mode())
	if detach {
		return nil
	}

	final, err := poller.Watch(ctx, c, id, poller.Options{Interval: cfg.Poll.Interval}, func(r model.StatusReport) {
		fmt.Fprintf(out, "%-10s %3d%%\n", r.Status, r.Progress)
	})
	if err != nil {
		return err
	}
	if final.Status == model.JobFailed {
		if final.Err != nil {
			return final.Err
		}
		return fmt.Errorf("job %s failed: %s", id, final.FailureReason)
	}

	page, err := c.FetchResults(ctx, id, model.ResultQuery{Page: 1, PageSize: pageSize})
	if err != nil {
		return err
	}
	return printPage(out, page)
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the current status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, _ config.Config, c *batch.Client) error {
				r, err := c.PollStatus(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "job:      %s\n", r.JobID)
				fmt.Fprintf(out, "status:   %s\n", r.Status)
				fmt.Fprintf(out, "progress: %d%%\n", r.Progress)
				if r.DownloadRef != "" {
					fmt.Fprintf(out, "download: %s\n", r.DownloadRef)
				}
				if r.FailureReason != "" {
					fmt.Fprintf(out, "reason:   %s\n", r.FailureReason)
				}
				return nil
			})
		},
	}
	return cmd
}

func buildResultsCommand() *cobra.Command {
	var (
		q      model.ResultQuery
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "results <job-id>",
		Short: "Print a page of scored transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, _ config.Config, c *batch.Client) error {
				page, err := c.FetchResults(ctx, args[0], q)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(page)
				}
				return printPage(cmd.OutOrStdout(), page)
			})
		},
	}

	cmd.Flags().IntVar(&q.Page, "page", 1, "page number, starting at 1")
	cmd.Flags().IntVar(&q.PageSize, "page-size", results.DefaultPageSize, "rows per page")
	cmd.Flags().StringVar(&q.Filter, "filter", "", "case-insensitive transaction id substring")
	cmd.Flags().BoolVar(&q.RejectedOnly, "rejected", false, "only show rejected transactions")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the page as JSON")

	return cmd
}

func buildModelsCommand() *cobra.Command {
	var reconnect bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List scoring models and the backend in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, cfg config.Config, c *batch.Client) error {
				if reconnect {
					c.Reconnect(ctx)
				}
				h, err := c.Health(ctx)
				if err != nil {
					return err
				}
				cat, err := loadCatalog(cfg)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "backend: %s (%s)\n", c.Mode(), h.Status)
				current := cat.Default().Label
				for _, m := range cat.Models() {
					marker := " "
					if m.Label == current {
						marker = "*"
					}
					fmt.Fprintf(out, "%s %s\n", marker, m.Label)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&reconnect, "reconnect", false, "probe the remote backend again before listing")

	return cmd
}

func printPage(out io.Writer, page model.ResultPage) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(model.ResultColumns, "\t")))
	for _, r := range page.Rows {
		fmt.Fprintf(tw, "%s\t%t\t%s\t%.4f\n", r.TransactionID, r.Approved, r.Decision, r.Score)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "page %d of %d (%d rows)\n", page.Page, page.TotalPages, page.TotalItems)
	return err
}
