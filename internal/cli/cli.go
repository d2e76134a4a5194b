// Package cli wires configuration into the fraud-review commands:
//
//	fraud-review serve             run the HTTP API with the in-process simulator
//	fraud-review submit <file>     upload a CSV and watch the job to completion
//	fraud-review status <id>       print a job's current status
//	fraud-review results <id>      print a page of scored rows
//	fraud-review models            list the model catalog
package cli

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/fraud-review/api-go/internal/blob"
	"github.com/example/fraud-review/api-go/internal/catalog"
	"github.com/example/fraud-review/api-go/internal/config"
	"github.com/example/fraud-review/api-go/internal/events"
	"github.com/example/fraud-review/api-go/internal/httpapi"
	"github.com/example/fraud-review/api-go/internal/logging"
	"github.com/example/fraud-review/api-go/internal/metrics"
	"github.com/example/fraud-review/api-go/internal/simulator"
	"github.com/example/fraud-review/api-go/internal/store"
)

const Version = "0.3.0"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "fraud-review",
		Short:         "Batch fraud scoring for transaction files",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildResultsCommand())
	rootCmd.AddCommand(buildModelsCommand())

	return rootCmd
}

func loadRuntime() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func buildServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scoring API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadRuntime()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")

	return cmd
}

// service is the assembled API and the resources it owns.
type service struct {
	handler http.Handler
	sim     *simulator.Simulator
	backing store.Backing
	pub     events.Publisher
}

func (s *service) Close() error {
	err := s.sim.Close()
	s.pub.Close()
	return errors.Join(err, s.backing.Close())
}

func openBacking(cfg config.Config) (store.Backing, error) {
	if cfg.Store.Driver == "memory" {
		return store.NewMemory(), nil
	}
	return store.Open(filepath.Join(cfg.DataDir, "jobs.db"))
}

func newSimulator(cfg config.Config, backing store.Backing, opts simulator.Options) *simulator.Simulator {
	opts.StepDelay = cfg.Simulator.StepDelay
	opts.ProgressStep = cfg.Simulator.ProgressStep
	threshold := cfg.Simulator.RejectionThreshold
	opts.RejectionThreshold = &threshold
	opts.FixedRows = cfg.Simulator.FixedRows
	if cfg.Simulator.Seed != 0 {
		opts.Rand = rand.New(rand.NewSource(cfg.Simulator.Seed))
	}
	return simulator.New(backing, opts)
}

func loadCatalog(cfg config.Config) (*catalog.Catalog, error) {
	cat, err := catalog.Load(cfg.Models.IndexPath)
	if err != nil {
		return nil, err
	}
	if cfg.Models.Current != "" {
		if err := cat.SetCurrent(cfg.Models.Current); err != nil {
			return nil, err
		}
	}
	return cat, nil
}

func newService(cfg config.Config, log *zap.Logger) (*service, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	cat, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}
	backing, err := openBacking(cfg)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	var pub events.Publisher = events.Noop{}
	if cfg.Events.NATSURL != "" {
		n, err := events.NewNATS(cfg.Events.NATSURL, cfg.Events.Subject, log)
		if err != nil {
			_ = backing.Close()
			return nil, err
		}
		pub = n
	}

	var coll *metrics.Collector
	if cfg.Metrics.Enabled {
		coll = metrics.NewCollector(nil)
	}

	blobs := &blob.LocalFS{Root: cfg.DataDir}
	sim := newSimulator(cfg, backing, simulator.Options{
		Catalog: cat,
		Blobs:   blobs,
		Events:  pub,
		Metrics: coll,
		Log:     log,
	})

	srv := httpapi.Server{
		Backend:        sim,
		Jobs:           backing,
		Audit:          backing,
		Blobs:          blobs,
		Catalog:        cat,
		Metrics:        coll,
		Log:            log,
		MaxUploadBytes: cfg.Upload.MaxBytes,
		BaseURL:        cfg.PublicBaseURL(),
	}
	return &service{handler: srv.Router(), sim: sim, backing: backing, pub: pub}, nil
}

func serve(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	svc, err := newService(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
	}()

	httpSrv := &http.Server{Addr: cfg.Server.Addr, Handler: svc.handler}
	errCh := make(chan error, 1)
	go func() {
		log.Info("API listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("base_url", cfg.PublicBaseURL()),
			zap.String("store", svc.backing.Name()),
		)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
