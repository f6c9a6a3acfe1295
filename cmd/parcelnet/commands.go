package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"parcelnet/internal/config"
	"parcelnet/internal/domain"
	"parcelnet/internal/orchestrator"
)

type rootOptions struct {
	configPath string
	dbPath     string
	debug      bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "parcelnet",
		Short:         "Multi-agent parcel delivery simulation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (.toml or .yaml)")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "sqlite database path override")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "debug logging")

	root.AddCommand(newRunCommand(opts), newQueryCommand(opts), newMigrateCommand(opts))
	return root
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if o.dbPath != "" {
		cfg.Store.Path = o.dbPath
	}
	return cfg, nil
}

func (o *rootOptions) logger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if o.debug {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zc.Build()
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var (
		addr     string
		duration time.Duration
		noHTTP   bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the simulation and serve its HTTP surface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			if duration > 0 {
				cfg.Simulation.DurationMS = int(duration / time.Millisecond)
			}
			logger, err := opts.logger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runSimulation(ctx, cfg, !noHTTP, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "http listen address override")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "do not start the HTTP server")
	return cmd
}

func runSimulation(ctx context.Context, cfg config.Config, serve bool, logger *zap.Logger) error {
	store, err := orchestrator.OpenStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	svc, err := orchestrator.New(cfg, store, logger)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	// The simulation may end on its own when a duration is set.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if serve {
		server := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           newServer(cfg, svc, logger).routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = server.Shutdown(shutdownCtx)
		}()
		go func() {
			logger.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", zap.Error(err))
				cancel()
			}
		}()
	}

	logger.Info("parcelnet started",
		zap.String("config", cfg.Path),
		zap.String("store", cfg.Store.Driver),
		zap.Strings("couriers", cfg.CourierIDs()),
	)
	return svc.Run(ctx)
}

func newQueryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "query [parcel-id]",
		Short: "Print a parcel and its status history, or status counts without an id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := orchestrator.OpenStore(ctx, cfg.Store)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer func() { _ = store.Close() }()
			return query(ctx, store, args, cmd.OutOrStdout())
		},
	}
}

func query(ctx context.Context, store orchestrator.Store, args []string, out io.Writer) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if len(args) == 0 {
		counts, err := store.CountParcelsByStatus(ctx)
		if err != nil {
			return err
		}
		return enc.Encode(counts)
	}

	p, err := store.QueryParcel(ctx, args[0])
	if errors.Is(err, domain.ErrParcelNotFound) {
		return fmt.Errorf("parcel %s: %w", args[0], err)
	}
	if err != nil {
		return err
	}
	history, err := store.ListDeliveryLog(ctx, p.ID)
	if err != nil {
		return err
	}
	return enc.Encode(orchestrator.ParcelView{Parcel: p, History: history})
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the record store schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			store, err := orchestrator.OpenStore(cmd.Context(), cfg.Store)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s store\n", cfg.Store.Driver)
			return store.Close()
		},
	}
}
