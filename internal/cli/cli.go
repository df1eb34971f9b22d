// ============================================================================
// Fin-Analysis CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the analysis service
//
// Command Structure:
//   analyst                        # Root command
//   ├── serve                      # Start HTTP API, gRPC health and task queue
//   ├── analyze                    # Resolve one analysis in-process
//   │   ├── --symbol, -s
//   │   ├── --kind, -k             # income | balance_sheet | cash_flow | company
//   │   └── --wait                 # block until the artifact exists (default)
//   ├── poll                       # Query a running server for a task handle
//   │   ├── --addr
//   │   └── --id
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// serve Command:
//   1. Load config and build logger
//   2. Build components and start the task queue (restores handle snapshot)
//   3. Start HTTP server, and gRPC health server when grpc_port is set
//   4. Wait for SIGINT / SIGTERM
//   5. Shut down HTTP, stop the queue (final snapshot), close backends
//
// analyze Command:
//   Without --wait the command prints the resolution and exits; a pending
//   job only survives the exit when another process shares the same Redis
//   and store.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/fin-analysis/internal/config"
	"github.com/ChuLiYu/fin-analysis/internal/httpserver"
	"github.com/ChuLiYu/fin-analysis/internal/logging"
	"github.com/ChuLiYu/fin-analysis/internal/poller"
	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "analyst",
		Short: "Fin-Analysis: cached, de-duplicated financial statement analysis",
		Long: `Fin-Analysis generates narrative analyses of company financial statements with:
- get-or-generate caching keyed by symbol and statement kind
- at most one generation per key across processes (Redis lease)
- fan-out/fan-in over statement segments on layered worker pools
- pollable task handles that survive restarts`,
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildAnalyzeCommand())
	rootCmd.AddCommand(buildPollCommand())

	return rootCmd
}

// setup loads config and builds the logger shared by every command.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the analysis service",
		Long:  "Start the HTTP API, the optional gRPC health endpoint and the worker pools",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build service: %w", err)
	}
	defer app.Close()

	if err := app.Start(); err != nil {
		return fmt.Errorf("failed to start task queue: %w", err)
	}

	opts := []httpserver.Option{httpserver.WithLogger(logger)}
	for name, c := range app.HealthChecks() {
		opts = append(opts, httpserver.WithHealthCheck(name, c))
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, httpserver.WithMetricsHandler(app.Metrics.Handler()))
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           httpserver.New(app.Orchestrator, app.Poller, opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if cfg.Server.GRPCPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.GRPCPort, err)
		}
		grpcServer = grpc.NewServer()
		hs := health.NewServer()
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(grpcServer, hs)
		go func() {
			logger.Info("grpc health server listening", zap.Int("port", cfg.Server.GRPCPort))
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	logger.Info("service started")

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal, stopping gracefully")
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
		_ = srv.Close()
		if grpcServer != nil {
			grpcServer.Stop()
		}
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	logger.Info("service stopped")
	return nil
}

// ============================================================================
// analyze
// ============================================================================

func buildAnalyzeCommand() *cobra.Command {
	var (
		symbol  string
		kind    string
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Resolve one analysis in-process",
		Long:  "Get or generate the analysis of one symbol and statement kind using the configured backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := types.ParseKind(kind)
			if err != nil {
				return err
			}
			key := types.NewKey(symbol, k)
			if err := key.Validate(); err != nil {
				return err
			}
			return analyze(cmd.Context(), cmd.OutOrStdout(), key, wait, timeout)
		},
	}

	cmd.Flags().StringVarP(&symbol, "symbol", "s", "", "ticker symbol, e.g. AAPL")
	cmd.Flags().StringVarP(&kind, "kind", "k", "company", "income | balance_sheet | cash_flow | company")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait until the artifact is available")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "maximum time to wait")
	_ = cmd.MarkFlagRequired("symbol")

	return cmd
}

func analyze(ctx context.Context, out io.Writer, key types.AnalysisKey, wait bool, timeout time.Duration) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build service: %w", err)
	}
	defer app.Close()
	if err := app.Start(); err != nil {
		return fmt.Errorf("failed to start task queue: %w", err)
	}

	if !wait {
		res, err := app.Orchestrator.Resolve(ctx, key)
		if err != nil {
			return err
		}
		return printJSON(out, res)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	art, err := app.Orchestrator.ResolveAndWait(ctx, key)
	if err != nil {
		return fmt.Errorf("analysis %s: %w", key, err)
	}
	return printJSON(out, poller.Summarize(art))
}

// ============================================================================
// poll
// ============================================================================

func buildPollCommand() *cobra.Command {
	var (
		addr string
		id   string
	)

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Show the status of a task handle",
		Long:  "Query a running server for the state of a task handle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return poll(cmd.Context(), cmd.OutOrStdout(), addr, id)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&id, "id", "", "task id")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func poll(ctx context.Context, out io.Writer, addr, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	target := strings.TrimRight(addr, "/") + "/v1/tasks/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", addr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("poll %s: %s: %s", id, resp.Status, strings.TrimSpace(string(body)))
	}

	var report poller.Report
	if err := json.Unmarshal(body, &report); err != nil {
		return fmt.Errorf("decode poll response: %w", err)
	}
	return printJSON(out, report)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
