package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/points-ledger/api"
	"github.com/warp/points-ledger/ledger"
)

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: ./config.toml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(expireCmd)
	rootCmd.AddCommand(verifyCmd)

	expireCmd.Flags().String("cutoff", "", "RFC3339 time; expires the quarter that closed before it (default: now)")
}

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Loyalty points ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

// ─── serve ──────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the expiration scheduler",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.shutdown()

	server := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      api.NewRouter(a.handler(), a.routerConfig()),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	a.scheduler.Start()

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down server")
	case err := <-serveErr:
		a.scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	a.scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.App.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.logger.Info("server stopped")
	return nil
}

// ─── expire ─────────────────────────────────────────────────────────────────

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Run one expiration pass and exit",
	Long: `Expire every buyer balance for the quarter that closed before the cutoff
and reset company pools. Subjects already processed for that quarter are
skipped, so the command is safe to re-run after a partial failure.`,
	Args: cobra.NoArgs,
	RunE: runExpire,
}

func runExpire(cmd *cobra.Command, _ []string) error {
	raw, _ := cmd.Flags().GetString("cutoff")
	cutoff := time.Now().UTC()
	if raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("invalid --cutoff %q: %w", raw, err)
		}
		cutoff = t
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.shutdown()

	run, err := a.scheduler.Run(ctx, cutoff)
	if err != nil {
		return err
	}
	if err := printJSON(run); err != nil {
		return err
	}
	if run.Status != ledger.RunCompleted {
		return fmt.Errorf("expiration run %s ended %s with %d failures", run.ID, run.Status, run.Failures)
	}
	return nil
}

// ─── verify ─────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify BUYER_ID",
	Short: "Replay a buyer's transaction log against the stored balance",
	Long: `Recompute the buyer's balance from the transaction log. On mismatch the
balance is frozen and the command exits non-zero; thaw it through the admin
API once the discrepancy is resolved.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer a.shutdown()

	bal, err := a.engine.Verify(cmd.Context(), ledger.BuyerID(args[0]))
	if err != nil {
		return err
	}
	return printJSON(bal)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
