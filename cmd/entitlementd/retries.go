package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CedrosPay/entitlements/internal/retrylimit"
)

// Operator commands against the shared retry limiter. Only meaningful with the
// redis backend; the memory backend lives inside the serving process.
func newRetriesCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retries",
		Short: "Inspect and clear verification retry limits",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List transactions that require manual intervention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLimiter(cmd, opts, func(l *retrylimit.Limiter) (any, error) {
				limited, err := l.ListLimited(cmd.Context())
				if limited == nil {
					limited = []retrylimit.Status{}
				}
				return limited, err
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show retry limiter statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLimiter(cmd, opts, func(l *retrylimit.Limiter) (any, error) {
				return l.Statistics(cmd.Context())
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status <transaction-id>",
		Short: "Show the retry record for a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLimiter(cmd, opts, func(l *retrylimit.Limiter) (any, error) {
				return l.Status(cmd.Context(), args[0]), nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear <transaction-id>",
		Short: "Clear a transaction's retry record so the user can retry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLimiter(cmd, opts, func(l *retrylimit.Limiter) (any, error) {
				if err := l.Clear(cmd.Context(), args[0]); err != nil {
					return nil, err
				}
				return map[string]any{"transactionId": args[0], "cleared": true}, nil
			})
		},
	})
	return cmd
}

func withLimiter(cmd *cobra.Command, opts *rootOptions, fn func(*retrylimit.Limiter) (any, error)) error {
	cfg, log, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if cfg.RetryLimit.Backend != "redis" {
		return fmt.Errorf("retries commands need retry_limit.backend=redis (got %q)", cfg.RetryLimit.Backend)
	}
	store, err := retrylimit.NewRedisStoreFromURL(cmd.Context(), cfg.RetryLimit.RedisURL, cfg.RetryLimit.KeyPrefix)
	if err != nil {
		return err
	}
	limiter := retrylimit.New(retrylimit.Config{
		MaxRetries:  cfg.RetryLimit.MaxRetries,
		ResetWindow: cfg.RetryLimit.ResetWindow.Duration,
	}, retrylimit.WithStore(store), retrylimit.WithLogger(log))
	defer limiter.Close()

	out, err := fn(limiter)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
