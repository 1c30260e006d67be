// Copyright 2025 Brickfolio Authors
// SPDX-License-Identifier: Apache-2.0

// Command bricksync operates a local-first collection data directory from the
// shell: inspect status, record owned parts, and trigger sync passes against
// the remote store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/brickfolio/go-bricksync/bricksync"
)

var (
	flagDataDir string
	flagBaseURL string
	flagToken   string
)

func main() {
	root := &cobra.Command{
		Use:           "bricksync",
		Short:         "Local-first collection sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (defaults to BRICKSYNC_DATA_DIR)")
	root.PersistentFlags().StringVar(&flagBaseURL, "base-url", "", "remote sync endpoint base URL")
	root.PersistentFlags().StringVar(&flagToken, "token", "", "session token (JWT)")

	root.AddCommand(statusCmd(), setCmd(), clearCmd(), syncCmd(), statsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildClient(ctx context.Context) (*bricksync.Client, error) {
	cfg, err := bricksync.LoadConfig()
	if err != nil {
		return nil, err
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagBaseURL != "" {
		cfg.BaseURL = flagBaseURL
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	var token bricksync.TokenProvider
	if flagToken != "" {
		tok := flagToken
		token = func(context.Context) (string, error) { return tok, nil }
	}

	var cloud bricksync.CloudQuery
	if cfg.BaseURL != "" {
		cloud = bricksync.NewHTTPCloudQuery(cfg.BaseURL, token)
	}

	client, err := bricksync.NewClient(cfg, bricksync.ClientOptions{Logger: logger, Token: token, Cloud: cloud})
	if err != nil {
		return nil, err
	}
	if err := client.Start(ctx); err != nil {
		return nil, err
	}
	if flagToken != "" {
		if err := client.SetSessionToken(ctx, flagToken); err != nil {
			return nil, err
		}
	}
	return client, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := buildClient(ctx)
			if err != nil {
				return err
			}
			defer client.Shutdown(ctx)

			st := client.Status(ctx)
			fmt.Printf("ready:     %v\n", st.IsReady)
			fmt.Printf("available: %v\n", st.IsAvailable)
			fmt.Printf("pending:   %d\n", st.PendingCount)
			fmt.Printf("syncing:   %v\n", st.IsSyncing)
			fmt.Printf("leader:    %v\n", st.IsLeader)
			if st.LastError != "" {
				fmt.Printf("last error: %s\n", st.LastError)
			}
			return nil
		},
	}
}

func setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <set-id> <part-key> <quantity>",
		Short: "Record an owned quantity",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			quantity, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("quantity must be an integer: %w", err)
			}
			client, err := buildClient(ctx)
			if err != nil {
				return err
			}
			defer client.Shutdown(ctx)

			if err := client.Hydrate(ctx, args[0]); err != nil {
				return err
			}
			client.SetOwned(args[0], args[1], quantity)
			fmt.Printf("%s %s = %d\n", args[0], args[1], client.GetOwned(args[0], args[1]))
			return nil
		},
	}
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <set-id>",
		Short: "Remove every owned row of one set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := buildClient(ctx)
			if err != nil {
				return err
			}
			defer client.Shutdown(ctx)
			client.ClearAll(args[0])
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Flush pending writes and force one sync pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			client, err := buildClient(ctx)
			if err != nil {
				return err
			}
			defer client.Shutdown(ctx)
			if err := client.SyncNow(ctx); err != nil {
				return err
			}
			st := client.Status(ctx)
			fmt.Printf("pending after sync: %d\n", st.PendingCount)
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the merged partial-completion view",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := buildClient(ctx)
			if err != nil {
				return err
			}
			defer client.Shutdown(ctx)

			stats, err := client.CompletionStats(ctx)
			if err != nil {
				return err
			}
			for _, stat := range stats {
				name := stat.Name
				if name == "" {
					name = "(unnamed)"
				}
				fmt.Printf("%-12s %5d/%-5d %s\n", stat.ID, stat.OwnedCount, stat.TotalParts, name)
			}
			return nil
		},
	}
}
