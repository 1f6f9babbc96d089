package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"taranqi/config"
	"taranqi/database"
	"taranqi/services"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect or clear a visitor's stored conversations",
	}
	cmd.AddCommand(newHistoryListCmd())
	cmd.AddCommand(newHistoryClearCmd())
	return cmd
}

// openHistory opens the configured KV and the visitor's history store.
func openHistory(visitor string) (*services.HistoryStore, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	backends, err := database.OpenKV(cfg)
	if err != nil {
		return nil, nil, err
	}
	store := services.NewHistoryStore(backends.KV, cfg.HistoryKey,
		services.WithNamespace(visitor),
		services.WithPublisher(services.NewRedisPublisher(backends.RDB)),
	)
	return store, backends.Close, nil
}

func newHistoryListCmd() *cobra.Command {
	var visitor string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a visitor's conversations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openHistory(visitor)
			if err != nil {
				return err
			}
			defer closeFn()

			sessions, err := store.List(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No conversations found.")
				return nil
			}

			fmt.Fprintf(out, "%-36s %-20s %-8s %s\n", "ID", "CREATED", "MESSAGES", "TITLE")
			fmt.Fprintln(out, strings.Repeat("-", 90))
			for _, s := range sessions {
				fmt.Fprintf(out, "%-36s %-20s %-8d %s\n",
					s.ID, s.CreatedAt.Format("2006-01-02 15:04:05"), len(s.Messages), s.Title)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&visitor, "visitor", "", "Visitor id whose history to list")
	cmd.MarkFlagRequired("visitor")

	return cmd
}

func newHistoryClearCmd() *cobra.Command {
	var visitor string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all of a visitor's conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openHistory(visitor)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := store.ClearAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared history for visitor %s\n", visitor)
			return nil
		},
	}

	cmd.Flags().StringVar(&visitor, "visitor", "", "Visitor id whose history to clear")
	cmd.MarkFlagRequired("visitor")

	return cmd
}
