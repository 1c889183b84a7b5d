package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	coordredis "github.com/suyash-sneo/tileacq/coord/redis"
)

func newSessionsCmd() *cobra.Command {
	var (
		redisAddr string
		prune     bool
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions registered in redis with their last status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := coordredis.New(coordredis.Options{Addr: redisAddr})
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()

			if prune {
				removed, err := store.PruneDeadSessions(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d dead sessions\n", removed)
			}
			ids, err := store.ListSessions(ctx)
			if err != nil {
				return err
			}
			sort.Strings(ids)
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, id := range ids {
				st, ok, err := store.GetStatus(ctx, id)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: no status\n", id)
					continue
				}
				if err := enc.Encode(st); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&redisAddr, "redis", "127.0.0.1:6379", "redis address")
	cmd.Flags().BoolVar(&prune, "prune", false, "remove expired sessions first")
	return cmd
}
