package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/compozy/deepresearch/engine/snapshot"
	"github.com/compozy/deepresearch/pkg/config"
	"github.com/compozy/deepresearch/pkg/logger"
	"github.com/spf13/cobra"
)

// SnapshotCmd inspects and removes persisted sessions.
func SnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "snapshot",
		Aliases: []string{"snapshots"},
		Short:   "Inspect persisted research sessions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List saved sessions, newest first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withStorage(cmd, func(ctx context.Context, st *storage, p *printer) error {
					store, err := st.requireSnapshots()
					if err != nil {
						return err
					}
					metas, err := store.List(ctx)
					if err != nil {
						return err
					}
					return p.print(metas, func(w io.Writer) error { return writeSnapshotList(w, metas) })
				})
			},
		},
		&cobra.Command{
			Use:   "show <session-id>",
			Short: "Show a saved session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStorage(cmd, func(ctx context.Context, st *storage, p *printer) error {
					store, err := st.requireSnapshots()
					if err != nil {
						return err
					}
					snap, err := store.Load(ctx, args[0])
					if err != nil {
						return err
					}
					return p.print(snap, func(w io.Writer) error { return writeSnapshot(p, w, snap) })
				})
			},
		},
		&cobra.Command{
			Use:   "delete <session-id>",
			Short: "Delete a saved session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStorage(cmd, func(ctx context.Context, st *storage, _ *printer) error {
					store, err := st.requireSnapshots()
					if err != nil {
						return err
					}
					deleter, ok := store.(snapshot.Deleter)
					if !ok {
						return fmt.Errorf("snapshot backend %s cannot delete", config.FromContext(ctx).Snapshot.Backend)
					}
					if err := deleter.Delete(ctx, args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
					return nil
				})
			},
		},
	)
	return cmd
}

// withStorage opens the configured backends for the duration of fn.
func withStorage(cmd *cobra.Command, fn func(ctx context.Context, st *storage, p *printer) error) error {
	ctx := cmd.Context()
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	st, err := openStorage(ctx, config.FromContext(ctx))
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(ctx); err != nil {
			logger.FromContext(ctx).Warn("Failed to close storage", "error", err)
		}
	}()
	return fn(ctx, st, p)
}
