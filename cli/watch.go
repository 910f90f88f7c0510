package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// WatchCmd follows a session running in another process through the
// configured events backend.
func WatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Follow the progress of a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd, func(ctx context.Context, st *storage, p *printer) error {
				pub, err := st.requireEvents()
				if err != nil {
					return err
				}
				sub, err := pub.Subscribe(ctx, args[0])
				if err != nil {
					return err
				}
				defer sub.Close()
				for ev := range sub.Events() {
					if p.format == formatText {
						writeProgress(p, p.out, ev)
					}
					if ev.Result == nil {
						continue
					}
					res := *ev.Result
					return p.print(res, func(w io.Writer) error { return writeResult(p, w, res) })
				}
				if err := sub.Err(); err != nil {
					return fmt.Errorf("stopped watching %s: %w", args[0], err)
				}
				return nil
			})
		},
	}
}
