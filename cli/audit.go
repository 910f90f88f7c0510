package cli

import (
	"context"
	"errors"
	"io"

	"github.com/spf13/cobra"
)

// AuditCmd prints the audit stream of a session.
func AuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <session-id>",
		Short: "Print the audit records of a session in sequence order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd, func(ctx context.Context, st *storage, p *printer) error {
				if st.reader == nil {
					return errors.New("audit backend is not readable: use sqlite or redis")
				}
				records, err := st.reader.List(ctx, args[0])
				if err != nil {
					return err
				}
				return p.print(records, func(w io.Writer) error { return writeAuditRecords(w, records) })
			})
		},
	}
}
