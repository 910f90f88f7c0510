package cli

import (
	"fmt"
	"io"

	"github.com/compozy/deepresearch/pkg/version"
	"github.com/spf13/cobra"
)

func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			info := version.Get()
			return p.print(info, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "deepresearch %s (commit %s, built %s, %s)\n",
					info.Version, info.CommitHash, info.BuildDate, info.GoVersion)
				return err
			})
		},
	}
}
