package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/compozy/deepresearch/pkg/config"
	"github.com/spf13/cobra"
)

// ConfigCmd returns the config command
func ConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration inspection",
	}
	cmd.AddCommand(configShowCmd(), configValidateCmd())
	return cmd
}

// configShowCmd prints the effective configuration with secrets masked.
func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			values := config.Redacted(config.FromContext(cmd.Context()))
			return p.print(values, func(w io.Writer) error {
				writeFlat(w, "", values)
				return nil
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromContext(cmd.Context())
			if err := config.Validate(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid (mode %s)\n", cfg.Mode)
			return nil
		},
	}
}

// writeFlat prints nested values as sorted key = value lines with the env
// variable that sets each key.
func writeFlat(w io.Writer, prefix string, values map[string]any) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if nested, ok := values[k].(map[string]any); ok {
			writeFlat(w, path, nested)
			continue
		}
		fmt.Fprintf(w, "%-40s = %-30v %s\n", path, formatValue(values[k]), config.EnvVarFor(path))
	}
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return `""`
		}
		return t
	case fmt.Stringer:
		return t.String()
	default:
		s := fmt.Sprint(v)
		return strings.TrimSpace(s)
	}
}
