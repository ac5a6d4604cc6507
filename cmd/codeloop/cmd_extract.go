package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"codeloop/internal/articulation"
)

var (
	extractHint   string
	extractFields []string
)

// extractCmd runs the extraction engine on stdin
var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract artifacts from a model reply on stdin",
	Long: `Reads a producer reply from stdin and prints what the extraction engine
recovers from it. With --fields the reply is parsed as a multi-artifact
object; each field is given as name=key, or just key.

Example:
  codeloop extract --hint c < reply.md
  codeloop extract --hint c --fields header=header_file_content,source=source_file_content < reply.json`,
	Args: cobra.NoArgs,
	RunE: runExtract,
}

func init() {
	extractCmd.Flags().StringVar(&extractHint, "hint", "", "Content hint, e.g. c or cpp")
	extractCmd.Flags().StringSliceVar(&extractFields, "fields", nil, "Multi-artifact fields as name=key")
}

func runExtract(cmd *cobra.Command, args []string) error {
	raw, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("failed to read stdin: %w", err)
	}
	out := cmd.OutOrStdout()

	if len(extractFields) == 0 {
		a, err := articulation.Extract(string(raw), extractHint)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "method: %s\n", a.Method)
		fmt.Fprintln(out, a.Content)
		return nil
	}

	fields := parseFields(extractFields)
	res, err := articulation.ExtractMulti(string(raw), fields, extractHint)
	if err != nil {
		return err
	}
	if !res.Valid {
		fmt.Fprintf(cmd.ErrOrStderr(), "multi-artifact payload rejected: %v\nfallback method: %s\n", res.Reason, res.Fallback.Method)
		fmt.Fprintln(out, res.Fallback.Content)
		return nil
	}

	names := make([]string, 0, len(res.Artifacts))
	for name := range res.Artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "== %s ==\n%s\n", name, res.Artifacts[name].Content)
	}
	return nil
}

func parseFields(specs []string) []articulation.Field {
	fields := make([]articulation.Field, 0, len(specs))
	for _, s := range specs {
		name, key, ok := strings.Cut(s, "=")
		if !ok {
			key = name
		}
		fields = append(fields, articulation.Field{Name: strings.TrimSpace(name), Key: strings.TrimSpace(key)})
	}
	return fields
}
