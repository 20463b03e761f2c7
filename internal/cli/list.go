package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bissquit/incident-desk/internal/app"
	"github.com/bissquit/incident-desk/internal/export"
	"github.com/spf13/cobra"
)

func newListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "list <pending|resolved|deleted>",
		Short:     "List the incidents in one partition",
		Args:      partitionArg,
		ValidArgs: []string{"pending", "resolved", "deleted"},
		RunE: func(cmd *cobra.Command, args []string) error {
			partition, _ := parsePartition(args[0])
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				items, err := a.Service().List(ctx, partition)
				if err != nil {
					return err
				}
				return a.Renderer().WriteMarkdown(cmd.OutOrStdout(), partition, items)
			})
		},
	}
}

func newExportCommand(opts *RootOptions) *cobra.Command {
	var (
		format string
		output string
	)

	formats := make([]string, 0, len(export.Formats))
	for _, f := range export.Formats {
		formats = append(formats, string(f))
	}

	cmd := &cobra.Command{
		Use:       "export <pending|resolved|deleted>",
		Short:     "Export one partition as XML, Markdown or HTML",
		Args:      partitionArg,
		ValidArgs: []string{"pending", "resolved", "deleted"},
		RunE: func(cmd *cobra.Command, args []string) error {
			partition, _ := parsePartition(args[0])
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}

			return withApp(cmd, opts, func(ctx context.Context, a *app.App) (err error) {
				items, err := a.Service().List(ctx, partition)
				if err != nil {
					return err
				}

				var w io.Writer = cmd.OutOrStdout()
				if output != "" {
					file, ferr := os.Create(output)
					if ferr != nil {
						return fmt.Errorf("create %s: %w", output, ferr)
					}
					defer func() {
						if cerr := file.Close(); cerr != nil && err == nil {
							err = fmt.Errorf("close %s: %w", output, cerr)
						}
					}()
					w = file
				}

				if err := a.Renderer().Export(w, f, partition, items); err != nil {
					return err
				}
				if output != "" {
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "Exported %d %s incidents to %s\n", len(items), partition, output)
				}
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", string(export.FormatXML), "output format ("+strings.Join(formats, "|")+")")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")

	return cmd
}
