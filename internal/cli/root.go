// Package cli implements the incident-desk command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/incident-desk/internal/app"
	"github.com/bissquit/incident-desk/internal/config"
	"github.com/bissquit/incident-desk/internal/domain"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string

	// appOptions are passed to app.New; tests use them to pin the clock.
	appOptions []app.Option
}

// NewRootCommand creates the root command for the incident-desk CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incident-desk",
		Short: "Track workstation incidents",
		Long: `incident-desk records incidents reported at workstations and moves them
through their lifecycle: pending, resolved or deleted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file (environment variables "+config.EnvPrefix+"* override it)")

	cmd.AddCommand(
		newRegisterCommand(opts),
		newShowCommand(opts),
		newModifyCommand(opts),
		newResolveCommand(opts),
		newModifyResolutionCommand(opts),
		newRevertCommand(opts),
		newDeleteCommand(opts),
		newListCommand(opts),
		newExportCommand(opts),
		newMigrateCommand(opts),
		newVersionCommand(),
	)

	return cmd
}

// withApp loads configuration, builds the application, runs fn and closes
// the application whatever fn returns.
func withApp(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app.App) error) (err error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	appOpts := append([]app.Option{app.WithLogOutput(cmd.ErrOrStderr())}, opts.appOptions...)
	a, err := app.New(cmd.Context(), cfg, appOpts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	return fn(cmd.Context(), a)
}

func parseDate(value string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(domain.DateLayout, strings.TrimSpace(value), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected DD/MM/YYYY", value)
	}
	return t, nil
}

func parsePartition(value string) (domain.State, error) {
	p := domain.State(strings.ToLower(strings.TrimSpace(value)))
	if !p.IsValid() {
		return "", fmt.Errorf("unknown partition %q: must be one of %v", value, domain.States)
	}
	return p, nil
}

func partitionArg(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		return err
	}
	_, err := parsePartition(args[0])
	return err
}
