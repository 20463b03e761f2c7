package cli

import (
	"context"
	"fmt"

	"github.com/bissquit/incident-desk/internal/app"
	"github.com/bissquit/incident-desk/internal/domain"
	"github.com/bissquit/incident-desk/internal/incidents"
	"github.com/spf13/cobra"
)

func newRegisterCommand(opts *RootOptions) *cobra.Command {
	var input incidents.RegisterInput

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new pending incident",
		Long: `Register a new incident reported now at a workstation. The identifier is
built from the report time and a per-day counter: DD/MM/YYYY-HH:MM-N.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				inc, err := a.Service().Register(ctx, input)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Registered incident %s\n", inc.ID)
				return err
			})
		},
	}

	cmd.Flags().IntVarP(&input.Workstation, "workstation", "w", 0, "workstation number")
	cmd.Flags().StringVarP(&input.Description, "description", "d", "", "what went wrong")
	_ = cmd.MarkFlagRequired("workstation")
	_ = cmd.MarkFlagRequired("description")

	return cmd
}

func newShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one incident from any partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				inc, err := a.Service().Find(ctx, args[0])
				if err != nil {
					return err
				}
				detail, err := a.Renderer().Detail(inc)
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), detail)
				return err
			})
		},
	}
}

func newModifyCommand(opts *RootOptions) *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "modify <id>",
		Short: "Replace the description of a pending incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, opts, "Modified", func(ctx context.Context, s *incidents.Service) (*domain.Incident, error) {
				return s.ModifyDescription(ctx, args[0], description)
			})
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "new description")
	_ = cmd.MarkFlagRequired("description")

	return cmd
}

func newResolveCommand(opts *RootOptions) *cobra.Command {
	var date, resolution string

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Move a pending incident to resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, opts, "Resolved", func(ctx context.Context, s *incidents.Service) (*domain.Incident, error) {
				resolvedAt, err := parseDate(date, s.Location())
				if err != nil {
					return nil, err
				}
				return s.Resolve(ctx, args[0], resolvedAt, resolution)
			})
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "resolution date (DD/MM/YYYY)")
	cmd.Flags().StringVarP(&resolution, "resolution", "r", "", "how it was fixed")
	_ = cmd.MarkFlagRequired("date")
	_ = cmd.MarkFlagRequired("resolution")

	return cmd
}

func newModifyResolutionCommand(opts *RootOptions) *cobra.Command {
	var resolution string

	cmd := &cobra.Command{
		Use:   "modify-resolution <id>",
		Short: "Replace the resolution text of a resolved incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, opts, "Modified", func(ctx context.Context, s *incidents.Service) (*domain.Incident, error) {
				return s.ModifyResolution(ctx, args[0], resolution)
			})
		},
	}

	cmd.Flags().StringVarP(&resolution, "resolution", "r", "", "new resolution text")
	_ = cmd.MarkFlagRequired("resolution")

	return cmd
}

func newRevertCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revert <id>",
		Short: "Move a resolved incident back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, opts, "Reverted", func(ctx context.Context, s *incidents.Service) (*domain.Incident, error) {
				return s.Revert(ctx, args[0])
			})
		},
	}
}

func newDeleteCommand(opts *RootOptions) *cobra.Command {
	var date, cause string

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Move a pending incident to deleted",
		Long:  `Delete a pending incident. Deleted incidents are kept with their cause and cannot be changed again.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, opts, "Deleted", func(ctx context.Context, s *incidents.Service) (*domain.Incident, error) {
				deletedAt, err := parseDate(date, s.Location())
				if err != nil {
					return nil, err
				}
				return s.Delete(ctx, args[0], deletedAt, cause)
			})
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "deletion date (DD/MM/YYYY)")
	cmd.Flags().StringVar(&cause, "cause", "", "why the incident is deleted")
	_ = cmd.MarkFlagRequired("date")
	_ = cmd.MarkFlagRequired("cause")

	return cmd
}

// runAction runs a state-changing action and reports the incident it touched.
func runAction(cmd *cobra.Command, opts *RootOptions, verb string, action func(context.Context, *incidents.Service) (*domain.Incident, error)) error {
	return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
		inc, err := action(ctx, a.Service())
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s incident %s (%s)\n", verb, inc.ID, inc.State)
		return err
	})
}
