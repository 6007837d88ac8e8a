package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/scenepipe/internal/ir"
)

// ProviderOptions holds the flags of the providers subcommands.
type ProviderOptions struct {
	*RootOptions
	CollectionID int64
	Priority     int
	Pool         string
	Inactive     bool
	All          bool
}

// NewProvidersCommand creates the providers command group.
func NewProvidersCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProviderOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Manage provider bindings of collections",
		Long: `Bind data providers to collections. The download stage tries the
active bindings of a collection in priority order, lowest first.`,
	}
	cmd.PersistentFlags().Int64Var(&opts.CollectionID, "collection", 0, "collection id")

	bind := &cobra.Command{
		Use:           "bind <provider-id>",
		Short:         "Create or update a binding",
		Example:       "  scenepipe providers bind usgs --collection 1 --priority 10 --pool usgs-accounts",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.RootOptions, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			b, err := a.store.BindProvider(cmd.Context(), ir.ProviderBinding{
				ProviderID:   args[0],
				CollectionID: opts.CollectionID,
				Priority:     opts.Priority,
				Active:       !opts.Inactive,
				Pool:         opts.Pool,
			})
			if err != nil {
				return WrapExitError(ExitFailure, "failed to bind provider", err)
			}
			if opts.Format == "json" {
				return newFormatter(cmd, opts.RootOptions).Success(b)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Bound %s to collection %d (priority %d)\n", b.ProviderID, b.CollectionID, b.Priority)
			return nil
		},
	}
	bind.Flags().IntVar(&opts.Priority, "priority", 0, "lower runs first")
	bind.Flags().StringVar(&opts.Pool, "pool", "", "lock pool guarding the provider's accounts")
	bind.Flags().BoolVar(&opts.Inactive, "inactive", false, "create the binding deactivated")

	list := &cobra.Command{
		Use:           "list",
		Short:         "List the bindings of a collection in fallback order",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.RootOptions, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			bindings, err := a.store.ProviderBindings(cmd.Context(), opts.CollectionID, opts.All)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list bindings", err)
			}
			if opts.Format == "json" {
				return newFormatter(cmd, opts.RootOptions).Success(bindings)
			}
			if len(bindings) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No bindings found.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROVIDER\tPRIORITY\tACTIVE\tPOOL")
			for _, b := range bindings {
				fmt.Fprintf(tw, "%s\t%d\t%t\t%s\n", b.ProviderID, b.Priority, b.Active, b.Pool)
			}
			return tw.Flush()
		},
	}
	list.Flags().BoolVar(&opts.All, "all", false, "include inactive bindings")

	cmd.AddCommand(bind, list,
		newSetActiveCommand(opts, "activate", true),
		newSetActiveCommand(opts, "deactivate", false),
	)
	return cmd
}

func newSetActiveCommand(opts *ProviderOptions, use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:           use + " <provider-id>",
		Short:         fmt.Sprintf("Mark a binding %sd", use),
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.RootOptions, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.SetProviderActive(cmd.Context(), args[0], opts.CollectionID, active); err != nil {
				return WrapExitError(ExitFailure, "failed to "+use+" provider", err)
			}
			if opts.Format == "json" {
				return newFormatter(cmd, opts.RootOptions).Success(map[string]any{
					"provider_id":   args[0],
					"collection_id": opts.CollectionID,
					"active":        active,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Provider %s %sd for collection %d\n", args[0], use, opts.CollectionID)
			return nil
		},
	}
}
