package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/scenepipe/internal/ir"
)

// AccountsView lists a pool's accounts and the holds on them.
type AccountsView struct {
	Pool     string               `json:"pool"`
	Accounts []ir.ResourceAccount `json:"accounts"`
	Holds    []ir.LockToken       `json:"holds"`
}

// NewAccountsCommand creates the accounts command group.
func NewAccountsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage rate-limited provider accounts",
	}

	sync := &cobra.Command{
		Use:           "sync",
		Short:         "Write the accounts of every configured lock pool to the store",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.SyncAccounts(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to sync accounts", err)
			}
			if rootOpts.Format == "json" {
				return newFormatter(cmd, rootOpts).Success(map[string]int{"synced": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Synced %d account(s)\n", n)
			return nil
		},
	}

	list := &cobra.Command{
		Use:           "list [pool...]",
		Short:         "Show accounts and current holds",
		Long:          "Show accounts and current holds of the named pools, or of every configured pool.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			pools := args
			if len(pools) == 0 {
				for _, p := range a.cfg.Locks {
					pools = append(pools, p.Name)
				}
			}
			views := make([]AccountsView, 0, len(pools))
			for _, pool := range pools {
				accts, err := a.store.Accounts(cmd.Context(), pool)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list accounts", err)
				}
				holds, err := a.store.Holds(cmd.Context(), pool)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list holds", err)
				}
				views = append(views, AccountsView{Pool: pool, Accounts: accts, Holds: holds})
			}
			if rootOpts.Format == "json" {
				return newFormatter(cmd, rootOpts).Success(views)
			}

			w := cmd.OutOrStdout()
			if len(views) == 0 {
				fmt.Fprintln(w, "No lock pools configured.")
				return nil
			}
			for _, v := range views {
				fmt.Fprintf(w, "Pool %s: %d account(s), %d hold(s)\n", v.Pool, len(v.Accounts), len(v.Holds))
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				for _, acct := range v.Accounts {
					fmt.Fprintf(tw, "  %s\t%d/%d\n", acct.Name, acct.InUse, acct.Capacity)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.AddCommand(sync, list)
	return cmd
}
