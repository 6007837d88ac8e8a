package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/scenepipe/internal/api"
	"github.com/roach88/scenepipe/internal/ir"
	"github.com/roach88/scenepipe/internal/store"
)

// FilterOptions holds the activity filter flags shared by list and counts.
type FilterOptions struct {
	IDs           []int64
	CollectionID  int64
	Type          string
	SceneIDs      []string
	Statuses      []string
	CreatedAfter  string
	CreatedBefore string
	Limit         int
	Offset        int
}

func (o *FilterOptions) register(cmd *cobra.Command, paged bool) {
	cmd.Flags().Int64SliceVar(&o.IDs, "id", nil, "activity id (repeatable)")
	cmd.Flags().Int64Var(&o.CollectionID, "collection", 0, "collection id")
	cmd.Flags().StringVar(&o.Type, "type", "", "activity type substring")
	cmd.Flags().StringArrayVar(&o.SceneIDs, "scene", nil, "scene id (repeatable)")
	cmd.Flags().StringSliceVar(&o.Statuses, "status", nil, "latest execution status (repeatable)")
	cmd.Flags().StringVar(&o.CreatedAfter, "created-after", "", "RFC 3339 lower bound on created_at")
	cmd.Flags().StringVar(&o.CreatedBefore, "created-before", "", "RFC 3339 upper bound on created_at")
	if paged {
		cmd.Flags().IntVar(&o.Limit, "limit", 50, "maximum activities to list (0 for all)")
		cmd.Flags().IntVar(&o.Offset, "offset", 0, "activities to skip")
	}
}

func (o *FilterOptions) filter() (store.ActivityFilter, error) {
	f := store.ActivityFilter{
		IDs:          o.IDs,
		CollectionID: o.CollectionID,
		TypeContains: o.Type,
		SceneIDs:     o.SceneIDs,
		Limit:        o.Limit,
		Offset:       o.Offset,
	}
	for _, s := range o.Statuses {
		st, err := ir.ParseStatus(s)
		if err != nil {
			return f, WrapExitError(ExitCommandError, "invalid --status", err)
		}
		f.LastStatus = append(f.LastStatus, st)
	}
	var err error
	if f.CreatedAfter, err = parseTimeFlag("created-after", o.CreatedAfter); err != nil {
		return f, err
	}
	if f.CreatedBefore, err = parseTimeFlag("created-before", o.CreatedBefore); err != nil {
		return f, err
	}
	if f.Limit < 0 || f.Offset < 0 {
		return f, NewExitError(ExitCommandError, "--limit and --offset must not be negative")
	}
	return f, nil
}

func parseTimeFlag(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, WrapExitError(ExitCommandError, "invalid --"+name, err)
	}
	return t, nil
}

// NewActivitiesCommand creates the activities command group.
func NewActivitiesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activities",
		Short: "Inspect recorded activities",
	}
	cmd.AddCommand(newActivitiesListCommand(rootOpts))
	cmd.AddCommand(newActivitiesShowCommand(rootOpts))
	cmd.AddCommand(newActivitiesCountsCommand(rootOpts))
	return cmd
}

func newActivitiesListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FilterOptions{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List activities matching a filter",
		Example: `  scenepipe activities list --collection 1 --status failure
  scenepipe activities list --type publish --limit 0 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := opts.filter()
			if err != nil {
				return err
			}
			a, err := openApp(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			acts, err := a.store.Find(cmd.Context(), filter)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list activities", err)
			}
			if rootOpts.Format == "json" {
				return newFormatter(cmd, rootOpts).Success(acts)
			}
			writeActivities(cmd.OutOrStdout(), acts)
			return nil
		},
	}
	opts.register(cmd, true)
	return cmd
}

func newActivitiesShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <id>",
		Short:         "Show an activity with its executions and provenance",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return NewExitError(ExitCommandError, "activity id must be a positive integer")
			}
			a, err := openApp(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			view, err := loadActivity(cmd, a.store, id)
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return newFormatter(cmd, rootOpts).Success(view)
			}
			writeActivityView(cmd.OutOrStdout(), view)
			return nil
		},
	}
}

func loadActivity(cmd *cobra.Command, st *store.Store, id int64) (api.ActivityView, error) {
	ctx := cmd.Context()
	act, err := st.GetActivity(ctx, id)
	if err != nil {
		return api.ActivityView{}, WrapExitError(ExitFailure, "failed to load activity", err)
	}
	view := api.ActivityView{Activity: act}
	if view.Executions, err = st.ExecutionsFor(ctx, id); err != nil {
		return view, WrapExitError(ExitFailure, "failed to load executions", err)
	}
	if view.Parents, err = st.Parents(ctx, id); err != nil {
		return view, WrapExitError(ExitFailure, "failed to load parents", err)
	}
	if view.Children, err = st.Children(ctx, id); err != nil {
		return view, WrapExitError(ExitFailure, "failed to load children", err)
	}
	view.Outcome = ir.ClassifyHistory(view.Executions)
	return view, nil
}

func newActivitiesCountsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FilterOptions{}
	cmd := &cobra.Command{
		Use:           "counts",
		Short:         "Count activities by latest execution status",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := opts.filter()
			if err != nil {
				return err
			}
			a, err := openApp(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			byStatus, err := a.store.CountByStatus(cmd.Context(), filter)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to count activities", err)
			}
			unsuccessful, err := a.store.CountUnsuccessful(cmd.Context(), filter)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to count activities", err)
			}
			resp := api.CountsResponse{ByStatus: byStatus, Unsuccessful: unsuccessful}
			if rootOpts.Format == "json" {
				return newFormatter(cmd, rootOpts).Success(resp)
			}

			w := cmd.OutOrStdout()
			statuses := make([]string, 0, len(byStatus))
			for st := range byStatus {
				statuses = append(statuses, string(st))
			}
			sort.Strings(statuses)
			for _, st := range statuses {
				fmt.Fprintf(w, "%-8s %d\n", st, byStatus[ir.Status(st)])
			}
			fmt.Fprintf(w, "unsuccessful: %d\n", unsuccessful)
			return nil
		},
	}
	opts.register(cmd, false)
	return cmd
}

func writeActivities(w io.Writer, acts []ir.Activity) {
	if len(acts) == 0 {
		fmt.Fprintln(w, "No activities found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCOLLECTION\tTYPE\tSCENE\tTAGS\tCREATED")
	for _, act := range acts {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n",
			act.ID, act.CollectionID, act.Type, act.SceneID,
			strings.Join(act.Tags, ","), act.CreatedAt.UTC().Format(time.RFC3339))
	}
	tw.Flush()
}

func writeActivityView(w io.Writer, view api.ActivityView) {
	fmt.Fprintf(w, "Activity %d: %s\n", view.ID, view.Key())
	fmt.Fprintf(w, "  Outcome: %s\n", view.Outcome)
	if view.SceneType != "" {
		fmt.Fprintf(w, "  Scene type: %s\n", view.SceneType)
	}
	if len(view.Tags) > 0 {
		fmt.Fprintf(w, "  Tags: %s\n", strings.Join(view.Tags, ", "))
	}
	if len(view.Args) > 0 {
		data, err := ir.MarshalCanonical(map[string]any(view.Args))
		if err == nil {
			fmt.Fprintf(w, "  Args: %s\n", data)
		}
	}
	if len(view.Parents) > 0 {
		fmt.Fprintf(w, "  Parents: %v\n", view.Parents)
	}
	if len(view.Children) > 0 {
		fmt.Fprintf(w, "  Children: %v\n", view.Children)
	}
	if len(view.Executions) == 0 {
		fmt.Fprintln(w, "  Never attempted")
		return
	}
	fmt.Fprintln(w, "  Executions:")
	for _, rec := range view.Executions {
		line := fmt.Sprintf("    [%d] job=%s %s attempts=%d", rec.ID, rec.JobID, rec.Status, rec.Attempts)
		if rec.ErrorKind != ir.KindNone {
			line += fmt.Sprintf(" %s: %s", rec.ErrorKind, rec.ErrorMessage)
		}
		fmt.Fprintln(w, line)
	}
}
