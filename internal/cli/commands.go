package cli

import (
	"cmp"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sadopc/trackd/internal/aggregate"
	"github.com/sadopc/trackd/internal/api"
	"github.com/sadopc/trackd/internal/events"
	"github.com/sadopc/trackd/internal/export"
	"github.com/sadopc/trackd/internal/syncer"
)

func NewStatusCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agent state and the current activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return agentError("status", err)
			}
			cur, err := c.CurrentActivity(cmd.Context())
			if err != nil {
				return agentError("current activity", err)
			}
			out := root.output(cmd)
			return out.Emit(struct {
				api.Status
				Current *aggregate.Activity `json:"current"`
			}{st, cur}, func(w io.Writer) { printStatus(w, st, cur) })
		},
	}
}

func printStatus(w io.Writer, st api.Status, cur *aggregate.Activity) {
	fmt.Fprintln(w, titleStyle.Render("trackd"))
	tracking := successStyle.Render("tracking")
	if !st.Tracking {
		tracking = warningStyle.Render("paused")
	}
	row(w, "state", tracking)
	input := "active"
	if !st.Active {
		input = "idle"
	}
	row(w, "input", input)
	row(w, "up since", st.StartedAt.Local().Format(time.DateTime))
	health := successStyle.Render("ok")
	if !st.Healthy {
		health = errorStyle.Render("unhealthy")
	}
	row(w, "store", st.StorePath+" "+health)
	row(w, "records", fmt.Sprintf("%d entries, %d browser, %d git", st.Stats.TimeEntries, st.Stats.BrowserActivities, st.Stats.GitCommits))
	row(w, "git projects", strconv.Itoa(st.GitProjects))
	syncState := mutedStyle.Render("off")
	if st.SyncEnabled {
		syncState = "on"
		if st.LastSync > 0 {
			syncState += ", last " + time.UnixMilli(st.LastSync).Local().Format(time.DateTime)
		}
	}
	row(w, "sync", syncState)
	if cur != nil {
		fmt.Fprintln(w, panelStyle.Render(fmt.Sprintf("%s  %s\n%s", cur.App, mutedStyle.Render(string(cur.ActivityType)), cur.Title)))
	}
}

func NewRecentCommand(root *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List recent activities, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			acts, err := c.RecentActivities(cmd.Context(), limit)
			if err != nil {
				return agentError("recent activities", err)
			}
			return root.output(cmd).Emit(acts, func(w io.Writer) {
				if len(acts) == 0 {
					fmt.Fprintln(w, mutedStyle.Render("no activity recorded yet"))
					return
				}
				for _, a := range acts {
					fmt.Fprintf(w, "%s  %-9s %-18s %s %s\n",
						mutedStyle.Render(a.Timestamp.Local().Format("15:04:05")),
						string(a.ActivityType),
						a.App,
						formatSeconds(a.DurationSeconds),
						cmp.Or(a.URL, a.Title),
					)
				}
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", aggregate.DefaultLimit, "number of activities")
	return cmd
}

func NewSummaryCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "summary [daily|weekly]",
		Short:     "Time per application, or per site for browsing",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"daily", "weekly"},
		RunE: func(cmd *cobra.Command, args []string) error {
			period := "daily"
			if len(args) == 1 {
				period = args[0]
			}
			c, err := root.client()
			if err != nil {
				return err
			}
			var totals map[string]int64
			if period == "weekly" {
				totals, err = c.WeeklySummary(cmd.Context())
			} else {
				totals, err = c.DailySummary(cmd.Context())
			}
			if err != nil {
				return agentError(period+" summary", err)
			}
			return root.output(cmd).Emit(totals, func(w io.Writer) { printSummary(w, period, totals) })
		},
	}
}

func printSummary(w io.Writer, period string, totals map[string]int64) {
	fmt.Fprintln(w, titleStyle.Render(period+" summary"))
	if len(totals) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("nothing tracked in this period"))
		return
	}
	keys := make([]string, 0, len(totals))
	var total, top int64
	for k, v := range totals {
		keys = append(keys, k)
		total += v
		top = max(top, v)
	}
	slices.SortFunc(keys, func(a, b string) int {
		return cmp.Or(cmp.Compare(totals[b], totals[a]), cmp.Compare(a, b))
	})
	for _, k := range keys {
		fmt.Fprintf(w, "%-28s %s %s\n", k, formatSeconds(totals[k]), bar(totals[k], top, 24))
	}
	fmt.Fprintf(w, "%-28s %s %s\n", mutedStyle.Render("total"), formatSeconds(total), mutedStyle.Render(formatHours(total)))
}

func NewGitCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "git",
		Short: "Git repositories watched by the agent",
	}

	var limit int
	log := &cobra.Command{
		Use:   "log",
		Short: "Latest observation per repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			data, err := c.GitData(cmd.Context(), limit)
			if err != nil {
				return agentError("git data", err)
			}
			return root.output(cmd).Emit(data, func(w io.Writer) {
				for _, g := range data {
					dirty := ""
					if g.IsDirty {
						dirty = warningStyle.Render(" dirty")
					}
					fmt.Fprintf(w, "%s %s %s%s\n", titleStyle.Render(g.Name), accentStyle.Render(g.Branch), mutedStyle.Render(shortHash(g.Commit)), dirty)
					fmt.Fprintf(w, "  %s  +%d -%d, %d files\n", g.Message, g.Inserted, g.Deleted, g.Changed)
				}
			})
		},
	}
	log.Flags().IntVarP(&limit, "limit", "n", aggregate.DefaultLimit, "number of observations")

	var name string
	register := &cobra.Command{
		Use:   "register <path>",
		Short: "Start watching a git repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			p, err := c.RegisterGitProject(cmd.Context(), args[0], name)
			if err != nil {
				return agentError("register "+args[0], err)
			}
			return root.output(cmd).Emit(p, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s (id %d) %s\n", successStyle.Render("watching"), p.Name, p.ID, mutedStyle.Render(p.Path))
			})
		},
	}
	register.Flags().StringVar(&name, "name", "", "project name (defaults to the directory name)")

	unregister := &cobra.Command{
		Use:   "unregister <id>",
		Short: "Stop watching a repository and delete its project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := root.client()
			if err != nil {
				return err
			}
			ok, err := c.UnregisterGitProject(cmd.Context(), id)
			if err != nil {
				return agentError("unregister", err)
			}
			return emitDeleted(root.output(cmd), id, ok)
		},
	}

	cmd.AddCommand(log, register, unregister)
	return cmd
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

func NewProjectsCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Manage projects",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			projects, err := c.Projects(cmd.Context())
			if err != nil {
				return agentError("projects", err)
			}
			return root.output(cmd).Emit(projects, func(w io.Writer) {
				if len(projects) == 0 {
					fmt.Fprintln(w, mutedStyle.Render("no projects"))
					return
				}
				for _, p := range projects {
					fmt.Fprintf(w, "%6d  %-24s %s\n", p.ID, p.Name, mutedStyle.Render(cmp.Or(p.Path, p.GitURL)))
				}
			})
		},
	}

	var req api.ProjectRequest
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a project without git polling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			req.Name = args[0]
			p, err := c.AddProject(cmd.Context(), req)
			if err != nil {
				return agentError("add project", err)
			}
			return root.output(cmd).Emit(p, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s (id %d)\n", successStyle.Render("added"), p.Name, p.ID)
			})
		},
	}
	add.Flags().StringVar(&req.Path, "path", "", "project directory")
	add.Flags().StringVar(&req.GitURL, "git-url", "", "remote repository url")

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := root.client()
			if err != nil {
				return err
			}
			ok, err := c.DeleteProject(cmd.Context(), id)
			if err != nil {
				return agentError("delete project", err)
			}
			return emitDeleted(root.output(cmd), id, ok)
		},
	}

	cmd.AddCommand(list, add, rm)
	return cmd
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, NewExitError(ExitUsage, fmt.Sprintf("invalid id %q", raw))
	}
	return id, nil
}

func emitDeleted(out *Output, id int64, ok bool) error {
	err := out.Emit(api.DeleteResponse{Deleted: ok}, func(w io.Writer) {
		if ok {
			fmt.Fprintf(w, "%s project %d\n", successStyle.Render("deleted"), id)
		} else {
			fmt.Fprintf(w, "%s\n", warningStyle.Render(fmt.Sprintf("project %d not found", id)))
		}
	})
	if err == nil && !ok {
		return NewExitError(ExitFailure, fmt.Sprintf("project %d not found", id))
	}
	return err
}

func NewSyncCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Server sync settings",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the sync config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			cfg, err := c.SyncConfig(cmd.Context())
			if err != nil {
				return agentError("sync config", err)
			}
			return root.output(cmd).Emit(cfg, func(w io.Writer) { printSyncConfig(w, cfg) })
		},
	}

	var serverURL, userID string
	var enable, disable bool
	set := &cobra.Command{
		Use:   "set",
		Short: "Change the sync config",
		Example: `  trackd sync set --server https://sync.example.com --user me --enable
  trackd sync set --disable`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var p syncer.Patch
			if cmd.Flags().Changed("server") {
				p.ServerURL = &serverURL
			}
			if cmd.Flags().Changed("user") {
				p.UserID = &userID
			}
			if enable || disable {
				on := enable
				p.SyncEnabled = &on
			}
			if p == (syncer.Patch{}) {
				return NewExitError(ExitUsage, "nothing to change: pass --server, --user, --enable or --disable")
			}
			c, err := root.client()
			if err != nil {
				return err
			}
			cfg, err := c.UpdateSyncConfig(cmd.Context(), p)
			if err != nil {
				return agentError("update sync config", err)
			}
			return root.output(cmd).Emit(cfg, func(w io.Writer) { printSyncConfig(w, cfg) })
		},
	}
	set.Flags().StringVar(&serverURL, "server", "", "sync server base url")
	set.Flags().StringVar(&userID, "user", "", "user id sent with every batch")
	set.Flags().BoolVar(&enable, "enable", false, "turn periodic sync on")
	set.Flags().BoolVar(&disable, "disable", false, "turn periodic sync off")
	set.MarkFlagsMutuallyExclusive("enable", "disable")

	now := &cobra.Command{
		Use:   "now",
		Short: "Push pending records immediately",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			ok, err := c.SyncNow(cmd.Context())
			if err != nil {
				return agentError("sync", err)
			}
			return root.output(cmd).Emit(api.SyncResponse{Synced: ok}, func(w io.Writer) {
				if ok {
					fmt.Fprintln(w, successStyle.Render("synced"))
				} else {
					fmt.Fprintln(w, mutedStyle.Render("sync is disabled or not configured"))
				}
			})
		},
	}

	cmd.AddCommand(show, set, now)
	return cmd
}

func printSyncConfig(w io.Writer, cfg syncer.Config) {
	enabled := mutedStyle.Render("disabled")
	if cfg.SyncEnabled {
		enabled = successStyle.Render("enabled")
	}
	row(w, "sync", enabled)
	row(w, "server", cmp.Or(cfg.ServerURL, "-"))
	row(w, "user", cmp.Or(cfg.UserID, "-"))
	last := "never"
	if cfg.LastSyncTimestamp > 0 {
		last = time.UnixMilli(cfg.LastSyncTimestamp).Local().Format(time.DateTime)
	}
	row(w, "checkpoint", last)
}

func NewPauseCommand(root *RootOptions) *cobra.Command {
	return trackingCommand(root, "pause", "Stop recording activity until resumed", false)
}

func NewResumeCommand(root *RootOptions) *cobra.Command {
	return trackingCommand(root, "resume", "Resume recording activity", true)
}

func trackingCommand(root *RootOptions, use, short string, resume bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			var active bool
			if resume {
				active, err = c.Resume(cmd.Context())
			} else {
				active, err = c.Pause(cmd.Context())
			}
			if err != nil {
				return agentError(use, err)
			}
			return root.output(cmd).Emit(api.TrackingResponse{Active: active}, func(w io.Writer) {
				if active {
					fmt.Fprintln(w, successStyle.Render("tracking"))
				} else {
					fmt.Fprintln(w, warningStyle.Render("paused"))
				}
			})
		},
	}
}

func NewExportCommand(root *RootOptions) *cobra.Command {
	var format, output string
	var days int
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export time entries as CSV or JSON",
		Example: `  trackd export --days 30 -o month.csv
  trackd export --as json --days 0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != export.FormatCSV && format != export.FormatJSON {
				return NewExitError(ExitUsage, fmt.Sprintf("invalid export format %q: must be csv or json", format))
			}
			c, err := root.client()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return WrapExitError(ExitUsage, "create output file", err)
				}
				defer f.Close()
				w = f
			}
			if err := c.Export(cmd.Context(), format, days, w); err != nil {
				return agentError("export", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "as", export.FormatCSV, "export format (csv|json)")
	cmd.Flags().IntVar(&days, "days", 7, "days to include, 0 for everything")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func NewWatchCommand(root *RootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream tracking-status changes from the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			out := root.output(cmd)
			err = c.Watch(cmd.Context(), all, func(e events.Event) {
				_ = out.Emit(e, func(w io.Writer) { printEvent(w, e) })
			})
			if err != nil {
				return agentError("watch", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "stream every event kind")
	return cmd
}

func printEvent(w io.Writer, e events.Event) {
	at := mutedStyle.Render(e.At.Local().Format("15:04:05"))
	switch e.Kind {
	case events.KindTrackingStatus:
		state := successStyle.Render("tracking")
		if !e.Active {
			state = warningStyle.Render("paused")
		}
		fmt.Fprintf(w, "%s %s\n", at, state)
	case events.KindActivity:
		if e.Sample != nil {
			fmt.Fprintf(w, "%s %s %s\n", at, e.Sample.App, mutedStyle.Render(e.Sample.Title))
			return
		}
		fmt.Fprintf(w, "%s %s\n", at, e.Kind)
	default:
		fmt.Fprintf(w, "%s %s\n", at, e.Kind)
	}
}
