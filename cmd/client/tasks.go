package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/BuzzLyutic/task-sync/internal/client/api"
	"github.com/BuzzLyutic/task-sync/internal/client/tasks"
	"github.com/BuzzLyutic/task-sync/internal/model"
)

func listCmd(v *viper.Viper) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show tasks, refreshing from the server when reachable",
		Args:  cobra.NoArgs,
		RunE: withApp(v, true, func(cmd *cobra.Command, a *app, _ []string) error {
			if !offline {
				if err := a.tasks.Refresh(cmd.Context()); err != nil {
					if !api.IsRetryable(err) {
						return err
					}
					fmt.Fprintln(cmd.ErrOrStderr(), "server unreachable, showing local copy")
				}
			}
			list, err := a.tasks.Tasks(cmd.Context())
			if err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), list)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "only show the local copy")
	return cmd
}

type taskFlags struct {
	title       string
	description string
	due         string
	priority    string
	completed   bool
}

func (f *taskFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.title, "title", "", "task title")
	cmd.Flags().StringVar(&f.description, "description", "", "task description")
	cmd.Flags().StringVar(&f.due, "due", "", "due date, YYYY-MM-DD")
	cmd.Flags().StringVar(&f.priority, "priority", "medium", "low, medium or high")
	cmd.Flags().BoolVar(&f.completed, "completed", false, "mark as completed")
}

// apply copies the flags the user set onto t.
func (f *taskFlags) apply(cmd *cobra.Command, t *model.Task) error {
	changed := cmd.Flags().Changed
	if changed("title") {
		t.Title = f.title
	}
	if changed("description") {
		t.Description = f.description
	}
	if changed("due") {
		d, err := model.ParseDate(f.due)
		if err != nil {
			return err
		}
		t.DueDate = d
	}
	if changed("priority") || t.Priority == 0 {
		p, err := parsePriority(f.priority)
		if err != nil {
			return err
		}
		t.Priority = p
	}
	if changed("completed") {
		t.Completed = f.completed
	}
	return nil
}

func parsePriority(s string) (model.Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "1":
		return model.PriorityLow, nil
	case "medium", "2":
		return model.PriorityMedium, nil
	case "high", "3":
		return model.PriorityHigh, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func addCmd(v *viper.Viper) *cobra.Command {
	var f taskFlags
	cmd := &cobra.Command{
		Use:   "add TITLE",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(v, true, func(cmd *cobra.Command, a *app, args []string) error {
			t := model.Task{Title: args[0]}
			if err := f.apply(cmd, &t); err != nil {
				return err
			}
			out, err := a.tasks.Save(cmd.Context(), t)
			if err != nil {
				return err
			}
			report(cmd.OutOrStdout(), "Created", out)
			return nil
		}),
	}
	f.register(cmd)
	return cmd
}

func updateCmd(v *viper.Viper) *cobra.Command {
	var f taskFlags
	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change a task",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(v, true, func(cmd *cobra.Command, a *app, args []string) error {
			t, err := loadTask(cmd, a, args[0])
			if err != nil {
				return err
			}
			if err := f.apply(cmd, &t); err != nil {
				return err
			}
			out, err := a.tasks.Save(cmd.Context(), t)
			if err != nil {
				return err
			}
			report(cmd.OutOrStdout(), "Updated", out)
			return nil
		}),
	}
	f.register(cmd)
	return cmd
}

func completeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "complete ID",
		Short: "Mark a task as completed",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(v, true, func(cmd *cobra.Command, a *app, args []string) error {
			t, err := loadTask(cmd, a, args[0])
			if err != nil {
				return err
			}
			t.Completed = true
			out, err := a.tasks.Save(cmd.Context(), t)
			if err != nil {
				return err
			}
			report(cmd.OutOrStdout(), "Completed", out)
			return nil
		}),
	}
}

func deleteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(v, true, func(cmd *cobra.Command, a *app, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			out, err := a.tasks.Delete(cmd.Context(), id)
			if err != nil {
				return err
			}
			report(cmd.OutOrStdout(), "Deleted", out)
			return nil
		}),
	}
}

func syncCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Send queued changes and refresh the local copy",
		Args:  cobra.NoArgs,
		RunE: withApp(v, true, func(cmd *cobra.Command, a *app, _ []string) error {
			res, err := a.tasks.Sync(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %d of %d queued changes (%d failed, %d waiting, %d rejected)\n",
				res.Succeeded, res.Attempted, res.Failed, res.Skipped, res.Rejected)
			return nil
		}),
	}
}

func statusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show login, connectivity and queued changes",
		Args:  cobra.NoArgs,
		RunE: withApp(v, false, func(cmd *cobra.Command, a *app, _ []string) error {
			w := cmd.OutOrStdout()
			if a.auth.Token == "" {
				fmt.Fprintln(w, "Logged in:  no")
			} else {
				fmt.Fprintf(w, "Logged in:  %s\n", a.auth.Username)
			}
			state := "offline"
			if a.monitor.Check(cmd.Context()) {
				state = "online"
			}
			fmt.Fprintf(w, "Server:     %s (%s)\n", v.GetString(keyServer), state)

			pending, err := a.tasks.PendingCount(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "Unsynced:   %d\n", pending)
			return nil
		}),
	}
}

// loadTask returns the local copy, falling back to the server.
func loadTask(cmd *cobra.Command, a *app, arg string) (model.Task, error) {
	id, err := parseID(arg)
	if err != nil {
		return model.Task{}, err
	}
	if t, err := a.store.Get(cmd.Context(), id); err == nil {
		return t, nil
	}
	return a.tasks.Fetch(cmd.Context(), id)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}

func report(w io.Writer, verb string, out tasks.Outcome) {
	if out.Offline {
		fmt.Fprintf(w, "%s task %d locally, it will be sent when the server is reachable\n", verb, out.Task.ID)
		return
	}
	fmt.Fprintf(w, "%s task %d\n", verb, out.Task.ID)
}

func printTasks(w io.Writer, list []model.Task) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDONE\tPRIORITY\tDUE\tTITLE\t")
	for _, t := range list {
		done := " "
		if t.Completed {
			done = "x"
		}
		title := t.Title
		if t.Pending {
			title += " *"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t\n", t.ID, done, t.Priority, t.DueDate, title)
	}
	tw.Flush()
}
