package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/novel2anime/internal/app"
	"github.com/ent0n29/novel2anime/internal/tasks"
)

func newTasksCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Create, list and delete conversion tasks",
	}
	cmd.AddCommand(newTasksListCommand(ctx))
	cmd.AddCommand(newTasksCreateCommand(ctx))
	cmd.AddCommand(newTasksShowCommand(ctx))
	cmd.AddCommand(newTasksDeleteCommand(ctx))
	return cmd
}

func newTasksListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(b *app.BuildResult) error {
				list, err := b.Lifecycle.ListTasks(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, list)
				}
				st := b.Store.State()
				out := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintln(out, "No tasks yet")
					return nil
				}
				fmt.Fprintln(out, renderTasks(out, list, st.CurrentTaskID))
				fmt.Fprintf(out, "%d in progress, %d completed\n",
					st.CountByStatus(tasks.StatusDoing), st.CountByStatus(tasks.StatusDone))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func renderTasks(w io.Writer, list []tasks.Task, current string) string {
	rows := make([][]string, 0, len(list))
	for _, t := range list {
		marker := ""
		if t.ID == current {
			marker = "*"
		}
		created := ""
		if !t.CreatedAt.IsZero() {
			created = t.CreatedAt.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{marker, t.ID, truncate(t.Name, 32), string(t.Status), truncate(t.StatusDesc, 40), created})
	}
	return renderTable(w, []string{"", "ID", "Name", "Status", "Detail", "Seen"}, rows, nil)
}

func newTasksCreateCommand(ctx *commandContext) *cobra.Command {
	var name, file string
	var wait bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit novel text for conversion",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readNovel(cmd, file)
			if err != nil {
				return err
			}
			return ctx.withApp(cmd.Context(), func(b *app.BuildResult) error {
				task, err := b.Lifecycle.CreateTask(cmd.Context(), name, text)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Created %s (%s)\n", task.ID, task.Name)
				if !wait {
					return nil
				}
				b.Lifecycle.StartPolling(task.ID, 0)
				if err := b.Lifecycle.Wait(cmd.Context(), task.ID); err != nil {
					return err
				}
				done, _ := b.Store.State().Task(task.ID)
				fmt.Fprintf(out, "%s is %s\n", done.ID, done.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "Project name")
	cmd.Flags().StringVarP(&file, "file", "f", "-", "Novel text file, - for stdin")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Poll until the task is done")
	return cmd
}

func readNovel(cmd *cobra.Command, file string) (string, error) {
	var r io.Reader
	if file == "" || file == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(file)
		if err != nil {
			return "", err
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read novel: %w", err)
	}
	return string(data), nil
}

func newTasksShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Refresh one task's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(b *app.BuildResult) error {
				id := strings.TrimSpace(args[0])
				if _, err := b.Lifecycle.ListTasks(cmd.Context()); err != nil {
					return err
				}
				t, err := b.Lifecycle.GetTask(cmd.Context(), id)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, renderTasks(out, []tasks.Task{t}, ""))
				return nil
			})
		},
	}
}

func newTasksDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(b *app.BuildResult) error {
				id := strings.TrimSpace(args[0])
				if _, err := b.Lifecycle.ListTasks(cmd.Context()); err != nil {
					return err
				}
				if err := b.Lifecycle.DeleteTask(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
				return nil
			})
		},
	}
}
