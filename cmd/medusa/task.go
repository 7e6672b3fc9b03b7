package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/benodiwal/medusa/internal/task/models"
	"github.com/benodiwal/medusa/internal/task/service"
)

// taskCommandTimeout bounds local commands that may run a one-shot agent.
const taskCommandTimeout = 5 * time.Minute

func newTaskCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks in the local store",
		Long: `Manage tasks directly against the local store, without a running server.

Agents started by "medusa serve" are not visible to these commands; use them
for creating, inspecting, merging and rejecting tasks.`,
	}
	cmd.AddCommand(
		newTaskCreateCmd(opts),
		newTaskListCmd(opts),
		newTaskShowCmd(opts),
		newTaskMergeCmd(opts),
		newTaskRejectCmd(opts),
		newTaskDeleteCmd(opts),
		newTaskClearCmd(opts),
	)
	return cmd
}

// withApp opens the app for the duration of fn with quiet logging.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(*app) error) error {
	opts.quietLogging()
	a, err := opts.openApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.shutdown(10 * time.Second) }()

	ctx, cancel := context.WithTimeout(cmd.Context(), taskCommandTimeout)
	defer cancel()
	cmd.SetContext(ctx)
	return fn(a)
}

func newTaskCreateCmd(opts *rootOptions) *cobra.Command {
	var project, description string
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a backlog task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if project == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				project = wd
			}
			return withApp(cmd, opts, func(a *app) error {
				task, err := a.service.CreateTask(cmd.Context(), &service.CreateTaskRequest{
					Title:       strings.Join(args, " "),
					Description: description,
					ProjectPath: project,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created task %s\n", task.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "repository path (default: current directory)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "task description")
	return cmd
}

func newTaskListCmd(opts *rootOptions) *cobra.Command {
	var project string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				tasks, err := a.service.ListTasks(cmd.Context(), project)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), tasks)
				}
				printTasks(cmd.OutOrStdout(), tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "only tasks of this repository")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newTaskShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a task record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				task, err := a.service.GetTask(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), task)
			})
		},
	}
}

func newTaskMergeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "merge <id>",
		Short: "Merge a reviewed task into the branch it started from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				task, err := a.service.Merge(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Merged %s into %s\n",
					models.Deref(task.Branch), models.Deref(task.BaseBranch))
				return nil
			})
		},
	}
}

func newTaskRejectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reject <id>",
		Short: "Discard a task's work and return it to the backlog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				if _, err := a.service.Reject(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Task %s returned to backlog\n", args[0])
				return nil
			})
		},
	}
}

func newTaskDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task with its workspace, branch and session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				if err := a.service.DeleteTask(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted task %s\n", args[0])
				return nil
			})
		},
	}
}

func newTaskClearCmd(opts *rootOptions) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "clear-completed",
		Short: "Delete every done task of a repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if project == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				project = wd
			}
			return withApp(cmd, opts, func(a *app) error {
				n, err := a.service.ClearCompleted(cmd.Context(), project)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d task(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "repository path (default: current directory)")
	return cmd
}

func printTasks(w io.Writer, tasks []*models.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tBRANCH\tTITLE")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", shortTaskID(t.ID), t.Status, models.Deref(t.Branch), t.Title)
	}
	_ = tw.Flush()
}

func shortTaskID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
