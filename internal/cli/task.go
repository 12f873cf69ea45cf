package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hongbietcode/ccengine/internal/config"
	"github.com/hongbietcode/ccengine/internal/daemon"
	"github.com/hongbietcode/ccengine/pkg/client"
	"github.com/hongbietcode/ccengine/pkg/models"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks on a running daemon",
	}
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskCreateCmd())
	cmd.AddCommand(newTaskShowCmd())
	cmd.AddCommand(newTaskStartCmd())
	cmd.AddCommand(newTaskSendCmd())
	cmd.AddCommand(newTaskPauseCmd())
	cmd.AddCommand(newTaskCancelCmd())
	cmd.AddCommand(newTaskDeleteCmd())
	cmd.AddCommand(newTaskWatchCmd())
	return cmd
}

// apiClient returns a client for the daemon recorded in the home dir.
func apiClient(cmd *cobra.Command) (*client.Client, error) {
	home := config.MustHomeFrom(cmd.Context())
	st, err := daemon.Status(cmd.Context(), home)
	if err != nil {
		return nil, err
	}
	if !st.Running {
		return nil, fmt.Errorf("ccengine is not running; start it with `ccengine start`")
	}
	return client.New("http://"+st.Addr, os.Getenv("CCENGINE_API_KEY")), nil
}

func newTaskListCmd() *cobra.Command {
	var projectPath, status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			tasks, err := c.ListTasks(cmd.Context(), projectPath, status)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tSTATUS\tTITLE\tPROJECT\tUPDATED")
			for _, t := range tasks {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					t.ID, t.Status, t.Title, t.ProjectPath,
					time.Unix(t.UpdatedAt, 0).Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&projectPath, "project", "", "Filter by project path")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	return cmd
}

func newTaskCreateCmd() *cobra.Command {
	var (
		projectPath string
		title       string
		description string
		tags        []string
		priority    string
		model       string
		autoStart   bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectPath == "" {
				return fmt.Errorf("--project is required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			task, err := c.CreateTask(cmd.Context(), client.CreateTaskRequest{
				ProjectPath: projectPath,
				Title:       title,
				Description: description,
				Tags:        tags,
				Priority:    priority,
				Config: models.TaskConfig{
					Model:     model,
					AutoStart: autoStart,
				},
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created task %s (%s)\n", task.ID, task.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectPath, "project", "", "Project path (absolute)")
	cmd.Flags().StringVar(&title, "title", "", "Task title")
	cmd.Flags().StringVar(&description, "description", "", "Task description")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Task tags")
	cmd.Flags().StringVar(&priority, "priority", "", "Priority: low, normal, high")
	cmd.Flags().StringVar(&model, "model", "", "Model alias or id (e.g. sonnet)")
	cmd.Flags().BoolVar(&autoStart, "start", false, "Start the task immediately")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newTaskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			task, msgs, err := c.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Task %s\n", task.ID)
			_, _ = fmt.Fprintf(out, "  title:    %s\n", task.Title)
			_, _ = fmt.Fprintf(out, "  project:  %s\n", task.ProjectPath)
			_, _ = fmt.Fprintf(out, "  status:   %s\n", task.Status)
			if task.ErrorMessage != "" {
				_, _ = fmt.Fprintf(out, "  error:    %s\n", task.ErrorMessage)
			}
			if task.SessionID != "" {
				_, _ = fmt.Fprintf(out, "  session:  %s\n", task.SessionID)
			}
			for _, msg := range msgs {
				if msg.ToolUse != nil {
					_, _ = fmt.Fprintf(out, "[%s] %s(%s)\n", msg.Role, msg.ToolUse.ToolName, msg.ToolUse.Input)
					continue
				}
				_, _ = fmt.Fprintf(out, "[%s] %s\n", msg.Role, msg.Content)
			}
			return nil
		},
	}
	return cmd
}

func newTaskStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <task-id>",
		Short: "Start a pending or paused task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if err := c.StartTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Started")
			return nil
		},
	}
	return cmd
}

func newTaskSendCmd() *cobra.Command {
	var (
		model string
		fresh bool
	)
	cmd := &cobra.Command{
		Use:   "send <task-id> <message>",
		Short: "Send a message to a task (starts or continues it)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			var cfg *models.TaskConfig
			if model != "" || fresh {
				cfg = &models.TaskConfig{Model: model, FreshSession: fresh}
			}
			if err := c.SendMessage(cmd.Context(), args[0], args[1], cfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Sent")
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "Model for this and later runs (alias or full id)")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "Start a fresh CLI session instead of resuming")
	return cmd
}

func newTaskPauseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause <task-id>",
		Short: "Pause a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if err := c.PauseTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Paused")
			return nil
		},
	}
	return cmd
}

func newTaskCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if err := c.CancelTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Cancelled")
			return nil
		},
	}
	return cmd
}

func newTaskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if err := c.DeleteTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Deleted")
			return nil
		},
	}
	return cmd
}

func newTaskWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Stream a task's live events to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return c.StreamTask(cmd.Context(), args[0], func(ev models.StreamEvent) {
				switch ev.Type {
				case models.EventContentDelta:
					_, _ = fmt.Fprint(out, ev.Delta)
				case models.EventMessageComplete:
					_, _ = fmt.Fprintln(out)
				case models.EventToolUse:
					_, _ = fmt.Fprintf(out, "\n[tool] %s %s\n", ev.ToolName, ev.Input)
				case models.EventError:
					_, _ = fmt.Fprintf(out, "\n[error] %s\n", ev.Error)
				case models.EventSessionEnded:
					if ev.Error != "" {
						_, _ = fmt.Fprintf(out, "\n[ended with error] %s\n", ev.Error)
					} else {
						_, _ = fmt.Fprintln(out, "\n[ended]")
					}
				}
			})
		},
	}
	return cmd
}
