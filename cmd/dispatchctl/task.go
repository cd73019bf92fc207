package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// Task mirrors the API task representation.
type Task struct {
	ID       string `json:"id"`
	TicketID string `json:"ticket_id,omitempty"`
	PhaseID  string `json:"phase_id"`
	Type     string `json:"type"`
	Title    string `json:"title,omitempty"`
	Priority int    `json:"priority"`
	Status   string `json:"status"`
	Worker   *struct {
		Kind string `json:"kind"`
		ID   string `json:"id"`
	} `json:"worker,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	RetryCount   int             `json:"retry_count"`
	CreatedAt    string          `json:"created_at"`
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var (
	taskTicket       string
	taskPhase        string
	taskType         string
	taskTitle        string
	taskPriority     int
	taskDependencies []string
	taskCapabilities []string
	claimWorker      string
	claimCaps        []string
	completeWorker   string
	completeResult   string
	failError        string
)

func init() {
	taskCreateCmd.Flags().StringVar(&taskTicket, "ticket", "", "owning ticket id")
	taskCreateCmd.Flags().StringVar(&taskPhase, "phase", "", "phase id (required)")
	taskCreateCmd.Flags().StringVar(&taskType, "type", "", "task type (required)")
	taskCreateCmd.Flags().StringVar(&taskTitle, "title", "", "task title")
	taskCreateCmd.Flags().IntVar(&taskPriority, "priority", 0, "scheduling priority, higher first")
	taskCreateCmd.Flags().StringSliceVar(&taskDependencies, "depends-on", nil, "task ids this task waits for")
	taskCreateCmd.Flags().StringSliceVar(&taskCapabilities, "capability", nil, "capabilities a claimer must have")
	_ = taskCreateCmd.MarkFlagRequired("phase")
	_ = taskCreateCmd.MarkFlagRequired("type")

	taskClaimCmd.Flags().StringVar(&claimWorker, "worker", "", "worker ref, e.g. agent:planner-1 or sandbox:sbx-42 (required)")
	taskClaimCmd.Flags().StringSliceVar(&claimCaps, "capability", nil, "capabilities offered by the worker")
	_ = taskClaimCmd.MarkFlagRequired("worker")

	taskCompleteCmd.Flags().StringVar(&completeResult, "result", "", "result JSON")
	taskFailCmd.Flags().StringVar(&failError, "error", "", "failure message")

	taskHeartbeatCmd.Flags().StringVar(&completeWorker, "worker", "", "worker ref holding the task (required)")
	_ = taskHeartbeatCmd.MarkFlagRequired("worker")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskClaimCmd)
	taskCmd.AddCommand(taskStartCmd)
	taskCmd.AddCommand(taskCompleteCmd)
	taskCmd.AddCommand(taskFailCmd)
	taskCmd.AddCommand(taskRetryCmd)
	taskCmd.AddCommand(taskHeartbeatCmd)
	taskCmd.AddCommand(workerTaskCmd)
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Enqueue a task",
	RunE: func(cmd *cobra.Command, args []string) error {
		var task Task
		err := doJSON(http.MethodPost, "/api/v1/tasks", map[string]any{
			"ticket_id":    taskTicket,
			"phase_id":     taskPhase,
			"type":         taskType,
			"title":        taskTitle,
			"priority":     taskPriority,
			"dependencies": taskDependencies,
			"capabilities": taskCapabilities,
		}, &task)
		if err != nil {
			return err
		}
		fmt.Printf("Created task %s (%s) in phase %s\n", task.ID, task.Type, task.PhaseID)
		return nil
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var task Task
		if err := doJSON(http.MethodGet, "/api/v1/tasks/"+args[0], nil, &task); err != nil {
			return err
		}
		printTask(task)
		return nil
	},
}

var taskClaimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim the next eligible task",
	RunE: func(cmd *cobra.Command, args []string) error {
		var task Task
		err := doJSON(http.MethodPost, "/api/v1/tasks/claim", map[string]any{
			"worker":       claimWorker,
			"capabilities": claimCaps,
		}, &task)
		if err != nil {
			return err
		}
		if task.ID == "" {
			fmt.Println("No claimable task")
			return nil
		}
		printTask(task)
		return nil
	},
}

var taskStartCmd = &cobra.Command{
	Use:   "start <task-id>",
	Short: "Mark an assigned task as running",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return patchStatus(args[0], "running", nil)
	},
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete <task-id>",
	Short: "Mark a running task as completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{}
		if completeResult != "" {
			if !json.Valid([]byte(completeResult)) {
				return fmt.Errorf("--result must be valid JSON")
			}
			body["result"] = json.RawMessage(completeResult)
		}
		return patchStatus(args[0], "completed", body)
	},
}

var taskFailCmd = &cobra.Command{
	Use:   "fail <task-id>",
	Short: "Mark a task as failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return patchStatus(args[0], "failed", map[string]any{"error": failError})
	},
}

var taskRetryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Requeue a failed task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var task Task
		if err := doJSON(http.MethodPost, "/api/v1/tasks/"+args[0]+"/retry", nil, &task); err != nil {
			return err
		}
		fmt.Printf("Task %s requeued (retry %d)\n", task.ID, task.RetryCount)
		return nil
	},
}

var taskHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat <task-id>",
	Short: "Record worker liveness on a running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := doJSON(http.MethodPost, "/api/v1/tasks/"+args[0]+"/heartbeat", map[string]string{
			"worker": completeWorker,
		}, nil)
		if err != nil {
			return err
		}
		fmt.Println("Heartbeat recorded")
		return nil
	},
}

var workerTaskCmd = &cobra.Command{
	Use:   "current <worker-ref>",
	Short: "Show the task currently held by a worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var task Task
		if err := doJSON(http.MethodGet, "/api/v1/workers/"+args[0]+"/task", nil, &task); err != nil {
			return err
		}
		if task.ID == "" {
			fmt.Println("No active task")
			return nil
		}
		printTask(task)
		return nil
	},
}

func patchStatus(id, status string, extra map[string]any) error {
	body := map[string]any{"status": status}
	for k, v := range extra {
		body[k] = v
	}
	var task Task
	if err := doJSON(http.MethodPatch, "/api/v1/tasks/"+id+"/status", body, &task); err != nil {
		return err
	}
	fmt.Printf("Task %s is now %s\n", task.ID, task.Status)
	return nil
}

func printTask(t Task) {
	fmt.Printf("ID:       %s\n", t.ID)
	fmt.Printf("Type:     %s\n", t.Type)
	fmt.Printf("Phase:    %s\n", t.PhaseID)
	fmt.Printf("Status:   %s\n", t.Status)
	if t.TicketID != "" {
		fmt.Printf("Ticket:   %s\n", t.TicketID)
	}
	if t.Worker != nil {
		fmt.Printf("Worker:   %s:%s\n", t.Worker.Kind, t.Worker.ID)
	}
	if len(t.Dependencies) > 0 {
		fmt.Printf("Deps:     %v\n", t.Dependencies)
	}
	if t.RetryCount > 0 {
		fmt.Printf("Retries:  %d\n", t.RetryCount)
	}
	if t.Error != "" {
		fmt.Printf("Error:    %s\n", t.Error)
	}
	if len(t.Result) > 0 {
		fmt.Printf("Result:   %s\n", string(t.Result))
	}
}
