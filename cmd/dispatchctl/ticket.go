package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// Ticket mirrors the API ticket representation.
type Ticket struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	PhaseID        string         `json:"phase_id"`
	Status         string         `json:"status"`
	Context        map[string]any `json:"context,omitempty"`
	PhaseEnteredAt string         `json:"phase_entered_at"`
	CreatedAt      string         `json:"created_at"`
}

// GateEvaluation mirrors the API gate verdict.
type GateEvaluation struct {
	PhaseID  string `json:"phase_id"`
	Passed   bool   `json:"passed"`
	Criteria []struct {
		Name     string `json:"name"`
		Required bool   `json:"required"`
		Met      bool   `json:"met"`
	} `json:"criteria"`
	Outputs []struct {
		Pattern  string `json:"pattern"`
		Required bool   `json:"required"`
		Matched  bool   `json:"matched"`
	} `json:"outputs"`
	Missing []string `json:"missing"`
}

var ticketCmd = &cobra.Command{
	Use:   "ticket",
	Short: "Manage tickets",
}

var (
	ticketTitle       string
	ticketDescription string
	ticketStatus      string
	advanceTarget     string
	advanceReason     string
	advanceForce      bool
)

func init() {
	ticketCreateCmd.Flags().StringVar(&ticketTitle, "title", "", "ticket title (required)")
	ticketCreateCmd.Flags().StringVar(&ticketDescription, "description", "", "ticket description")
	_ = ticketCreateCmd.MarkFlagRequired("title")

	ticketListCmd.Flags().StringVar(&ticketStatus, "status", "", "filter by status (active, blocked, done)")

	ticketAdvanceCmd.Flags().BoolVar(&advanceForce, "force", false, "bypass the gate")
	ticketAdvanceCmd.Flags().StringVar(&advanceTarget, "target", "", "target phase (required with --force)")
	ticketAdvanceCmd.Flags().StringVar(&advanceReason, "reason", "", "reason for the bypass (required with --force)")

	ticketCmd.AddCommand(ticketCreateCmd)
	ticketCmd.AddCommand(ticketListCmd)
	ticketCmd.AddCommand(ticketShowCmd)
	ticketCmd.AddCommand(ticketTasksCmd)
	ticketCmd.AddCommand(ticketGateCmd)
	ticketCmd.AddCommand(ticketAdvanceCmd)
	ticketCmd.AddCommand(ticketSpawnCmd)
}

var ticketSpawnCmd = &cobra.Command{
	Use:   "spawn <ticket-id>",
	Short: "Re-run phase-entry task spawning (idempotent recovery)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var byPhase map[string][]Task
		if err := doJSON(http.MethodPost, "/api/v1/tickets/"+args[0]+"/spawn", nil, &byPhase); err != nil {
			return err
		}
		total := 0
		for _, tasks := range byPhase {
			total += len(tasks)
		}
		fmt.Printf("Ticket has %d task(s) across %d phase(s)\n", total, len(byPhase))
		return nil
	},
}

var ticketCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a ticket in the initial phase",
	RunE: func(cmd *cobra.Command, args []string) error {
		var tk Ticket
		err := doJSON(http.MethodPost, "/api/v1/tickets", map[string]string{
			"title":       ticketTitle,
			"description": ticketDescription,
		}, &tk)
		if err != nil {
			return err
		}
		fmt.Printf("Created ticket %s in phase %s\n", tk.ID, tk.PhaseID)
		return nil
	},
}

var ticketListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tickets",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/tickets"
		if ticketStatus != "" {
			path += "?status=" + url.QueryEscape(ticketStatus)
		}
		var tickets []Ticket
		if err := doJSON(http.MethodGet, path, nil, &tickets); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPHASE\tSTATUS\tCREATED\tTITLE")
		for _, tk := range tickets {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", tk.ID, tk.PhaseID, tk.Status, timestr(tk.CreatedAt), tk.Title)
		}
		return w.Flush()
	},
}

var ticketShowCmd = &cobra.Command{
	Use:   "show <ticket-id>",
	Short: "Show one ticket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var tk Ticket
		if err := doJSON(http.MethodGet, "/api/v1/tickets/"+args[0], nil, &tk); err != nil {
			return err
		}
		fmt.Printf("ID:           %s\n", tk.ID)
		fmt.Printf("Title:        %s\n", tk.Title)
		if tk.Description != "" {
			fmt.Printf("Description:  %s\n", tk.Description)
		}
		fmt.Printf("Phase:        %s (entered %s)\n", tk.PhaseID, timestr(tk.PhaseEnteredAt))
		fmt.Printf("Status:       %s\n", tk.Status)
		for k, v := range tk.Context {
			fmt.Printf("Context:      %s = %v\n", k, v)
		}
		return nil
	},
}

var ticketTasksCmd = &cobra.Command{
	Use:   "tasks <ticket-id>",
	Short: "List the ticket's tasks grouped by phase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var byPhase map[string][]Task
		if err := doJSON(http.MethodGet, "/api/v1/tickets/"+args[0]+"/tasks", nil, &byPhase); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PHASE\tID\tTYPE\tSTATUS\tRETRIES\tWORKER")
		for phaseID, tasks := range byPhase {
			for _, t := range tasks {
				worker := "-"
				if t.Worker != nil {
					worker = t.Worker.Kind + ":" + t.Worker.ID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", phaseID, t.ID, t.Type, t.Status, t.RetryCount, worker)
			}
		}
		return w.Flush()
	},
}

var ticketGateCmd = &cobra.Command{
	Use:   "gate <ticket-id>",
	Short: "Evaluate the ticket's current phase gate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var eval GateEvaluation
		if err := doJSON(http.MethodGet, "/api/v1/tickets/"+args[0]+"/gate", nil, &eval); err != nil {
			return err
		}
		verdict := "FAILED"
		if eval.Passed {
			verdict = "PASSED"
		}
		fmt.Printf("Gate for phase %s: %s\n", eval.PhaseID, verdict)
		for _, c := range eval.Criteria {
			mark := "miss"
			if c.Met {
				mark = "met"
			}
			fmt.Printf("  criterion %-30s required=%-5v %s\n", c.Name, c.Required, mark)
		}
		for _, o := range eval.Outputs {
			mark := "miss"
			if o.Matched {
				mark = "matched"
			}
			fmt.Printf("  output    %-30s required=%-5v %s\n", o.Pattern, o.Required, mark)
		}
		return nil
	},
}

var ticketAdvanceCmd = &cobra.Command{
	Use:   "advance <ticket-id>",
	Short: "Advance the ticket to its next phase",
	Long: `Advance the ticket to its next phase.

Without --force the gate is evaluated and the advance is rejected when
criteria are missing. With --force the gate is bypassed; --target and
--reason are required and the bypass is recorded on the ticket.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if advanceForce && (advanceTarget == "" || advanceReason == "") {
			return fmt.Errorf("--force requires --target and --reason")
		}
		body := map[string]any{
			"force":  advanceForce,
			"target": advanceTarget,
			"reason": advanceReason,
		}
		if err := doJSON(http.MethodPost, "/api/v1/tickets/"+args[0]+"/advance", body, &map[string]any{}); err != nil {
			return err
		}
		fmt.Println("Advanced")
		return nil
	},
}
