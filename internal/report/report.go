package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
)

// ScopeResult is one probed scope for one subject. Reason is set on denials
// so the report can explain exactly why an operation is blocked even though
// delegation exists.
type ScopeResult struct {
	Scope       string `json:"scope"`
	Description string `json:"description,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// AccountRecord is the per-account outcome of an enumeration run.
type AccountRecord struct {
	Account           string        `json:"account"`
	ProjectID         string        `json:"project_id,omitempty"`
	Roles             []string      `json:"roles,omitempty"`
	KeyCreateGranted  bool          `json:"key_create_granted"`
	DelegationEnabled bool          `json:"delegation_enabled"`
	DWDEligible       bool          `json:"dwd_eligible"`
	GrantedScopes     []ScopeResult `json:"granted_scopes,omitempty"`
	DeniedScopes      []ScopeResult `json:"denied_scopes,omitempty"`
	Error             string        `json:"error,omitempty"`
}

// SkippedProject records a project the scan could not cover and why.
type SkippedProject struct {
	ProjectID string `json:"project_id"`
	Reason    string `json:"reason"`
}

// Run is the full report of one enumeration run.
type Run struct {
	ID              string           `json:"id"`
	Operator        string           `json:"operator,omitempty"`
	ProjectScope    string           `json:"project_scope,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      time.Time        `json:"finished_at"`
	Accounts        []*AccountRecord `json:"accounts"`
	SkippedProjects []SkippedProject `json:"skipped_projects,omitempty"`
}

// NewRun starts a report. An empty project scope means all visible projects.
func NewRun(projectScope string) *Run {
	return &Run{
		ID:           uuid.NewString(),
		ProjectScope: projectScope,
		StartedAt:    time.Now().UTC(),
		Accounts:     make([]*AccountRecord, 0),
	}
}

func (r *Run) Finish() {
	r.FinishedAt = time.Now().UTC()
}

// Write serializes the run to results_<unix-ts>.json under dir and returns
// the path.
func (r *Run) Write(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create results directory: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serialize results: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("results_%d.json", r.StartedAt.Unix()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write results file: %w", err)
	}

	return path, nil
}

// Render prints the human-readable summary. Verbose adds per-probe denials
// and the accounts that never qualified.
func (r *Run) Render(w io.Writer, verbose bool) {
	header := color.New(color.FgCyan)
	divider := color.New(color.FgBlue)
	value := color.New(color.FgWhite)
	granted := color.New(color.FgYellow)
	failure := color.New(color.FgRed)

	header.Fprintf(w, "\nDomain-Wide Delegation Results\n")
	divider.Fprintln(w, "--------------------------------------------------")

	eligible := 0
	for _, account := range r.Accounts {
		if !account.DWDEligible && !verbose {
			continue
		}

		if account.DWDEligible {
			eligible++
		}

		value.Fprintf(w, "Account: %s\n", account.Account)
		value.Fprintf(w, "Project: %s\n", account.ProjectID)
		value.Fprintf(w, "Key creation granted: %v\n", account.KeyCreateGranted)
		value.Fprintf(w, "Delegation signal: %v\n", account.DelegationEnabled)
		value.Fprintf(w, "DWD eligible: %v\n", account.DWDEligible)

		if account.Error != "" {
			failure.Fprintf(w, "Error: %s\n", account.Error)
		}

		for _, scope := range account.GrantedScopes {
			granted.Fprintf(w, "-> %s\n", scope.Scope)
			if scope.Description != "" {
				value.Fprintf(w, "   %s\n", scope.Description)
			}
			if scope.Subject != "" {
				value.Fprintf(w, "   as %s\n", scope.Subject)
			}
		}

		if verbose {
			for _, scope := range account.DeniedScopes {
				failure.Fprintf(w, "x  %s (%s)\n", scope.Scope, scope.Reason)
			}
		}

		divider.Fprintln(w, "--------------------------------------------------")
	}

	for _, skipped := range r.SkippedProjects {
		failure.Fprintf(w, "Skipped project %s: %s\n", skipped.ProjectID, skipped.Reason)
	}

	if eligible == 0 {
		failure.Fprintf(w, "\nNo service accounts with effective domain-wide delegation found\n")
		return
	}

	header.Fprintf(w, "\n%d account(s) eligible for domain-wide delegation\n", eligible)
}
