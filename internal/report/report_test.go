package report_test

import (
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/dwdcheck/dwdcheck/internal/report"
	"github.com/fatih/color"
)

func sampleRun() *report.Run {
	run := report.NewRun("proj")
	run.Operator = "operator@domain.com"
	run.Accounts = append(run.Accounts, &report.AccountRecord{
		Account:           "svc1@proj.iam.gserviceaccount.com",
		ProjectID:         "proj",
		Roles:             []string{"roles/iam.serviceAccountKeyAdmin"},
		KeyCreateGranted:  true,
		DelegationEnabled: true,
		DWDEligible:       true,
		GrantedScopes: []report.ScopeResult{
			{Scope: "https://www.googleapis.com/auth/drive.readonly", Description: "read Drive files", Subject: "alice@domain.com"},
		},
		DeniedScopes: []report.ScopeResult{
			{Scope: "https://www.googleapis.com/auth/admin.directory.user", Subject: "alice@domain.com", Reason: "InvalidGrant"},
		},
	}, &report.AccountRecord{
		Account:   "svc2@proj.iam.gserviceaccount.com",
		ProjectID: "proj",
	})
	run.SkippedProjects = append(run.SkippedProjects, report.SkippedProject{
		ProjectID: "locked",
		Reason:    "permission denied",
	})
	run.Finish()
	return run
}

func TestWrite(t *testing.T) {
	dir := t.TempDir()

	path, err := sampleRun().Write(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(path, dir) || !strings.Contains(path, "results_") {
		t.Errorf("unexpected results path %q", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read results file: %v", err)
	}

	parsed := report.Run{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("results file is not valid JSON: %v", err)
	}

	if parsed.ID == "" {
		t.Errorf("expected a run id")
	}

	if expected := 2; len(parsed.Accounts) != expected {
		t.Fatalf("expected %d accounts, got %d", expected, len(parsed.Accounts))
	}

	if expected := "svc1@proj.iam.gserviceaccount.com"; parsed.Accounts[0].Account != expected {
		t.Errorf("expected account %q, got %q", expected, parsed.Accounts[0].Account)
	}

	if !parsed.Accounts[0].DWDEligible {
		t.Errorf("expected eligibility to survive the round trip")
	}

	if expected := "InvalidGrant"; parsed.Accounts[0].DeniedScopes[0].Reason != expected {
		t.Errorf("expected denial reason %q, got %q", expected, parsed.Accounts[0].DeniedScopes[0].Reason)
	}
}

func TestRender(t *testing.T) {
	color.NoColor = true

	t.Run("summary names eligible accounts and skips", func(t *testing.T) {
		var out strings.Builder
		sampleRun().Render(&out, false)

		if !strings.Contains(out.String(), "svc1@proj.iam.gserviceaccount.com") {
			t.Errorf("expected the eligible account in the summary, got:\n%s", out.String())
		}

		if strings.Contains(out.String(), "svc2@proj.iam.gserviceaccount.com") {
			t.Errorf("expected ineligible accounts to be hidden without verbose, got:\n%s", out.String())
		}

		if !strings.Contains(out.String(), "Skipped project locked") {
			t.Errorf("expected the skipped project to be reported, got:\n%s", out.String())
		}

		if !strings.Contains(out.String(), "1 account(s) eligible") {
			t.Errorf("expected the eligible count, got:\n%s", out.String())
		}
	})

	t.Run("verbose adds denials and ineligible accounts", func(t *testing.T) {
		var out strings.Builder
		sampleRun().Render(&out, true)

		if !strings.Contains(out.String(), "svc2@proj.iam.gserviceaccount.com") {
			t.Errorf("expected ineligible accounts in verbose output, got:\n%s", out.String())
		}

		if !strings.Contains(out.String(), "admin.directory.user") {
			t.Errorf("expected denied scopes in verbose output, got:\n%s", out.String())
		}
	})

	t.Run("empty run reports no findings", func(t *testing.T) {
		var out strings.Builder
		run := report.NewRun("")
		run.Finish()
		run.Render(&out, false)

		if !strings.Contains(out.String(), "No service accounts") {
			t.Errorf("expected the empty-run message, got:\n%s", out.String())
		}
	})
}
