package scopes

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	admin_directory_v1 "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/gmail/v1"
)

// ProbeScope is one scope the enumeration will test against the domain
// allowlist, with a short description for the report.
type ProbeScope struct {
	Scope       string
	Description string
}

// DefaultProbes returns the built-in wordlist of high-value Workspace scopes.
func DefaultProbes() []ProbeScope {
	return []ProbeScope{
		{gmail.MailGoogleComScope, "full Gmail access"},
		{gmail.GmailReadonlyScope, "read Gmail messages"},
		{drive.DriveScope, "full Drive access"},
		{drive.DriveReadonlyScope, "read Drive files"},
		{calendar.CalendarScope, "manage calendars"},
		{calendar.CalendarReadonlyScope, "read calendars"},
		{admin_directory_v1.AdminDirectoryUserScope, "manage directory users"},
		{admin_directory_v1.AdminDirectoryUserReadonlyScope, "read directory users"},
		{admin_directory_v1.AdminDirectoryUserSecurityScope, "manage user security settings"},
		{admin_directory_v1.AdminDirectoryGroupScope, "manage directory groups"},
		{"https://www.googleapis.com/auth/admin.directory.domain.readonly", "read domain settings"},
		{"https://www.googleapis.com/auth/contacts", "manage contacts"},
		{"https://www.googleapis.com/auth/spreadsheets", "manage spreadsheets"},
		{"https://www.googleapis.com/auth/documents", "manage documents"},
		{"https://www.googleapis.com/auth/cloud-platform", "full GCP API access"},
	}
}

// LoadProbes reads a wordlist file with one "scope | description" entry per
// line. Blank lines and # comments are skipped.
func LoadProbes(path string) ([]ProbeScope, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scope wordlist: %w", err)
	}
	defer f.Close()

	probes := make([]ProbeScope, 0)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		scope, description, _ := strings.Cut(line, "|")
		probes = append(probes, ProbeScope{
			Scope:       strings.TrimSpace(scope),
			Description: strings.TrimSpace(description),
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read scope wordlist: %w", err)
	}

	if len(probes) == 0 {
		return nil, fmt.Errorf("no scopes in wordlist %q", path)
	}

	return probes, nil
}
