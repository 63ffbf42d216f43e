package scopes

import (
	"strings"

	"github.com/dwdcheck/dwdcheck/internal/faults"
	admin_directory_v1 "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/gmail/v1"
)

// implied maps a scope to the narrower scopes it covers. Entries are kept
// transitively complete so a single lookup suffices.
var implied = map[string][]string{
	drive.DriveScope: {
		drive.DriveReadonlyScope,
		drive.DriveFileScope,
		drive.DriveMetadataScope,
		drive.DriveMetadataReadonlyScope,
	},
	drive.DriveReadonlyScope: {
		drive.DriveMetadataReadonlyScope,
	},
	drive.DriveMetadataScope: {
		drive.DriveMetadataReadonlyScope,
	},
	gmail.MailGoogleComScope: {
		gmail.GmailModifyScope,
		gmail.GmailReadonlyScope,
		gmail.GmailComposeScope,
		gmail.GmailSendScope,
		gmail.GmailInsertScope,
		gmail.GmailLabelsScope,
		gmail.GmailMetadataScope,
	},
	gmail.GmailModifyScope: {
		gmail.GmailReadonlyScope,
		gmail.GmailLabelsScope,
		gmail.GmailMetadataScope,
	},
	gmail.GmailReadonlyScope: {
		gmail.GmailMetadataScope,
	},
	calendar.CalendarScope: {
		calendar.CalendarReadonlyScope,
		calendar.CalendarEventsScope,
		calendar.CalendarEventsReadonlyScope,
	},
	calendar.CalendarReadonlyScope: {
		calendar.CalendarEventsReadonlyScope,
	},
	calendar.CalendarEventsScope: {
		calendar.CalendarEventsReadonlyScope,
	},
	admin_directory_v1.AdminDirectoryUserScope: {
		admin_directory_v1.AdminDirectoryUserReadonlyScope,
	},
	admin_directory_v1.AdminDirectoryGroupScope: {
		admin_directory_v1.AdminDirectoryGroupReadonlyScope,
	},
}

// Covers reports whether a granted scope set satisfies a single required
// scope. Containment, not equality: a broader granted scope satisfies a
// narrower requirement.
func Covers(granted []string, required string) bool {
	for _, scope := range granted {
		if scope == required {
			return true
		}

		for _, narrower := range implied[scope] {
			if narrower == required {
				return true
			}
		}
	}

	return false
}

// Missing returns the required scopes not covered by the granted set.
func Missing(granted, required []string) []string {
	missing := make([]string, 0)
	for _, scope := range required {
		if !Covers(granted, scope) {
			missing = append(missing, scope)
		}
	}

	return missing
}

// Validate gates an operation on a token's granted scopes. The returned
// error names every missing scope so a report can explain exactly why the
// operation is blocked.
func Validate(op Operation, granted []string) error {
	required, err := Required(op)
	if err != nil {
		return err
	}

	if missing := Missing(granted, required); len(missing) > 0 {
		return &faults.Error{
			Kind:  faults.InsufficientScope,
			Op:    string(op),
			Scope: strings.Join(missing, " "),
		}
	}

	return nil
}
