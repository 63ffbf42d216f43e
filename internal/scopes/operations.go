package scopes

import (
	"fmt"

	admin_directory_v1 "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/gmail/v1"
)

// Operation names a dispatcher action. Each operation declares the minimal
// scopes it needs; dispatchers validate a token against this table before
// calling out.
type Operation string

const (
	DriveList      Operation = "drive.list"
	DriveDownload  Operation = "drive.download"
	DriveShare     Operation = "drive.share"
	CalendarList   Operation = "calendar.list"
	CalendarRead   Operation = "calendar.read"
	CalendarCreate Operation = "calendar.create"
	CalendarDelete Operation = "calendar.delete"
	AdminElevate   Operation = "admin.elevate"
	AdminCreate    Operation = "admin.create"
	GmailList      Operation = "gmail.list"
	GmailSearch    Operation = "gmail.search"
)

var requirements = map[Operation][]string{
	DriveList:      {drive.DriveReadonlyScope},
	DriveDownload:  {drive.DriveReadonlyScope},
	DriveShare:     {drive.DriveScope},
	CalendarList:   {calendar.CalendarReadonlyScope},
	CalendarRead:   {calendar.CalendarReadonlyScope},
	CalendarCreate: {calendar.CalendarEventsScope},
	CalendarDelete: {calendar.CalendarEventsScope},
	AdminElevate:   {admin_directory_v1.AdminDirectoryUserScope, admin_directory_v1.AdminDirectoryUserSecurityScope},
	AdminCreate:    {admin_directory_v1.AdminDirectoryUserScope},
	GmailList:      {gmail.GmailReadonlyScope},
	GmailSearch:    {gmail.GmailReadonlyScope},
}

// Required returns the minimal scope set for an operation.
func Required(op Operation) ([]string, error) {
	required, ok := requirements[op]
	if !ok {
		return nil, fmt.Errorf("unknown operation: %q", op)
	}

	return required, nil
}
