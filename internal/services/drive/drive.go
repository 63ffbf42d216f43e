package drive

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dwdcheck/dwdcheck/internal/delegation"
	"github.com/dwdcheck/dwdcheck/internal/faults"
	"github.com/dwdcheck/dwdcheck/internal/scopes"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const folderMimeType = "application/vnd.google-apps.folder"

// exportFormats maps Google-native MIME types to the format they are
// exported as, with the filename extension to append.
var exportFormats = map[string]struct {
	mimeType  string
	extension string
}{
	"application/vnd.google-apps.document":     {"application/pdf", ".pdf"},
	"application/vnd.google-apps.spreadsheet":  {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", ".xlsx"},
	"application/vnd.google-apps.presentation": {"application/vnd.openxmlformats-officedocument.presentationml.presentation", ".pptx"},
	"application/vnd.google-apps.drawing":      {"application/pdf", ".pdf"},
	"application/vnd.google-apps.script":       {"application/json", ".json"},
	"application/vnd.google-apps.form":         {"application/pdf", ".pdf"},
	"application/vnd.google-apps.site":         {"text/plain", ".txt"},
}

// File is one Drive listing entry.
type File struct {
	ID       string
	Name     string
	MimeType string
	Size     int64
}

// Client calls the Drive API on behalf of an impersonated user. Every
// operation passes the scope gate before any network call.
type Client struct {
	files       *drive.FilesService
	permissions *drive.PermissionsService
	token       *delegation.Token
	log         logrus.FieldLogger
}

type OptFunc func(*Client)

func WithService(service *drive.Service) OptFunc {
	return func(c *Client) {
		c.files = service.Files
		c.permissions = service.Permissions
	}
}

func New(ctx context.Context, token *delegation.Token, log logrus.FieldLogger, opts ...OptFunc) (*Client, error) {
	c := &Client{
		token: token,
		log:   log,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.files == nil {
		service, err := drive.NewService(ctx, option.WithHTTPClient(token.HTTPClient(ctx)))
		if err != nil {
			return nil, fmt.Errorf("retrieve drive service: %w", err)
		}

		c.files = service.Files
		c.permissions = service.Permissions
	}

	return c, nil
}

func (c *Client) gate(op scopes.Operation) error {
	if !c.token.Valid() {
		return fmt.Errorf("impersonation token for %s expired, mint a new one", c.token.Subject)
	}

	return scopes.Validate(op, c.token.GrantedScopes)
}

// List returns the impersonated user's files, optionally narrowed to one
// folder and optionally appended to a CSV file.
func (c *Client) List(ctx context.Context, folderID, csvPath string) ([]File, error) {
	if err := c.gate(scopes.DriveList); err != nil {
		return nil, err
	}

	query := "trashed=false"
	if folderID != "" {
		query = fmt.Sprintf("'%s' in parents and trashed=false", folderID)
	}

	files := make([]File, 0)
	err := c.files.List().
		Q(query).
		Spaces("drive").
		Fields("nextPageToken, files(id, name, size, mimeType)").
		Pages(ctx, func(response *drive.FileList) error {
			for _, f := range response.Files {
				files = append(files, File{
					ID:       f.Id,
					Name:     f.Name,
					MimeType: f.MimeType,
					Size:     f.Size,
				})
			}
			return nil
		})
	if err != nil {
		return nil, c.classify(err, scopes.DriveList)
	}

	if csvPath != "" {
		if err := writeCSV(csvPath, files); err != nil {
			return nil, err
		}
	}

	return files, nil
}

// Download fetches one file into dir and returns the local path. Google
// Docs Editors files are exported to a portable format; everything else is
// downloaded as-is. Local names never overwrite an existing file.
func (c *Client) Download(ctx context.Context, fileID, dir string) (string, error) {
	if err := c.gate(scopes.DriveDownload); err != nil {
		return "", err
	}

	metadata, err := c.files.Get(fileID).Fields("name, mimeType, size").Context(ctx).Do()
	if err != nil {
		return "", c.classify(err, scopes.DriveDownload)
	}

	name := metadata.Name

	var body io.ReadCloser
	if format, native := exportFormats[metadata.MimeType]; native {
		resp, err := c.files.Export(fileID, format.mimeType).Context(ctx).Download()
		if err != nil {
			return "", c.classify(err, scopes.DriveDownload)
		}
		body = resp.Body
		if filepath.Ext(name) != format.extension {
			name += format.extension
		}
	} else {
		resp, err := c.files.Get(fileID).Context(ctx).Download()
		if err != nil {
			return "", c.classify(err, scopes.DriveDownload)
		}
		body = resp.Body
	}
	defer body.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create downloads directory: %w", err)
	}

	path := uniquePath(filepath.Join(dir, filepath.Base(name)))
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create local file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, body); err != nil {
		return "", fmt.Errorf("write downloaded file: %w", err)
	}

	c.log.WithField("subject", c.token.Subject).WithField("path", path).Infof("downloaded drive file")
	return path, nil
}

// ShareFolders grants a target address reader access to every folder the
// impersonated user can reach, without notification emails. Returns the
// number of folders shared.
func (c *Client) ShareFolders(ctx context.Context, targetEmail string) (int, error) {
	if err := c.gate(scopes.DriveShare); err != nil {
		return 0, err
	}

	folders := make([]*drive.File, 0)
	err := c.files.List().
		Q(fmt.Sprintf("mimeType='%s' and trashed=false", folderMimeType)).
		Spaces("drive").
		Fields("nextPageToken, files(id, name)").
		Pages(ctx, func(response *drive.FileList) error {
			folders = append(folders, response.Files...)
			return nil
		})
	if err != nil {
		return 0, c.classify(err, scopes.DriveShare)
	}

	shared := 0
	for _, folder := range folders {
		permission := &drive.Permission{
			Type:         "user",
			Role:         "reader",
			EmailAddress: targetEmail,
		}

		_, err := c.permissions.Create(folder.Id, permission).
			SendNotificationEmail(false).
			Fields("id").
			Context(ctx).
			Do()
		if err != nil {
			c.log.WithField("folder", folder.Id).WithError(err).Warnf("unable to share folder")
			continue
		}

		shared++
	}

	return shared, nil
}

func (c *Client) classify(err error, op scopes.Operation) error {
	var googleErr *googleapi.Error
	if errors.As(err, &googleErr) {
		if kind := faults.FromStatus(googleErr.Code); kind != "" {
			return &faults.Error{
				Kind:    kind,
				Account: c.token.Account,
				Subject: c.token.Subject,
				Op:      string(op),
				Err:     err,
			}
		}
	}

	return fmt.Errorf("%s: %w", op, err)
}

// uniquePath suffixes the name with a counter until it no longer collides.
func uniquePath(path string) string {
	candidate := path
	extension := filepath.Ext(path)
	base := path[:len(path)-len(extension)]

	for counter := 1; ; counter++ {
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d%s", base, counter, extension)
	}
}

func writeCSV(path string, files []File) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open csv file: %w", err)
	}
	defer f.Close()

	writer := csv.NewWriter(f)
	defer writer.Flush()

	for _, file := range files {
		record := []string{file.Name, file.ID, strconv.FormatInt(file.Size, 10), file.MimeType}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}

	return writer.Error()
}
