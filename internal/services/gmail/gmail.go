package gmail

import (
	"context"
	"encoding/base64"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dwdcheck/dwdcheck/internal/delegation"
	"github.com/dwdcheck/dwdcheck/internal/faults"
	"github.com/dwdcheck/dwdcheck/internal/scopes"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	impersonatedUser  = "me"
	queryDateFormat   = "2006/01/02"
	defaultMaxResults = 100
)

// Query narrows a mailbox search. Start and End bound the received date;
// Keyword, when set, is matched against subject, sender and body after the
// messages are fetched.
type Query struct {
	Start      time.Time
	End        time.Time
	Keyword    string
	MaxResults int64
}

// Message is one fetched mail, flattened to the fields the report cares
// about.
type Message struct {
	ID      string
	Subject string
	From    string
	Date    string
	Snippet string
	Body    string
}

// Client calls the Gmail API on behalf of an impersonated user.
type Client struct {
	messages *gmail.UsersMessagesService
	token    *delegation.Token
	log      logrus.FieldLogger
}

type OptFunc func(*Client)

func WithService(service *gmail.Service) OptFunc {
	return func(c *Client) {
		c.messages = service.Users.Messages
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

	if c.messages == nil {
		service, err := gmail.NewService(ctx, option.WithHTTPClient(token.HTTPClient(ctx)))
		if err != nil {
			return nil, fmt.Errorf("retrieve gmail service: %w", err)
		}

		c.messages = service.Users.Messages
	}

	return c, nil
}

func (c *Client) gate(op scopes.Operation) error {
	if !c.token.Valid() {
		return fmt.Errorf("impersonation token for %s expired, mint a new one", c.token.Subject)
	}

	return scopes.Validate(op, c.token.GrantedScopes)
}

// Search lists the mailbox within the query's date bounds, fetches each
// message in full and keeps the ones matching the keyword. An empty keyword
// keeps everything. CSV output is appended when csvPath is set.
func (c *Client) Search(ctx context.Context, query Query, csvPath string) ([]Message, error) {
	op := scopes.GmailSearch
	if query.Keyword == "" {
		op = scopes.GmailList
	}

	if err := c.gate(op); err != nil {
		return nil, err
	}

	maxResults := query.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	listed, err := c.messages.List(impersonatedUser).
		Q(searchQuery(query)).
		MaxResults(maxResults).
		Context(ctx).
		Do()
	if err != nil {
		return nil, c.classify(err, op)
	}

	messages := make([]Message, 0, len(listed.Messages))
	for _, entry := range listed.Messages {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		full, err := c.messages.Get(impersonatedUser, entry.Id).Format("full").Context(ctx).Do()
		if err != nil {
			c.log.WithField("message", entry.Id).WithError(err).Warnf("unable to fetch message")
			continue
		}

		message := flatten(full)
		if query.Keyword != "" && !message.matches(query.Keyword) {
			continue
		}

		messages = append(messages, message)
	}

	if csvPath != "" {
		if err := writeCSV(csvPath, messages); err != nil {
			return nil, err
		}
	}

	return messages, nil
}

// searchQuery renders the Gmail search expression for the date bounds. The
// before: bound is exclusive, so one day is added to include End itself.
func searchQuery(query Query) string {
	parts := make([]string, 0, 2)
	if !query.Start.IsZero() {
		parts = append(parts, "after:"+query.Start.Format(queryDateFormat))
	}
	if !query.End.IsZero() {
		parts = append(parts, "before:"+query.End.AddDate(0, 0, 1).Format(queryDateFormat))
	}

	return strings.Join(parts, " ")
}

func flatten(full *gmail.Message) Message {
	message := Message{
		ID:      full.Id,
		Snippet: full.Snippet,
	}

	if full.Payload == nil {
		return message
	}

	for _, header := range full.Payload.Headers {
		switch header.Name {
		case "Subject":
			message.Subject = header.Value
		case "From":
			message.From = header.Value
		case "Date":
			message.Date = header.Value
		}
	}

	message.Body = extractBody(full.Payload)
	return message
}

// extractBody walks the MIME tree for the first text/plain part, falling
// back to the top-level body.
func extractBody(payload *gmail.MessagePart) string {
	if payload.Body != nil && payload.Body.Data != "" {
		return decodeBody(payload.Body.Data)
	}

	for _, part := range payload.Parts {
		if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
			return decodeBody(part.Body.Data)
		}
	}

	for _, part := range payload.Parts {
		if body := extractBody(part); body != "" {
			return body
		}
	}

	return ""
}

// decodeBody handles both base64url paddings the API emits.
func decodeBody(data string) string {
	if decoded, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(decoded)
	}

	if decoded, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(decoded)
	}

	return ""
}

func (m Message) matches(keyword string) bool {
	keyword = strings.ToLower(keyword)
	for _, field := range []string{m.Subject, m.From, m.Snippet, m.Body} {
		if strings.Contains(strings.ToLower(field), keyword) {
			return true
		}
	}

	return false
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

func writeCSV(path string, messages []Message) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open csv file: %w", err)
	}
	defer f.Close()

	writer := csv.NewWriter(f)
	defer writer.Flush()

	for _, message := range messages {
		record := []string{message.ID, message.Date, message.From, message.Subject, message.Snippet}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}

	return writer.Error()
}
