package calendar

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dwdcheck/dwdcheck/internal/delegation"
	"github.com/dwdcheck/dwdcheck/internal/faults"
	"github.com/dwdcheck/dwdcheck/internal/scopes"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"gopkg.in/yaml.v3"
)

const primaryCalendar = "primary"

// EventConfig describes an event to create, loaded from a YAML file so an
// assessment can replay the same lure event across runs.
type EventConfig struct {
	Summary            string   `yaml:"summary"`
	Description        string   `yaml:"description"`
	StartTime          string   `yaml:"start_time"`
	EndTime            string   `yaml:"end_time"`
	Timezone           string   `yaml:"timezone"`
	Location           string   `yaml:"location"`
	Attendees          []string `yaml:"attendees"`
	ReminderMinutes    int64    `yaml:"reminder_minutes"`
	PopupMinutes       int64    `yaml:"popup_minutes"`
	ConferenceSolution string   `yaml:"conference_solution"`
	SendNotifications  bool     `yaml:"send_notifications"`
}

// LoadEventConfig reads an event definition from a YAML file.
func LoadEventConfig(path string) (*EventConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read event config: %w", err)
	}

	wrapper := struct {
		Event EventConfig `yaml:"event"`
	}{}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("parse event config: %w", err)
	}

	config := wrapper.Event
	if config.Summary == "" {
		return nil, fmt.Errorf("event config requires a summary")
	}

	if config.StartTime == "" || config.EndTime == "" {
		return nil, fmt.Errorf("event config requires start_time and end_time")
	}

	return &config, nil
}

// Client calls the Calendar API on behalf of an impersonated user.
type Client struct {
	events *calendar.EventsService
	token  *delegation.Token
	log    logrus.FieldLogger
}

type OptFunc func(*Client)

func WithService(service *calendar.Service) OptFunc {
	return func(c *Client) {
		c.events = service.Events
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

	if c.events == nil {
		service, err := calendar.NewService(ctx, option.WithHTTPClient(token.HTTPClient(ctx)))
		if err != nil {
			return nil, fmt.Errorf("retrieve calendar service: %w", err)
		}

		c.events = service.Events
	}

	return c, nil
}

func (c *Client) gate(op scopes.Operation) error {
	if !c.token.Valid() {
		return fmt.Errorf("impersonation token for %s expired, mint a new one", c.token.Subject)
	}

	return scopes.Validate(op, c.token.GrantedScopes)
}

// List returns the impersonated user's events between from and to, expanded
// to single events in start order.
func (c *Client) List(ctx context.Context, from, to time.Time) ([]*calendar.Event, error) {
	if err := c.gate(scopes.CalendarList); err != nil {
		return nil, err
	}

	events := make([]*calendar.Event, 0)
	err := c.events.List(primaryCalendar).
		TimeMin(from.Format(time.RFC3339)).
		TimeMax(to.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		Pages(ctx, func(response *calendar.Events) error {
			events = append(events, response.Items...)
			return nil
		})
	if err != nil {
		return nil, c.classify(err, scopes.CalendarList)
	}

	return events, nil
}

// Details fetches one event.
func (c *Client) Details(ctx context.Context, eventID string) (*calendar.Event, error) {
	if err := c.gate(scopes.CalendarRead); err != nil {
		return nil, err
	}

	event, err := c.events.Get(primaryCalendar, eventID).Context(ctx).Do()
	if err != nil {
		return nil, c.classify(err, scopes.CalendarRead)
	}

	return event, nil
}

// Create inserts an event from the config, optionally with a Meet link and
// attendee notifications.
func (c *Client) Create(ctx context.Context, config *EventConfig) (*calendar.Event, error) {
	if err := c.gate(scopes.CalendarCreate); err != nil {
		return nil, err
	}

	event := &calendar.Event{
		Summary:     config.Summary,
		Description: config.Description,
		Location:    config.Location,
		Start: &calendar.EventDateTime{
			DateTime: config.StartTime,
			TimeZone: config.Timezone,
		},
		End: &calendar.EventDateTime{
			DateTime: config.EndTime,
			TimeZone: config.Timezone,
		},
	}

	for _, attendee := range config.Attendees {
		event.Attendees = append(event.Attendees, &calendar.EventAttendee{Email: attendee})
	}

	if config.ReminderMinutes > 0 || config.PopupMinutes > 0 {
		overrides := make([]*calendar.EventReminder, 0)
		if config.ReminderMinutes > 0 {
			overrides = append(overrides, &calendar.EventReminder{Method: "email", Minutes: config.ReminderMinutes})
		}
		if config.PopupMinutes > 0 {
			overrides = append(overrides, &calendar.EventReminder{Method: "popup", Minutes: config.PopupMinutes})
		}

		event.Reminders = &calendar.EventReminders{
			UseDefault:      false,
			Overrides:       overrides,
			ForceSendFields: []string{"UseDefault"},
		}
	}

	call := c.events.Insert(primaryCalendar, event)

	if config.ConferenceSolution != "" {
		event.ConferenceData = &calendar.ConferenceData{
			CreateRequest: &calendar.CreateConferenceRequest{
				RequestId: fmt.Sprintf("meet-%d", time.Now().UnixNano()),
				ConferenceSolutionKey: &calendar.ConferenceSolutionKey{
					Type: config.ConferenceSolution,
				},
			},
		}
		call = call.ConferenceDataVersion(1)
	}

	sendUpdates := "none"
	if config.SendNotifications {
		sendUpdates = "all"
	}

	created, err := call.SendUpdates(sendUpdates).Context(ctx).Do()
	if err != nil {
		return nil, c.classify(err, scopes.CalendarCreate)
	}

	c.log.WithField("subject", c.token.Subject).WithField("event", created.Id).Infof("created calendar event")
	return created, nil
}

// Delete removes one event without notifying attendees.
func (c *Client) Delete(ctx context.Context, eventID string) error {
	if err := c.gate(scopes.CalendarDelete); err != nil {
		return err
	}

	if err := c.events.Delete(primaryCalendar, eventID).SendUpdates("none").Context(ctx).Do(); err != nil {
		return c.classify(err, scopes.CalendarDelete)
	}

	return nil
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
