package dwdcheck

import (
	"fmt"
	"time"

	"github.com/dwdcheck/dwdcheck/internal/scopes"
	"github.com/dwdcheck/dwdcheck/internal/services/calendar"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const defaultListWindow = 30 * 24 * time.Hour

func newCalendarCommand(cfg *Config, log logrus.FieldLogger) *cobra.Command {
	var (
		keyFile     string
		impersonate string
		list        bool
		details     string
		create      string
		remove      string
	)

	cmd := &cobra.Command{
		Use:   "calendar",
		Short: "Access Calendar as an impersonated user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			ops := make([]scopes.Operation, 0)
			if list {
				ops = append(ops, scopes.CalendarList)
			}
			if details != "" {
				ops = append(ops, scopes.CalendarRead)
			}
			if create != "" {
				ops = append(ops, scopes.CalendarCreate)
			}
			if remove != "" {
				ops = append(ops, scopes.CalendarDelete)
			}
			if len(ops) == 0 {
				return fmt.Errorf("nothing to do, use --list, --details, --create or --delete")
			}

			token, err := mintToken(ctx, cfg, log, keyFile, impersonate, ops)
			if err != nil {
				return err
			}

			client, err := calendar.New(ctx, token, log)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			if list {
				now := time.Now()
				events, err := client.List(ctx, now, now.Add(defaultListWindow))
				if err != nil {
					return err
				}

				for _, event := range events {
					start := ""
					if event.Start != nil {
						start = event.Start.DateTime
						if start == "" {
							start = event.Start.Date
						}
					}
					fmt.Fprintf(out, "%s\t%s\t%s\n", event.Id, start, event.Summary)
				}
				fmt.Fprintf(out, "\n%d upcoming event(s) for %s\n", len(events), impersonate)
			}

			if details != "" {
				event, err := client.Details(ctx, details)
				if err != nil {
					return err
				}

				fmt.Fprintf(out, "Summary: %s\n", event.Summary)
				fmt.Fprintf(out, "Description: %s\n", event.Description)
				fmt.Fprintf(out, "Location: %s\n", event.Location)
				for _, attendee := range event.Attendees {
					fmt.Fprintf(out, "Attendee: %s (%s)\n", attendee.Email, attendee.ResponseStatus)
				}
			}

			if create != "" {
				config, err := calendar.LoadEventConfig(create)
				if err != nil {
					return err
				}

				event, err := client.Create(ctx, config)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "created event %s\n", event.Id)
				if event.HangoutLink != "" {
					fmt.Fprintf(out, "meet link: %s\n", event.HangoutLink)
				}
			}

			if remove != "" {
				if err := client.Delete(ctx, remove); err != nil {
					return err
				}
				fmt.Fprintf(out, "deleted event %s\n", remove)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&keyFile, "key-file", "", "service account key file to sign with")
	cmd.Flags().StringVar(&impersonate, "impersonate", "", "domain user to impersonate")
	cmd.Flags().BoolVar(&list, "list", false, "list upcoming events")
	cmd.Flags().StringVar(&details, "details", "", "event id to show")
	cmd.Flags().StringVar(&create, "create", "", "create an event from this yaml file")
	cmd.Flags().StringVar(&remove, "delete", "", "event id to delete")

	return cmd
}
