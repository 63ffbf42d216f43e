package dwdcheck

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dwdcheck/dwdcheck/internal/credentials"
	"github.com/dwdcheck/dwdcheck/internal/delegation"
	"github.com/dwdcheck/dwdcheck/internal/logger"
	"github.com/dwdcheck/dwdcheck/internal/scopes"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	exitCodeSuccess = iota
	exitCodeLoggerError
	exitCodeRunError
	exitCodeConfigError
	exitCodeEnvFileError
)

func Run(ctx context.Context) {
	log := logrus.StandardLogger()

	if fileLoaded, err := loadEnvFile(); err != nil {
		log.WithError(err).Errorf("error when loading .env file")
		os.Exit(exitCodeEnvFileError)
	} else if fileLoaded {
		log.Infof("loaded .env file")
	}

	cfg, err := NewConfig(ctx, envconfig.OsLookuper())
	if err != nil {
		log.WithError(err).Errorf("error when processing configuration")
		os.Exit(exitCodeConfigError)
	}

	appLogger, err := logger.New(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		log.WithError(err).Errorf("error when creating application logger")
		os.Exit(exitCodeLoggerError)
	}

	err = run(ctx, cfg, appLogger)
	if err != nil {
		appLogger.WithError(err).Errorf("error in run()")
		os.Exit(exitCodeRunError)
	}

	os.Exit(exitCodeSuccess)
}

func run(ctx context.Context, cfg *Config, log logrus.FieldLogger) error {
	ctx, signalStop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer signalStop()

	root := &cobra.Command{
		Use:           "dwdcheck",
		Short:         "Assess domain-wide delegation exposure in GCP projects",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newEnumCommand(cfg, log),
		newDriveCommand(cfg, log),
		newCalendarCommand(cfg, log),
		newAdminCommand(cfg, log),
		newGmailCommand(cfg, log),
	)

	return root.ExecuteContext(ctx)
}

func loadEnvFile() (fileLoaded bool, err error) {
	if _, err = os.Stat(".env"); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	if err = godotenv.Load(".env"); err != nil {
		return false, err
	}

	return true, nil
}

// mintToken loads a service account key and mints an impersonation token for
// the subject, requesting the union of the scopes the listed operations need.
func mintToken(ctx context.Context, cfg *Config, log logrus.FieldLogger, keyFile, subject string, ops []scopes.Operation) (*delegation.Token, error) {
	if keyFile == "" {
		return nil, fmt.Errorf("a service account key file is required, use --key-file")
	}

	if subject == "" {
		return nil, fmt.Errorf("a user to impersonate is required, use --impersonate")
	}

	key, err := credentials.LoadKeyFile(keyFile)
	if err != nil {
		return nil, err
	}

	requested := make([]string, 0)
	for _, op := range ops {
		required, err := scopes.Required(op)
		if err != nil {
			return nil, err
		}

		for _, scope := range required {
			if !scopes.Covers(requested, scope) {
				requested = append(requested, scope)
			}
		}
	}

	opts := []delegation.OptFunc{}
	if cfg.TokenURL != "" {
		opts = append(opts, delegation.WithTokenURL(cfg.TokenURL))
	}

	exchanger := delegation.New(log, opts...)
	return exchanger.Exchange(ctx, delegation.Request{
		Key:     key,
		Subject: subject,
		Scopes:  requested,
	})
}
