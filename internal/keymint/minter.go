package keymint

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/dwdcheck/dwdcheck/internal/credentials"
	"github.com/dwdcheck/dwdcheck/internal/faults"
	"github.com/dwdcheck/dwdcheck/internal/iamscan"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iam/v1"
	"google.golang.org/api/option"
)

const (
	keyAlgorithm   = "KEY_ALG_RSA_2048"
	privateKeyType = "TYPE_GOOGLE_CREDENTIALS_FILE"
)

// Minter creates and removes user-managed service account keys. Each minted
// key lives in memory, signs once, and is deleted again unless the operator
// exports it.
type Minter struct {
	keys *iam.ProjectsServiceAccountsKeysService
	log  logrus.FieldLogger
}

type OptFunc func(*Minter)

func WithKeysService(keys *iam.ProjectsServiceAccountsKeysService) OptFunc {
	return func(m *Minter) {
		m.keys = keys
	}
}

func New(ctx context.Context, operator *credentials.Operator, log logrus.FieldLogger, opts ...OptFunc) (*Minter, error) {
	m := &Minter{
		log: log,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.keys == nil {
		iamService, err := iam.NewService(ctx, option.WithHTTPClient(operator.HTTPClient(ctx)))
		if err != nil {
			return nil, fmt.Errorf("retrieve IAM service: %w", err)
		}

		m.keys = iamService.Projects.ServiceAccounts.Keys
	}

	return m, nil
}

// Create mints a new key on the account. The response's privateKeyData is a
// base64-encoded Google credentials file; the parsed material never touches
// disk here.
func (m *Minter) Create(ctx context.Context, account *iamscan.Account) (*credentials.Key, error) {
	name := "projects/-/serviceAccounts/" + account.Email

	request := &iam.CreateServiceAccountKeyRequest{
		KeyAlgorithm:   keyAlgorithm,
		PrivateKeyType: privateKeyType,
	}

	minted, err := m.keys.Create(name, request).Context(ctx).Do()
	if err != nil {
		return nil, m.classify(err, account.Email)
	}

	data, err := base64.StdEncoding.DecodeString(minted.PrivateKeyData)
	if err != nil {
		return nil, fmt.Errorf("decode private key data for %s: %w", account.Email, err)
	}

	key, err := credentials.ParseKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse minted key for %s: %w", account.Email, err)
	}

	key.Name = minted.Name
	m.log.WithField("service_account", account.Email).WithField("key_id", key.ID).Debugf("minted service account key")

	return key, nil
}

// Delete removes a minted key remotely.
func (m *Minter) Delete(ctx context.Context, key *credentials.Key) error {
	if key.Name == "" {
		return fmt.Errorf("key %s has no remote resource name", key.ID)
	}

	if _, err := m.keys.Delete(key.Name).Context(ctx).Do(); err != nil {
		return m.classify(err, key.Email)
	}

	m.log.WithField("service_account", key.Email).WithField("key_id", key.ID).Debugf("deleted service account key")
	return nil
}

// classify maps key endpoint failures onto the taxonomy. The endpoint
// reports the ten-key cap as a failed precondition rather than a quota
// status.
func (m *Minter) classify(err error, account string) error {
	var googleErr *googleapi.Error
	if !errors.As(err, &googleErr) {
		return &faults.Error{Kind: faults.NetworkTransient, Account: account, Err: err}
	}

	kind := faults.FromStatus(googleErr.Code)
	if kind == "" && strings.Contains(googleErr.Message, "Precondition check failed") {
		kind = faults.QuotaExceeded
	}
	if kind == "" {
		return fmt.Errorf("key endpoint rejected request for %s: %w", account, err)
	}

	return &faults.Error{Kind: kind, Account: account, Err: err}
}
