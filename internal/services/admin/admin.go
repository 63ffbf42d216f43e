package admin

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/dwdcheck/dwdcheck/internal/delegation"
	"github.com/dwdcheck/dwdcheck/internal/faults"
	"github.com/dwdcheck/dwdcheck/internal/scopes"
	"github.com/sirupsen/logrus"
	admin_directory_v1 "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	passwordLength   = 20
	passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*"
)

// Client calls the Admin SDK Directory API on behalf of an impersonated
// user. The subject must already hold admin privileges in the domain.
type Client struct {
	users *admin_directory_v1.UsersService
	token *delegation.Token
	log   logrus.FieldLogger
}

type OptFunc func(*Client)

func WithService(service *admin_directory_v1.Service) OptFunc {
	return func(c *Client) {
		c.users = service.Users
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

	if c.users == nil {
		service, err := admin_directory_v1.NewService(ctx, option.WithHTTPClient(token.HTTPClient(ctx)))
		if err != nil {
			return nil, fmt.Errorf("retrieve admin directory service: %w", err)
		}

		c.users = service.Users
	}

	return c, nil
}

func (c *Client) gate(op scopes.Operation) error {
	if !c.token.Valid() {
		return fmt.Errorf("impersonation token for %s expired, mint a new one", c.token.Subject)
	}

	return scopes.Validate(op, c.token.GrantedScopes)
}

// Elevate promotes an existing directory user to super admin. The user is
// looked up first so a typo fails cleanly instead of surfacing as a
// make-admin rejection.
func (c *Client) Elevate(ctx context.Context, email string) error {
	if err := c.gate(scopes.AdminElevate); err != nil {
		return err
	}

	user, err := c.users.Get(email).Context(ctx).Do()
	if err != nil {
		return c.classify(err, scopes.AdminElevate)
	}

	if user.IsAdmin {
		c.log.WithField("user", email).Infof("user is already a super admin")
		return nil
	}

	makeAdmin := &admin_directory_v1.UserMakeAdmin{
		Status:          true,
		ForceSendFields: []string{"Status"},
	}
	if err := c.users.MakeAdmin(email, makeAdmin).Context(ctx).Do(); err != nil {
		return c.classify(err, scopes.AdminElevate)
	}

	c.log.WithField("user", email).Infof("elevated user to super admin")
	return nil
}

// CreateAdmin inserts a new directory user with a generated password and
// promotes it to super admin. Returns the generated password; it is shown
// once and never persisted.
func (c *Client) CreateAdmin(ctx context.Context, email, givenName, familyName string) (string, error) {
	if err := c.gate(scopes.AdminCreate); err != nil {
		return "", err
	}

	password, err := generatePassword()
	if err != nil {
		return "", err
	}

	user := &admin_directory_v1.User{
		PrimaryEmail: email,
		Password:     password,
		Name: &admin_directory_v1.UserName{
			GivenName:  givenName,
			FamilyName: familyName,
		},
	}

	if _, err := c.users.Insert(user).Context(ctx).Do(); err != nil {
		return "", c.classify(err, scopes.AdminCreate)
	}

	makeAdmin := &admin_directory_v1.UserMakeAdmin{
		Status:          true,
		ForceSendFields: []string{"Status"},
	}
	if err := c.users.MakeAdmin(email, makeAdmin).Context(ctx).Do(); err != nil {
		return "", fmt.Errorf("user %s created but not elevated: %w", email, c.classify(err, scopes.AdminCreate))
	}

	c.log.WithField("user", email).Infof("created super admin user")
	return password, nil
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

func generatePassword() (string, error) {
	password := make([]byte, passwordLength)
	for i := range password {
		index, err := rand.Int(rand.Reader, big.NewInt(int64(len(passwordAlphabet))))
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}

		password[i] = passwordAlphabet[index.Int64()]
	}

	return string(password), nil
}
