package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dwdcheck/dwdcheck/internal/faults"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	googleoauth2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

// EnvBearerToken is the environment variable the operator token is read from.
const EnvBearerToken = "GCP_BEARER_ACCESS_TOKEN"

// defaultCallTimeout bounds every outbound API call made with the operator
// credential.
const defaultCallTimeout = 30 * time.Second

// Operator holds the caller's own GCP bearer credential. It is loaded once
// before a run and read-only afterwards. The raw token is only reachable
// through TokenSource, never through logs or reports.
type Operator struct {
	token    string
	email    string
	clientID string
	expiry   time.Time
}

// NewOperator wraps a bearer access token. An email can be provided by the
// caller to skip remote identity resolution.
func NewOperator(token, email string) (*Operator, error) {
	if token == "" {
		return nil, &faults.Error{
			Kind: faults.Unauthenticated,
			Err:  fmt.Errorf("no operator token, set %s", EnvBearerToken),
		}
	}

	return &Operator{
		token: token,
		email: email,
	}, nil
}

// TokenSource exposes the operator credential to Google API clients.
func (o *Operator) TokenSource() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: o.token,
		TokenType:   "Bearer",
	})
}

// HTTPClient returns an instrumented client that carries the operator
// credential and enforces the per-call timeout.
func (o *Operator) HTTPClient(ctx context.Context) *http.Client {
	base := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base), o.TokenSource())
	client.Timeout = defaultCallTimeout
	return client
}

// Resolve queries the tokeninfo endpoint for the identity behind the token.
// A no-op when the email was provided up front. The client id is kept even
// when tokeninfo carries no email (raw service account tokens), so a scan can
// match it against discovered accounts.
func (o *Operator) Resolve(ctx context.Context, opts ...option.ClientOption) error {
	if o.email != "" {
		return nil
	}

	opts = append([]option.ClientOption{option.WithoutAuthentication()}, opts...)
	service, err := googleoauth2.NewService(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create tokeninfo client: %w", err)
	}

	info, err := service.Tokeninfo().AccessToken(o.token).Context(ctx).Do()
	if err != nil {
		var googleErr *googleapi.Error
		if errors.As(err, &googleErr) && googleErr.Code < 500 {
			return &faults.Error{
				Kind: faults.Unauthenticated,
				Err:  fmt.Errorf("operator token rejected by tokeninfo: %w", err),
			}
		}
		return fmt.Errorf("resolve operator identity: %w", err)
	}

	o.email = info.Email
	o.clientID = info.IssuedTo
	if info.ExpiresIn > 0 {
		o.expiry = time.Now().Add(time.Duration(info.ExpiresIn) * time.Second)
	}

	return nil
}

// SetEmail records an identity resolved elsewhere, e.g. by matching the
// token's client id against a scanned service account.
func (o *Operator) SetEmail(email string) {
	if o.email == "" {
		o.email = email
	}
}

// SetClientID records the token's OAuth2 client id when it was obtained
// outside Resolve, e.g. from a cached tokeninfo response.
func (o *Operator) SetClientID(clientID string) {
	if o.clientID == "" {
		o.clientID = clientID
	}
}

func (o *Operator) Email() string {
	return o.email
}

func (o *Operator) ClientID() string {
	return o.clientID
}

func (o *Operator) Expiry() time.Time {
	return o.expiry
}

func (o *Operator) String() string {
	if o.email == "" {
		return "operator (unresolved)"
	}
	return "operator " + o.email
}
