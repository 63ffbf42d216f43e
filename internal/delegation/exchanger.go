package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dwdcheck/dwdcheck/internal/credentials"
	"github.com/dwdcheck/dwdcheck/internal/faults"
	"github.com/googleapis/gax-go/v2"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const (
	jwtBearerGrantType     = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	defaultExchangeTimeout = 30 * time.Second
	maxResponseBytes       = 1 << 20
)

// Request asks for an impersonation token: the key signs, the subject is
// impersonated, the scopes are requested from the domain allowlist.
type Request struct {
	Key     *credentials.Key
	Subject string
	Scopes  []string
}

// Token is a minted impersonation credential. The bearer string is only
// reachable through TokenSource so it cannot end up in logs or reports.
type Token struct {
	GrantedScopes []string
	Expiry        time.Time
	Subject       string
	Account       string

	accessToken string
}

// NewToken wraps a bearer credential minted elsewhere, e.g. handed to a
// dispatcher by the enumeration.
func NewToken(accessToken, subject, account string, grantedScopes []string, expiry time.Time) *Token {
	return &Token{
		GrantedScopes: grantedScopes,
		Expiry:        expiry,
		Subject:       subject,
		Account:       account,
		accessToken:   accessToken,
	}
}

// TokenSource exposes the credential to Google API clients.
func (t *Token) TokenSource() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: t.accessToken,
		TokenType:   "Bearer",
		Expiry:      t.Expiry,
	})
}

// HTTPClient returns an instrumented client presenting the impersonation
// credential, with the same per-call timeout as the exchange itself.
func (t *Token) HTTPClient(ctx context.Context) *http.Client {
	base := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base), t.TokenSource())
	client.Timeout = defaultExchangeTimeout
	return client
}

// Valid reports whether the token can still be presented. Expired tokens are
// re-minted by the caller, never reused.
func (t *Token) Valid() bool {
	return t.accessToken != "" && time.Now().Before(t.Expiry)
}

func (t *Token) String() string {
	return fmt.Sprintf("impersonation token for %s via %s (redacted)", t.Subject, t.Account)
}

// Exchanger trades signed assertions for impersonation tokens at the token
// endpoint named by each key.
type Exchanger struct {
	httpClient *http.Client
	retry      RetryPolicy
	timeout    time.Duration
	tokenURL   string
	log        logrus.FieldLogger

	// one key never signs for two different subjects in the same run
	mu       sync.Mutex
	keyUsage map[string]string
}

type OptFunc func(*Exchanger)

func WithHTTPClient(client *http.Client) OptFunc {
	return func(e *Exchanger) {
		e.httpClient = client
	}
}

func WithRetryPolicy(policy RetryPolicy) OptFunc {
	return func(e *Exchanger) {
		e.retry = policy
	}
}

func WithTimeout(timeout time.Duration) OptFunc {
	return func(e *Exchanger) {
		e.timeout = timeout
	}
}

// WithTokenURL overrides the token endpoint named by each key.
func WithTokenURL(url string) OptFunc {
	return func(e *Exchanger) {
		e.tokenURL = url
	}
}

func New(log logrus.FieldLogger, opts ...OptFunc) *Exchanger {
	e := &Exchanger{
		retry:    DefaultRetryPolicy(),
		timeout:  defaultExchangeTimeout,
		log:      log,
		keyUsage: make(map[string]string),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.httpClient == nil {
		e.httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return e
}

// Exchange produces an impersonation token for the request. Transient
// failures are retried within the configured policy; a clock skew rejection
// is retried once with a re-synchronized issued-at; everything else is
// terminal and classified for the caller.
func (e *Exchanger) Exchange(ctx context.Context, req Request) (*Token, error) {
	if req.Key == nil {
		return nil, fmt.Errorf("delegation request requires a key")
	}

	if req.Subject == "" {
		return nil, fmt.Errorf("delegation request requires a subject")
	}

	if len(req.Scopes) == 0 {
		return nil, fmt.Errorf("delegation request requires at least one scope")
	}

	if err := e.reserveKey(req.Key.ID, req.Subject); err != nil {
		return nil, err
	}

	log := e.log.
		WithField("service_account", req.Key.Email).
		WithField("subject", req.Subject)
	log.WithField("scopes", len(req.Scopes)).Debugf("exchanging delegation assertion")

	backoff := e.retry.backoff()
	skewRetried := false
	attempt := 1

	for {
		token, err := e.exchangeOnce(ctx, req)
		if err == nil {
			return token, nil
		}

		switch kind := faults.KindOf(err); {
		case kind == faults.ClockSkew && !skewRetried:
			skewRetried = true
			log.Debugf("assertion timestamps rejected, re-synchronizing issued-at")
			continue
		case kind == faults.NetworkTransient && attempt < e.retry.attempts():
			attempt++
			log.WithError(err).Debugf("transient token endpoint failure, retrying")
			if sleepErr := gax.Sleep(ctx, backoff.Pause()); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		default:
			return nil, err
		}
	}
}

// reserveKey pins a key id to the first subject it signs for.
func (e *Exchanger) reserveKey(keyID, subject string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if previous, exists := e.keyUsage[keyID]; exists && previous != subject {
		return fmt.Errorf("key %s already signed for a different subject in this run", keyID)
	}

	e.keyUsage[keyID] = subject
	return nil
}

// endpoint resolves the token endpoint for a key, honoring the override.
func (e *Exchanger) endpoint(key *credentials.Key) string {
	if e.tokenURL != "" {
		return e.tokenURL
	}
	return key.TokenURL
}

func (e *Exchanger) exchangeOnce(ctx context.Context, req Request) (*Token, error) {
	now := time.Now()
	endpoint := e.endpoint(req.Key)
	assertion, err := buildAssertion(req.Key, req.Subject, endpoint, req.Scopes, now)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrantType)
	form.Set("assertion", assertion)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, e.fault(faults.NetworkTransient, req, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, e.fault(faults.NetworkTransient, req, fmt.Errorf("read token response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, e.classify(resp.StatusCode, body, req)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
		Scope       string `json:"scope"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}

	if payload.AccessToken == "" {
		return nil, fmt.Errorf("token response carries no access token")
	}

	// the endpoint confirms the granted set; absent, assume the request
	granted := append([]string(nil), req.Scopes...)
	if payload.Scope != "" {
		granted = strings.Fields(payload.Scope)
	}

	return &Token{
		GrantedScopes: granted,
		Expiry:        now.Add(time.Duration(payload.ExpiresIn) * time.Second),
		Subject:       req.Subject,
		Account:       req.Key.Email,
		accessToken:   payload.AccessToken,
	}, nil
}

// classify maps a non-200 token endpoint response onto the taxonomy.
func (e *Exchanger) classify(status int, body []byte, req Request) error {
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &payload)

	cause := fmt.Errorf("token endpoint status %d: %s", status, payload.Error)
	if payload.ErrorDescription != "" {
		cause = fmt.Errorf("token endpoint status %d: %s: %s", status, payload.Error, payload.ErrorDescription)
	}

	switch {
	case status >= 500:
		return e.fault(faults.NetworkTransient, req, cause)
	case isClockSkew(payload.ErrorDescription):
		return e.fault(faults.ClockSkew, req, cause)
	case payload.Error == "invalid_grant" || payload.Error == "unauthorized_client":
		return e.fault(faults.InvalidGrant, req, cause)
	case status == http.StatusUnauthorized || payload.Error == "invalid_client":
		return e.fault(faults.Unauthenticated, req, cause)
	default:
		return e.fault(faults.InvalidGrant, req, cause)
	}
}

func (e *Exchanger) fault(kind faults.Kind, req Request, cause error) error {
	return &faults.Error{
		Kind:    kind,
		Account: req.Key.Email,
		Subject: req.Subject,
		Scope:   strings.Join(req.Scopes, " "),
		Err:     cause,
	}
}

// isClockSkew recognizes the endpoint's wording for assertions whose
// timestamps fall outside the accepted window.
func isClockSkew(description string) bool {
	description = strings.ToLower(description)
	for _, marker := range []string{"reasonable timeframe", "iat and exp values", "token used too early", "token used too late"} {
		if strings.Contains(description, marker) {
			return true
		}
	}

	return false
}
