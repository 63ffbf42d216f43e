package delegation_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/dwdcheck/dwdcheck/internal/credentials"
	"github.com/dwdcheck/dwdcheck/internal/delegation"
	"github.com/dwdcheck/dwdcheck/internal/faults"
	"github.com/dwdcheck/dwdcheck/internal/test"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	accountEmail = "svc@proj.iam.gserviceaccount.com"
	targetUser   = "alice@domain.com"
	driveScope   = "https://www.googleapis.com/auth/drive.readonly"
	tokenURL     = "https://oauth2.googleapis.com/token"
)

func testKey(t *testing.T) *credentials.Key {
	t.Helper()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKCS8PrivateKey(rsaKey)
	require.NoError(t, err)

	return &credentials.Key{
		ID:         "key123",
		Email:      accountEmail,
		ProjectID:  "proj",
		PrivateKey: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}),
		TokenURL:   tokenURL,
	}
}

func newExchanger(t *testing.T, roundTrips ...func(req *http.Request) *http.Response) *delegation.Exchanger {
	t.Helper()
	log, _ := logrustest.NewNullLogger()

	return delegation.New(log,
		delegation.WithHTTPClient(test.NewTestHttpClient(roundTrips...)),
		delegation.WithRetryPolicy(delegation.RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Multiplier:   1,
		}),
	)
}

// assertionClaims decodes the unverified claim set of the assertion posted
// to the token endpoint.
func assertionClaims(t *testing.T, req *http.Request) map[string]any {
	t.Helper()

	require.NoError(t, req.ParseForm())
	assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", req.PostForm.Get("grant_type"))

	parts := strings.Split(req.PostForm.Get("assertion"), ".")
	require.Len(t, parts, 3)

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)

	claims := map[string]any{}
	require.NoError(t, json.Unmarshal(payload, &claims))
	return claims
}

func TestExchange(t *testing.T) {
	ctx := context.Background()

	t.Run("mints a token from a signed assertion", func(t *testing.T) {
		exchanger := newExchanger(t, func(req *http.Request) *http.Response {
			claims := assertionClaims(t, req)
			assert.Equal(t, accountEmail, claims["iss"])
			assert.Equal(t, targetUser, claims["sub"])
			assert.Equal(t, tokenURL, claims["aud"])
			assert.Equal(t, driveScope, claims["scope"])

			iat, exp := claims["iat"].(float64), claims["exp"].(float64)
			assert.LessOrEqual(t, exp-iat, float64(3600))

			return test.Response("200 OK", `{"access_token":"ya29.minted","token_type":"Bearer","expires_in":3600,"scope":"`+driveScope+`"}`)
		})

		token, err := exchanger.Exchange(ctx, delegation.Request{
			Key:     testKey(t),
			Subject: targetUser,
			Scopes:  []string{driveScope},
		})
		require.NoError(t, err)

		assert.Equal(t, []string{driveScope}, token.GrantedScopes)
		assert.Equal(t, targetUser, token.Subject)
		assert.Equal(t, accountEmail, token.Account)
		assert.True(t, token.Valid())
		assert.LessOrEqual(t, time.Until(token.Expiry), time.Hour)

		minted, err := token.TokenSource().Token()
		require.NoError(t, err)
		assert.Equal(t, "ya29.minted", minted.AccessToken)

		assert.NotContains(t, token.String(), "ya29.minted")
	})

	t.Run("assumes the requested scopes when the endpoint omits them", func(t *testing.T) {
		exchanger := newExchanger(t, func(req *http.Request) *http.Response {
			return test.Response("200 OK", `{"access_token":"ya29.minted","token_type":"Bearer","expires_in":3600}`)
		})

		token, err := exchanger.Exchange(ctx, delegation.Request{
			Key:     testKey(t),
			Subject: targetUser,
			Scopes:  []string{driveScope},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{driveScope}, token.GrantedScopes)
	})

	t.Run("non-allow-listed scope is invalid grant, not retried", func(t *testing.T) {
		requests := 0
		exchanger := newExchanger(t, func(req *http.Request) *http.Response {
			requests++
			return test.Response("400 Bad Request", `{"error":"unauthorized_client","error_description":"Client is unauthorized to retrieve access tokens using this method"}`)
		})

		_, err := exchanger.Exchange(ctx, delegation.Request{
			Key:     testKey(t),
			Subject: targetUser,
			Scopes:  []string{"https://www.googleapis.com/auth/admin.directory.user"},
		})
		require.Error(t, err)

		assert.Equal(t, faults.InvalidGrant, faults.KindOf(err))
		assert.Equal(t, 1, requests)

		var fe *faults.Error
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, accountEmail, fe.Account)
		assert.Equal(t, targetUser, fe.Subject)
	})

	t.Run("transient endpoint failures are retried within the policy", func(t *testing.T) {
		exchanger := newExchanger(t,
			func(req *http.Request) *http.Response {
				return test.Response("503 Service Unavailable", `{"error":"internal_failure"}`)
			},
			func(req *http.Request) *http.Response {
				return test.Response("200 OK", `{"access_token":"ya29.minted","token_type":"Bearer","expires_in":3600,"scope":"`+driveScope+`"}`)
			},
		)

		token, err := exchanger.Exchange(ctx, delegation.Request{
			Key:     testKey(t),
			Subject: targetUser,
			Scopes:  []string{driveScope},
		})
		require.NoError(t, err)
		assert.True(t, token.Valid())
	})

	t.Run("exhausted retries surface the transient failure", func(t *testing.T) {
		requests := 0
		transient := func(req *http.Request) *http.Response {
			requests++
			return test.Response("503 Service Unavailable", `{"error":"internal_failure"}`)
		}
		exchanger := newExchanger(t, transient, transient, transient)

		_, err := exchanger.Exchange(ctx, delegation.Request{
			Key:     testKey(t),
			Subject: targetUser,
			Scopes:  []string{driveScope},
		})
		require.Error(t, err)
		assert.Equal(t, faults.NetworkTransient, faults.KindOf(err))
		assert.Equal(t, 3, requests)
	})

	t.Run("clock skew is retried once with a fresh issued-at", func(t *testing.T) {
		var firstIat float64
		exchanger := newExchanger(t,
			func(req *http.Request) *http.Response {
				firstIat = assertionClaims(t, req)["iat"].(float64)
				return test.Response("400 Bad Request", `{"error":"invalid_grant","error_description":"Invalid JWT: Token must be a short-lived token (60 minutes) and in a reasonable timeframe. Check your iat and exp values in the JWT claim."}`)
			},
			func(req *http.Request) *http.Response {
				iat := assertionClaims(t, req)["iat"].(float64)
				assert.GreaterOrEqual(t, iat, firstIat)
				return test.Response("200 OK", `{"access_token":"ya29.minted","token_type":"Bearer","expires_in":3600,"scope":"`+driveScope+`"}`)
			},
		)

		token, err := exchanger.Exchange(ctx, delegation.Request{
			Key:     testKey(t),
			Subject: targetUser,
			Scopes:  []string{driveScope},
		})
		require.NoError(t, err)
		assert.True(t, token.Valid())
	})

	t.Run("repeated clock skew is terminal", func(t *testing.T) {
		requests := 0
		skewed := func(req *http.Request) *http.Response {
			requests++
			return test.Response("400 Bad Request", `{"error":"invalid_grant","error_description":"Invalid JWT: Token must be a short-lived token (60 minutes) and in a reasonable timeframe."}`)
		}
		exchanger := newExchanger(t, skewed, skewed, skewed)

		_, err := exchanger.Exchange(ctx, delegation.Request{
			Key:     testKey(t),
			Subject: targetUser,
			Scopes:  []string{driveScope},
		})
		require.Error(t, err)
		assert.Equal(t, faults.ClockSkew, faults.KindOf(err))
		assert.Equal(t, 2, requests)
	})

	t.Run("zero scopes are rejected before any network call", func(t *testing.T) {
		exchanger := newExchanger(t) // any request would fail the round tripper

		_, err := exchanger.Exchange(ctx, delegation.Request{
			Key:     testKey(t),
			Subject: targetUser,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one scope")
	})

	t.Run("missing subject is rejected", func(t *testing.T) {
		exchanger := newExchanger(t)

		_, err := exchanger.Exchange(ctx, delegation.Request{
			Key:    testKey(t),
			Scopes: []string{driveScope},
		})
		require.Error(t, err)
	})

	t.Run("a key never signs for two subjects", func(t *testing.T) {
		ok := func(req *http.Request) *http.Response {
			return test.Response("200 OK", `{"access_token":"ya29.minted","token_type":"Bearer","expires_in":3600,"scope":"`+driveScope+`"}`)
		}
		exchanger := newExchanger(t, ok, ok)
		key := testKey(t)

		_, err := exchanger.Exchange(ctx, delegation.Request{Key: key, Subject: targetUser, Scopes: []string{driveScope}})
		require.NoError(t, err)

		// same subject again is fine
		_, err = exchanger.Exchange(ctx, delegation.Request{Key: key, Subject: targetUser, Scopes: []string{driveScope}})
		require.NoError(t, err)

		_, err = exchanger.Exchange(ctx, delegation.Request{Key: key, Subject: "bob@domain.com", Scopes: []string{driveScope}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "different subject")
	})

	t.Run("token endpoint override wins over the key file", func(t *testing.T) {
		log, _ := logrustest.NewNullLogger()
		exchanger := delegation.New(log,
			delegation.WithHTTPClient(test.NewTestHttpClient(func(req *http.Request) *http.Response {
				assert.Equal(t, "http://127.0.0.1:1/token", req.URL.String())
				assert.Equal(t, "http://127.0.0.1:1/token", assertionClaims(t, req)["aud"])
				return test.Response("200 OK", `{"access_token":"ya29.minted","token_type":"Bearer","expires_in":3600}`)
			})),
			delegation.WithTokenURL("http://127.0.0.1:1/token"),
		)

		_, err := exchanger.Exchange(ctx, delegation.Request{
			Key:     testKey(t),
			Subject: targetUser,
			Scopes:  []string{driveScope},
		})
		require.NoError(t, err)
	})
}

func TestRetryPolicy(t *testing.T) {
	t.Run("default retries three attempts", func(t *testing.T) {
		policy := delegation.DefaultRetryPolicy()
		assert.Equal(t, 3, policy.MaxAttempts)
		assert.NotZero(t, policy.InitialDelay)
		assert.NotZero(t, policy.Multiplier)
	})
}

func TestNewToken(t *testing.T) {
	token := delegation.NewToken("ya29.external", targetUser, accountEmail, []string{driveScope}, time.Now().Add(time.Hour))

	if !token.Valid() {
		t.Errorf("expected a fresh token to be valid")
	}

	expired := delegation.NewToken("ya29.external", targetUser, accountEmail, []string{driveScope}, time.Now().Add(-time.Minute))
	if expired.Valid() {
		t.Errorf("expected an expired token to be invalid")
	}
}
