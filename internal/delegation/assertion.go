package delegation

import (
	"fmt"
	"strings"
	"time"

	"github.com/dwdcheck/dwdcheck/internal/credentials"
	"github.com/golang-jwt/jwt/v5"
)

// assertionLifetime is the maximum exp - iat the token endpoint accepts.
const assertionLifetime = time.Hour

// buildAssertion signs the JWT-bearer assertion: issuer is the service
// account, subject is the target user (the claim that triggers impersonation
// instead of self-authentication), audience is the token endpoint. Every call
// stamps fresh iat/exp claims.
func buildAssertion(key *credentials.Key, subject, audience string, requestedScopes []string, now time.Time) (string, error) {
	rsaKey, err := jwt.ParseRSAPrivateKeyFromPEM(key.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("parse signing key: %w", err)
	}

	claims := jwt.MapClaims{
		"iss":   key.Email,
		"sub":   subject,
		"aud":   audience,
		"scope": strings.Join(requestedScopes, " "),
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if key.ID != "" {
		token.Header["kid"] = key.ID
	}

	assertion, err := token.SignedString(rsaKey)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}

	return assertion, nil
}
