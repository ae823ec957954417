package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/observer/carechat/internal/domain"
)

// Credential is the bearer token a session connects with.
// The token is opaque to the client; when it happens to be a JWT the
// subject and expiry are read (without verification) so the connection
// can be dropped when the token lapses.
type Credential struct {
	Token     string
	UserID    string
	Username  string
	ExpiresAt time.Time // zero when unknown
}

// ParseCredential builds a Credential from a raw bearer token
func ParseCredential(token string) (Credential, error) {
	if token == "" {
		return Credential{}, domain.ErrCredentialMissing
	}

	cred := Credential{Token: token}

	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		// Not a JWT; the backend is the only judge of opaque tokens
		return cred, nil
	}

	cred.UserID = claims.Identity()
	cred.Username = claims.Username
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}
	return cred, nil
}

// Expired reports whether the credential's known expiry is before now
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Validate checks the credential is usable at now
func (c Credential) Validate(now time.Time) error {
	if c.Token == "" {
		return domain.ErrCredentialMissing
	}
	if c.Expired(now) {
		return domain.ErrCredentialExpired
	}
	return nil
}
