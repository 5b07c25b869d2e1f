package auth // import "github.com/atriumhq/atrium/auth"

import (
	"time"

	"github.com/atriumhq/atrium/metadata"
	"github.com/atriumhq/atrium/utils"
	"github.com/golang-jwt/jwt/v4"
)

// The platform web app signs short-lived HMAC tokens for its calls into
// the host-service. Both sides share API_SHARED_SECRET; there is no
// third-party identity provider in this path.

// AtriumClaims are the claims we expect on every authenticated request.
type AtriumClaims struct {
	jwt.RegisteredClaims

	// UserID is the platform user the web app is acting on behalf of.
	UserID string `json:"user_id"`
}

// ParseToken validates the signature and expiry of a raw token string and
// returns its claims.
func ParseToken(raw string) (*AtriumClaims, error) {
	secret := metadata.GetAPISharedSecret()
	if secret == "" {
		return nil, utils.MakeError("can't verify tokens: API_SHARED_SECRET is not set")
	}

	claims := new(AtriumClaims)
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, utils.MakeError("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, utils.MakeError("couldn't parse token: %s", err)
	}
	if !token.Valid {
		return nil, utils.MakeError("token is invalid")
	}

	return claims, nil
}

// Verify checks the claims the web app is required to set.
func Verify(claims *AtriumClaims) error {
	if claims.UserID == "" {
		return utils.MakeError("token is missing the user_id claim")
	}
	if claims.ExpiresAt == nil {
		return utils.MakeError("token is missing an expiry")
	}
	return nil
}

// SignToken mints a token for the given user. Used by tests and the local
// development CLI; in production the web app does its own signing.
func SignToken(userID string, ttl time.Duration) (string, error) {
	secret := metadata.GetAPISharedSecret()
	if secret == "" {
		return "", utils.MakeError("can't sign tokens: API_SHARED_SECRET is not set")
	}

	claims := AtriumClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "atrium-web",
		},
		UserID: userID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
