package utils

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// SessionClaims is the portal session as seen by this service: the user and
// the general-contractor account their request is scoped to.
type SessionClaims struct {
	UserId      string `json:"user_id"`
	GcAccountId string `json:"gc_account_id"`
	IsAdmin     bool   `json:"is_admin,omitempty"`
	jwt.StandardClaims
}

func (c *SessionClaims) Valid() error {
	if err := c.StandardClaims.Valid(); err != nil {
		return err
	}
	if c.UserId == "" || c.GcAccountId == "" {
		return errors.New("session token missing user_id or gc_account_id")
	}
	return nil
}

func jwtSecret() []byte {
	return []byte(os.Getenv("JWT_SECRET"))
}

// JwtGenerate is used by operator tooling and tests; the portal issues the real sessions.
func JwtGenerate(userId string, gcAccountId string, ttl time.Duration) (string, error) {
	secret := jwtSecret()
	if len(secret) == 0 {
		return "", errors.New("JWT_SECRET is not set")
	}
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &SessionClaims{
		UserId:      userId,
		GcAccountId: gcAccountId,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: now.Add(ttl).Unix(),
			IssuedAt:  now.Unix(),
		},
	})
	return t.SignedString(secret)
}

func JwtValidate(token string) (*SessionClaims, error) {
	secret := jwtSecret()
	if len(secret) == 0 {
		return nil, errors.New("JWT_SECRET is not set")
	}
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}
