package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tutorchat-ws/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid or expired token")

type Claims struct {
	Kind domain.IdentityKind `json:"kind"`
	Name string              `json:"name,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) Identity() (domain.Identity, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return domain.Identity{}, ErrInvalidToken
	}
	if !c.Kind.Valid() {
		return domain.Identity{}, ErrInvalidToken
	}
	return domain.Identity{Kind: c.Kind, ID: id, Name: c.Name}, nil
}

func GenerateToken(identity domain.Identity, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Kind: identity.Kind,
		Name: identity.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(identity.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ValidateToken parses an HS256 token and returns the identity it carries
// together with its expiry.
func ValidateToken(tokenString, secret string) (domain.Identity, time.Time, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return domain.Identity{}, time.Time{}, ErrInvalidToken
	}

	identity, err := claims.Identity()
	if err != nil {
		return domain.Identity{}, time.Time{}, err
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return identity, expiresAt, nil
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.Split(strings.TrimSpace(header), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
