package jwt

import (
	"context"
	"fmt"
	"time"

	libjwt "github.com/golang-jwt/jwt/v5"
)

// Config configures the adapter, per the package doc's documented contract.
type Config struct {
	Secret     string        `env:"JWT_SECRET"`
	Expiration time.Duration `env:"JWT_EXPIRATION" env-default:"24h"`
	Issuer     string        `env:"JWT_ISSUER" env-default:"messaging-core"`
}

// Claims is the identity this adapter verifies: a subject, an issuer, and
// the union of the singular "role" and plural "roles" claims a token may
// carry, since both shapes appear across the services this adapter serves.
type Claims struct {
	Subject string
	Issuer  string
	Roles   []string
}

// Adapter issues and verifies HMAC-SHA256 (HS256) signed tokens.
type Adapter struct {
	cfg Config
}

func New(cfg Config) *Adapter {
	return &Adapter{cfg: cfg}
}

// Generate issues a signed token for userID carrying roles.
func (a *Adapter) Generate(userID string, roles []string) (string, error) {
	now := time.Now()
	expiration := a.cfg.Expiration
	if expiration == 0 {
		expiration = 24 * time.Hour
	}
	claims := libjwt.MapClaims{
		"sub":   userID,
		"iss":   a.cfg.Issuer,
		"roles": roles,
		"iat":   now.Unix(),
		"exp":   now.Add(expiration).Unix(),
	}
	token := libjwt.NewWithClaims(libjwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.Secret))
}

// Verify parses and validates tokenString, merging its "role" and "roles"
// claims into Claims.Roles.
func (a *Adapter) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	token, err := libjwt.Parse(tokenString, func(t *libjwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*libjwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(a.cfg.Secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("jwt: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("jwt: invalid token")
	}

	mapClaims, ok := token.Claims.(libjwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("jwt: unexpected claims type")
	}

	claims := &Claims{}
	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}
	if iss, ok := mapClaims["iss"].(string); ok {
		claims.Issuer = iss
	}

	seen := make(map[string]bool)
	addRole := func(r string) {
		if r != "" && !seen[r] {
			seen[r] = true
			claims.Roles = append(claims.Roles, r)
		}
	}
	if role, ok := mapClaims["role"].(string); ok {
		addRole(role)
	}
	if roles, ok := mapClaims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				addRole(s)
			}
		}
	}

	return claims, nil
}
