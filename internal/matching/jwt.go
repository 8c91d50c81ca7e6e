package matching

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gettlstap/tlstap/pkg/rule"
)

const bearerPrefix = "Bearer "

// MatchJWT checks bearer-token claims against expected values.
// Returns ScoreJWTClaim per matched claim, or 0 when there is no bearer
// token, the token does not parse, or any claim differs (all must match).
//
// Without a secret the claims are read unverified, which is enough to route
// traffic by token content. With a secret the signature must verify as
// HS256/HS384/HS512 before any claim is compared.
func MatchJWT(m *rule.JWTMatch, r *http.Request) int {
	if m == nil || len(m.Claims) == 0 {
		return 0
	}

	raw := bearerToken(r)
	if raw == "" {
		return 0
	}

	claims, err := tokenClaims(raw, m.Secret)
	if err != nil {
		return 0
	}

	score := 0
	for name, expected := range m.Claims {
		actual, ok := claims[name]
		if !ok || !valuesEqual(actual, expected) {
			return 0
		}
		score += ScoreJWTClaim
	}

	return score
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(auth[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(bearerPrefix):])
}

// tokenClaims parses the token, verifying the signature when a secret is
// configured.
func tokenClaims(raw, secret string) (jwt.MapClaims, error) {
	if secret == "" {
		token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
		if err != nil {
			return nil, err
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return nil, fmt.Errorf("unexpected claims format")
		}
		return claims, nil
	}

	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims format")
	}
	return claims, nil
}
