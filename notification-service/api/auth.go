package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"task-pipeline/config"
	"task-pipeline/domain"
)

// Auth verifies push client credentials. Tokens signed with the shared
// secret are always accepted; RS256 tokens are accepted when a JWKS is set.
type Auth struct {
	Secret   []byte
	JWKS     *keyfunc.JWKS
	Audience string
	Issuer   string

	parser *jwt.Parser
	now    func() time.Time
}

// NewAuth builds an Auth from configuration, fetching the JWKS when one is
// configured.
func NewAuth(cfg config.AuthConfig) (*Auth, error) {
	var jwks *keyfunc.JWKS
	if cfg.JWKSURL != "" {
		var err error
		jwks, err = keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			RefreshInterval:   time.Hour,
			RefreshRateLimit:  5 * time.Minute,
			RefreshUnknownKID: true,
		})
		if err != nil {
			return nil, fmt.Errorf("jwks: %w", err)
		}
	}
	return newAuth([]byte(cfg.Secret), jwks, cfg.Audience, cfg.Issuer), nil
}

func newAuth(secret []byte, jwks *keyfunc.JWKS, audience, issuer string) *Auth {
	methods := []string{"HS256"}
	if jwks != nil {
		methods = append(methods, "RS256")
	}
	return &Auth{
		Secret:   secret,
		JWKS:     jwks,
		Audience: audience,
		Issuer:   issuer,
		parser:   jwt.NewParser(jwt.WithValidMethods(methods), jwt.WithoutClaimsValidation()),
		now:      time.Now,
	}
}

// UserIDFromAuthHeader extracts the subject from an Authorization header value.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	token, err := bearerTokenFromString(h)
	if err != nil {
		return "", err
	}
	return a.UserIDFromToken(token)
}

// UserIDFromToken verifies a raw token and returns its subject. The userId
// claim wins over sub.
func (a *Auth) UserIDFromToken(tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", errMissingToken
	}
	parsed, err := a.parser.Parse(tokenStr, a.keyFor)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	now := a.now().Unix()
	if !claims.VerifyExpiresAt(now, false) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now+60, false) {
		return "", errors.New("token not valid yet")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, true) {
		return "", errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, true) {
		return "", errors.New("invalid issuer")
	}

	if uid, ok := domain.SubjectString(claims["userId"]); ok {
		return uid, nil
	}
	if sub, ok := domain.SubjectString(claims["sub"]); ok {
		return sub, nil
	}
	return "", errors.New("missing subject claim")
}

func (a *Auth) keyFor(t *jwt.Token) (any, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(a.Secret) == 0 {
			return nil, errors.New("shared secret not configured")
		}
		return a.Secret, nil
	case *jwt.SigningMethodRSA:
		if a.JWKS == nil {
			return nil, errors.New("jwks not configured")
		}
		return a.JWKS.Keyfunc(t)
	}
	return nil, errors.New("invalid signing method")
}
