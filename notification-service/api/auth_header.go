package api

import (
	"errors"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
	errMissingToken         = errors.New("missing token")
)

const bearerPrefix = "Bearer "

func bearerTokenFromString(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errMissingAuthorization
	}
	token, ok := strings.CutPrefix(trimmed, bearerPrefix)
	if !ok || token == "" {
		return "", errBadAuthorization
	}
	if strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}

// tokenFromRequest returns the credential presented in the Authorization
// header or, for clients that cannot set headers, the token query parameter.
func tokenFromRequest(c echo.Context) (string, error) {
	if h := c.Request().Header.Get(echo.HeaderAuthorization); h != "" {
		return bearerTokenFromString(h)
	}
	if q := c.QueryParam("token"); q != "" {
		return bearerTokenFromString(bearerPrefix + q)
	}
	return "", errMissingToken
}
