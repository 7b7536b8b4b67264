package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists route paths that bypass session authentication:
// infrastructure endpoints plus login and self-registration.
var publicPaths = map[string]bool{
	"/health":               true,
	"/health/store":         true,
	"/metrics":              true,
	"/api/v1/sessions":      true,
	"/api/v1/registrations": true,
}

// AuthSkipper returns true for requests whose route should skip
// authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether the given route path is public.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
