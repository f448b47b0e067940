package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// statsdMiddleware counts and times requests per route, method and status. Handler errors
// are counted with the status echo will answer them with.
func (s *Server) statsdMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)

		status := c.Response().Status
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			status = httpErr.Code
		} else if err != nil {
			status = http.StatusInternalServerError
		}
		tags := []string{
			"route:" + c.Path(),
			"method:" + c.Request().Method,
			"status:" + strconv.Itoa(status),
		}
		_ = s.sdClient.Incr("http.requests", tags, 1)
		_ = s.sdClient.Timing("http.response_time", time.Since(start), tags, 1)
		return err
	}
}

// AuthMiddleware accepts bearer tokens issued by the auth service and stores the client name
// under "client".
func (s *Server) AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenStr == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
		}

		claims, err := s.authService.ValidateToken(tokenStr)
		if err != nil {
			s.logger.Warnf("fail to validate token, err: %v", err)
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		}
		c.Set("client", claims.Client)
		return next(c)
	}
}
