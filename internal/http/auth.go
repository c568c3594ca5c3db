package http

import (
	"crypto/subtle"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// approvalAuth requires "Authorization: Bearer <APIToken>" when a token is
// configured.
func (s *Server) approvalAuth() echo.MiddlewareFunc {
	token := []byte(s.config.APIToken)
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		Skipper: func(echo.Context) bool { return len(token) == 0 },
		Validator: func(key string, c echo.Context) (bool, error) {
			if subtle.ConstantTimeCompare([]byte(key), token) == 1 {
				return true, nil
			}
			s.logger.Warn("approval rejected: invalid API token",
				zap.String("client", c.RealIP()),
				zap.String("job_id", c.Param("id")),
			)
			return false, nil
		},
	})
}
