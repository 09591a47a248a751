package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// JSONErrorHandler renders every unhandled error (404s, rate limiting,
// missing API key, panics) as an ErrorResponse
func JSONErrorHandler(logger *logrus.Logger, devMode bool) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			_ = c.JSON(he.Code, ErrorResponse{
				Error: http.StatusText(he.Code),
				Code:  he.Code,
			})
			return
		}

		if logger != nil {
			logger.WithError(err).WithField("path", c.Path()).Error("unhandled request error")
		}
		resp := ErrorResponse{
			Error: "internal server error",
			Code:  http.StatusInternalServerError,
		}
		if devMode {
			resp.Details = err.Error()
		}
		_ = c.JSON(http.StatusInternalServerError, resp)
	}
}
