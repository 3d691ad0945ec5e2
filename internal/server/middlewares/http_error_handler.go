package middlewares

import (
	"fmt"
	"net/http"

	"github.com/dulitha/sessiond/internal/smerror"
	"github.com/gofrs/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// HTTPErrorHandler formats rendered errors. Every response carries a boolean
// success flag and a human-readable message; stack traces never leak.
func HTTPErrorHandler(log logrus.FieldLogger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		switch err := err.(type) {
		case *echo.HTTPError:
			log.WithError(err).Debug("echo error")
			_ = c.JSON(err.Code, echo.Map{
				"success": false,
				"message": fmt.Sprintf("%v", err.Message),
			})
		case *smerror.SMError:
			status := smerror.StatusCode(err)
			if status < 500 {
				payload := echo.Map{
					"success": false,
					"message": err.Error(),
				}
				if number := err.Number(); number != "" {
					payload["number"] = number
				}
				_ = c.JSON(status, payload)
				return
			}

			internal(log, err, c)
		default:
			internal(log, err, c)
		}
	}
}

func internal(log logrus.FieldLogger, err error, c echo.Context) {
	id := uuid.Must(uuid.NewV4()).String()
	log.WithField("error_id", id).Error(err.Error())

	_ = c.JSON(http.StatusInternalServerError, echo.Map{
		"success": false,
		"message": fmt.Sprintf("Unexpected error (id: %s)", id),
	})
}
