package server

import (
	"net/http"

	"github.com/dulitha/sessiond/internal/database"
	"github.com/dulitha/sessiond/internal/manager"
	"github.com/dulitha/sessiond/internal/server/serializer"
	"github.com/dulitha/sessiond/internal/smerror"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

type (
	sess struct {
		db      database.Client
		manager *manager.Manager
	}

	pairParams struct {
		Number string `json:"number"`
	}
)

// CreateOrReport creates the session for ?number=<digits>, or reports the
// existing one.
func (s *sess) CreateOrReport(c echo.Context) error {
	number := manager.SanitizeNumber(c.QueryParam("number"))
	if number == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"success": false,
			"message": "Phone number required",
			"usage":   "/?number=94XXXXXXXXX",
		})
	}

	if info, ok := s.manager.Session(number); ok {
		return c.JSON(http.StatusOK, echo.Map{
			"success": true,
			"message": "Session already active",
			"number":  number,
			"session": serializer.Session(info),
		})
	}

	info, err := s.manager.CreateSession(c.Request().Context(), number, nil, false)
	if err != nil {
		return errors.Wrap(err, "could not create session")
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "Session creation initiated",
		"number":  number,
		"session": serializer.Session(info),
	})
}

// Active enumerates the in-memory sessions.
func (s *sess) Active(c echo.Context) error {
	infos := s.manager.Sessions()
	return c.JSON(http.StatusOK, echo.Map{
		"success":  true,
		"count":    len(infos),
		"sessions": serializer.Sessions(infos),
	})
}

// Health reports per-session health plus aggregated counts.
func (s *sess) Health(c echo.Context) error {
	infos := s.manager.Sessions()
	return c.JSON(http.StatusOK, echo.Map{
		"success":  true,
		"sessions": serializer.Sessions(infos),
		"overall":  serializer.HealthOverall(infos),
	})
}

// SyncStore forces a pending-write flush.
func (s *sess) SyncStore(c echo.Context) error {
	synced := s.manager.FlushPending()
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "Store sync completed",
		"synced":  synced,
	})
}

// RestoreAll triggers the cold restore sweep.
func (s *sess) RestoreAll(c echo.Context) error {
	count, err := s.manager.RestoreAll(c.Request().Context())
	if err != nil {
		return errors.Wrap(err, "could not restore sessions")
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "Restoration initiated",
		"count":   count,
	})
}

// Cleanup triggers the stale-session eviction sweep.
func (s *sess) Cleanup(c echo.Context) error {
	cleaned := s.manager.CleanupStale()
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "Cleanup completed",
		"cleaned": cleaned,
	})
}

// Delete logs the tenant out and removes every trace of the session.
func (s *sess) Delete(c echo.Context) error {
	number := manager.SanitizeNumber(c.Param("number"))
	if number == "" {
		return smerror.NewWithTagCode(http.StatusBadRequest, "invalid-number", "Phone number required.")
	}

	if err := s.manager.DeleteSession(c.Request().Context(), number); err != nil {
		return errors.Wrap(err, "could not delete session")
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "Session deleted successfully",
		"number":  number,
	})
}

// StoreStatus reports durable-store connectivity and counts.
func (s *sess) StoreStatus(c echo.Context) error {
	connected := s.manager.StoreReachable()

	count := 0
	if connected {
		var err error
		if count, err = s.db.CountSessions(); err != nil {
			return errors.Wrap(err, "could not count records")
		}
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success":       true,
		"connected":     connected,
		"records":       count,
		"pending_saves": s.manager.PendingCount(),
	})
}

// RequestPair returns a short alphanumeric code for out-of-band device linking.
func (s *sess) RequestPair(c echo.Context) error {
	var params pairParams
	if err := c.Bind(&params); err != nil {
		return smerror.NewWithTagCode(http.StatusBadRequest, "invalid-parameters", "Invalid request body.")
	}
	if params.Number == "" {
		return smerror.NewWithTagCode(http.StatusBadRequest, "invalid-number", "Phone number required.")
	}

	code, err := s.manager.RequestPairingCode(c.Request().Context(), params.Number)
	if err != nil {
		return errors.Wrap(err, "could not request pairing code")
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"number":  manager.SanitizeNumber(params.Number),
		"code":    code,
	})
}

// RequestQR initiates QR-based linking; the payload is pushed asynchronously
// to WebSocket subscribers.
func (s *sess) RequestQR(c echo.Context) error {
	var params pairParams
	if err := c.Bind(&params); err != nil {
		return smerror.NewWithTagCode(http.StatusBadRequest, "invalid-parameters", "Invalid request body.")
	}
	if params.Number == "" {
		return smerror.NewWithTagCode(http.StatusBadRequest, "invalid-number", "Phone number required.")
	}

	if err := s.manager.RequestQR(c.Request().Context(), params.Number); err != nil {
		return errors.Wrap(err, "could not initiate QR pairing")
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "QR pairing initiated, subscribe to /ws for the payload",
		"number":  manager.SanitizeNumber(params.Number),
	})
}
