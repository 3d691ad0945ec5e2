package server

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/dulitha/sessiond/internal/database"
	"github.com/dulitha/sessiond/internal/manager"
	"github.com/dulitha/sessiond/internal/server/middlewares"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
)

// An IOC is an Iversion Of Control pattern used to init the server package.
type IOC struct {
	Version  string
	Database database.Client
	Manager  *manager.Manager
	Logger   logrus.FieldLogger
}

// EchoEngine instantiates the wep server.
func EchoEngine(ctrl IOC) *echo.Echo {
	engine := echo.New()
	engine.HideBanner = true
	engine.Use(middleware.Recover())
	engine.Use(middleware.Secure())
	engine.Use(middleware.CORSWithConfig(middleware.DefaultCORSConfig))
	engine.Use(middleware.Gzip())

	engine.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${status}] ${method} ${uri} (${bytes_in}) ${latency_human}\n",
	}))
	engine.Binder = middlewares.NewBinder()
	// Error handler
	engine.HTTPErrorHandler = middlewares.HTTPErrorHandler(ctrl.Logger)

	////////////
	// Router //
	////////////

	hub := NewHub(ctrl.Logger)
	ctrl.Manager.OnPairing(hub.PairingSink())

	router := engine.Group("")

	// generic handlers
	//
	router.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{
			"version": ctrl.Version,
		})
	})
	router.GET("/ping", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{
			"success":         true,
			"message":         "pong",
			"timestamp":       time.Now().UTC(),
			"uptime":          ctrl.Manager.Uptime().Round(time.Second).String(),
			"store":           ctrl.Manager.StoreReachable(),
			"active_sessions": len(ctrl.Manager.Sessions()),
		})
	})

	//
	// session handlers
	//
	session := &sess{
		db:      ctrl.Database,
		manager: ctrl.Manager,
	}
	router.GET("/", session.CreateOrReport)
	router.GET("/active", session.Active)
	router.GET("/session-health", session.Health)
	router.GET("/sync-store", session.SyncStore)
	router.GET("/restore-all", session.RestoreAll)
	router.GET("/cleanup", session.Cleanup)
	router.GET("/store-status", session.StoreStatus)
	router.DELETE("/session/:number", session.Delete)

	//
	// pairing handlers
	//
	router.POST("/api/request-pair", session.RequestPair)
	router.POST("/api/request-qr", session.RequestQR)
	router.GET("/ws", hub.Subscribe)

	return engine
}

// PrintRoutes prints the Echo engin exposed routes.
func PrintRoutes(e *echo.Echo) {
	ignored := map[string]bool{
		"":   true,
		".":  true,
		"/*": true,
	}

	routes := e.Routes()
	sort.Slice(routes, func(i int, j int) bool {
		return routes[i].Path < routes[j].Path
	})

	fmt.Println("Routes:")
	for _, route := range routes {
		if ignored[route.Path] {
			continue
		}
		fmt.Printf("%6s %s\n", route.Method, route.Path)
	}
}
