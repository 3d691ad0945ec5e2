package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/muesli/coral"
	"github.com/pkg/errors"

	"github.com/dulitha/sessiond/internal/database"
	"github.com/dulitha/sessiond/internal/logger"
	"github.com/dulitha/sessiond/internal/manager"
	"github.com/dulitha/sessiond/internal/protocol"
	_ "github.com/dulitha/sessiond/internal/protocol/devconn"
	"github.com/dulitha/sessiond/internal/server"
)

const dbname = "sessiond.db"

// shutdownTimeout bounds the graceful shutdown; after that the process exits
// even if some flushes are still pending.
const shutdownTimeout = 30 * time.Second

var (
	version  = "dev"
	revision = "none"
	date     = "unknown"

	cfg string
)

func main() {
	c := &coral.Command{
		Use:     "sessiond",
		Short:   "Multi-tenant session manager for persistent messaging connections",
		Version: fmt.Sprintf("%s - build %.7s @ %s - %s", version, revision, date, runtime.Version()),
		Args:    coral.ExactArgs(0),
	}
	initCmd.Flags().StringVarP(&cfg, "config", "c", "", "Configuration file")
	c.AddCommand(initCmd)

	serverCmd.Flags().StringVarP(&cfg, "config", "c", "", "Configuration file")
	c.AddCommand(serverCmd)

	if err := c.Execute(); err != nil {
		log.Fatalf("%+v", err)
	}
}

func dbnameWithPath(path string) string {
	if len(path) == 0 {
		return dbname
	}
	return filepath.Join(path, dbname)
}

// loadConfiguration merges defaults, the optional YAML file and the
// SESSIOND_* environment (double underscore maps to a dot).
func loadConfiguration() (*koanf.Koanf, error) {
	konf := koanf.New(".")

	err := konf.Load(confmap.Provider(map[string]interface{}{
		"address":       ":8000",
		"database_path": "",
		"auth_path":     "auth",
		"connector":     "dev",
		"log.level":     "info",
		"log.file":      "",
	}, "."), nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not load defaults")
	}

	if cfg != "" {
		if err := konf.Load(file.Provider(cfg), yaml.Parser()); err != nil {
			return nil, errors.Wrap(err, "could not load configuration file")
		}
	}

	err = konf.Load(env.Provider("SESSIOND_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "SESSIOND_")), "__", ".")
	}), nil)
	return konf, errors.Wrap(err, "could not load environment")
}

var (
	initCmd = &coral.Command{
		Use:   "init",
		Short: "Init the database",
		Args:  coral.ExactArgs(0),
		RunE: func(_ *coral.Command, _ []string) error {
			konf, err := loadConfiguration()
			if err != nil {
				return err
			}

			return database.StormInit(dbnameWithPath(konf.String("database_path")))
		},
	}

	//
	//
	serverCmd = &coral.Command{
		Use:   "server",
		Short: "Start server",
		Args:  coral.ExactArgs(0),
		RunE: func(_ *coral.Command, _ []string) error {
			konf, err := loadConfiguration()
			if err != nil {
				return err
			}

			lg := logger.New(konf.String("log.level"), konf.String("log.file"))

			db, err := database.StormOpen(dbnameWithPath(konf.String("database_path")))
			if err != nil {
				return errors.Wrap(err, "could not open database")
			}
			defer db.Close()

			connector, err := protocol.LookupConnector(konf.String("connector"))
			if err != nil {
				return err
			}

			m := manager.New(db, connector, manager.Config{
				AuthPath:                konf.String("auth_path"),
				MaxFailedAttempts:       konf.Int("limits.max_failed_attempts"),
				MaxSessionAge:           konf.Duration("limits.max_session_age"),
				DisconnectedCleanupTime: konf.Duration("limits.disconnected_cleanup"),
				ImmediateDeleteDelay:    konf.Duration("limits.immediate_delete_delay"),
				ReconnectDelay:          konf.Duration("limits.reconnect_delay"),
				RestorePacing:           konf.Duration("limits.restore_pacing"),
				SaveInterval:            konf.Duration("intervals.save"),
				CleanupInterval:         konf.Duration("intervals.cleanup"),
				ReconnectInterval:       konf.Duration("intervals.reconnect"),
				RestoreInterval:         konf.Duration("intervals.restore"),
				SyncInterval:            konf.Duration("intervals.sync"),
				InitialRestoreDelay:     konf.Duration("intervals.initial_restore_delay"),
				AdminNumbers:            konf.Strings("notify.admins"),
				GroupInvite:             konf.String("autojoin.group_invite"),
				Channels:                konf.Strings("autojoin.channels"),
			}, lg)
			m.Start()

			engine := server.EchoEngine(server.IOC{
				Version:  version,
				Database: db,
				Manager:  m,
				Logger:   lg,
			})
			server.PrintRoutes(engine)

			address := konf.String("address")
			go func() {
				lg.Infof("Server listening on %s", address)
				if err := engine.Start(address); err != nil && err != http.ErrServerClosed {
					lg.WithError(err).Fatal("could not run server")
				}
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop
			lg.Info("Shutting down gracefully...")

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := engine.Shutdown(ctx); err != nil {
				lg.WithError(err).Warn("control plane shutdown failed")
			}
			if err := m.Shutdown(ctx); err != nil {
				lg.WithError(err).Warn("manager shutdown incomplete")
			}
			return nil
		},
	}
)
