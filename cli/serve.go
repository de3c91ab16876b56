// ABOUTME: Reference sync server subcommand
// ABOUTME: Serves the mutation endpoint over HTTP backed by SQLite until interrupted
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/harperreed/clinicsync/config"
	"github.com/harperreed/clinicsync/db"
	"github.com/harperreed/clinicsync/web"
	"go.uber.org/zap"
)

// ServeCommand runs the reference sync server.
func ServeCommand(cfg *config.Config, log *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", cfg.ServerAddr, "Listen address")
	dbPath := fs.String("db-path", cfg.ResolvedServerDB(), "SQLite database path")
	token := fs.String("token", os.Getenv("CLINICSYNC_SERVER_TOKEN"), "Bearer token clients must send (default: none)")
	_ = fs.Parse(args)

	database, err := db.OpenDatabase(*dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	srv, err := web.NewServer(database, log, *token)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("sync server database", zap.String("path", *dbPath), zap.Bool("auth", *token != ""))
	return srv.Start(ctx, *addr)
}
