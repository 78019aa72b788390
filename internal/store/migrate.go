package store

import (
	"embed"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// RunMigrations applies all pending up migrations for dbType.
//
// For mysql, databaseURL is a go-sql-driver DSN (user:pass@tcp(host:port)/db?parseTime=true)
// and is prefixed with "mysql://" for migrate. For postgres it is a postgres:// URL.
func RunMigrations(dbType, databaseURL string) error {
	log.Printf("INFO: store: running migrations for %s", dbType)

	migrateURL := databaseURL
	switch strings.ToLower(dbType) {
	case "postgres":
	case "mysql":
		if !strings.HasPrefix(migrateURL, "mysql://") {
			migrateURL = "mysql://" + migrateURL
		}
	default:
		return fmt.Errorf("migrations: unsupported database type: %s", dbType)
	}

	src, err := iofs.New(migrationsFS, "migrations/"+strings.ToLower(dbType))
	if err != nil {
		return fmt.Errorf("migrations: open source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL)
	if err != nil {
		return fmt.Errorf("migrations: create instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Printf("INFO: store: schema is up to date")
			return nil
		}
		return fmt.Errorf("migrations: up: %w", err)
	}

	log.Printf("INFO: store: migrations applied")
	return nil
}
