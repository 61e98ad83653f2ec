package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/Klomgor/Maintainerr/internal/database"
)

func main() {
	var databaseURL string
	var driverName string
	var migrationsPath string
	var command string

	flag.StringVar(&databaseURL, "database", "", "Database URL (postgres://... or sqlite://path)")
	flag.StringVar(&driverName, "driver", "", "Database driver: postgres or sqlite (default from DATABASE_DRIVER, then sqlite)")
	flag.StringVar(&migrationsPath, "path", "", "Path to migrations directory (default migrations/<driver>)")
	flag.StringVar(&command, "command", "up", "Migration command: up, down, version, force")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if driverName == "" {
		driverName = os.Getenv("DATABASE_DRIVER")
	}

	driver, err := database.ParseDriver(driverName)
	if err != nil {
		log.Fatal(err)
	}

	databaseURL = migrationURL(driver, databaseURL)
	if databaseURL == "" {
		log.Fatal("Database URL is required. Use -database flag or DATABASE_URL environment variable")
	}
	if migrationsPath == "" {
		migrationsPath = filepath.Join("migrations", string(driver))
	}

	log.Printf("Connecting to %s database...", driver)
	log.Printf("Migrations path: %s", migrationsPath)

	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsPath), databaseURL)
	if err != nil {
		log.Fatalf("Failed to create migration instance: %v", err)
	}
	defer m.Close()

	switch command {
	case "up":
		log.Println("Running migrations up...")
		err = m.Up()
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		if errors.Is(err, migrate.ErrNoChange) {
			log.Println("No migrations to run (database is up to date)")
		} else {
			log.Println("Migrations completed successfully!")
		}

	case "down":
		log.Println("Rolling back migrations...")
		err = m.Down()
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("Failed to rollback migrations: %v", err)
		}
		log.Println("Rollback completed successfully!")

	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			log.Fatalf("Failed to get version: %v", err)
		}
		log.Printf("Current version: %d (dirty: %v)", version, dirty)

	case "force":
		if len(flag.Args()) < 1 {
			log.Fatal("Force command requires a version number: -command force <version>")
		}
		var version int
		if _, err := fmt.Sscanf(flag.Arg(0), "%d", &version); err != nil {
			log.Fatalf("Invalid version number: %v", err)
		}
		if err := m.Force(version); err != nil {
			log.Fatalf("Failed to force version: %v", err)
		}
		log.Printf("Forced version to: %d", version)

	default:
		log.Fatalf("Unknown command: %s (use: up, down, version, force)", command)
	}
}

// migrationURL turns the server's SQLite file path into the sqlite:// URL
// the migrate driver expects
func migrationURL(driver database.Driver, url string) string {
	if driver != database.SQLite {
		return url
	}
	if url == "" {
		url = "maintainerr.db"
	}
	if strings.HasPrefix(url, "sqlite://") {
		return url
	}
	return "sqlite://" + strings.TrimPrefix(url, "file:")
}
