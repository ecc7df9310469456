package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/ManuelReschke/SubGate/internal/pkg/env"
)

func main() {
	env.SetupEnvFile()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	m, err := migrate.New(env.GetEnv("MIGRATIONS_PATH", "file://migrations"), databaseURL())
	if err != nil {
		log.Fatalf("Fehler beim Initialisieren der Migration: %v", err)
	}
	defer func() {
		if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
			log.Printf("Fehler beim Schließen der Migrationsressourcen: %v, %v", sourceErr, dbErr)
		}
	}()

	if err := run(m, os.Args[1], os.Args[2:]); err != nil {
		log.Fatal(err)
	}
}

func databaseURL() string {
	user := env.GetEnv("DB_USER", "subgate")
	host := env.GetEnv("DB_HOST", "db")
	port := env.GetEnv("DB_PORT", "3306")
	name := env.GetEnv("DB_NAME", "subgate")
	log.Printf("Verbinde mit Datenbank: %s@%s:%s/%s", user, host, port, name)
	return fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true",
		user, env.GetEnv("DB_PASSWORD", "subgate"), host, port, name)
}

func run(m *migrate.Migrate, command string, args []string) error {
	switch command {
	case "up":
		return report(m.Up(), "Migrationen erfolgreich ausgeführt")
	case "down":
		return report(m.Steps(-1), "Letzte Migration erfolgreich zurückgerollt")
	case "goto", "force":
		if len(args) < 1 {
			return errors.New("Bitte geben Sie eine Versionsnummer an")
		}
		version, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("Ungültige Versionsnummer: %w", err)
		}
		if command == "force" {
			// Clears the dirty flag after a failed migration was fixed by hand.
			return report(m.Force(int(version)), fmt.Sprintf("Version %d gesetzt", version))
		}
		return report(m.Migrate(uint(version)), fmt.Sprintf("Migration zur Version %d erfolgreich", version))
	case "status":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Println("Keine Migrationen wurden bisher ausgeführt")
			return nil
		}
		if err != nil {
			return fmt.Errorf("Fehler beim Abrufen der Migrationsversion: %w", err)
		}
		suffix := ""
		if dirty {
			suffix = " (dirty)"
		}
		log.Printf("Aktuelle Migrationsversion: %d%s", version, suffix)
		return nil
	default:
		printUsage()
		os.Exit(1)
		return nil
	}
}

func report(err error, success string) error {
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Println("Keine Änderungen: Datenbank ist bereits auf dem neuesten Stand")
		return nil
	case err != nil:
		return fmt.Errorf("Migration fehlgeschlagen: %w", err)
	default:
		log.Println(success)
		return nil
	}
}

func printUsage() {
	fmt.Println("Verwendung: go run cmd/migrate/main.go [command]")
	fmt.Println("Verfügbare Befehle:")
	fmt.Println("  up      - Führe alle ausstehenden Migrationen aus")
	fmt.Println("  down    - Rolle die letzte Migration zurück")
	fmt.Println("  goto N  - Migriere zur Version N")
	fmt.Println("  force N - Setze die Version N ohne Migration (dirty zurücksetzen)")
	fmt.Println("  status  - Zeige aktuelle Migrationsversion an")
}
