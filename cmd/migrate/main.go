// Command migrate applies the embedded verification schema.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"channelverify/migrations"

	"github.com/golang-migrate/migrate/v4"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const defaultMigrationTimeout = 5 * time.Minute

func main() {
	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	timeout := flag.Duration("timeout", defaultMigrationTimeout, "Lock timeout per migration")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <command> [args]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  up [N]     Apply all or N up migrations\n")
		fmt.Fprintf(os.Stderr, "  down [N]   Roll back all or N migrations\n")
		fmt.Fprintf(os.Stderr, "  version    Print current migration version\n")
		fmt.Fprintf(os.Stderr, "\nThe database is read from DATABASE_URL.\n\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	if err := run(logger, dsn, *timeout, args[0], args[1:]); err != nil {
		logger.WithError(err).Fatal("migration failed")
	}
}

func run(logger logrus.FieldLogger, dsn string, timeout time.Duration, cmd string, args []string) error {
	steps, err := parseSteps(args)
	if err != nil {
		return err
	}

	db, err := migrations.Open(dsn)
	if err != nil {
		return err
	}
	m, err := migrations.New(db, timeout)
	if err != nil {
		db.Close()
		return err
	}
	defer m.Close()

	current, dirty, _ := m.Version()
	switch cmd {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	case "version":
		if _, _, verr := m.Version(); errors.Is(verr, migrate.ErrNilVersion) {
			logger.Info("no migrations have been applied yet")
			return nil
		}
		logger.WithFields(logrus.Fields{"version": current, "dirty": dirty}).Info("current migration version")
		return nil
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("no migrations to apply")
		return nil
	}
	if err != nil {
		return err
	}
	next, _, _ := m.Version()
	logger.WithFields(logrus.Fields{"from": current, "to": next}).Info("migration completed")
	return nil
}

func parseSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	steps, err := strconv.Atoi(args[0])
	if err != nil || steps < 0 {
		return 0, fmt.Errorf("invalid number of steps: %s", args[0])
	}
	return steps, nil
}
