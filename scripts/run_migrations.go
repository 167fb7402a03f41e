package main

import (
	"os"

	"github.com/safar/go-sql-shop/internal/config"
	"github.com/safar/go-sql-shop/internal/database"
	"github.com/sirupsen/logrus"
)

func main() {
	if len(os.Args) < 2 {
		logrus.Fatal("Usage: go run scripts/run_migrations.go [up|down]")
	}

	direction := os.Args[1]
	if direction != "up" && direction != "down" {
		logrus.Fatal("Direction must be 'up' or 'down'")
	}

	cfg := config.LoadDatabase()
	db, err := database.NewConnection(&cfg)
	if err != nil {
		logrus.WithError(err).Fatal("connect to database")
	}
	defer db.Close()

	run := database.Migrate
	if direction == "down" {
		run = database.MigrateDown
	}

	if err := run(db); err != nil {
		logrus.WithError(err).Fatalf("migrate %s", direction)
	}

	logrus.WithField("direction", direction).Info("migrations applied")
}
