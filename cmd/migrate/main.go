// Command migrate applies or inspects the postgres schema migrations.
//
//	migrate [up|down|status|version]
package main

import (
	"context"
	"flag"
	"log"

	"settlement-service/config"
	"settlement-service/internal/store"
	"settlement-service/migrations"

	"github.com/pressly/goose/v3"
)

func main() {
	flag.Parse()
	command := "up"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.Driver != store.DriverPostgres {
		log.Fatalf("migrations target postgres, DATABASE_DRIVER is %q", cfg.Database.Driver)
	}

	db, err := store.NewStore(cfg.Database.URL, 1)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect(store.DriverPostgres); err != nil {
		log.Fatalf("Failed to set dialect: %v", err)
	}

	if err := goose.RunContext(context.Background(), command, db.GetDB().DB, "."); err != nil {
		log.Fatalf("goose %s: %v", command, err)
	}
}
