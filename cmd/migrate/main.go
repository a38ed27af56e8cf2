package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"usergate.dev/internal/migrate"
	"usergate.dev/internal/obs"
)

const usage = "usage: migrate [-dsn DSN] up|down|seed|status|bootstrap"

func main() {
	_ = godotenv.Load()
	obs.Configure(os.Getenv("USERGATE_LOG_LEVEL"), "text")
	log := obs.Logger()

	dsn := flag.String("dsn", os.Getenv("USERGATE_PG_DSN"), "PostgreSQL DSN (default $USERGATE_PG_DSN)")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	if *dsn == "" || flag.NArg() != 1 {
		log.Fatal(usage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.WithError(err).Fatal("open db")
	}
	defer db.Close()

	cmd := flag.Arg(0)
	if err := run(ctx, migrate.NewManager(db, migrate.WithLogger(log)), cmd); err != nil {
		log.WithError(err).WithField("command", cmd).Fatal("migrate failed")
	}
}

// run executes one command. bootstrap applies the schema and then the role seeds.
func run(ctx context.Context, mgr *migrate.Manager, cmd string) error {
	switch cmd {
	case "up":
		return mgr.Up(ctx)
	case "down":
		return mgr.Down(ctx)
	case "seed":
		return mgr.Seed(ctx)
	case "bootstrap":
		if err := mgr.Up(ctx); err != nil {
			return err
		}
		return mgr.Seed(ctx)
	case "status":
		history, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		for _, item := range history {
			fmt.Println(item)
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q (%s)", cmd, usage)
	}
}
