package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"qazna.org/authd/internal/migrate"
	"qazna.org/authd/internal/obs"
	"qazna.org/authd/internal/store/pg"
	"qazna.org/authd/migrations"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            = flag.String("dsn", os.Getenv("AUTHD_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "Directory of SQL migrations (defaults to the embedded set)")
		seedsPath      = flag.String("seeds", "", "Directory of SQL seeds (defaults to the embedded set)")
		timeout        = flag.Duration("timeout", 30*time.Second, "Overall timeout")
		verbose        = flag.Bool("v", false, "Log every applied file")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or AUTHD_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	var opts []migrate.Option
	if *verbose {
		logger, err := obs.NewLogger(obs.LogConfig{Level: "info", Dev: true})
		if err != nil {
			log.Fatalf("logger: %v", err)
		}
		opts = append(opts, migrate.WithLogger(logger))
	}
	mgr := migrate.NewManager(store.DB(), source(*migrationsPath, migrations.Schema()), source(*seedsPath, migrations.Seeds()), opts...)

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		report("applied", applied)
	case "down":
		var reverted string
		reverted, err = mgr.Down(ctx)
		if err == nil && reverted != "" {
			fmt.Println("reverted", reverted)
		}
	case "seed":
		var seeded []string
		seeded, err = mgr.Seed(ctx)
		report("seeded", seeded)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

func source(dir string, embedded fs.FS) fs.FS {
	if dir == "" {
		return embedded
	}
	return os.DirFS(dir)
}

func report(verb string, names []string) {
	if len(names) == 0 {
		fmt.Println("nothing to do")
		return
	}
	for _, n := range names {
		fmt.Println(verb, n)
	}
}
