// Command keyctl inspects and rotates the signing keys shared by authd
// instances.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"qazna.org/authd/internal/auth"
	"qazna.org/authd/internal/config"
	"qazna.org/authd/internal/obs"
	"qazna.org/authd/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	configPath := flag.String("config", "", "Path to YAML config (defaults to $AUTHD_CONFIG)")
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: keyctl [-config file] [active|rotate|jwks]")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := obs.NewLogger(obs.LogConfig{Level: cfg.Logging.Level, Dev: true})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store, err := pg.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	cipher, err := auth.NewKeyCipher([]byte(cfg.Auth.MasterSecret))
	if err != nil {
		log.Fatalf("master secret: %v", err)
	}
	keys, err := auth.NewKeyManager(store, cipher,
		auth.WithKeyBits(cfg.Auth.KeyBits),
		auth.WithKeyRetention(cfg.Auth.KeyRetention),
		auth.WithKeyLogger(logger),
	)
	if err != nil {
		log.Fatalf("key manager: %v", err)
	}

	switch flag.Arg(0) {
	case "active":
		kp, err := keys.ActiveKeyPair(ctx)
		if err != nil {
			log.Fatalf("active key: %v", err)
		}
		fmt.Println(kp.KID)
	case "rotate":
		kp, err := keys.Rotate(ctx)
		if err != nil {
			log.Fatalf("rotate: %v", err)
		}
		fmt.Println(kp.KID)
	case "jwks":
		set, err := keys.JWKS(ctx)
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(set); err != nil {
			log.Fatalf("encode: %v", err)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
}
