package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/drobiAlex/wabus-fleetsync/internal/config"
	"github.com/drobiAlex/wabus-fleetsync/internal/reference"
)

func main() {
	// Command line flags
	force := flag.Bool("force", false, "Always download the full bundle, skipping the freshness check")
	date := flag.String("date", "", "If set (YYYYMMDD), print the service ids active on that date")
	timeout := flag.Duration("timeout", 5*time.Minute, "Overall timeout for the sync")
	flag.Parse()

	config.LoadEnvFiles(".")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var store reference.Store
	switch cfg.StoreKind {
	case config.StoreFile:
		store = reference.NewFileStore(cfg.CacheDir, nil)
		log.Printf("Using file cache: %s", cfg.CacheDir)
	case config.StoreSQLite:
		db, err := reference.OpenSQLite(ctx, cfg.SQLitePath, nil)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
		store = db
		log.Printf("Connected to database: %s", cfg.SQLitePath)
	default:
		log.Println("Warning: no reference store configured, data will not be persisted")
	}

	mgr := reference.NewManager(reference.Options{
		BaseURL:   cfg.BaseURL,
		Store:     store,
		Freshness: cfg.ReferenceFreshness,
	})

	if *force {
		mgr.Load(ctx)
		err = mgr.ForceSync(ctx)
	} else {
		err = mgr.SyncIfNeeded(ctx)
	}
	if err != nil {
		log.Printf("ERROR: sync failed: %v", err)
		if !mgr.IsReady() {
			os.Exit(1)
		}
		log.Println("Continuing with cached data")
	}

	out, _ := json.MarshalIndent(mgr.Stats(), "", "  ")
	fmt.Println(string(out))

	if *date != "" {
		day, err := time.ParseInLocation("20060102", *date, time.Local)
		if err != nil {
			log.Fatalf("Invalid -date %q: %v", *date, err)
		}
		ids := mgr.ActiveServiceIDs(day)
		sort.Strings(ids)
		fmt.Printf("%d services active on %s\n", len(ids), *date)
		for _, id := range ids {
			fmt.Println(id)
		}
	}
}
