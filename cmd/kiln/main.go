package main

import (
	"log"
	"os"

	"github.com/kilnml/kiln/internal/api"
	"github.com/kilnml/kiln/internal/compute"
	"github.com/kilnml/kiln/internal/config"
	"github.com/kilnml/kiln/internal/engine"
	"github.com/kilnml/kiln/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("kiln: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"data_root", cfg.DataRoot,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	registry := compute.NewRegistry()
	registry.Register(compute.NewLocalProvisioner(logger))

	manager := compute.NewManager(db, registry, logger)
	eng := engine.NewEngine(db, manager, cfg.DataRoot, logger)

	srv := api.NewServer(cfg.ListenAddr, db, registry, manager, eng, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	// Let in-flight runs record their final state before the process exits.
	eng.Wait()
}
