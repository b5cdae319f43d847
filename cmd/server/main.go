package main

import (
	"context"
	"flag"
	"log"

	"crashpoint/internal/config"
	"crashpoint/internal/engine"
	"crashpoint/internal/fair"
	"crashpoint/internal/server"
	"crashpoint/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var st store.Store
	if cfg.Server.PostgresDSN != "" {
		st, err = store.NewPostgres(cfg.Server.PostgresDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
	} else {
		log.Printf("no postgres_dsn configured, using in-memory store")
		st = store.NewMemory()
	}
	defer st.Close()

	hub := server.NewHub()
	oracle := fair.HMACOracle{HouseEdge: cfg.Game.HouseEdge}
	eng := engine.New(st, oracle, hub, engine.Config{
		BettingWindow: cfg.Game.BettingWindow,
		TickInterval:  cfg.Game.TickInterval,
		Cooldown:      cfg.Game.Cooldown,
		GrowthK:       cfg.Game.GrowthK,
		ClientSeed:    cfg.Game.ClientSeed,
		HistorySize:   cfg.Game.HistorySize,
	})

	go func() {
		if err := eng.Run(context.Background()); err != nil && err != context.Canceled {
			log.Fatalf("engine: %v", err)
		}
	}()

	gameServer := server.NewGameServer(cfg, st, eng, hub)
	if err := gameServer.Run(cfg.Server.Addr); err != nil {
		log.Fatal(err)
	}
}
