package main

import (
	"log"
	"log/slog"
	"net/http"

	"github.com/xf079/LocalShare/internal/config"
	"github.com/xf079/LocalShare/internal/logging"
	"github.com/xf079/LocalShare/internal/relay"
)

func main() {
	logging.Init()

	cfg, err := config.Load(config.Options{})
	if err != nil {
		log.Fatal(err)
	}

	store := relay.NewUserStore()
	hub := relay.NewHub()

	// The hub goroutine owns all room and client state.
	go hub.Run()

	mux := relay.NewRouter(store, hub)

	slog.Info("starting signaling relay", "addr", cfg.RelayAddr)
	log.Fatal(http.ListenAndServe(cfg.RelayAddr, mux))
}
