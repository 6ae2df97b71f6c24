// Command mcpbroker wires the core broker components (Transport Registry,
// Process Supervisor, Lifecycle Manager, Gateway) together and keeps them
// running until a shutdown signal arrives.
//
// The control surface that would normally drive start_server/send_request
// calls (an HTTP or CLI front end) is explicitly out of scope (spec.md
// §1/§6); this binary only demonstrates the core's own lifecycle,
// grounded on the signal handling and graceful-shutdown shape of the
// teacher's root main.go.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper-darkly/mcpbroker/internal/broker"
	"github.com/whisper-darkly/mcpbroker/internal/config"
)

var version = "dev"

// shutdownGrace is the default drain period before connections and
// supervised children are force-closed (spec.md §5 default of 10 s).
const shutdownGrace = 10 * time.Second

func main() {
	fmt.Printf("mcpbroker %s\n", version)

	cfgPath := env("MCPBROKER_CONFIG", "")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.WatchForChanges(5 * time.Second)
	defer cfg.Close()

	gw := broker.NewGateway(cfg.Get())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("mcpbroker: running")
	<-sigCh
	log.Println("mcpbroker: shutting down…")

	if err := gw.Shutdown(shutdownGrace); err != nil {
		log.Printf("mcpbroker: shutdown: %v", err)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
