// Command orchestratord is the control plane's single binary: it wires a
// corectx.Core, starts the embedded NATS broker and outbox drain, runs the
// dispatcher and supervisor loops, and serves the HTTP/WS adapter, all
// until SIGINT/SIGTERM. Grounded on the teacher's cmd/cliaimonitor/main.go
// flag parsing and signal-driven graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opsfleet/orchestrator/internal/api"
	"github.com/opsfleet/orchestrator/internal/config"
	"github.com/opsfleet/orchestrator/internal/corectx"
	"github.com/opsfleet/orchestrator/internal/eventbus"
)

const outboxDrainInterval = 2 * time.Second

func main() {
	addr := flag.String("addr", ":8080", "HTTP/WS listen address")
	dbPath := flag.String("db", "data/orchestrator.db", "path to the SQLite store")
	configPath := flag.String("config", "", "path to a YAML configuration override (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	core, err := corectx.New(corectx.Config{YAML: cfg, DBPath: *dbPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialize core: %v\n", err)
		os.Exit(1)
	}
	defer core.Close()

	broker, err := eventbus.StartEmbeddedBroker()
	if err != nil {
		fmt.Fprintf(os.Stderr, "start embedded broker: %v\n", err)
		os.Exit(1)
	}
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	stopDrain := eventbus.StartDrain(ctx,
		func(ctx context.Context, limit int) ([]eventbus.DrainRow, error) {
			rows, err := core.Store.PendingOutbox(ctx, limit)
			if err != nil {
				return nil, err
			}
			out := make([]eventbus.DrainRow, len(rows))
			for i, r := range rows {
				out[i] = eventbus.DrainRow{ID: r.ID, EntityType: r.EntityType, EntityID: r.EntityID, Payload: r.Payload}
			}
			return out, nil
		},
		core.Store.MarkDelivered,
		broker,
		outboxDrainInterval,
	)

	loopsDone := make(chan struct{})
	go func() {
		core.Run(ctx)
		close(loopsDone)
	}()

	srv := api.NewServer(core, *addr)
	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Run(ctx) }()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case <-shutdown:
	case err := <-serverErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
		}
	}

	cancel()
	stopDrain()
	<-loopsDone
}
