package stats

import (
	"context"
	"log"
	"time"

	"github.com/stepprotocol/step-engine/internal/api"
	"github.com/stepprotocol/step-engine/internal/store"
)

// Poller periodically reads the engine-wide counters and pushes them to
// every websocket subscriber, so map explorers see triangle and click
// totals move without polling the REST surface.
type Poller struct {
	dbStore  store.Store
	wsHub    *api.Hub
	interval time.Duration
}

// NewPoller wires the summary broadcast loop. A non-positive interval
// falls back to 5 seconds.
func NewPoller(dbStore store.Store, wsHub *api.Hub, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{dbStore: dbStore, wsHub: wsHub, interval: interval}
}

// Run broadcasts until the context is cancelled. Summary failures are
// logged and skipped; the loop keeps going.
func (p *Poller) Run(ctx context.Context) {
	log.Println("Starting Mesh Stats Poller...")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Stopping Mesh Stats Poller...")
			return
		case <-ticker.C:
			sum, err := p.dbStore.Summary(ctx)
			if err != nil {
				log.Printf("[Stats] Error reading summary: %v", err)
				continue
			}
			p.wsHub.BroadcastEvent("state_summary", sum)
		}
	}
}
