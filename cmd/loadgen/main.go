// Command loadgen publishes synthetic deliberation sessions against a
// Permanent Store for manual and local testing, adapted from the
// predecessor's flag-driven cmd/seeder (which inserted fixture rows
// directly via database/sql) into a generator that drives the pipeline
// through its real Publish path instead of writing rows by hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mescon/eventpipe/internal/circuitbreaker"
	"github.com/mescon/eventpipe/internal/clock"
	"github.com/mescon/eventpipe/internal/config"
	"github.com/mescon/eventpipe/internal/pipeline"
	"github.com/mescon/eventpipe/internal/store"
)

var expertNames = []string{"alpha", "bravo", "charlie", "delta"}

func main() {
	dbPath := flag.String("db", "./loadgen.db", "Permanent Store database path")
	sessions := flag.Int("sessions", 10, "number of synthetic deliberation sessions to publish")
	eventsPerSession := flag.Int("events", 20, "working_status events per session, in addition to the fixed session/expert events")
	concurrency := flag.Int("concurrency", 4, "number of sessions published concurrently")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed for synthetic content")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))

	permStore, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer permStore.Close()

	cfg := config.NewTestConfig()
	p := pipeline.New(permStore, clock.NewRealClock(), pipeline.Config{
		BatchWindow:      cfg.BatchWindow,
		BatchMax:         cfg.BatchMax,
		BufferCap:        cfg.BufferCap,
		PersistWorkers:   cfg.PersistWorkers,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		RetryDelays:      cfg.RetryDelays,
		DLQWarnThreshold: cfg.DLQWarnThreshold,
		DLQCritThreshold: cfg.DLQCriticalThreshold,
		TransientTTL:     cfg.TransientTTL,
		CircuitBreaker:   circuitbreaker.DefaultConfig(),
	}, nil, nil)
	p.Start(context.Background())
	defer p.Shutdown()

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup
	for i := 0; i < *sessions; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			publishSession(p, rng, i, *eventsPerSession)
		}(i)
	}
	wg.Wait()

	fmt.Printf("Published %d synthetic deliberation session(s) to %s\n", *sessions, *dbPath)
}

// publishSession drives one synthetic deliberation through the publish
// pattern SPEC_FULL.md's test scenarios exercise: a status stream, an
// expert merge triple per expert, and a terminal completion event.
func publishSession(p *pipeline.Pipeline, rng *rand.Rand, i, eventsPerSession int) {
	ctx := context.Background()
	sessionID := fmt.Sprintf("session-%04d-%s", i, uuid.NewString()[:8])

	p.Publish(ctx, sessionID, "session_started", map[string]interface{}{
		"topic": fmt.Sprintf("synthetic deliberation #%d", i),
	}, "")

	for j := 0; j < eventsPerSession; j++ {
		p.Publish(ctx, sessionID, "working_status", map[string]interface{}{
			"step":    j,
			"message": "deliberating",
		}, "")
	}

	for _, expert := range expertNames {
		if rng.Float64() < 0.5 {
			continue // not every session hears from every expert
		}
		requestID := uuid.NewString()
		p.Publish(ctx, sessionID, "expert_started", map[string]interface{}{
			"expert_id": expert,
		}, requestID)
		p.Publish(ctx, sessionID, "expert_reasoning", map[string]interface{}{
			"expert_id": expert,
			"detail":    "weighing the evidence",
		}, requestID)
		p.Publish(ctx, sessionID, "expert_conclusion", map[string]interface{}{
			"expert_id":  expert,
			"conclusion": "recommend proceeding",
		}, requestID)
	}

	p.Publish(ctx, sessionID, "session_completed", map[string]interface{}{
		"outcome": "resolved",
	}, "")
}
