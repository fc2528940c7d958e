package syncstore

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// prober memoizes one availability probe per kind for the process lifetime.
// Probing once keeps a dead collection from adding a failed round trip to
// every local-first write in the session.
type prober struct {
	mu        sync.Mutex
	transport Transport
	results   map[string]bool
	log       zerolog.Logger
}

func newProber(transport Transport, log zerolog.Logger) *prober {
	return &prober{
		transport: transport,
		results:   map[string]bool{},
		log:       log,
	}
}

// available reports whether the kind's remote collection is reachable. The
// first call performs one real probe; later calls return the memoized result
// without touching the network. An auth failure still counts as available:
// the collection exists, and the upsert engine handles the denial itself.
func (p *prober) available(ctx context.Context, k Kind) bool {
	if p == nil || p.transport == nil {
		return false
	}
	p.mu.Lock()
	if result, ok := p.results[k.Name]; ok {
		p.mu.Unlock()
		return result
	}
	p.mu.Unlock()

	err := p.transport.Probe(ctx, k.Collection)
	result := err == nil || isAuthDenied(err)
	if err != nil {
		p.log.Debug().Err(err).Str("kind", k.Name).Bool("available", result).Msg("remote probe")
	}

	p.mu.Lock()
	p.results[k.Name] = result
	p.mu.Unlock()
	return result
}
