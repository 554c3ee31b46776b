// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Dedup defaults.
const (
	DefaultDedupWindow   = 3 * time.Second
	DefaultPruneInterval = 2 * time.Second
	DefaultMaxSeenIDs    = 2000
)

// DedupConfig configures a Deduplicator. Zero values take the defaults.
type DedupConfig struct {
	Window        time.Duration
	PruneInterval time.Duration
	MaxSeenIDs    int
	// Global leaves the room out of the content key, so the same line sent
	// in two rooms within the window is a duplicate. By default keys are
	// scoped to the room.
	Global bool
}

func (c DedupConfig) withDefaults() DedupConfig {
	if c.Window <= 0 {
		c.Window = DefaultDedupWindow
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = DefaultPruneInterval
	}
	if c.MaxSeenIDs <= 0 {
		c.MaxSeenIDs = DefaultMaxSeenIDs
	}
	return c
}

type contentKey struct {
	room   string
	sender string
	body   string
}

// Deduplicator decides whether an envelope is new. All state lives in
// memory and is guarded by a single mutex, so Admit and Prune may be called
// from any goroutine.
type Deduplicator struct {
	cfg DedupConfig

	mu         sync.Mutex
	seenIDs    map[string]struct{}
	seenHashes map[contentKey]time.Time
}

// NewDeduplicator creates an empty deduplicator.
func NewDeduplicator(cfg DedupConfig) *Deduplicator {
	return &Deduplicator{
		cfg:        cfg.withDefaults(),
		seenIDs:    make(map[string]struct{}),
		seenHashes: make(map[contentKey]time.Time),
	}
}

// Window returns the effective dedup window.
func (d *Deduplicator) Window() time.Duration {
	return d.cfg.Window
}

func (d *Deduplicator) keyOf(env *Envelope) contentKey {
	key := contentKey{sender: env.Sender, body: env.Body}
	if !d.cfg.Global {
		key.room = env.Room
	}
	return key
}

// Admit reports whether env should be routed. An envelope is rejected when
// its id was seen before, or when the same sender and body were admitted
// less than one window before now. Admission records both.
func (d *Deduplicator) Admit(env *Envelope, now time.Time) bool {
	key := d.keyOf(env)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, seen := d.seenIDs[env.ID]; seen {
		return false
	}
	if last, ok := d.seenHashes[key]; ok && now.Sub(last) < d.cfg.Window {
		return false
	}
	d.seenIDs[env.ID] = struct{}{}
	d.seenHashes[key] = now
	return true
}

// Prune drops content keys older than the window. When the id set has grown
// past MaxSeenIDs it is cleared entirely; ids seen before the clear can then
// be admitted once more.
func (d *Deduplicator) Prune(now time.Time) (expired int, clearedIDs bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, last := range d.seenHashes {
		if now.Sub(last) >= d.cfg.Window {
			delete(d.seenHashes, key)
			expired++
		}
	}
	if len(d.seenIDs) > d.cfg.MaxSeenIDs {
		d.seenIDs = make(map[string]struct{})
		clearedIDs = true
	}
	return expired, clearedIDs
}

// Len returns the sizes of the id set and the content key map.
func (d *Deduplicator) Len() (ids, hashes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seenIDs), len(d.seenHashes)
}

// Run prunes on every PruneInterval tick until ctx is done.
func (d *Deduplicator) Run(ctx context.Context, now func() time.Time, log zerolog.Logger) {
	ticker := time.NewTicker(d.cfg.PruneInterval)
	defer ticker.Stop()

	log.Debug().
		Dur("window", d.cfg.Window).
		Dur("interval", d.cfg.PruneInterval).
		Int("max_seen_ids", d.cfg.MaxSeenIDs).
		Msg("Starting dedup prune loop")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Dedup prune loop stopped")
			return
		case <-ticker.C:
			expired, cleared := d.Prune(now())
			if cleared {
				log.Info().Int("max_seen_ids", d.cfg.MaxSeenIDs).Msg("Seen id set over capacity, cleared")
			}
			if expired > 0 {
				log.Trace().Int("expired", expired).Msg("Pruned dedup window")
			}
		}
	}
}
