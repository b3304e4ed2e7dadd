package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/searchbroker/searchbroker/internal/db"
	"github.com/searchbroker/searchbroker/internal/model"
)

// ErrNoEligibleKey is returned by Select when every key is exhausted or
// deleted and no disabled key remains to fall back to.
var ErrNoEligibleKey = errors.New("no eligible upstream key")

// Selection is the outcome of one scheduling decision.
type Selection struct {
	KeyID  string
	Secret string
	// Fallback is set when the pool had no active key and a disabled one
	// was handed out instead.
	Fallback bool
}

// Registry owns the upstream key pool: lifecycle state, quota snapshots and
// the LRU scheduling decision. It mirrors the durable rows in memory behind
// a single mutex; counter and stamp write-back goes through a buffered queue
// drained by one worker so per-row updates stay serialized.
type Registry struct {
	mutex       sync.Mutex
	keys        []*model.APIKey
	logger      *slog.Logger
	db          db.Service
	stopChan    chan struct{}
	updateQueue chan update
	wg          sync.WaitGroup
	// syncDBUpdates makes write-back synchronous, for tests.
	syncDBUpdates bool
}

type updateKind int

const (
	updateStamp updateKind = iota
	updateOutcome
	updateStatus
)

type update struct {
	kind   updateKind
	keyID  string
	usedAt time.Time
	result model.RequestResult
	status model.KeyStatus
	at     time.Time
}

// New loads the key pool from the database and starts the write-back worker
// plus a periodic reloader.
func New(dbService db.Service, logger *slog.Logger) (*Registry, error) {
	initial, err := dbService.LoadAPIKeys()
	if err != nil {
		return nil, fmt.Errorf("failed to perform initial load of api keys: %w", err)
	}
	if len(initial) == 0 {
		logger.Warn("No upstream API keys found in the database. The registry will start but serve no traffic until keys are added.")
	}

	r := &Registry{
		keys:        keysToPointers(initial),
		logger:      logger.With("component", "registry"),
		db:          dbService,
		stopChan:    make(chan struct{}),
		updateQueue: make(chan update, 256),
	}

	go r.reloader()

	r.wg.Add(1)
	go r.writeBack()

	return r, nil
}

func keysToPointers(keys []model.APIKey) []*model.APIKey {
	out := make([]*model.APIKey, len(keys))
	for i := range keys {
		k := keys[i]
		out[i] = &k
	}
	return out
}

// Select picks the least-recently-used active key and stamps its usage in the
// same critical section, so two concurrent requests cannot land on the same
// idle key. With no active key it falls back to a disabled key rather than
// stalling traffic outright, again least-recently-used first so concurrent
// fallbacks spread across the disabled pool; ties go to the longest-disabled
// key.
func (r *Registry) Select(now time.Time) (*Selection, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var chosen *model.APIKey
	for _, k := range r.keys {
		if k.Status != model.KeyStatusActive {
			continue
		}
		if chosen == nil || olderUsage(k, chosen) {
			chosen = k
		}
	}

	fallback := false
	if chosen == nil {
		for _, k := range r.keys {
			if k.Status != model.KeyStatusDisabled {
				continue
			}
			if chosen == nil || olderFallback(k, chosen) {
				chosen = k
			}
		}
		fallback = chosen != nil
	}

	if chosen == nil {
		return nil, ErrNoEligibleKey
	}

	chosen.LastUsedAt = now
	r.enqueue(update{kind: updateStamp, keyID: chosen.KeyID, usedAt: now})

	return &Selection{KeyID: chosen.KeyID, Secret: chosen.Secret, Fallback: fallback}, nil
}

// olderUsage orders keys by LastUsedAt ascending, ties broken by KeyID.
func olderUsage(a, b *model.APIKey) bool {
	if a.LastUsedAt.Equal(b.LastUsedAt) {
		return a.KeyID < b.KeyID
	}
	return a.LastUsedAt.Before(b.LastUsedAt)
}

// olderFallback orders disabled keys by LastUsedAt ascending. Select stamps
// LastUsedAt on the pick, so repeated fallbacks rotate through the disabled
// pool instead of hammering one key. Ties go to the longest-disabled key,
// then KeyID.
func olderFallback(a, b *model.APIKey) bool {
	if !a.LastUsedAt.Equal(b.LastUsedAt) {
		return a.LastUsedAt.Before(b.LastUsedAt)
	}
	if !a.StatusChangedAt.Equal(b.StatusChangedAt) {
		return a.StatusChangedAt.Before(b.StatusChangedAt)
	}
	return a.KeyID < b.KeyID
}

// RecordSuccess bumps the success counters for a key after a 2xx upstream
// response. A disabled key that just served a successful fallback request is
// brought back to active.
func (r *Registry) RecordSuccess(keyID string) {
	now := time.Now()
	r.mutex.Lock()
	for _, k := range r.keys {
		if k.KeyID != keyID {
			continue
		}
		k.TotalRequests++
		k.SuccessCount++
		if k.QuotaRemaining > 0 {
			k.QuotaRemaining--
		}
		if k.Status == model.KeyStatusDisabled {
			r.logger.Info("Re-activating key after successful request", "key_id", keyID)
			k.Status = model.KeyStatusActive
			k.StatusChangedAt = now
			r.enqueue(update{kind: updateStatus, keyID: keyID, status: model.KeyStatusActive, at: now})
		}
		break
	}
	r.mutex.Unlock()
	r.enqueue(update{kind: updateOutcome, keyID: keyID, result: model.ResultSuccess})
}

// RecordError bumps the error counters. Transient upstream failures do not
// touch key health; only the provider's quota-exhausted signal does.
func (r *Registry) RecordError(keyID string) {
	r.mutex.Lock()
	for _, k := range r.keys {
		if k.KeyID == keyID {
			k.TotalRequests++
			k.ErrorCount++
			break
		}
	}
	r.mutex.Unlock()
	r.enqueue(update{kind: updateOutcome, keyID: keyID, result: model.ResultError})
}

// RecordExhausted transitions a key to exhausted after the upstream's
// quota-exhausted response. The key serves no further traffic until the
// monthly rollover or an admin re-enables it.
func (r *Registry) RecordExhausted(keyID string) {
	now := time.Now()
	r.mutex.Lock()
	for _, k := range r.keys {
		if k.KeyID != keyID {
			continue
		}
		k.TotalRequests++
		k.ExhaustedCount++
		k.QuotaRemaining = 0
		if k.Status != model.KeyStatusExhausted {
			r.logger.Warn("Marking key exhausted after upstream quota signal", "key_id", keyID)
			k.Status = model.KeyStatusExhausted
			k.StatusChangedAt = now
			r.enqueue(update{kind: updateStatus, keyID: keyID, status: model.KeyStatusExhausted, at: now})
		}
		break
	}
	r.mutex.Unlock()
	r.enqueue(update{kind: updateOutcome, keyID: keyID, result: model.ResultQuotaExhausted})
}

func (r *Registry) enqueue(u update) {
	if r.syncDBUpdates {
		r.apply(u)
		return
	}
	select {
	case r.updateQueue <- u:
	default:
		r.logger.Error("Failed to queue key update: queue is full", "key_id", u.keyID)
	}
}

func (r *Registry) apply(u update) {
	var err error
	switch u.kind {
	case updateStamp:
		err = r.db.StampAPIKeyUsage(u.keyID, u.usedAt)
	case updateOutcome:
		err = r.db.RecordAPIKeyOutcome(u.keyID, u.result)
	case updateStatus:
		err = r.db.UpdateAPIKeyStatus(u.keyID, u.status, u.at)
	}
	if err != nil {
		r.logger.Warn("Failed to persist key update", "key_id", u.keyID, "error", err)
	}
}

// writeBack drains the update queue. A single worker keeps per-row updates
// serialized without holding the pool mutex across DB calls.
func (r *Registry) writeBack() {
	defer r.wg.Done()
	for u := range r.updateQueue {
		r.apply(u)
	}
}

// reloader periodically refreshes the in-memory pool from the database so
// out-of-band changes (other replicas, manual SQL) become visible.
func (r *Registry) reloader() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Reload()
		case <-r.stopChan:
			r.logger.Info("Stopping registry reloader.")
			return
		}
	}
}

// Reload replaces the in-memory pool with the current database state.
func (r *Registry) Reload() {
	keys, err := r.db.LoadAPIKeys()
	if err != nil {
		r.logger.Error("Failed to reload api keys from database", "error", err)
		return
	}

	r.mutex.Lock()
	r.keys = keysToPointers(keys)
	r.mutex.Unlock()
}

// Snapshot returns a copy of the non-deleted pool ordered by KeyID, for the
// realtime broadcaster and the summary surface.
func (r *Registry) Snapshot() []model.APIKey {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	out := make([]model.APIKey, 0, len(r.keys))
	for _, k := range r.keys {
		if k.Status == model.KeyStatusDeleted {
			continue
		}
		out = append(out, *k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out
}

// Close gracefully shuts down the registry's background tasks.
func (r *Registry) Close() {
	close(r.stopChan)
	close(r.updateQueue)
	r.wg.Wait()
	r.logger.Info("Registry shutdown complete.")
}

// KeyID derives the stable short identifier for a secret: the first four
// bytes of its SHA-256 digest, hex-encoded. Identity follows the secret, so
// deleting and re-adding the same secret restores the same logical key.
func KeyID(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:4])
}
