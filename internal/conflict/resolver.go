// Package conflict detects divergent concurrent edits and manages their
// resolution.
//
// An incoming delta conflicts with the local value iff neither version
// vector covers the other; equal vectors are the same version, never a
// conflict. On conflict the resolver
// parks both versions in a ConflictRecord and applies neither; the
// stored value stays untouched until an explicit resolution arrives.
// Silent last-write-wins would lose data, so there is no automatic path.
package conflict

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"peersync/internal/domain"
)

// MergeFunc combines two divergent payloads of one item kind into a
// merged payload. Registered per kind by the application layer.
type MergeFunc func(local, remote []byte) ([]byte, error)

// Resolver is safe for concurrent use across sessions.
type Resolver struct {
	conflicts domain.ConflictStore
	items     domain.ItemStore
	log       *slog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	merges map[string]MergeFunc
}

// New builds a Resolver over the shared conflict and item stores.
func New(conflicts domain.ConflictStore, items domain.ItemStore, log *slog.Logger) *Resolver {
	return &Resolver{
		conflicts: conflicts,
		items:     items,
		log:       log,
		now:       time.Now,
		merges:    make(map[string]MergeFunc),
	}
}

// RegisterMerge installs the merge strategy for an item kind. Resolving
// with ResolutionMerged fails for kinds that never registered one.
func (r *Resolver) RegisterMerge(kind string, fn MergeFunc) {
	r.mu.Lock()
	r.merges[kind] = fn
	r.mu.Unlock()
}

// Diverged reports whether delta carries edits concurrent with the local
// item, i.e. neither lineage descends from the other.
func (r *Resolver) Diverged(local domain.Item, delta domain.Delta) bool {
	return local.Clock.Concurrent(delta.Clock)
}

// Record parks a detected divergence as a pending ConflictRecord.
func (r *Resolver) Record(peer domain.DeviceID, local domain.Item, delta domain.Delta) (domain.ConflictRecord, error) {
	rec := domain.ConflictRecord{
		ID:            uuid.NewString(),
		DeviceID:      peer,
		ItemID:        local.ID,
		ItemKind:      local.Kind,
		LocalVersion:  append([]byte(nil), local.Payload...),
		RemoteVersion: append([]byte(nil), delta.Payload...),
		LocalClock:    local.Clock.Clone(),
		RemoteClock:   delta.Clock.Clone(),
		DetectedAt:    r.now().Unix(),
		Resolution:    domain.ResolutionPending,
	}
	if err := r.conflicts.SaveConflict(rec); err != nil {
		return domain.ConflictRecord{}, err
	}
	r.log.Info("conflict detected",
		"conflict", rec.ID, "item", rec.ItemID, "peer", peer)
	return rec, nil
}

// Unresolved returns all pending conflicts, most recent first.
func (r *Resolver) Unresolved() ([]domain.ConflictRecord, error) {
	return r.conflicts.ListUnresolved()
}

// Resolve applies a resolution to a conflict exactly once.
//
// KeepLocal discards the remote version; KeepRemote overwrites the
// stored item with it; Merged runs the registered merge strategy for the
// item kind. Resolving an already-resolved conflict is a no-op that
// returns the prior record, so the bridge layer can retry without
// double-applying.
func (r *Resolver) Resolve(id string, res domain.Resolution) (domain.ConflictRecord, error) {
	rec, ok, err := r.conflicts.GetConflict(id)
	if err != nil {
		return domain.ConflictRecord{}, err
	}
	if !ok {
		return domain.ConflictRecord{}, fmt.Errorf("%w: %s", domain.ErrConflictNotFound, id)
	}
	if rec.Resolved() {
		return rec, nil
	}

	merged := rec.LocalClock.Clone()
	merged.Merge(rec.RemoteClock)

	switch res {
	case domain.ResolutionKeepLocal:
		// Remote delta is discarded; only the lineage advances so the
		// peer's version reads as covered from now on.
		if err := r.putResolved(rec, rec.LocalVersion, merged); err != nil {
			return domain.ConflictRecord{}, err
		}
	case domain.ResolutionKeepRemote:
		if err := r.putResolved(rec, rec.RemoteVersion, merged); err != nil {
			return domain.ConflictRecord{}, err
		}
	case domain.ResolutionMerged:
		r.mu.RLock()
		fn, registered := r.merges[rec.ItemKind]
		r.mu.RUnlock()
		if !registered {
			return domain.ConflictRecord{}, fmt.Errorf("%w: kind %q",
				domain.ErrMergeNotSupported, rec.ItemKind)
		}
		payload, err := fn(rec.LocalVersion, rec.RemoteVersion)
		if err != nil {
			return domain.ConflictRecord{}, fmt.Errorf("merge %q: %w", rec.ItemKind, err)
		}
		if err := r.putResolved(rec, payload, merged); err != nil {
			return domain.ConflictRecord{}, err
		}
	default:
		return domain.ConflictRecord{}, fmt.Errorf("%w: resolution %q",
			domain.ErrValidation, res)
	}

	resolvedAt := r.now().Unix()
	if err := r.conflicts.MarkResolved(id, res, resolvedAt); err != nil {
		return domain.ConflictRecord{}, err
	}
	rec.Resolution = res
	rec.ResolvedAt = resolvedAt
	r.log.Info("conflict resolved", "conflict", id, "resolution", res)
	return rec, nil
}

func (r *Resolver) putResolved(rec domain.ConflictRecord, payload []byte, clock domain.VersionVector) error {
	return r.items.PutItem(domain.Item{
		ID:        rec.ItemID,
		Kind:      rec.ItemKind,
		Payload:   append([]byte(nil), payload...),
		Clock:     clock,
		UpdatedAt: r.now().Unix(),
	})
}
