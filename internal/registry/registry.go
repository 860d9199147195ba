// Package registry tracks known and discovered peer devices and their
// trust state.
//
// Trust moves in one direction only: Unverified -> Verified on a
// completed key exchange, and -> Revoked as a one-way terminal
// transition. A verified device that reappears with a different public
// key is rejected outright; a silently swapped key is the signature of
// an impersonation attempt.
package registry

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"peersync/internal/crypto"
	"peersync/internal/domain"
)

// Registry is safe for concurrent use; mutations go through the backing
// store, which synchronizes them.
type Registry struct {
	store domain.DeviceStore
	disc  domain.Discoverer
	log   *slog.Logger
	now   func() time.Time
}

// New builds a Registry over store. disc may be nil when no transport
// discovery is available; Discover then returns only registered devices.
func New(store domain.DeviceStore, disc domain.Discoverer, log *slog.Logger) *Registry {
	return &Registry{store: store, disc: disc, log: log, now: time.Now}
}

// Discover merges transport-advertised devices into the registry and
// returns the full known set. Duplicate advertisements are deduplicated
// by device id, most recently seen wins. Stored trust state is always
// preserved; a brand-new device starts Unverified.
func (r *Registry) Discover(ctx context.Context) ([]domain.Device, error) {
	if r.disc != nil {
		found, err := r.disc.Discover(ctx)
		if err != nil {
			return nil, fmt.Errorf("transport discovery: %w", err)
		}
		for _, dev := range dedupe(found) {
			if err := r.Register(dev); err != nil {
				// A malformed or key-swapped advertisement must not
				// hide the rest of the network.
				r.log.Warn("skipping advertised device",
					"device", dev.ID, "err", err)
			}
		}
	}
	devices, err := r.store.ListDevices()
	if err != nil {
		return nil, err
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].LastSeen > devices[j].LastSeen
	})
	return devices, nil
}

// Register validates and upserts a device record. The stored trust state
// survives re-registration; only the explicit transitions below change
// it. Fails with domain.ErrValidation before any mutation on a malformed
// record or on a public-key change for a verified device.
func (r *Registry) Register(dev domain.Device) error {
	if dev.ID == "" {
		return fmt.Errorf("%w: empty device id", domain.ErrValidation)
	}
	if len(dev.PublicKey) != crypto.KeyBytes {
		return fmt.Errorf("%w: public key must be %d bytes, got %d",
			domain.ErrValidation, crypto.KeyBytes, len(dev.PublicKey))
	}

	existing, ok, err := r.store.GetDevice(dev.ID)
	if err != nil {
		return err
	}
	if ok {
		if existing.Trust == domain.TrustVerified && !bytes.Equal(existing.PublicKey, dev.PublicKey) {
			return fmt.Errorf("%w: public key changed for verified device %s (fingerprint %s)",
				domain.ErrValidation, dev.ID, crypto.Fingerprint(dev.PublicKey))
		}
		dev.Trust = existing.Trust
	} else if dev.Trust == "" {
		dev.Trust = domain.TrustUnverified
	}
	if dev.LastSeen == 0 {
		dev.LastSeen = r.now().Unix()
	}
	return r.store.UpsertDevice(dev)
}

// List returns every registered device, most recently seen first.
func (r *Registry) List() ([]domain.Device, error) {
	devices, err := r.store.ListDevices()
	if err != nil {
		return nil, err
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].LastSeen > devices[j].LastSeen
	})
	return devices, nil
}

// Get returns the stored record for id.
func (r *Registry) Get(id domain.DeviceID) (domain.Device, bool, error) {
	return r.store.GetDevice(id)
}

// MarkVerified promotes a device to Verified after a completed key
// exchange. Revoked devices stay revoked.
func (r *Registry) MarkVerified(id domain.DeviceID) error {
	dev, ok, err := r.store.GetDevice(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: unknown device %s", domain.ErrValidation, id)
	}
	if dev.Trust == domain.TrustRevoked {
		return fmt.Errorf("%w: %s", domain.ErrRevoked, id)
	}
	if dev.Trust == domain.TrustVerified {
		return nil
	}
	r.log.Info("device verified", "device", id)
	return r.store.SetTrust(id, domain.TrustVerified)
}

// Revoke permanently distrusts a device. The record is kept; revocation
// is explicit and never undone.
func (r *Registry) Revoke(id domain.DeviceID) error {
	_, ok, err := r.store.GetDevice(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: unknown device %s", domain.ErrValidation, id)
	}
	r.log.Info("device revoked", "device", id)
	return r.store.SetTrust(id, domain.TrustRevoked)
}

// Revoked reports whether id is known and revoked.
func (r *Registry) Revoked(id domain.DeviceID) (bool, error) {
	dev, ok, err := r.store.GetDevice(id)
	if err != nil {
		return false, err
	}
	return ok && dev.Trust == domain.TrustRevoked, nil
}

// Touch refreshes last_seen for a device that just produced traffic.
func (r *Registry) Touch(id domain.DeviceID) {
	dev, ok, err := r.store.GetDevice(id)
	if err != nil || !ok {
		return
	}
	dev.LastSeen = r.now().Unix()
	if err := r.store.UpsertDevice(dev); err != nil {
		r.log.Warn("updating last_seen", "device", id, "err", err)
	}
}

func dedupe(devices []domain.Device) []domain.Device {
	latest := make(map[domain.DeviceID]domain.Device, len(devices))
	for _, dev := range devices {
		if prev, ok := latest[dev.ID]; !ok || dev.LastSeen >= prev.LastSeen {
			latest[dev.ID] = dev
		}
	}
	out := make([]domain.Device, 0, len(latest))
	for _, dev := range latest {
		out = append(out, dev)
	}
	return out
}
