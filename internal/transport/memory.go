// Package transport provides in-process transport implementations. The
// memory bus delivers frames between agents in the same process, which
// is enough for loopback sync and for exercising the protocol end to
// end without a network.
package transport

import (
	"context"
	"fmt"
	"sync"

	"peersync/internal/domain"
)

// Handler consumes one raw frame addressed to a device.
type Handler func(frame []byte) error

// MemoryBus routes frames between devices registered in the same
// process. Delivery is synchronous: Send runs the receiving handler on
// the caller's goroutine and returns its error.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[domain.DeviceID]Handler
}

// NewMemoryBus returns an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[domain.DeviceID]Handler)}
}

// Attach registers the handler that receives frames addressed to id,
// replacing any previous handler for that device.
func (b *MemoryBus) Attach(id domain.DeviceID, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = h
}

// Detach removes the handler for id.
func (b *MemoryBus) Detach(id domain.DeviceID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Channel returns a PacketChannel that sends over the bus.
func (b *MemoryBus) Channel() domain.PacketChannel {
	return busChannel{bus: b}
}

type busChannel struct {
	bus *MemoryBus
}

func (c busChannel) Send(ctx context.Context, peer domain.DeviceID, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.bus.mu.RLock()
	h, ok := c.bus.handlers[peer]
	c.bus.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no route to device %s", peer)
	}
	// Hand the receiver its own copy; the sender may reuse the buffer.
	buf := make([]byte, len(frame))
	copy(buf, frame)
	return h(buf)
}

// StaticDiscoverer announces a fixed set of devices. It stands in for a
// network discovery mechanism in tests and single-host setups.
type StaticDiscoverer struct {
	mu      sync.RWMutex
	devices []domain.Device
}

// NewStaticDiscoverer returns a discoverer announcing the given devices.
func NewStaticDiscoverer(devices ...domain.Device) *StaticDiscoverer {
	d := &StaticDiscoverer{}
	d.SetDevices(devices...)
	return d
}

// SetDevices replaces the announced set.
func (d *StaticDiscoverer) SetDevices(devices ...domain.Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices = append(d.devices[:0:0], devices...)
}

// Discover returns a copy of the announced set.
func (d *StaticDiscoverer) Discover(ctx context.Context) ([]domain.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.Device, len(d.devices))
	copy(out, d.devices)
	return out, nil
}

var (
	_ domain.PacketChannel = busChannel{}
	_ domain.Discoverer    = (*StaticDiscoverer)(nil)
)
