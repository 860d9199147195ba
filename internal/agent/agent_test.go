package agent_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"peersync/internal/agent"
	"peersync/internal/config"
	"peersync/internal/domain"
	"peersync/internal/transport"
)

func newAgent(t *testing.T, bus *transport.MemoryBus, id string) *agent.Agent {
	t.Helper()
	cfg := config.Default()
	cfg.DeviceID = id
	cfg.DBPath = filepath.Join(t.TempDir(), "peersync.db")

	ag, err := agent.New(cfg, agent.Options{Channel: bus.Channel()})
	require.NoError(t, err)
	t.Cleanup(func() { ag.Close() })

	// Default handler drops responses; tests that need the full
	// request/response loop use attachRelay instead.
	bus.Attach(domain.DeviceID(id), func(frame []byte) error {
		_, err := ag.ProcessSyncPacket(context.Background(), frame)
		return err
	})
	return ag
}

// attachRelay wires an agent to the bus so that response frames are
// forwarded back to the peer, giving a full request/response loop.
func attachRelay(t *testing.T, bus *transport.MemoryBus, ag *agent.Agent, peer domain.DeviceID) {
	t.Helper()
	bus.Attach(ag.DeviceID(), func(frame []byte) error {
		resp, err := ag.ProcessSyncPacket(context.Background(), frame)
		if err != nil {
			return err
		}
		if resp != nil {
			return bus.Channel().Send(context.Background(), peer, resp)
		}
		return nil
	})
}

func pairAgents(t *testing.T, a, b *agent.Agent) {
	t.Helper()
	registerPeer(t, a, b)
	registerPeer(t, b, a)

	msgFromA, err := a.InitiateKeyExchange(b.DeviceID())
	require.NoError(t, err)
	msgFromB, err := b.InitiateKeyExchange(a.DeviceID())
	require.NoError(t, err)

	require.NoError(t, a.CompleteKeyExchange(b.DeviceID(), marshal(t, msgFromB)))
	require.NoError(t, b.CompleteKeyExchange(a.DeviceID(), marshal(t, msgFromA)))
}

func registerPeer(t *testing.T, ag, peer *agent.Agent) {
	t.Helper()
	hs, err := peer.GenerateHandshake()
	require.NoError(t, err)
	dev := domain.Device{
		ID:              peer.DeviceID(),
		DisplayName:     string(peer.DeviceID()),
		Kind:            domain.KindDesktop,
		PublicKey:       hs.EphemeralKey,
		ProtocolVersion: hs.ProtocolVersion,
	}
	require.NoError(t, ag.RegisterDevice(marshal(t, dev)))
}

func marshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func waitPhase(t *testing.T, ag *agent.Agent, peer domain.DeviceID, phase string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ag.GetSyncProgress(peer).Phase == phase
	}, 2*time.Second, 5*time.Millisecond, "waiting for phase %s", phase)
}

func TestAgentsSyncEndToEnd(t *testing.T) {
	bus := transport.NewMemoryBus()
	a := newAgent(t, bus, "agent-a")
	b := newAgent(t, bus, "agent-b")
	attachRelay(t, bus, a, b.DeviceID())
	attachRelay(t, bus, b, a.DeviceID())

	require.NoError(t, a.PutItem(domain.Item{ID: "note-1", Kind: "note", Payload: []byte("hello")}))
	require.NoError(t, a.PutItem(domain.Item{ID: "note-2", Kind: "note", Payload: []byte("world")}))

	pairAgents(t, a, b)
	require.NoError(t, a.StartSync(context.Background(), b.DeviceID()))

	waitPhase(t, a, b.DeviceID(), "completed")
	waitPhase(t, b, a.DeviceID(), "completed")

	items, err := b.ListItems()
	require.NoError(t, err)
	require.Len(t, items, 2)

	// Pairing verified the peer.
	devices, err := a.Devices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, domain.TrustVerified, devices[0].Trust)

	// Both sides recorded the session.
	hist, err := a.GetSyncHistory(5)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, domain.OutcomeCompleted, hist[0].Outcome)
	require.Equal(t, int64(2), hist[0].ItemsPushed)

	hist, err = b.GetSyncHistory(5)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, int64(2), hist[0].ItemsPulled)
}

func TestAgentsConflictDetectionAndResolution(t *testing.T) {
	bus := transport.NewMemoryBus()
	a := newAgent(t, bus, "agent-a")
	b := newAgent(t, bus, "agent-b")
	attachRelay(t, bus, a, b.DeviceID())
	attachRelay(t, bus, b, a.DeviceID())

	// Concurrent edits of the same item on both devices.
	require.NoError(t, a.PutItem(domain.Item{ID: "note-1", Kind: "note", Payload: []byte("from a")}))
	require.NoError(t, b.PutItem(domain.Item{ID: "note-1", Kind: "note", Payload: []byte("from b")}))

	pairAgents(t, a, b)
	require.NoError(t, a.StartSync(context.Background(), b.DeviceID()))
	waitPhase(t, a, b.DeviceID(), "completed")

	conflicts, err := b.GetConflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	rec := conflicts[0]
	require.Equal(t, "note-1", rec.ItemID)

	// The local value survived untouched until resolution.
	items, err := b.ListItems()
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, []byte("from b"), items[0].Payload)

	resolved, err := b.ResolveConflict(rec.ID, domain.ResolutionKeepRemote)
	require.NoError(t, err)
	require.True(t, resolved.Resolved())

	items, err = b.ListItems()
	require.NoError(t, err)
	require.Equal(t, []byte("from a"), items[0].Payload)

	conflicts, err = b.GetConflicts()
	require.NoError(t, err)
	require.Empty(t, conflicts)
}

func TestInitiateKeyExchangeRejectsRevokedPeer(t *testing.T) {
	bus := transport.NewMemoryBus()
	a := newAgent(t, bus, "agent-a")
	b := newAgent(t, bus, "agent-b")

	registerPeer(t, a, b)
	require.NoError(t, a.RevokeDevice(b.DeviceID()))

	_, err := a.InitiateKeyExchange(b.DeviceID())
	require.ErrorIs(t, err, domain.ErrRevoked)
}

func TestCompleteKeyExchangeWithoutInitiate(t *testing.T) {
	bus := transport.NewMemoryBus()
	a := newAgent(t, bus, "agent-a")
	b := newAgent(t, bus, "agent-b")

	msg, err := b.GenerateHandshake()
	require.NoError(t, err)
	err = a.CompleteKeyExchange(b.DeviceID(), marshal(t, msg))
	require.ErrorIs(t, err, domain.ErrNoSession)
}

func TestCancelSync(t *testing.T) {
	bus := transport.NewMemoryBus()
	a := newAgent(t, bus, "agent-a")
	b := newAgent(t, bus, "agent-b")
	attachRelay(t, bus, a, b.DeviceID())
	attachRelay(t, bus, b, a.DeviceID())

	pairAgents(t, a, b)
	require.NoError(t, a.CancelSync(b.DeviceID()))
	require.Equal(t, "cancelled", a.GetSyncProgress(b.DeviceID()).Phase)

	hist, err := a.GetSyncHistory(1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, domain.OutcomeCancelled, hist[0].Outcome)
}

func TestRegisterDeviceRejectsBadJSON(t *testing.T) {
	bus := transport.NewMemoryBus()
	a := newAgent(t, bus, "agent-a")

	err := a.RegisterDevice([]byte("not json"))
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestProgressForUnknownPeer(t *testing.T) {
	bus := transport.NewMemoryBus()
	a := newAgent(t, bus, "agent-a")

	p := a.GetSyncProgress("ghost")
	require.Equal(t, "unknown", p.Phase)
	require.Zero(t, p.Progress)
}
