package session_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"peersync/internal/conflict"
	"peersync/internal/domain"
	"peersync/internal/history"
	"peersync/internal/logging"
	"peersync/internal/protocol/codec"
	"peersync/internal/session"
	"peersync/internal/store"
)

// channelFunc adapts a function to domain.PacketChannel.
type channelFunc func(ctx context.Context, peer domain.DeviceID, frame []byte) error

func (f channelFunc) Send(ctx context.Context, peer domain.DeviceID, frame []byte) error {
	return f(ctx, peer, frame)
}

type fixture struct {
	machine *session.Machine
	store   *store.Store
}

func newFixture(t *testing.T, id domain.DeviceID, cfg session.Config, ch domain.PacketChannel) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "peersync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg.DeviceID = id
	log := logging.Discard()
	resolver := conflict.New(st, st, log)
	hist := history.New(st, log)
	return &fixture{
		machine: session.New(cfg, st, resolver, hist, ch, log),
		store:   st,
	}
}

func sessionKey(b byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return key
}

// pair readies a session on both machines under the same key.
func pair(t *testing.T, a, b *fixture) {
	t.Helper()
	require.NoError(t, a.machine.Begin("b"))
	require.NoError(t, a.machine.SetReady("b", sessionKey(7)))
	require.NoError(t, b.machine.Begin("a"))
	require.NoError(t, b.machine.SetReady("a", sessionKey(7)))
}

func waitPhase(t *testing.T, f *fixture, peer domain.DeviceID, phase string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.machine.Progress(peer).Phase == phase
	}, 2*time.Second, 5*time.Millisecond, "waiting for phase %s", phase)
}

// newLoopback wires two machines so every sent frame is processed by
// the other side and responses flow back, all on the caller's goroutine.
func newLoopback(t *testing.T) (a, b *fixture) {
	t.Helper()
	ctx := context.Background()
	var deliverToA, deliverToB func(frame []byte)

	a = newFixture(t, "a", session.Config{}, channelFunc(func(ctx context.Context, peer domain.DeviceID, frame []byte) error {
		deliverToB(frame)
		return nil
	}))
	b = newFixture(t, "b", session.Config{}, channelFunc(func(ctx context.Context, peer domain.DeviceID, frame []byte) error {
		deliverToA(frame)
		return nil
	}))
	deliverToA = func(frame []byte) {
		resp, err := a.machine.ProcessPacket(ctx, frame)
		require.NoError(t, err)
		if resp != nil {
			deliverToB(resp)
		}
	}
	deliverToB = func(frame []byte) {
		resp, err := b.machine.ProcessPacket(ctx, frame)
		require.NoError(t, err)
		if resp != nil {
			deliverToA(resp)
		}
	}
	return a, b
}

func TestLoopbackSyncCompletes(t *testing.T) {
	ctx := context.Background()
	a, b := newLoopback(t)

	require.NoError(t, a.store.PutItem(domain.Item{
		ID: "note-1", Kind: "note", Payload: []byte("first"),
		Clock: domain.VersionVector{"a": 1},
	}))
	require.NoError(t, a.store.PutItem(domain.Item{
		ID: "note-2", Kind: "note", Payload: []byte("second"),
		Clock: domain.VersionVector{"a": 1},
	}))

	pair(t, a, b)
	require.NoError(t, a.machine.StartSync(ctx, "b"))

	waitPhase(t, a, "b", "completed")
	waitPhase(t, b, "a", "completed")

	// Every item arrived intact on the pulling side.
	items, err := b.store.ListItems()
	require.NoError(t, err)
	require.Len(t, items, 2)

	pa := a.machine.Progress("b")
	require.Equal(t, float64(1), pa.Progress)
	require.Equal(t, int64(2), pa.ItemsPushed)

	pb := b.machine.Progress("a")
	require.Equal(t, int64(2), pb.ItemsPulled)
}

func TestLoopbackDivergenceParksConflict(t *testing.T) {
	ctx := context.Background()
	a, b := newLoopback(t)

	// The same item edited concurrently on both devices.
	require.NoError(t, a.store.PutItem(domain.Item{
		ID: "note-1", Kind: "note", Payload: []byte("edited on a"),
		Clock: domain.VersionVector{"a": 2, "b": 1},
	}))
	require.NoError(t, b.store.PutItem(domain.Item{
		ID: "note-1", Kind: "note", Payload: []byte("edited on b"),
		Clock: domain.VersionVector{"a": 1, "b": 2},
	}))

	pair(t, a, b)
	require.NoError(t, a.machine.StartSync(ctx, "b"))

	waitPhase(t, a, "b", "completed")

	// Neither side applied the other's version.
	got, _, err := b.store.GetItem("note-1")
	require.NoError(t, err)
	require.Equal(t, []byte("edited on b"), got.Payload)

	// Both sides count the conflict.
	require.Equal(t, int64(1), a.machine.Progress("b").Conflicts)
	require.Equal(t, int64(1), b.machine.Progress("a").Conflicts)
}

func TestResyncUnchangedItemIsNotAConflict(t *testing.T) {
	ctx := context.Background()
	a, b := newLoopback(t)

	require.NoError(t, a.store.PutItem(domain.Item{
		ID: "note-1", Kind: "note", Payload: []byte("unchanged"),
		Clock: domain.VersionVector{"a": 1},
	}))

	pair(t, a, b)
	require.NoError(t, a.machine.StartSync(ctx, "b"))
	waitPhase(t, a, "b", "completed")

	// Second session pushes the same item with the identical clock. The
	// receiver already covers it, so it is acked without applying and
	// nothing is parked for manual resolution.
	pair(t, a, b)
	require.NoError(t, a.machine.StartSync(ctx, "b"))
	waitPhase(t, a, "b", "completed")

	pending, err := b.store.ListUnresolved()
	require.NoError(t, err)
	require.Empty(t, pending)

	require.Zero(t, b.machine.Progress("a").Conflicts)
	require.Zero(t, b.machine.Progress("a").ItemsPulled)

	got, _, err := b.store.GetItem("note-1")
	require.NoError(t, err)
	require.Equal(t, []byte("unchanged"), got.Payload)
	require.Equal(t, domain.VersionVector{"a": 1}, got.Clock)
}

func TestReplayAbortsSession(t *testing.T) {
	ctx := context.Background()
	var frames [][]byte
	a := newFixture(t, "a", session.Config{}, channelFunc(func(ctx context.Context, peer domain.DeviceID, frame []byte) error {
		frames = append(frames, frame)
		return nil
	}))
	b := newFixture(t, "b", session.Config{}, channelFunc(func(ctx context.Context, peer domain.DeviceID, frame []byte) error {
		return nil
	}))

	require.NoError(t, a.store.PutItem(domain.Item{
		ID: "note-1", Kind: "note", Payload: []byte("payload"),
		Clock: domain.VersionVector{"a": 1},
	}))

	pair(t, a, b)
	require.NoError(t, a.machine.StartSync(ctx, "b"))
	require.Eventually(t, func() bool { return len(frames) >= 2 }, 2*time.Second, 5*time.Millisecond)

	_, err := b.machine.ProcessPacket(ctx, frames[0])
	require.NoError(t, err)

	items, err := b.store.ListItems()
	require.NoError(t, err)
	require.Len(t, items, 1)

	// The same frame again is a replay: the session dies rather than
	// risking divergence.
	_, err = b.machine.ProcessPacket(ctx, frames[0])
	require.ErrorIs(t, err, domain.ErrReplay)
	require.Equal(t, "failed", b.machine.Progress("a").Phase)

	// The replay applied nothing.
	items, err = b.store.ListItems()
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestCancelMidTransfer(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{}, 16)
	release := make(chan struct{})
	a := newFixture(t, "a", session.Config{}, channelFunc(func(ctx context.Context, peer domain.DeviceID, frame []byte) error {
		entered <- struct{}{}
		<-release
		return nil
	}))

	for _, id := range []string{"n1", "n2", "n3"} {
		require.NoError(t, a.store.PutItem(domain.Item{
			ID: id, Kind: "note", Payload: []byte("payload"),
			Clock: domain.VersionVector{"a": 1},
		}))
	}

	require.NoError(t, a.machine.Begin("b"))
	require.NoError(t, a.machine.SetReady("b", sessionKey(7)))
	require.NoError(t, a.machine.StartSync(ctx, "b"))

	// First frame is in flight; cancel, then let the transfer loop see
	// the new state.
	<-entered
	require.NoError(t, a.machine.Cancel("b"))
	close(release)

	waitPhase(t, a, "b", "cancelled")

	hist, err := a.store.RecentHistory(1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, domain.OutcomeCancelled, hist[0].Outcome)
}

func TestCancelRules(t *testing.T) {
	a := newFixture(t, "a", session.Config{}, channelFunc(func(ctx context.Context, peer domain.DeviceID, frame []byte) error {
		return nil
	}))

	err := a.machine.Cancel("ghost")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, a.machine.Begin("b"))
	require.NoError(t, a.machine.Cancel("b"))
	err = a.machine.Cancel("b")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestStartSyncRequiresReady(t *testing.T) {
	ctx := context.Background()
	a := newFixture(t, "a", session.Config{}, channelFunc(func(ctx context.Context, peer domain.DeviceID, frame []byte) error {
		return nil
	}))

	err := a.machine.StartSync(ctx, "ghost")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, a.machine.Begin("b"))
	err = a.machine.StartSync(ctx, "b")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.Equal(t, "handshaking", a.machine.Progress("b").Phase)
}

func TestSessionCapacity(t *testing.T) {
	a := newFixture(t, "a", session.Config{MaxSessions: 1}, channelFunc(func(ctx context.Context, peer domain.DeviceID, frame []byte) error {
		return nil
	}))

	require.NoError(t, a.machine.Begin("b"))
	err := a.machine.Begin("c")
	require.ErrorIs(t, err, domain.ErrCapacity)

	// The existing session is untouched.
	require.Equal(t, "handshaking", a.machine.Progress("b").Phase)

	// A terminal session frees its slot.
	require.NoError(t, a.machine.Cancel("b"))
	require.NoError(t, a.machine.Begin("c"))
}

func TestProgressUnknownDevice(t *testing.T) {
	a := newFixture(t, "a", session.Config{}, channelFunc(func(ctx context.Context, peer domain.DeviceID, frame []byte) error {
		return nil
	}))

	p := a.machine.Progress("ghost")
	require.Equal(t, "unknown", p.Phase)
	require.Zero(t, p.Progress)
}

func TestRejectsHandshakeFrameOnSessionChannel(t *testing.T) {
	ctx := context.Background()
	a := newFixture(t, "a", session.Config{}, channelFunc(func(ctx context.Context, peer domain.DeviceID, frame []byte) error {
		return nil
	}))

	frame, err := codec.Encode(codec.Packet{
		Version: codec.Version,
		Type:    codec.TypeHandshake,
		From:    "b",
		Seq:     1,
		Payload: []byte("{}"),
	})
	require.NoError(t, err)

	_, err = a.machine.ProcessPacket(ctx, frame)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestMalformedFrame(t *testing.T) {
	ctx := context.Background()
	a := newFixture(t, "a", session.Config{}, channelFunc(func(ctx context.Context, peer domain.DeviceID, frame []byte) error {
		return nil
	}))

	_, err := a.machine.ProcessPacket(ctx, []byte("not a frame"))
	require.ErrorIs(t, err, domain.ErrMalformed)
}

func TestReapFailsIdleSessions(t *testing.T) {
	a := newFixture(t, "a", session.Config{IdleTimeout: time.Millisecond}, channelFunc(func(ctx context.Context, peer domain.DeviceID, frame []byte) error {
		return nil
	}))

	require.NoError(t, a.machine.Begin("b"))
	time.Sleep(20 * time.Millisecond)
	a.machine.Reap()

	require.Equal(t, "failed", a.machine.Progress("b").Phase)
}
