package migration

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/homeroute/homeroute/internal/eventbus"
	"github.com/homeroute/homeroute/internal/model"
	"github.com/homeroute/homeroute/internal/runtimeiface"
)

type fakeStream struct {
	chunks [][]byte
	idx    int
	total  int64
}

func (s *fakeStream) TotalBytes() int64 { return s.total }
func (s *fakeStream) Next(ctx context.Context) ([]byte, uint64, error) {
	if s.idx >= len(s.chunks) {
		return nil, 0, io.EOF
	}
	c := s.chunks[s.idx]
	s.idx++
	return c, 0, nil
}
func (s *fakeStream) Close() error { return nil }

type fakeHost struct {
	name      string
	stream    *fakeStream
	stopped   bool
	removed   bool
	deploys   int
	imported  bool
}

func (h *fakeHost) Deploy(ctx context.Context, spec runtimeiface.ContainerSpec) (runtimeiface.ContainerHandle, error) {
	h.deploys++
	return runtimeiface.ContainerHandle{ID: spec.Name}, nil
}
func (h *fakeHost) Stop(ctx context.Context, handle runtimeiface.ContainerHandle) error {
	h.stopped = true
	return nil
}
func (h *fakeHost) Remove(ctx context.Context, handle runtimeiface.ContainerHandle) error {
	h.removed = true
	return nil
}
func (h *fakeHost) Inspect(ctx context.Context, handle runtimeiface.ContainerHandle) (model.AppMetrics, string, error) {
	return model.AppMetrics{}, string(model.StatusConnected), nil
}
func (h *fakeHost) Export(ctx context.Context, handle runtimeiface.ContainerHandle) (runtimeiface.ExportStream, error) {
	return h.stream, nil
}
func (h *fakeHost) Import(ctx context.Context, spec runtimeiface.ContainerSpec, stream runtimeiface.ExportStream) (runtimeiface.ContainerHandle, error) {
	h.imported = true
	return runtimeiface.ContainerHandle{ID: spec.Name}, nil
}

type fakeResolver struct{ hosts map[string]*fakeHost }

func (r *fakeResolver) Runtime(ctx context.Context, hostID string) (HostRuntime, error) {
	return r.hosts[hostID], nil
}

type fakeRegistry struct {
	hostID      string
	reconnectOK bool
	setCalls    int
}

func (r *fakeRegistry) SetAppHost(appID, hostID string) error {
	r.hostID = hostID
	r.setCalls++
	return nil
}
func (r *fakeRegistry) WaitForReconnect(ctx context.Context, appID string, timeout time.Duration) (bool, error) {
	return r.reconnectOK, nil
}

func chunksOf(n, size int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		c := make([]byte, size)
		for j := range c {
			c[j] = byte(i)
		}
		out[i] = c
	}
	return out
}

func waitFor(t *testing.T, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

// TestMigrateHappyPath is scenario S6.
func TestMigrateHappyPath(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(context.Background(), eventbus.TopicMigrationProgress)

	source := &fakeHost{name: "A", stream: &fakeStream{chunks: chunksOf(8, 1024), total: 8 * 1024}}
	target := &fakeHost{name: "B"}
	reg := &fakeRegistry{hostID: "A", reconnectOK: true}
	eng := New(Dependencies{
		Bus:      bus,
		Hosts:    &fakeResolver{hosts: map[string]*fakeHost{"A": source, "B": target}},
		Registry: reg,
	})

	id, err := eng.Migrate(context.Background(), "app1", "A", "B")
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	waitFor(t, func() bool {
		st, ok := eng.Status(id)
		return ok && (st.Phase == model.PhaseComplete || st.Phase == model.PhaseFailed)
	})

	st, _ := eng.Status(id)
	if st.Phase != model.PhaseComplete {
		t.Fatalf("phase = %s, error = %q, want complete", st.Phase, st.Error)
	}
	if st.Progress != 100 {
		t.Errorf("progress = %v, want 100", st.Progress)
	}
	if !source.stopped || !source.removed {
		t.Error("source container should have been stopped and removed")
	}
	if !target.imported {
		t.Error("target should have imported")
	}
	if reg.hostID != "B" {
		t.Errorf("registry host-id = %s, want B", reg.hostID)
	}

	// Testable Property 6: progress percentages are monotonic, ending
	// in Complete(100).
	var last float64 = -1
	var sawComplete bool
	drain := true
	for drain {
		select {
		case ev := <-sub.Events:
			st := ev.Payload.(model.MigrationState)
			if st.Progress < last {
				t.Errorf("progress regressed: %v -> %v", last, st.Progress)
			}
			last = st.Progress
			if st.Phase == model.PhaseComplete {
				sawComplete = true
			}
		default:
			drain = false
		}
	}
	if !sawComplete {
		t.Error("expected a Complete event on the bus")
	}
}

// TestMigrateCancelRollsBack is scenario S7.
func TestMigrateCancelRollsBack(t *testing.T) {
	source := &fakeHost{name: "A", stream: &fakeStream{chunks: chunksOf(20, 1024), total: 20 * 1024}}
	target := &fakeHost{name: "B"}
	reg := &fakeRegistry{hostID: "A", reconnectOK: true}
	eng := New(Dependencies{
		Hosts:    &fakeResolver{hosts: map[string]*fakeHost{"A": source, "B": target}},
		Registry: reg,
	})

	var id string
	eng.SetOnChunk(func(env ChunkEnvelope, chunk []byte) {
		if env.Sequence == 2 {
			_ = eng.Cancel(id)
		}
	})

	var err error
	id, err = eng.Migrate(context.Background(), "app2", "A", "B")
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	waitFor(t, func() bool {
		st, ok := eng.Status(id)
		return ok && st.Phase == model.PhaseFailed
	})

	st, _ := eng.Status(id)
	if st.Error != ErrCancelled.Error() {
		t.Errorf("error = %q, want %q", st.Error, ErrCancelled.Error())
	}
	if reg.hostID != "A" {
		t.Errorf("registry host-id = %s, want unchanged A (host-id flip happens after transfer)", reg.hostID)
	}
	if source.deploys == 0 {
		t.Error("source container should have been restarted on rollback")
	}
}

// TestChunkChecksumIntegrity is Testable Property 7.
func TestChunkChecksumIntegrity(t *testing.T) {
	source := &fakeHost{name: "A", stream: &fakeStream{chunks: chunksOf(5, 2048), total: 5 * 2048}}
	target := &fakeHost{name: "B"}
	reg := &fakeRegistry{hostID: "A", reconnectOK: true}
	eng := New(Dependencies{
		Hosts:    &fakeResolver{hosts: map[string]*fakeHost{"A": source, "B": target}},
		Registry: reg,
	})

	seen := 0
	eng.SetOnChunk(func(env ChunkEnvelope, chunk []byte) {
		seen++
		want := uint32(xxhash.Sum64(chunk))
		if env.Checksum != want {
			t.Errorf("chunk %d checksum = %d, want %d", env.Sequence, env.Checksum, want)
		}
	})

	id, err := eng.Migrate(context.Background(), "app3", "A", "B")
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	waitFor(t, func() bool {
		st, ok := eng.Status(id)
		return ok && (st.Phase == model.PhaseComplete || st.Phase == model.PhaseFailed)
	})
	if seen != 5 {
		t.Errorf("saw %d chunks, want 5", seen)
	}
}
