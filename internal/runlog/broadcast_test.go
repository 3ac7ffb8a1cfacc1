package runlog

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openspend/spend-cli/internal/model"
	"github.com/openspend/spend-cli/internal/store"
)

func entry(runID, msg string) model.RunLog {
	return model.RunLog{RunID: runID, Level: model.LogInfo, Message: msg}
}

func TestBroadcaster_LiveDelivery(t *testing.T) {
	b := NewBroadcaster()

	ch, cancel := b.Subscribe("run-1")
	defer cancel()

	b.Publish(entry("run-1", "first"))
	b.Publish(entry("run-2", "other run"))

	select {
	case got := <-ch:
		assert.Equal(t, "first", got.Message)
	case <-time.After(time.Second):
		t.Fatal("no entry delivered")
	}

	select {
	case got := <-ch:
		t.Fatalf("unexpected cross-run delivery: %q", got.Message)
	default:
	}
}

func TestBroadcaster_LateSubscriberCatchesUp(t *testing.T) {
	b := NewBroadcaster()

	b.Publish(entry("run-1", "one"))
	b.Publish(entry("run-1", "two"))

	ch, cancel := b.Subscribe("run-1")
	defer cancel()

	b.Publish(entry("run-1", "three"))

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case e := <-ch:
			got = append(got, e.Message)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for replay")
		}
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestBroadcaster_BufferBounded(t *testing.T) {
	b := NewBroadcaster(WithBufferSize(3))

	for i := 0; i < 10; i++ {
		b.Publish(entry("run-1", fmt.Sprintf("msg-%d", i)))
	}

	ch, cancel := b.Subscribe("run-1")
	defer cancel()

	var got []string
	for i := 0; i < 3; i++ {
		got = append(got, (<-ch).Message)
	}
	assert.Equal(t, []string{"msg-7", "msg-8", "msg-9"}, got)

	select {
	case e := <-ch:
		t.Fatalf("buffer should hold only 3 entries, got extra %q", e.Message)
	default:
	}
}

func TestBroadcaster_CancelStopsDelivery(t *testing.T) {
	b := NewBroadcaster()

	ch, cancel := b.Subscribe("run-1")
	cancel()

	b.Publish(entry("run-1", "after cancel"))

	// Channel is closed on cancel; receives drain then report closed.
	_, open := <-ch
	assert.False(t, open)
}

func TestBroadcaster_IdleBuffersEvicted(t *testing.T) {
	b := NewBroadcaster(WithRetention(time.Minute))
	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	b.Publish(entry("run-old", "stale"))

	clock = clock.Add(2 * time.Minute)
	b.Publish(entry("run-new", "fresh"))

	ch, cancel := b.Subscribe("run-old")
	defer cancel()
	select {
	case e := <-ch:
		t.Fatalf("evicted buffer replayed %q", e.Message)
	default:
	}
}

func TestLogger_PersistsAndBroadcasts(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runlog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	run := &model.Run{AssetID: 1, SourceKind: model.SourceHealth}
	require.NoError(t, st.CreateRun(ctx, run))

	b := NewBroadcaster()
	ch, cancel := b.Subscribe(run.ID)
	defer cancel()

	l := NewLogger(st, b)
	l.Info(ctx, run.ID, "import", "sheet processed", map[string]any{"sheet": "March 2024"})

	select {
	case e := <-ch:
		assert.Equal(t, "sheet processed", e.Message)
		assert.Equal(t, "import", e.Stage)
	case <-time.After(time.Second):
		t.Fatal("entry not broadcast")
	}

	logs, err := st.ListRunLogs(ctx, run.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.LogInfo, logs[0].Level)
	assert.Equal(t, "March 2024", logs[0].Fields["sheet"])
}
