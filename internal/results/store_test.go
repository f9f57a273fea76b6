package results

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnlineOfflineInvariant(t *testing.T) {
	at := time.Now()
	on := Online("a", 120.5, at)
	assert.Equal(t, StatusOnline, on.Status)
	assert.True(t, on.Valid())

	off := Offline("b", at)
	assert.Equal(t, SentinelDelay, off.DelayMs)
	assert.True(t, off.Valid())

	clamped := Online("c", 12000, at)
	assert.Less(t, clamped.DelayMs, SentinelDelay)
	assert.True(t, clamped.Valid())

	bad := Result{DisplayName: "d", DelayMs: SentinelDelay, Status: StatusOnline}
	assert.False(t, bad.Valid())
}

func TestUpdateOverwritesByName(t *testing.T) {
	s := NewStore("")
	at := time.Now()
	s.Update(Online("x", 10, at))
	s.Update(Offline("x", at.Add(time.Second)))
	s.Update(Online("y", 20, at))

	snap := s.Snapshot()
	require.Equal(t, 2, snap.Total)
	assert.Equal(t, StatusOffline, snap.Results["x"].Status)
	assert.Equal(t, 20.0, snap.Results["y"].DelayMs)
}

func TestSnapshotIsCopy(t *testing.T) {
	s := NewStore("")
	s.Update(Online("x", 10, time.Now()))
	snap := s.Snapshot()
	snap.Results["x"] = Offline("x", time.Now())
	delete(snap.Results, "x")

	got, ok := s.Get("x")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, got.Status)
}

func TestPersistWireFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ping_results.json")
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(path, WithNow(func() time.Time { return fixed }))
	s.Update(Online("🇩🇪 Berlin", 51.234, fixed))
	s.Update(Offline("tokyo", fixed))
	require.NoError(t, s.Persist())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "2025-03-01T12:00:00Z", doc["last_update"])
	assert.Equal(t, float64(2), doc["total_configs"])

	res := doc["results"].(map[string]any)
	berlin := res["🇩🇪 Berlin"].(map[string]any)
	assert.Equal(t, 51.23, berlin["delay"])
	assert.Equal(t, "online", berlin["status"])
	tokyo := res["tokyo"].(map[string]any)
	assert.Equal(t, 9999.0, tokyo["delay"])
	assert.Equal(t, "offline", tokyo["status"])
	assert.Equal(t, "2025-03-01T12:00:00Z", tokyo["timestamp"])
}

func TestPersistInPlaceAndAtomic(t *testing.T) {
	for _, atomic := range []bool{true, false} {
		path := filepath.Join(t.TempDir(), "out.json")
		s := NewStore(path, WithAtomicWrite(atomic))
		s.Update(Online("a", 1, time.Now()))
		require.NoError(t, s.Persist())
		s.Update(Online("b", 2, time.Now()))
		require.NoError(t, s.Persist())

		snap, err := ReadSnapshot(path)
		require.NoError(t, err)
		assert.Equal(t, 2, snap.Total)
		_, err = os.Stat(path + ".tmp")
		assert.True(t, errors.Is(err, os.ErrNotExist))
	}
}

func TestPersistErrorIsWrapped(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	s := NewStore(filepath.Join(blocker, "nested", "out.json"))
	s.Update(Online("a", 1, time.Now()))
	err := s.Persist()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersist)
}

func TestReadSnapshotLegacyTimestamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	doc := `{
  "last_update": "2025-01-02T03:04:05.123456",
  "total_configs": 2,
  "results": {
    "a": {"delay": 88.5, "timestamp": "2025-01-02T03:04:05.123456", "status": "online"},
    "b": {"delay": 9999, "timestamp": "2025-01-02T03:04:05.123456", "status": "offline"}
  }
}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	snap, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Total)
	assert.Equal(t, "a", snap.Results["a"].DisplayName)
	assert.Equal(t, 2025, snap.LastUpdate.Year())
	assert.True(t, snap.Results["b"].Valid())
}

func TestReadSnapshotMissingFile(t *testing.T) {
	_, err := ReadSnapshot(filepath.Join(t.TempDir(), "none.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRetainDropsUnknownNames(t *testing.T) {
	s := NewStore("")
	at := time.Now()
	for _, n := range []string{"gone1", "gone2", "kept"} {
		s.Update(Online(n, 10, at))
	}
	assert.Equal(t, 2, s.Retain([]string{"kept", "new"}))
	assert.Equal(t, 0, s.Retain([]string{"kept"}))

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.Total)
	_, ok := snap.Results["kept"]
	assert.True(t, ok)
}

func TestOnlineDelayBelowSentinelAfterRounding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	at := time.Now()

	edge := Online("edge", 9998.996, at)
	assert.Equal(t, StatusOnline, edge.Status)
	assert.Equal(t, SentinelDelay-0.01, edge.DelayMs)
	assert.True(t, edge.Valid())
	assert.Equal(t, 9998.994, Online("below", 9998.994, at).DelayMs)

	s := NewStore(path)
	s.Update(edge)
	require.NoError(t, s.Persist())
	snap, err := ReadSnapshot(path)
	require.NoError(t, err)
	got := snap.Results["edge"]
	assert.Equal(t, StatusOnline, got.Status)
	assert.Equal(t, 9998.99, got.DelayMs)
	assert.True(t, got.Valid())

	rounded := Result{DisplayName: "x", DelayMs: 9998.997, Status: StatusOnline}
	assert.False(t, rounded.Valid())
}

func TestSnapshotNamesAndCategory(t *testing.T) {
	at := time.Now()
	snap := Snapshot{Results: map[string]Result{
		"slow": Online("slow", 1200, at),
		"fast": Online("fast", 80, at),
		"dead": Offline("dead", at),
		"ok":   Online("ok", 700, at),
	}}
	assert.Equal(t, []string{"fast", "ok", "slow", "dead"}, snap.Names())
	assert.Equal(t, 3, snap.Online())

	assert.Equal(t, CategoryExcellent, Category(snap.Results["fast"]))
	assert.Equal(t, CategoryGood, Category(snap.Results["ok"]))
	assert.Equal(t, CategoryFair, Category(snap.Results["slow"]))
	assert.Equal(t, CategoryPoor, Category(Online("p", 3000, at)))
	assert.Equal(t, CategoryOffline, Category(snap.Results["dead"]))
}
