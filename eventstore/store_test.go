package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, _ := newTestStoreWithServer(t)
	return s
}

func newTestStoreWithServer(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, WithNamespace(StaticNamespace("test"))), mr
}

func TestAddRoundTripsWithReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if ok := s.Add(ctx, "test_write", "1", 10); !ok {
		t.Fatal("expected first add to report newer")
	}

	got, err := s.ReplayWithTs(ctx, "test_write", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].PK != "1" || got[0].Ts != 10 {
		t.Fatalf("expected [(1,10)], got %v", got)
	}
}

func TestAddScoreNeverDecreases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Add(ctx, "test_write", "1", 10)
	if ok := s.Add(ctx, "test_write", "1", 5); ok {
		t.Fatal("expected stale add to report not-newer")
	}

	got, err := s.ReplayWithTs(ctx, "test_write", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Ts != 10 {
		t.Fatalf("expected score to remain at 10, got %v", got)
	}
}

func TestAddAdvancesOnNewerTs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Add(ctx, "test_write", "1", 10)
	if ok := s.Add(ctx, "test_write", "1", 20); !ok {
		t.Fatal("expected newer ts to be accepted")
	}

	got, _ := s.ReplayWithTs(ctx, "test_write", 0, 0)
	if len(got) != 1 || got[0].Ts != 20 {
		t.Fatalf("expected score to advance to 20, got %v", got)
	}
}

func TestReplayBoundsByTimeRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Add(ctx, "test_write", "1", 5)
	s.Add(ctx, "test_write", "2", 15)
	s.Add(ctx, "test_write", "3", 25)

	pks, err := s.Replay(ctx, "test_write", 10, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(pks) != 1 || pks[0] != "2" {
		t.Fatalf("expected only pk 2 within [10,20], got %v", pks)
	}
}

func TestClearDropsIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Add(ctx, "test_write", "1", 10)
	if err := s.Clear(ctx, "test_write", 10); err != nil {
		t.Fatal(err)
	}

	pks, err := s.Replay(ctx, "test_write", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pks) != 0 {
		t.Fatalf("expected empty index after clear, got %v", pks)
	}
}

// TestAddWithoutTsUsesServerClockNotLocalClock pins Add's ts==0 default to
// the redis server's TIME, not the caller's wall clock: the two are set far
// apart here, and the stored score must land on the server's value.
func TestAddWithoutTsUsesServerClockNotLocalClock(t *testing.T) {
	s, mr := newTestStoreWithServer(t)
	ctx := context.Background()

	serverNow := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	mr.SetTime(serverNow)

	if ok := s.Add(ctx, "test_write", "1", 0); !ok {
		t.Fatal("expected add to report newer")
	}

	got, err := s.ReplayWithTs(ctx, "test_write", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one entry, got %v", got)
	}
	if got[0].Ts != serverNow.Unix() {
		t.Fatalf("expected score to be sourced from the server clock (%d), got %d", serverNow.Unix(), got[0].Ts)
	}
}
