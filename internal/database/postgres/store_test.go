package postgres

import (
	"context"
	"math/big"
	"os"
	"testing"

	"github.com/bardlex/roundproxy/internal/mining"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	url := os.Getenv("POSTGRES_TEST_URL")
	if url == "" {
		t.Skip("POSTGRES_TEST_URL not set")
	}

	s, err := NewStore(context.Background(), DefaultConfig(url))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.DB().Exec(`DELETE FROM rounds WHERE upstream_id LIKE 'test-%'`)
		_, _ = s.DB().Exec(`DELETE FROM plotters WHERE upstream_id LIKE 'test-%'`)
		_ = s.Close()
	})
	return s
}

func TestStore_Rounds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	bt, _ := new(big.Int).SetString("98765432109876543210", 10)
	for h := uint64(1); h <= 5; h++ {
		r := &mining.Round{UpstreamID: "test-pool", Height: h, BaseTarget: bt, NetDiff: 2, BestDL: big.NewInt(int64(h * 10))}
		if err := s.UpsertRound(ctx, r); err != nil {
			t.Fatalf("UpsertRound(%d) error = %v", h, err)
		}
	}

	got, err := s.GetRound(ctx, "test-pool", 3)
	if err != nil {
		t.Fatalf("GetRound() error = %v", err)
	}
	if got.BaseTarget.Cmp(bt) != 0 || got.BestDL.Int64() != 30 {
		t.Errorf("round = %+v", got)
	}

	n, err := s.PruneRounds(ctx, "test-pool", 2)
	if err != nil || n != 3 {
		t.Fatalf("PruneRounds() = %d, %v", n, err)
	}
	recent, err := s.RecentRounds(ctx, "test-pool", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].Height != 4 {
		t.Errorf("recent = %d rounds", len(recent))
	}
}

func TestStore_Plotters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertPlotter(ctx, &mining.Plotter{UpstreamID: "test-pool", AccountID: "42", LastSubmitHeight: 100}); err != nil {
		t.Fatalf("UpsertPlotter() error = %v", err)
	}
	p, err := s.GetPlotter(ctx, "test-pool", "42")
	if err != nil || p.LastSubmitHeight != 100 {
		t.Fatalf("GetPlotter() = %+v, %v", p, err)
	}

	active, err := s.ActivePlotters(ctx, "test-pool", 90)
	if err != nil || len(active) != 1 {
		t.Errorf("ActivePlotters() = %v, %v", active, err)
	}
}
