package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestGuard(heap *uint64, maxConsecutive int) (*MemoryGuard, *int) {
	collected := 0
	g := &MemoryGuard{
		ThresholdBytes: 100,
		Pause:          time.Millisecond,
		MaxConsecutive: maxConsecutive,
		ReadHeap:       func() uint64 { return *heap },
		Collect:        func() { collected++ },
	}
	return g, &collected
}

func TestMemoryGuard_BelowThreshold(t *testing.T) {
	heap := uint64(50)
	g, collected := newTestGuard(&heap, 3)

	if err := g.Check(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if *collected != 0 {
		t.Fatalf("expected no collection, got %d", *collected)
	}
}

func TestMemoryGuard_PausesThenAborts(t *testing.T) {
	heap := uint64(500)
	g, collected := newTestGuard(&heap, 3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := g.Check(ctx); err != nil {
			t.Fatalf("check %d: expected nil error, got %v", i+1, err)
		}
	}
	if *collected != 2 {
		t.Fatalf("expected 2 collections, got %d", *collected)
	}
	if err := g.Check(ctx); !errors.Is(err, ErrMemoryPressure) {
		t.Fatalf("expected ErrMemoryPressure, got %v", err)
	}
}

func TestMemoryGuard_RecoveryResetsCounter(t *testing.T) {
	heap := uint64(500)
	g, _ := newTestGuard(&heap, 2)
	ctx := context.Background()

	if err := g.Check(ctx); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	heap = 10
	if err := g.Check(ctx); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	heap = 500
	if err := g.Check(ctx); err != nil {
		t.Fatalf("expected counter reset after recovery, got %v", err)
	}
}

func TestMemoryGuard_DisabledAndNil(t *testing.T) {
	var g *MemoryGuard
	if err := g.Check(context.Background()); err != nil {
		t.Fatalf("expected nil guard to pass, got %v", err)
	}

	disabled := NewMemoryGuard(0, time.Second, 1, nil)
	if err := disabled.Check(context.Background()); err != nil {
		t.Fatalf("expected disabled guard to pass, got %v", err)
	}
}
