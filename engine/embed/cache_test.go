package embed

import (
	"context"
	"testing"
)

func TestCache_RoundTrip(t *testing.T) {
	cache, err := OpenCache(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	ctx := context.Background()
	vec := []float32{0.1, -0.5, 0.25}

	if err := cache.Put(ctx, "model-a", "hello", vec); err != nil {
		t.Fatal(err)
	}

	got, err := cache.Get(ctx, "model-a", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(vec) {
		t.Fatalf("expected %d dims, got %d", len(vec), len(got))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("component %d: expected %f, got %f", i, vec[i], got[i])
		}
	}
}

func TestCache_MissAndModelSeparation(t *testing.T) {
	cache, err := OpenCache(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	ctx := context.Background()

	got, err := cache.Get(ctx, "model-a", "never stored")
	if err != nil || got != nil {
		t.Fatalf("expected miss, got %v, %v", got, err)
	}

	if err := cache.Put(ctx, "model-a", "shared text", []float32{1}); err != nil {
		t.Fatal(err)
	}
	got, err = cache.Get(ctx, "model-b", "shared text")
	if err != nil || got != nil {
		t.Fatalf("different model must miss, got %v, %v", got, err)
	}

	n, err := cache.Len(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 entry, got %d, %v", n, err)
	}
}

func TestCache_Replace(t *testing.T) {
	cache, err := OpenCache(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	ctx := context.Background()
	if err := cache.Put(ctx, "m", "t", []float32{1, 2}); err != nil {
		t.Fatal(err)
	}
	if err := cache.Put(ctx, "m", "t", []float32{3, 4}); err != nil {
		t.Fatal(err)
	}

	got, err := cache.Get(ctx, "m", "t")
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 3 || got[1] != 4 {
		t.Errorf("expected replacement to win, got %v", got)
	}
}
