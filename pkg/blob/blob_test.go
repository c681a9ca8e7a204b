package blob

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestLocal_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	key := NewKey("acme", "sales report.csv")
	payload := []byte("id,region\n1,EMEA\n")
	if err := store.Put(ctx, key, payload); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestLocal_MissingKey(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(context.Background(), "nope/missing.csv"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// Deleting a missing key stays quiet.
	if err := store.Delete(context.Background(), "nope/missing.csv"); err != nil {
		t.Fatal(err)
	}
}

func TestLocal_RejectsEscapingKeys(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"../outside.csv", "a/../../outside.csv"} {
		if err := store.Put(context.Background(), key, []byte("x")); err == nil {
			t.Errorf("key %q must be rejected", key)
		}
	}
}

func TestNewKey(t *testing.T) {
	key := NewKey("acme corp", "Q3 sales/final.csv")

	if !strings.HasPrefix(key, "acme_corp/") {
		t.Errorf("owner prefix missing: %s", key)
	}
	if !strings.HasSuffix(key, "_final.csv") {
		t.Errorf("filename suffix missing: %s", key)
	}
	if strings.Contains(key[strings.Index(key, "/"):], " ") {
		t.Errorf("unsanitized key: %s", key)
	}

	if NewKey("acme", "a.csv") == NewKey("acme", "a.csv") {
		t.Error("keys must be unique per call")
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	if _, err := New(context.Background(), Config{Backend: "ftp"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestNew_DefaultsToLocal(t *testing.T) {
	store, err := New(context.Background(), Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.(*Local); !ok {
		t.Fatalf("expected local store, got %T", store)
	}
}
