package job

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
)

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TUNEGATE_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TUNEGATE_TEST_POSTGRES_URL not set")
	}
	store, err := NewPostgresStore(context.Background(), url, 4)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)

	id := uuid.NewString()
	created, err := store.Create(ctx, makeRecord(id, "Happy birthday"))
	if err != nil || !created {
		t.Fatalf("Create: created=%v err=%v", created, err)
	}
	created, err = store.Create(ctx, makeRecord(id, "again"))
	if err != nil || created {
		t.Fatalf("second Create: created=%v err=%v", created, err)
	}

	got, changed, err := store.Patch(ctx, id, Patch{ProviderJobID: ptr("abc123"), Status: ptr(StatusProcessing)})
	if err != nil || !changed {
		t.Fatalf("Patch: changed=%v err=%v", changed, err)
	}
	if got.ProviderJobID != "abc123" {
		t.Errorf("ProviderJobID = %q", got.ProviderJobID)
	}
	reread, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.UpdatedAt.Equal(reread.UpdatedAt) {
		t.Errorf("patched UpdatedAt %v differs from stored %v", got.UpdatedAt, reread.UpdatedAt)
	}

	_, _, err = store.Patch(ctx, id, Patch{Status: ptr(StatusFailed), ProviderError: &ProviderError{Type: ErrorTypeGenerationFailed, Message: "boom"}})
	if err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	_, changed, err = store.Patch(ctx, id, Patch{Status: ptr(StatusCompleted), AudioURL: ptr("https://x/y.mp3")})
	if err != nil {
		t.Fatalf("Patch after terminal: %v", err)
	}
	if changed {
		t.Error("terminal record accepted a later completion")
	}

	found, err := store.FindByProviderJobID(ctx, ProviderAggregator, "abc123")
	if err != nil || found == nil || found.ID != id {
		t.Fatalf("FindByProviderJobID: %+v err=%v", found, err)
	}
	if found.Status != StatusFailed || found.ProviderError == nil || found.ProviderError.Message != "boom" {
		t.Errorf("stored record = %+v", found)
	}
}
