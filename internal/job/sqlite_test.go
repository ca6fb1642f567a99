package job

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func makeRecord(id, prompt string) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:        id,
		Provider:  ProviderAggregator,
		Prompt:    prompt,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	r := makeRecord("job-1", "Happy birthday")
	r.Tags = []string{"pop", "upbeat"}
	r.Instrumental = true
	created, err := store.Create(ctx, r)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created {
		t.Fatal("Create reported existing row for a new id")
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil, want record")
	}
	if got.Prompt != r.Prompt {
		t.Errorf("Prompt = %q, want %q", got.Prompt, r.Prompt)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, StatusPending)
	}
	if got.Provider != ProviderAggregator {
		t.Errorf("Provider = %q, want %q", got.Provider, ProviderAggregator)
	}
	if len(got.Tags) != 2 || got.Tags[1] != "upbeat" {
		t.Errorf("Tags = %v, want [pop upbeat]", got.Tags)
	}
	if !got.Instrumental {
		t.Error("Instrumental = false, want true")
	}
}

func TestCreate_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.Create(ctx, makeRecord("job-dup", "first")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	created, err := store.Create(ctx, makeRecord("job-dup", "second"))
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if created {
		t.Error("second Create reported a new row")
	}

	got, _ := store.Get(ctx, "job-dup")
	if got.Prompt != "first" {
		t.Errorf("Prompt = %q, want the original %q", got.Prompt, "first")
	}
}

func TestGet_NotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	got, err := store.Get(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("Get: unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("Get returned %+v, want nil", got)
	}
}

func TestPatch_CompletesRecord(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.Create(ctx, makeRecord("job-2", "p")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, changed, err := store.Patch(ctx, "job-2", Patch{
		ProviderJobID: ptr("abc123"),
		Status:        ptr(StatusCompleted),
		AudioURL:      ptr("https://x/y.mp3"),
	})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if !changed {
		t.Fatal("Patch reported no change")
	}
	if got.Status != StatusCompleted || got.AudioURL != "https://x/y.mp3" || got.ProviderJobID != "abc123" {
		t.Errorf("patched record = %+v", got)
	}

	stored, _ := store.Get(ctx, "job-2")
	if stored.Status != StatusCompleted || stored.Version != 1 {
		t.Errorf("stored status=%s version=%d, want completed/1", stored.Status, stored.Version)
	}
	if !got.UpdatedAt.Equal(stored.UpdatedAt) {
		t.Errorf("patched UpdatedAt %v differs from stored %v", got.UpdatedAt, stored.UpdatedAt)
	}
}

func TestPatchTime_MicrosecondPrecision(t *testing.T) {
	for range 100 {
		if ns := patchTime().Nanosecond(); ns%1000 != 0 {
			t.Fatalf("patchTime carries sub-microsecond part %dns", ns)
		}
	}
}

func TestPatch_FailedKeepsProviderError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.Create(ctx, makeRecord("job-3", "p")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, _, err := store.Patch(ctx, "job-3", Patch{
		Status:        ptr(StatusFailed),
		ProviderError: &ProviderError{Type: ErrorTypeGenTimeout, Message: "no provider handle", Code: 408},
	})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}

	got, _ := store.Get(ctx, "job-3")
	if got.ProviderError == nil {
		t.Fatal("ProviderError is nil")
	}
	if got.ProviderError.Type != ErrorTypeGenTimeout || got.ProviderError.Code != 408 {
		t.Errorf("ProviderError = %+v", got.ProviderError)
	}
}

func TestPatch_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.Patch(context.Background(), "missing", Patch{Status: ptr(StatusProcessing)})
	if err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPatch_TerminalWinsUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.Create(ctx, makeRecord("job-race", "p")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := Patch{Status: ptr(StatusProcessing)}
			if i == 7 {
				p = Patch{Status: ptr(StatusCompleted), AudioURL: ptr("https://x/final.mp3")}
			}
			if _, _, err := store.Patch(ctx, "job-race", p); err != nil {
				t.Errorf("Patch %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := store.Get(ctx, "job-race")
	if got.Status != StatusCompleted || got.AudioURL != "https://x/final.mp3" {
		t.Errorf("final record = %+v, want completed with final url", got)
	}
}

func TestFindByProviderJobID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	r := makeRecord("job-4", "p")
	r.ProviderJobID = "task-77"
	if _, err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.FindByProviderJobID(ctx, ProviderAggregator, "task-77")
	if err != nil {
		t.Fatalf("FindByProviderJobID: %v", err)
	}
	if got == nil || got.ID != "job-4" {
		t.Errorf("got %+v, want job-4", got)
	}

	other, err := store.FindByProviderJobID(ctx, ProviderDirect, "task-77")
	if err != nil {
		t.Fatalf("FindByProviderJobID: %v", err)
	}
	if other != nil {
		t.Errorf("lookup under another provider returned %+v", other)
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Now().UTC()
	for i := range 5 {
		r := makeRecord(fmt.Sprintf("job-%d", i), "p")
		r.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if _, err := store.Create(ctx, r); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	records, total, err := store.List(ctx, 2, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(records) != 2 {
		t.Fatalf("len = %d, want 2", len(records))
	}
	if records[0].ID != "job-4" {
		t.Errorf("first = %q, want newest job-4", records[0].ID)
	}
}
