package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/subscriptions/internal/platform/resource"
)

func TestLifecycle_CreateAddsEntry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ent, err := f.svc.Create(ctx, subscriptionBody(t, "Patient?name=smith"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	entry, found, err := f.index.FindEntry(ctx, ent.ID)
	if err != nil || !found {
		t.Fatalf("FindEntry: found=%v err=%v", found, err)
	}
	if entry.ResourcePID != ent.PID {
		t.Errorf("entry points at %s, want %s", entry.ResourcePID, ent.PID)
	}
	if f.entryCount(t, ent.PID) != 1 {
		t.Errorf("expected exactly one entry")
	}
}

func TestLifecycle_InvalidWriteStoresNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, subscriptionBody(t, "Patient"))
	if !IsValidationError(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	_, total, _ := f.svc.Search(ctx, 10, 0)
	if total != 0 {
		t.Errorf("invalid subscription was stored")
	}
	pids, _ := f.repo.ResourcePIDs(ctx)
	if len(pids) != 0 {
		t.Errorf("index entry created for invalid subscription")
	}
}

func TestLifecycle_UpdatesKeepOneEntry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ent, err := f.svc.Create(ctx, subscriptionBody(t, "Patient?name=smith"))
	if err != nil {
		t.Fatal(err)
	}
	first, _, _ := f.index.FindEntry(ctx, ent.ID)

	for i := 0; i < 5; i++ {
		if _, _, err := f.svc.Update(ctx, ent.ID, subscriptionBody(t, "Observation?code=x"), 0); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	if n := f.entryCount(t, ent.PID); n != 1 {
		t.Errorf("expected 1 entry after updates, got %d", n)
	}
	after, found, _ := f.index.FindEntry(ctx, ent.ID)
	if !found || after.ID != first.ID {
		t.Error("update replaced the index entry")
	}
}

func TestLifecycle_UpdateIsRevalidated(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ent, err := f.svc.Create(ctx, subscriptionBody(t, "Patient?name=smith"))
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = f.svc.Update(ctx, ent.ID, subscriptionBody(t, "Patient/1?x"), 0)
	if !IsValidationError(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	cur, _ := f.svc.Read(ctx, ent.ID)
	if cur.Version != 1 {
		t.Errorf("rejected update stored version %d", cur.Version)
	}
}

func TestLifecycle_DeleteRemovesEntry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ent, err := f.svc.Create(ctx, subscriptionBody(t, "Patient?name=smith"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Delete(ctx, ent.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, found, err := f.index.FindEntry(ctx, ent.ID); err != nil || found {
		t.Errorf("entry still found after delete (err=%v)", err)
	}
	if f.entryCount(t, ent.PID) != 0 {
		t.Error("index rows remain after delete")
	}
	if _, err := f.svc.Read(ctx, ent.ID); !errors.Is(err, resource.ErrGone) {
		t.Errorf("Read after delete: %v", err)
	}
}

func TestLifecycle_RecreateGetsNewEntry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, subscriptionBody(t, "Patient?name=smith"))
	if err != nil {
		t.Fatal(err)
	}
	firstEntry, _, _ := f.index.FindEntry(ctx, first.ID)
	if _, err := f.svc.Delete(ctx, first.ID); err != nil {
		t.Fatal(err)
	}

	second, err := f.svc.Create(ctx, subscriptionBody(t, "Patient?name=smith"))
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == first.ID || second.PID == first.PID {
		t.Fatal("re-created subscription reused the old identity")
	}
	secondEntry, found, _ := f.index.FindEntry(ctx, second.ID)
	if !found || secondEntry.ID == firstEntry.ID {
		t.Errorf("expected a new independent entry")
	}
	if _, found, _ := f.index.FindEntry(ctx, first.ID); found {
		t.Error("deleted subscription regained an entry")
	}
}

func TestLifecycle_IndexFailureRollsBackCreate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.repo.insertErr = errInjected

	_, err := f.svc.Create(ctx, subscriptionBody(t, "Patient?name=smith"))
	if !errors.Is(err, errInjected) {
		t.Fatalf("expected injected failure, got %v", err)
	}

	items, total, err := f.svc.Search(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 || len(items) != 0 {
		t.Errorf("resource visible after rolled back create: %d", total)
	}
}

func TestLifecycle_IndexFailureRollsBackPutCreate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.repo.insertErr = errInjected

	if _, _, err := f.svc.Update(ctx, "sub-1", subscriptionBody(t, "Patient?name=smith"), 0); !errors.Is(err, errInjected) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if _, err := f.svc.Read(ctx, "sub-1"); !errors.Is(err, resource.ErrNotFound) {
		t.Errorf("Read after forced failure: %v, want ErrNotFound", err)
	}
}

func TestLifecycle_IndexFailureRollsBackDelete(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ent, err := f.svc.Create(ctx, subscriptionBody(t, "Patient?name=smith"))
	if err != nil {
		t.Fatal(err)
	}
	f.repo.deleteErr = errInjected
	if _, err := f.svc.Delete(ctx, ent.ID); !errors.Is(err, errInjected) {
		t.Fatalf("expected injected failure, got %v", err)
	}

	cur, err := f.svc.Read(ctx, ent.ID)
	if err != nil {
		t.Fatalf("subscription should still be live: %v", err)
	}
	if cur.Version != 1 {
		t.Errorf("delete version survived rollback: v%d", cur.Version)
	}
	if _, found, _ := f.index.FindEntry(ctx, ent.ID); !found {
		t.Error("entry lost although delete rolled back")
	}
}

func TestIndexManager_DeleteAllEntriesIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ent, err := f.svc.Create(ctx, subscriptionBody(t, "Patient?name=smith"))
	if err != nil {
		t.Fatal(err)
	}
	del, err := f.svc.Delete(ctx, ent.ID)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		err := f.tx.InTx(ctx, func(ctx context.Context) error {
			return f.index.DeleteAllEntries(ctx, del.Ref())
		})
		if err != nil {
			t.Fatalf("DeleteAllEntries call %d: %v", i+1, err)
		}
	}
}

func TestIndexManager_DeleteAllEntriesRemovesDuplicates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ent, err := f.svc.Create(ctx, subscriptionBody(t, "Patient?name=smith"))
	if err != nil {
		t.Fatal(err)
	}
	// A stale duplicate left behind by an earlier partial failure.
	if err := f.repo.Insert(ctx, &IndexEntry{ID: uuid.New(), ResourcePID: ent.PID, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if n := f.entryCount(t, ent.PID); n != 2 {
		t.Fatalf("setup: expected 2 entries, got %d", n)
	}

	if _, err := f.svc.Delete(ctx, ent.ID); err != nil {
		t.Fatal(err)
	}
	if n := f.entryCount(t, ent.PID); n != 0 {
		t.Errorf("expected all entries removed, %d remain", n)
	}
}

func TestIndexManager_DeleteAllEntriesRefusesLiveResource(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ent, err := f.svc.Create(ctx, subscriptionBody(t, "Patient?name=smith"))
	if err != nil {
		t.Fatal(err)
	}

	err = f.tx.InTx(ctx, func(ctx context.Context) error {
		return f.index.DeleteAllEntries(ctx, ent.Ref())
	})
	var ie *IndexInconsistencyError
	if !errors.As(err, &ie) {
		t.Fatalf("expected IndexInconsistencyError, got %v", err)
	}
	if ie.ResourcePID != ent.PID || ie.Version != 1 {
		t.Errorf("unexpected error details %+v", ie)
	}
	if _, found, _ := f.index.FindEntry(ctx, ent.ID); !found {
		t.Error("entry removed for a live subscription")
	}
}

func TestIndexManager_FindEntryMissing(t *testing.T) {
	f := newFixture(t, nil)
	entry, found, err := f.index.FindEntry(context.Background(), "does-not-exist")
	if err != nil || found || entry != nil {
		t.Errorf("got entry=%v found=%v err=%v", entry, found, err)
	}
}

func TestIndexManager_CreateEntryUsesRequestLogger(t *testing.T) {
	f := newFixture(t, nil)
	var buf jsonLines
	reqLogger := zerolog.New(&buf).Level(zerolog.DebugLevel).With().Str("request_id", "r-1").Logger()
	ctx := reqLogger.WithContext(context.Background())

	if _, err := f.svc.Create(ctx, subscriptionBody(t, "Patient?name=smith")); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, line := range buf.lines {
		if line["message"] == "subscription index entry created" && line["request_id"] == "r-1" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected request-scoped debug line, got %v", buf.lines)
	}
}

type jsonLines struct {
	lines []map[string]interface{}
}

func (j *jsonLines) Write(p []byte) (int, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(p, &m); err != nil {
		return 0, err
	}
	j.lines = append(j.lines, m)
	return len(p), nil
}
