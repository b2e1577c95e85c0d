package resource

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/subscriptions/internal/platform/fhir"
)

// -- Recording hooks --

type recordingHooks struct {
	before  []*Write
	created []*Entity
	written []*Entity

	failBefore, failCreate, failWrite error
}

func (h *recordingHooks) BeforeWrite(_ context.Context, w *Write) error {
	h.before = append(h.before, w)
	return h.failBefore
}

func (h *recordingHooks) AfterCreate(_ context.Context, e *Entity) error {
	h.created = append(h.created, e)
	return h.failCreate
}

func (h *recordingHooks) AfterWrite(_ context.Context, e *Entity) error {
	h.written = append(h.written, e)
	return h.failWrite
}

func newTestEngine(t *testing.T) (*Engine, *MemoryStore, *recordingHooks) {
	t.Helper()
	store := NewMemoryStore()
	e := NewEngine(store, NewMemoryTxRunner(), zerolog.Nop())
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	e.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	h := &recordingHooks{}
	e.Register("Basic", h)
	return e, store, h
}

func body(t *testing.T, v map[string]interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestEngine_HandlerFor(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if !e.HandlerFor(fhir.ResourceType{Name: "Basic"}) {
		t.Error("expected handler for Basic")
	}
	if e.HandlerFor(fhir.ResourceType{Name: "Patient"}) {
		t.Error("expected no handler for Patient")
	}
	e.Register("Patient", nil)
	if !e.HandlerFor(fhir.ResourceType{Name: "Patient"}) {
		t.Error("expected handler for Patient after Register")
	}
}

func TestEngine_Create(t *testing.T) {
	e, _, h := newTestEngine(t)
	ctx := context.Background()

	ent, err := e.Create(ctx, "Basic", body(t, map[string]interface{}{
		"resourceType": "Basic",
		"id":           "client-chosen",
		"meta":         map[string]interface{}{"tag": []interface{}{"x"}},
	}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ent.Version != 1 || ent.ID == "" || ent.ID == "client-chosen" {
		t.Errorf("unexpected entity %+v", ent)
	}
	if len(h.before) != 1 || len(h.created) != 1 || len(h.written) != 1 {
		t.Errorf("hook calls before=%d created=%d written=%d", len(h.before), len(h.created), len(h.written))
	}

	var doc struct {
		ID   string `json:"id"`
		Meta struct {
			VersionID string        `json:"versionId"`
			Tag       []interface{} `json:"tag"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(ent.Body, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.ID != ent.ID || doc.Meta.VersionID != "1" || len(doc.Meta.Tag) != 1 {
		t.Errorf("body not stamped: %s", ent.Body)
	}
}

func TestEngine_Create_Rejects(t *testing.T) {
	e, _, h := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name string
		typ  string
		body string
		want error
	}{
		{"unknown type", "Patient", `{}`, ErrUnknownType},
		{"empty body", "Basic", ``, ErrInvalidBody},
		{"array body", "Basic", `[]`, ErrInvalidBody},
		{"null body", "Basic", `null`, ErrInvalidBody},
		{"type mismatch", "Basic", `{"resourceType":"Patient"}`, ErrInvalidBody},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Create(ctx, tt.typ, json.RawMessage(tt.body))
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
	if len(h.before) != 0 {
		t.Errorf("hooks ran for rejected bodies: %d", len(h.before))
	}
}

func TestEngine_HookErrorRollsBack(t *testing.T) {
	e, store, h := newTestEngine(t)
	ctx := context.Background()
	boom := errors.New("boom")
	h.failCreate = boom

	if _, err := e.Create(ctx, "Basic", json.RawMessage(`{}`)); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	_, total, _ := store.Search(ctx, "Basic", 10, 0)
	if total != 0 {
		t.Errorf("expected rollback, found %d resources", total)
	}
}

func TestEngine_Update(t *testing.T) {
	e, _, h := newTestEngine(t)
	ctx := context.Background()

	ent, err := e.Create(ctx, "Basic", json.RawMessage(`{"resourceType":"Basic"}`))
	if err != nil {
		t.Fatal(err)
	}

	up, created, err := e.Update(ctx, "Basic", ent.ID, json.RawMessage(`{"resourceType":"Basic","id":"`+ent.ID+`"}`), 1)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if created || up.Version != 2 || up.PID != ent.PID {
		t.Errorf("unexpected update result created=%v %+v", created, up)
	}
	if !up.CreatedAt.Equal(ent.CreatedAt) || !up.UpdatedAt.After(ent.UpdatedAt) {
		t.Error("timestamps not carried forward")
	}
	if len(h.created) != 1 || len(h.written) != 2 {
		t.Errorf("hook calls created=%d written=%d", len(h.created), len(h.written))
	}
	if h.before[1].Existing == nil || h.before[1].Existing.Version != 1 {
		t.Error("BeforeWrite did not receive the existing version")
	}

	if _, _, err := e.Update(ctx, "Basic", ent.ID, json.RawMessage(`{}`), 1); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale If-Match: got %v", err)
	}
	if _, _, err := e.Update(ctx, "Basic", ent.ID, json.RawMessage(`{"id":"other"}`), 0); !errors.Is(err, ErrInvalidBody) {
		t.Errorf("id mismatch: got %v", err)
	}
}

func TestEngine_UpdateCreatesMissing(t *testing.T) {
	e, _, h := newTestEngine(t)
	ctx := context.Background()

	ent, created, err := e.Update(ctx, "Basic", "b1", json.RawMessage(`{}`), 0)
	if err != nil {
		t.Fatal(err)
	}
	if !created || ent.ID != "b1" || ent.Version != 1 {
		t.Errorf("unexpected result created=%v %+v", created, ent)
	}
	if len(h.created) != 1 {
		t.Errorf("AfterCreate calls = %d", len(h.created))
	}

	if _, _, err := e.Update(ctx, "Basic", "b2", json.RawMessage(`{}`), 3); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("If-Match on missing resource: got %v", err)
	}
}

func TestEngine_Delete(t *testing.T) {
	e, _, h := newTestEngine(t)
	ctx := context.Background()

	ent, err := e.Create(ctx, "Basic", json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	del, err := e.Delete(ctx, "Basic", ent.ID)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if del.DeletedAt == nil || del.Version != 2 || del.Body != nil {
		t.Errorf("unexpected delete version %+v", del)
	}
	if !h.before[1].Deleting {
		t.Error("BeforeWrite not told about deletion")
	}

	again, err := e.Delete(ctx, "Basic", ent.ID)
	if err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if again.Version != 2 || len(h.written) != 2 {
		t.Errorf("second delete wrote a version: v=%d writes=%d", again.Version, len(h.written))
	}

	if _, err := e.Read(ctx, "Basic", ent.ID); !errors.Is(err, ErrGone) {
		t.Errorf("Read after delete: %v", err)
	}
	if _, _, err := e.Update(ctx, "Basic", ent.ID, json.RawMessage(`{}`), 0); !errors.Is(err, ErrGone) {
		t.Errorf("Update after delete: %v", err)
	}
	if _, err := e.Delete(ctx, "Basic", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete missing: %v", err)
	}
}

func TestEngine_HistoryAndVRead(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	ent, _ := e.Create(ctx, "Basic", json.RawMessage(`{}`))
	if _, _, err := e.Update(ctx, "Basic", ent.ID, json.RawMessage(`{"text":"x"}`), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Delete(ctx, "Basic", ent.ID); err != nil {
		t.Fatal(err)
	}

	hist, err := e.History(ctx, "Basic", ent.ID)
	if err != nil {
		t.Fatal(err)
	}
	wantActions := []string{"delete", "update", "create"}
	if len(hist) != len(wantActions) {
		t.Fatalf("history len = %d", len(hist))
	}
	for i, a := range wantActions {
		if hist[i].Action != a || hist[i].Version != 3-i {
			t.Errorf("history[%d] = %s v%d", i, hist[i].Action, hist[i].Version)
		}
	}

	rev, err := e.VRead(ctx, "Basic", ent.ID, 2)
	if err != nil || rev.Version != 2 {
		t.Errorf("VRead v2: %v %+v", err, rev)
	}
	if _, err := e.VRead(ctx, "Basic", ent.ID, 3); !errors.Is(err, ErrGone) {
		t.Errorf("VRead deleted version: %v", err)
	}
	if _, err := e.VRead(ctx, "Basic", ent.ID, 9); !errors.Is(err, ErrNotFound) {
		t.Errorf("VRead missing version: %v", err)
	}
}

func TestEngine_Search(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ent, err := e.Create(ctx, "Basic", json.RawMessage(`{}`))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, ent.ID)
	}
	if _, err := e.Delete(ctx, "Basic", ids[0]); err != nil {
		t.Fatal(err)
	}

	page, total, err := e.Search(ctx, "Basic", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 4 || len(page) != 2 {
		t.Fatalf("total=%d page=%d", total, len(page))
	}
	if page[0].ID != ids[4] {
		t.Errorf("expected newest first, got %s", page[0].ID)
	}

	page, _, _ = e.Search(ctx, "Basic", 2, 4)
	if len(page) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(page))
	}
}
