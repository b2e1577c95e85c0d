package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/ehr/subscriptions/internal/config"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Port:          "0",
		Env:           "development",
		LogLevel:      "error",
		Storage:       config.StorageMemory,
		BodyLimit:     "1K",
		IndexCacheTTL: time.Minute,
	}
}

func serve(a *app, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/fhir+json")
	}
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

const subscriptionJSON = `{"resourceType":"Subscription","status":"requested","criteria":"Observation?code=1234-5",
	"channel":{"type":"rest-hook","endpoint":"https://example.org/hook","payload":"application/fhir+json"}}`

func TestNewApp_MemoryLifecycle(t *testing.T) {
	a, err := newApp(context.Background(), memoryConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()

	if rec := serve(a, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}
	if rec := serve(a, http.MethodGet, "/fhir/metadata", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"Subscription"`) {
		t.Fatalf("metadata: %d %s", rec.Code, rec.Body.String())
	}

	rec := serve(a, http.MethodPost, "/fhir/Subscription", subscriptionJSON)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	if rec := serve(a, http.MethodGet, "/fhir/Subscription/"+created.ID+"/$index", ""); rec.Code != http.StatusOK {
		t.Errorf("$index: %d", rec.Code)
	}
	if rec := serve(a, http.MethodDelete, "/fhir/Subscription/"+created.ID, ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete: %d", rec.Code)
	}
	if rec := serve(a, http.MethodGet, "/fhir/Subscription/"+created.ID+"/$index", ""); rec.Code != http.StatusNotFound {
		t.Errorf("$index after delete: %d", rec.Code)
	}

	n, err := a.sweeper.Sweep(context.Background())
	if err != nil || n != 0 {
		t.Errorf("sweep after clean delete = %d, %v", n, err)
	}
}

func TestNewApp_RestrictedResourceTypes(t *testing.T) {
	cfg := memoryConfig()
	cfg.SupportedResourceTypes = "Patient, Subscription"
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()

	rec := serve(a, http.MethodPost, "/fhir/Subscription", subscriptionJSON)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unsupported criteria type, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "criteria contains invalid/unsupported resource type: Observation") {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}

	patientSub := strings.Replace(subscriptionJSON, "Observation?code=1234-5", "Patient?name=smith", 1)
	if rec := serve(a, http.MethodPost, "/fhir/Subscription", patientSub); rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestNewApp_UnknownResourceType(t *testing.T) {
	cfg := memoryConfig()
	cfg.SupportedResourceTypes = "Patient,Widget"
	if _, err := newApp(context.Background(), cfg, zerolog.Nop()); err == nil || !strings.Contains(err.Error(), "Widget") {
		t.Errorf("expected unknown type error, got %v", err)
	}
}

func TestNewApp_BodyLimit(t *testing.T) {
	a, err := newApp(context.Background(), memoryConfig(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer a.close()

	big := `{"resourceType":"Subscription","reason":"` + strings.Repeat("x", 2048) + `"}`
	if rec := serve(a, http.MethodPost, "/fhir/Subscription", big); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}

func TestNewApp_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.RedisURL = "redis://" + mr.Addr()

	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer a.close()

	rec := serve(a, http.MethodPost, "/fhir/Subscription", subscriptionJSON)
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	serve(a, http.MethodGet, "/fhir/Subscription/"+created.ID+"/$index", "")
	if !mr.Exists("subscription:index:" + created.ID) {
		t.Error("index lookup was not cached in redis")
	}
}

func TestNewApp_BadRedisURL(t *testing.T) {
	cfg := memoryConfig()
	cfg.RedisURL = "ftp://nope"
	if _, err := newApp(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Error("expected REDIS_URL parse error")
	}
}
