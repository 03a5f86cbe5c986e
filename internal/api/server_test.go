package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"chatbridge/internal/dispatch"
	"chatbridge/internal/domain"
	"chatbridge/internal/registry"
	"chatbridge/internal/template"
)

func testAPILogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeStore struct {
	integrations map[string]*domain.Integration
	events       map[string][]domain.NormalizedInboundEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		integrations: make(map[string]*domain.Integration),
		events:       make(map[string][]domain.NormalizedInboundEvent),
	}
}

func (f *fakeStore) CreateIntegration(ctx context.Context, in domain.Integration) error {
	f.integrations[in.ID] = &in
	return nil
}

func (f *fakeStore) GetIntegration(ctx context.Context, id string) (*domain.Integration, error) {
	return f.integrations[id], nil
}

func (f *fakeStore) ListIntegrations(ctx context.Context) ([]domain.Integration, error) {
	var out []domain.Integration
	for _, in := range f.integrations {
		out = append(out, *in)
	}
	return out, nil
}

func (f *fakeStore) UpdateIntegrationStatus(ctx context.Context, id string, status domain.Status, identity string) error {
	in, ok := f.integrations[id]
	if !ok {
		return errors.New("not found")
	}
	in.Status = status
	if identity != "" {
		in.Identity = identity
	}
	return nil
}

func (f *fakeStore) DeleteIntegration(ctx context.Context, id string) error {
	delete(f.integrations, id)
	return nil
}

func (f *fakeStore) ListEvents(ctx context.Context, integrationID string, since time.Time, limit int) ([]domain.NormalizedInboundEvent, error) {
	return f.events[integrationID], nil
}

// newGraphStub serves the two Graph API calls the whatsapp provider makes:
// phone number lookup for validation and message posting for sends.
func newGraphStub(t *testing.T, validateStatus int, validateBody, sendBody string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages"):
			if strings.Contains(sendBody, `"error"`) {
				rw.WriteHeader(http.StatusBadRequest)
			}
			rw.Write([]byte(sendBody))
		case r.Method == http.MethodGet:
			rw.WriteHeader(validateStatus)
			rw.Write([]byte(validateBody))
		default:
			t.Errorf("unexpected graph call: %s %s", r.Method, r.URL.Path)
		}
	})
	return httptest.NewServer(mux)
}

func newTestAPI(graphURL, authToken string) (*Server, *fakeStore) {
	logger := testAPILogger()
	fs := newFakeStore()
	reg := registry.New(registry.Config{Store: fs, Logger: logger, WhatsAppAPIBase: graphURL})
	dispatcher := dispatch.New(dispatch.Config{Registry: reg, Catalog: template.NewCatalog(), Logger: logger})
	return New(Config{
		Addr:       ":0",
		AuthToken:  authToken,
		Store:      fs,
		Registry:   reg,
		Dispatcher: dispatcher,
		Logger:     logger,
	}), fs
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

const createWhatsAppBody = `{
	"provider": "whatsapp",
	"credentials": {"accessToken": "secret-token", "phoneNumberId": "555001", "verifyToken": "verify-me"}
}`

func TestCreateIntegration_ValidatesThenPersists(t *testing.T) {
	graph := newGraphStub(t, http.StatusOK, `{"display_phone_number":"+1 555-0001","verified_name":"Acme"}`, "")
	defer graph.Close()
	srv, fs := newTestAPI(graph.URL, "")

	rr := doJSON(t, srv.Handler(), "POST", "/api/v1/integrations", createWhatsAppBody)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var in domain.Integration
	if err := json.Unmarshal(rr.Body.Bytes(), &in); err != nil {
		t.Fatal(err)
	}
	if in.Status != domain.StatusConnected || in.Identity != "Acme (+1 555-0001)" {
		t.Errorf("unexpected integration: %+v", in)
	}
	if in.ID == "" {
		t.Error("expected generated id")
	}
	if strings.Contains(rr.Body.String(), "secret-token") {
		t.Error("credentials must never appear in API responses")
	}
	if len(fs.integrations) != 1 {
		t.Errorf("expected 1 persisted integration, got %d", len(fs.integrations))
	}
}

func TestCreateIntegration_InvalidCredentialsNotPersisted(t *testing.T) {
	graph := newGraphStub(t, http.StatusUnauthorized, `{"error":{"message":"Invalid OAuth access token.","code":190}}`, "")
	defer graph.Close()
	srv, fs := newTestAPI(graph.URL, "")

	rr := doJSON(t, srv.Handler(), "POST", "/api/v1/integrations", createWhatsAppBody)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Invalid OAuth access token.") {
		t.Errorf("validator error should pass through verbatim, got %s", rr.Body.String())
	}
	if len(fs.integrations) != 0 {
		t.Error("failed validation must not persist anything")
	}
}

func TestCreateIntegration_UnknownProvider(t *testing.T) {
	srv, _ := newTestAPI("", "")
	rr := doJSON(t, srv.Handler(), "POST", "/api/v1/integrations", `{"provider":"msteams","credentials":{}}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestAuth_BearerTokenEnforced(t *testing.T) {
	srv, _ := newTestAPI("", "api-secret")
	h := srv.Handler()

	rr := doJSON(t, h, "GET", "/api/v1/integrations", "")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("missing token should get 401, got %d", rr.Code)
	}

	req := httptest.NewRequest("GET", "/api/v1/integrations", nil)
	req.Header.Set("Authorization", "Bearer api-secret")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("valid token should get 200, got %d", rr.Code)
	}

	// Health stays open for probes.
	req = httptest.NewRequest("GET", "/healthz", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("healthz should not require auth, got %d", rr.Code)
	}
}

func seedIntegration(fs *fakeStore, id string, status domain.Status) {
	fs.integrations[id] = &domain.Integration{
		ID: id, Provider: "whatsapp", Status: status, Identity: "Acme",
		Credentials: domain.Credentials{AccessToken: "secret-token", PhoneNumberID: "555001"},
	}
}

func TestSend_EndToEnd(t *testing.T) {
	graph := newGraphStub(t, http.StatusOK, "", `{"messaging_product":"whatsapp","messages":[{"id":"wamid.X"}]}`)
	defer graph.Close()
	srv, fs := newTestAPI(graph.URL, "")
	seedIntegration(fs, "int-1", domain.StatusConnected)

	rr := doJSON(t, srv.Handler(), "POST", "/api/v1/send",
		`{"integrationId":"int-1","recipientId":"15550001","text":"hello"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var res domain.SendResult
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.ProviderMessageID != "wamid.X" {
		t.Errorf("expected wamid.X, got %q", res.ProviderMessageID)
	}
}

func TestSend_WindowClosedMapsTo422(t *testing.T) {
	graph := newGraphStub(t, http.StatusOK, "", `{"error":{"message":"Re-engagement window has expired","code":131047}}`)
	defer graph.Close()
	srv, fs := newTestAPI(graph.URL, "")
	seedIntegration(fs, "int-1", domain.StatusConnected)

	rr := doJSON(t, srv.Handler(), "POST", "/api/v1/send",
		`{"integrationId":"int-1","recipientId":"15550001","text":"late"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "window_closed") {
		t.Errorf("expected window_closed code in body, got %s", rr.Body.String())
	}
}

func TestSend_UnknownIntegration(t *testing.T) {
	srv, _ := newTestAPI("", "")
	rr := doJSON(t, srv.Handler(), "POST", "/api/v1/send",
		`{"integrationId":"missing","recipientId":"1","text":"x"}`)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestSend_DisconnectedIntegration(t *testing.T) {
	srv, fs := newTestAPI("", "")
	seedIntegration(fs, "int-1", domain.StatusDisconnected)

	rr := doJSON(t, srv.Handler(), "POST", "/api/v1/send",
		`{"integrationId":"int-1","recipientId":"1","text":"x"}`)
	if rr.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rr.Code)
	}
}

func TestDisconnectAndDelete(t *testing.T) {
	srv, fs := newTestAPI("", "")
	seedIntegration(fs, "int-1", domain.StatusConnected)
	h := srv.Handler()

	rr := doJSON(t, h, "POST", "/api/v1/integrations/int-1/disconnect", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if fs.integrations["int-1"].Status != domain.StatusDisconnected {
		t.Errorf("expected disconnected, got %s", fs.integrations["int-1"].Status)
	}

	rr = doJSON(t, h, "DELETE", "/api/v1/integrations/int-1", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if _, ok := fs.integrations["int-1"]; ok {
		t.Error("integration should be deleted")
	}
}

func TestReconnect_RevalidatesCredentials(t *testing.T) {
	graph := newGraphStub(t, http.StatusOK, `{"display_phone_number":"+1 555-0001","verified_name":"Acme"}`, "")
	defer graph.Close()
	srv, fs := newTestAPI(graph.URL, "")
	seedIntegration(fs, "int-1", domain.StatusDisconnected)

	rr := doJSON(t, srv.Handler(), "POST", "/api/v1/integrations/int-1/reconnect", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if fs.integrations["int-1"].Status != domain.StatusConnected {
		t.Errorf("expected connected, got %s", fs.integrations["int-1"].Status)
	}
}

func TestReconnect_FailedValidationFlipsToError(t *testing.T) {
	graph := newGraphStub(t, http.StatusUnauthorized, `{"error":{"message":"Invalid OAuth access token.","code":190}}`, "")
	defer graph.Close()
	srv, fs := newTestAPI(graph.URL, "")
	seedIntegration(fs, "int-1", domain.StatusConnected)

	rr := doJSON(t, srv.Handler(), "POST", "/api/v1/integrations/int-1/reconnect", "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	if fs.integrations["int-1"].Status != domain.StatusError {
		t.Errorf("expected error status, got %s", fs.integrations["int-1"].Status)
	}
}

func TestGetIntegration_NotFound(t *testing.T) {
	srv, _ := newTestAPI("", "")
	rr := doJSON(t, srv.Handler(), "GET", "/api/v1/integrations/missing", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestEvents_BadSinceParameter(t *testing.T) {
	srv, fs := newTestAPI("", "")
	seedIntegration(fs, "int-1", domain.StatusConnected)

	rr := doJSON(t, srv.Handler(), "GET", "/api/v1/integrations/int-1/events?since=yesterday", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestEvents_EmptyListIsArray(t *testing.T) {
	srv, fs := newTestAPI("", "")
	seedIntegration(fs, "int-1", domain.StatusConnected)

	rr := doJSON(t, srv.Handler(), "GET", "/api/v1/integrations/int-1/events", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("expected empty JSON array, got %s", rr.Body.String())
	}
}

func TestSend_InvalidJSON(t *testing.T) {
	srv, _ := newTestAPI("", "")
	rr := doJSON(t, srv.Handler(), "POST", "/api/v1/send", "not json")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}
