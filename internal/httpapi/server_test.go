package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/wanderlog/tripsync/internal/tripsync"
)

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, userID string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, userID, "tripsync", exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, userID, aud string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{
		"alg": "HS256",
		"typ": "JWT",
	})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"user_id": userID,
		"exp":     exp.Unix(),
		"aud":     aud,
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	h := base64.RawURLEncoding.EncodeToString(headerBytes)
	p := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signingInput := h + "." + p
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func newTestServer(t *testing.T) (*Server, *tripsync.Service) {
	t.Helper()
	backend := tripsync.NewMemoryBackend()
	broadcaster := tripsync.NewBroadcaster(backend, tripsync.BroadcasterOptions{})
	t.Cleanup(broadcaster.Close)
	svc, err := tripsync.NewService(backend, tripsync.ServiceOptions{
		Routers:  tripsync.DefaultRouters(),
		Notifier: broadcaster,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return NewServer(svc, broadcaster, ServerConfig{}, nil), svc
}

func TestAuthRequired(t *testing.T) {
	server, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/routers/travels/items", nil)
	rec := httptest.NewRecorder()

	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHealthNoAuth(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestItemLifecycle(t *testing.T) {
	server, _ := newTestServer(t)
	token := mustTestJWT(t, "dev-secret", "alice", time.Now().Add(time.Hour))
	auth := map[string]string{"Authorization": "Bearer " + token}

	createResp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/routers/travels/items",
		headers: auth,
		body:    map[string]any{"id": "t1", "name": "Japan"},
	})
	if createResp.Code != http.StatusCreated {
		t.Fatalf("expected 201 on create, got %d (%s)", createResp.Code, createResp.Body.String())
	}
	var created tripsync.MutationResult
	if err := json.NewDecoder(createResp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.EventID != 1 {
		t.Fatalf("create event id = %d", created.EventID)
	}

	listResp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/routers/travels/items",
		headers: auth,
	})
	if listResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on list, got %d (%s)", listResp.Code, listResp.Body.String())
	}
	var listing struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&listing); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(listing.Items) != 1 {
		t.Fatalf("listed %d items, want 1", len(listing.Items))
	}

	patchResp := doRequest(t, server, request{
		method:  http.MethodPatch,
		path:    "/v1/routers/travels/items/t1",
		headers: auth,
		body:    map[string]any{"name": "Japan 2026"},
	})
	if patchResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on patch, got %d (%s)", patchResp.Code, patchResp.Body.String())
	}

	deleteResp := doRequest(t, server, request{
		method:  http.MethodDelete,
		path:    "/v1/routers/travels/items/t1",
		headers: auth,
	})
	if deleteResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d (%s)", deleteResp.Code, deleteResp.Body.String())
	}

	eventsResp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/routers/travels/events",
		headers: auth,
	})
	if eventsResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on events, got %d (%s)", eventsResp.Code, eventsResp.Body.String())
	}
	var feed struct {
		Events []tripsync.Event `json:"events"`
	}
	if err := json.NewDecoder(eventsResp.Body).Decode(&feed); err != nil {
		t.Fatalf("decode events response: %v", err)
	}
	if len(feed.Events) != 3 {
		t.Fatalf("event count = %d, want 3", len(feed.Events))
	}
	if feed.Events[2].Action != tripsync.ActionDelete {
		t.Fatalf("last action = %s", feed.Events[2].Action)
	}
}

func TestCreateInvalidPayload(t *testing.T) {
	server, _ := newTestServer(t)
	token := mustTestJWT(t, "dev-secret", "alice", time.Now().Add(time.Hour))

	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/routers/travels/items",
		headers: map[string]string{"Authorization": "Bearer " + token},
		body:    map[string]any{"id": "t1"},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (%s)", rec.Code, rec.Body.String())
	}
	var payload map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["code"] != "validation_failed" {
		t.Fatalf("code = %v", payload["code"])
	}
}

func TestPatchByNonMember(t *testing.T) {
	server, svc := newTestServer(t)
	if _, err := svc.Create(context.Background(), "travels", "alice", json.RawMessage(`{"id":"t1","name":"Japan"}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	token := mustTestJWT(t, "dev-secret", "mallory", time.Now().Add(time.Hour))

	rec := doRequest(t, server, request{
		method:  http.MethodPatch,
		path:    "/v1/routers/travels/items/t1",
		headers: map[string]string{"Authorization": "Bearer " + token},
		body:    map[string]any{"name": "Hijack"},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestUnknownRouter(t *testing.T) {
	server, _ := newTestServer(t)
	token := mustTestJWT(t, "dev-secret", "alice", time.Now().Add(time.Hour))

	rec := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/routers/unknown/items",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMembersEndpoints(t *testing.T) {
	server, svc := newTestServer(t)
	if _, err := svc.Create(context.Background(), "travels", "alice", json.RawMessage(`{"id":"t1","name":"Japan"}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	aliceToken := mustTestJWT(t, "dev-secret", "alice", time.Now().Add(time.Hour))
	bobToken := mustTestJWT(t, "dev-secret", "bob", time.Now().Add(time.Hour))

	// Outsiders cannot even observe that the aggregate exists.
	probe := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/aggregates/t1/members",
		headers: map[string]string{"Authorization": "Bearer " + bobToken},
	})
	if probe.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for outsider, got %d", probe.Code)
	}

	add := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/aggregates/t1/members",
		headers: map[string]string{"Authorization": "Bearer " + aliceToken},
		body:    map[string]any{"userId": "bob"},
	})
	if add.Code != http.StatusOK {
		t.Fatalf("expected 200 on add member, got %d (%s)", add.Code, add.Body.String())
	}

	listResp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/aggregates/t1/members",
		headers: map[string]string{"Authorization": "Bearer " + bobToken},
	})
	if listResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on members, got %d (%s)", listResp.Code, listResp.Body.String())
	}
	var members struct {
		Members []string `json:"members"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&members); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(members.Members) != 2 {
		t.Fatalf("members = %v", members.Members)
	}
}

func TestEventsAfterCursor(t *testing.T) {
	server, svc := newTestServer(t)
	if _, err := svc.Create(context.Background(), "travels", "alice", json.RawMessage(`{"id":"t1","name":"Japan"}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := svc.Update(context.Background(), "travels", "alice", "t1", json.RawMessage(`{"name":"Japan 2"}`)); err != nil {
		t.Fatalf("seed update: %v", err)
	}
	token := mustTestJWT(t, "dev-secret", "alice", time.Now().Add(time.Hour))

	rec := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/routers/travels/events?after=1",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var feed struct {
		Events []tripsync.Event `json:"events"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&feed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(feed.Events) != 1 || feed.Events[0].ID != 2 {
		t.Fatalf("events = %+v", feed.Events)
	}

	bad := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/routers/travels/events?after=nope",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", bad.Code)
	}
}

func TestQueryTokenAuth(t *testing.T) {
	server, _ := newTestServer(t)
	token := mustTestJWT(t, "dev-secret", "alice", time.Now().Add(time.Hour))

	rec := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/routers/travels/items?access_token=" + token,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with query token, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestListenStream(t *testing.T) {
	server, svc := newTestServer(t)
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	if _, err := svc.Create(context.Background(), "travels", "alice", json.RawMessage(`{"id":"t1","name":"Japan"}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	token := mustTestJWT(t, "dev-secret", "alice", time.Now().Add(time.Hour))
	wsURL := strings.Replace(httpServer.URL, "http://", "ws://", 1) +
		"/v1/routers/travels/listen?after=0&access_token=" + token

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first tripsync.Event
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read backlog event: %v", err)
	}
	if first.ID != 1 || first.Action != tripsync.ActionInsert {
		t.Fatalf("first event = %+v", first)
	}

	if _, err := svc.Update(context.Background(), "travels", "alice", "t1", json.RawMessage(`{"name":"Japan 2"}`)); err != nil {
		t.Fatalf("live update: %v", err)
	}
	var second tripsync.Event
	if err := wsjson.Read(ctx, conn, &second); err != nil {
		t.Fatalf("read live event: %v", err)
	}
	if second.ID != 2 || second.Action != tripsync.ActionUpdate {
		t.Fatalf("second event = %+v", second)
	}
}

func TestListenFromNow(t *testing.T) {
	server, svc := newTestServer(t)
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	if _, err := svc.Create(context.Background(), "travels", "alice", json.RawMessage(`{"id":"t1","name":"Japan"}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	token := mustTestJWT(t, "dev-secret", "alice", time.Now().Add(time.Hour))
	wsURL := strings.Replace(httpServer.URL, "http://", "ws://", 1) +
		"/v1/routers/travels/listen?after=now&access_token=" + token

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if _, err := svc.Update(context.Background(), "travels", "alice", "t1", json.RawMessage(`{"name":"Japan 2"}`)); err != nil {
		t.Fatalf("live update: %v", err)
	}
	var event tripsync.Event
	if err := wsjson.Read(ctx, conn, &event); err != nil {
		t.Fatalf("read live event: %v", err)
	}
	if event.ID != 2 {
		t.Fatalf("event id = %d, want only post-subscribe events", event.ID)
	}
}
