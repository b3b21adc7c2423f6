package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Wyydra/medmeet/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/medmeet/internal/adapter/driven/signaling"
	"github.com/Wyydra/medmeet/internal/adapter/driven/signaling/memory"
	"github.com/Wyydra/medmeet/internal/core/domain"
	"github.com/gorilla/websocket"
)

type testServer struct {
	*httptest.Server
	relay *memory.Relay
	hub   *ws.Hub
}

func newTestServer(t *testing.T, auth *TokenAuthority) *testServer {
	t.Helper()
	relay := memory.NewRelay(signaling.Options{})
	hub := ws.NewHub()
	go hub.Run()

	h := NewHandler(relay, hub, auth, nil)
	srv := httptest.NewServer(h.NewRouter())
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
	})
	return &testServer{Server: srv, relay: relay, hub: hub}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("status = %d, want %d", resp.StatusCode, want)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)
	resp := srv.do(t, http.MethodGet, "/health", "", nil)
	expectStatus(t, resp, http.StatusOK)
}

func TestPresenceRoutes(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := srv.do(t, http.MethodPut, "/api/calls/appt_1/participants/doctor", "", announceRequest{DisplayName: "Dr. Grey"})
	expectStatus(t, resp, http.StatusOK)
	p := decode[domain.Participant](t, resp)
	if p.ID != "doctor" || p.DisplayName != "Dr. Grey" || p.JoinedAt.IsZero() {
		t.Fatalf("participant = %+v", p)
	}

	srv.do(t, http.MethodPut, "/api/calls/appt_1/participants/patient", "", announceRequest{DisplayName: "Pat"})
	resp = srv.do(t, http.MethodPut, "/api/calls/appt_1/participants/intruder", "", announceRequest{})
	expectStatus(t, resp, http.StatusConflict)

	resp = srv.do(t, http.MethodGet, "/api/calls/appt_1/participants?exclude=patient", "", nil)
	expectStatus(t, resp, http.StatusOK)
	peers := decode[[]domain.Participant](t, resp)
	if len(peers) != 1 || peers[0].ID != "doctor" {
		t.Fatalf("peers = %v, want [doctor]", peers)
	}
	if !peers[0].JoinedAt.Equal(p.JoinedAt) {
		t.Errorf("JoinedAt changed over the wire: %v vs %v", peers[0].JoinedAt, p.JoinedAt)
	}

	resp = srv.do(t, http.MethodDelete, "/api/calls/appt_1/participants/doctor", "", nil)
	expectStatus(t, resp, http.StatusNoContent)

	resp = srv.do(t, http.MethodGet, "/api/calls/appt_1/participants", "", nil)
	if peers := decode[[]domain.Participant](t, resp); len(peers) != 1 {
		t.Errorf("peers after leave = %v, want only patient", peers)
	}

	resp = srv.do(t, http.MethodGet, "/api/calls/appt_empty/participants", "", nil)
	if peers := decode[[]domain.Participant](t, resp); peers == nil || len(peers) != 0 {
		t.Errorf("empty room returned %v, want []", peers)
	}
}

func TestMessageRoutes(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := srv.do(t, http.MethodPost, "/api/calls/appt_1/messages", "", sendRequest{
		SenderID: "doctor",
		Kind:     domain.KindOffer,
		Payload:  []byte(`{"type":"offer"}`),
	})
	expectStatus(t, resp, http.StatusCreated)
	sent := decode[domain.SignalingMessage](t, resp)

	resp = srv.do(t, http.MethodPost, "/api/calls/appt_1/messages", "", sendRequest{SenderID: "doctor", Kind: "hangup"})
	expectStatus(t, resp, http.StatusBadRequest)

	resp = srv.do(t, http.MethodPost, "/api/calls/appt_1/messages", "", sendRequest{Kind: domain.KindOffer})
	expectStatus(t, resp, http.StatusBadRequest)

	resp = srv.do(t, http.MethodGet, "/api/calls/appt_1/messages?recipient=patient", "", nil)
	expectStatus(t, resp, http.StatusOK)
	msgs := decode[[]domain.SignalingMessage](t, resp)
	if len(msgs) != 1 || msgs[0].ID != sent.ID || string(msgs[0].Payload) != `{"type":"offer"}` {
		t.Fatalf("msgs = %v, want the offer", msgs)
	}

	resp = srv.do(t, http.MethodGet, "/api/calls/appt_1/messages", "", nil)
	expectStatus(t, resp, http.StatusBadRequest)

	resp = srv.do(t, http.MethodDelete, "/api/calls/appt_1/messages/"+sent.ID.String(), "", nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp = srv.do(t, http.MethodDelete, "/api/calls/appt_1/messages/"+sent.ID.String(), "", nil)
	expectStatus(t, resp, http.StatusNoContent)

	srv.do(t, http.MethodPost, "/api/calls/appt_1/messages", "", sendRequest{SenderID: "doctor", Kind: domain.KindICECandidate, Payload: []byte("{}")})
	resp = srv.do(t, http.MethodDelete, "/api/calls/appt_1/messages?sender=doctor", "", nil)
	expectStatus(t, resp, http.StatusNoContent)

	resp = srv.do(t, http.MethodGet, "/api/calls/appt_1/messages?recipient=patient", "", nil)
	if msgs := decode[[]domain.SignalingMessage](t, resp); len(msgs) != 0 {
		t.Errorf("msgs after purge = %v, want none", msgs)
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := srv.do(t, http.MethodPost, "/api/calls/appt_1/messages", "", sendRequest{
		SenderID: "doctor",
		Kind:     domain.KindOffer,
		Payload:  bytes.Repeat([]byte("a"), 2*maxBodyBytes),
	})
	expectStatus(t, resp, http.StatusRequestEntityTooLarge)

	resp = srv.do(t, http.MethodPut, "/api/calls/appt_1/participants/doctor", "", announceRequest{
		DisplayName: strings.Repeat("a", 2*maxBodyBytes),
	})
	expectStatus(t, resp, http.StatusRequestEntityTooLarge)

	if peers, messages := srv.relay.Snapshot("appt_1"); len(peers) != 0 || len(messages) != 0 {
		t.Errorf("oversized requests reached the relay: %v %v", peers, messages)
	}
}

func TestAuthentication(t *testing.T) {
	auth := NewTokenAuthority("s3cret", time.Hour)
	srv := newTestServer(t, auth)

	doctor, err := auth.Issue("appt_1", "doctor")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	otherCall, _ := auth.Issue("appt_2", "doctor")
	forged, _ := NewTokenAuthority("guess", time.Hour).Issue("appt_1", "doctor")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"missing token", http.MethodGet, "/api/calls/appt_1/participants", "", nil, http.StatusUnauthorized},
		{"forged token", http.MethodGet, "/api/calls/appt_1/participants", forged, nil, http.StatusUnauthorized},
		{"other call", http.MethodGet, "/api/calls/appt_1/participants", otherCall, nil, http.StatusForbidden},
		{"list peers", http.MethodGet, "/api/calls/appt_1/participants", doctor, nil, http.StatusOK},
		{"announce self", http.MethodPut, "/api/calls/appt_1/participants/doctor", doctor, announceRequest{}, http.StatusOK},
		{"announce other", http.MethodPut, "/api/calls/appt_1/participants/patient", doctor, announceRequest{}, http.StatusForbidden},
		{"send as other", http.MethodPost, "/api/calls/appt_1/messages", doctor, sendRequest{SenderID: "patient", Kind: domain.KindOffer}, http.StatusForbidden},
		{"poll for other", http.MethodGet, "/api/calls/appt_1/messages?recipient=patient", doctor, nil, http.StatusForbidden},
		{"poll for self", http.MethodGet, "/api/calls/appt_1/messages?recipient=doctor", doctor, nil, http.StatusOK},
		{"health is public", http.MethodGet, "/health", "", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := srv.do(t, tt.method, tt.path, tt.token, tt.body)
			expectStatus(t, resp, tt.want)
		})
	}
}

func TestAccessTokenQuery(t *testing.T) {
	auth := NewTokenAuthority("s3cret", time.Hour)
	srv := newTestServer(t, auth)
	token, _ := auth.Issue("appt_1", "doctor")

	resp := srv.do(t, http.MethodGet, "/api/calls/appt_1/participants?access_token="+token, "", nil)
	expectStatus(t, resp, http.StatusOK)
}

func TestVerifyExpiredToken(t *testing.T) {
	auth := NewTokenAuthority("s3cret", time.Minute)
	issued := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	auth.now = func() time.Time { return issued }
	token, err := auth.Issue("appt_1", "doctor")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := auth.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.CallID != "appt_1" || claims.Subject != "doctor" {
		t.Errorf("claims = %+v", claims)
	}

	auth.now = func() time.Time { return issued.Add(2 * time.Minute) }
	if _, err := auth.Verify(token); err == nil {
		t.Error("expired token accepted")
	}
}

func TestNewTokenAuthorityWithoutSecret(t *testing.T) {
	if NewTokenAuthority("", time.Hour) != nil {
		t.Error("empty secret should disable authentication")
	}
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		allowed []string
		origin  string
		want    bool
	}{
		{nil, "https://evil.example", true},
		{[]string{"https://app.medmeet.test"}, "", true},
		{[]string{"https://app.medmeet.test"}, "https://app.medmeet.test", true},
		{[]string{"https://app.medmeet.test"}, "https://evil.example", false},
		{[]string{"*"}, "https://evil.example", true},
	}
	for _, tt := range tests {
		if got := originAllowed(tt.allowed, tt.origin); got != tt.want {
			t.Errorf("originAllowed(%v, %q) = %v, want %v", tt.allowed, tt.origin, got, tt.want)
		}
	}
}

func TestOriginFilter(t *testing.T) {
	relay := memory.NewRelay(signaling.Options{})
	h := NewHandler(relay, nil, nil, []string{"https://app.medmeet.test"})
	router := h.NewRouter()

	req := httptest.NewRequest(http.MethodOptions, "/api/calls/appt_1/participants", nil)
	req.Header.Set("Origin", "https://app.medmeet.test")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.medmeet.test" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/calls/appt_1/participants", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign origin status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/calls/appt_1/participants", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("request without origin status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func dialWake(t *testing.T, srv *testServer, callID, participant string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/calls/" + callID + "/ws?participant=" + participant
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWake(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev wakeEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if ev.Event != "wake" {
		t.Fatalf("event = %q, want wake", ev.Event)
	}
}

func TestWakeOnPeerActivity(t *testing.T) {
	srv := newTestServer(t, nil)
	patient := dialWake(t, srv, "appt_1", "patient")

	// Registration happens asynchronously after the upgrade; keep sending
	// until the first wake-up gets through.
	deadline := time.Now().Add(2 * time.Second)
	for {
		srv.do(t, http.MethodPost, "/api/calls/appt_1/messages", "", sendRequest{SenderID: "doctor", Kind: domain.KindOffer, Payload: []byte("{}")})
		patient.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		var ev wakeEvent
		if err := patient.ReadJSON(&ev); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no wake-up after doctor's message")
		}
		// A timed-out read leaves the connection unusable.
		patient = dialWake(t, srv, "appt_1", "patient")
	}

	srv.do(t, http.MethodDelete, "/api/calls/appt_1/participants/doctor", "", nil)
	readWake(t, patient)
}

func TestServeWSRequiresParticipant(t *testing.T) {
	srv := newTestServer(t, nil)
	resp := srv.do(t, http.MethodGet, "/api/calls/appt_1/ws", "", nil)
	expectStatus(t, resp, http.StatusBadRequest)
}
