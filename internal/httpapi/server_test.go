package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/viva/internal/audio"
	"github.com/ent0n29/viva/internal/config"
	"github.com/ent0n29/viva/internal/connector"
	"github.com/ent0n29/viva/internal/device"
	"github.com/ent0n29/viva/internal/observability"
	"github.com/ent0n29/viva/internal/protocol"
	"github.com/ent0n29/viva/internal/session"
	"github.com/ent0n29/viva/internal/transcript"
	"github.com/ent0n29/viva/internal/turns"
)

type deniedSource struct{}

func (deniedSource) Open() (<-chan audio.Frame, int, error) {
	return nil, 0, errors.New("microphone access denied")
}

func (deniedSource) Close() error { return nil }

type testLauncher struct {
	transport *connector.MockTransport
	denied    atomic.Bool
}

func (l *testLauncher) NewSession(session.StartRequest) *session.Controller {
	var src session.Source = &device.NullSource{}
	if l.denied.Load() {
		src = deniedSource{}
	}
	return session.NewController(l.transport, src, &device.NullOutput{}, session.Options{
		TickInterval: 5 * time.Millisecond,
	})
}

type testEnv struct {
	ts        *httptest.Server
	sessions  *session.Manager
	launcher  *testLauncher
	store     *transcript.InMemoryStore
	transport *connector.MockTransport
}

func newTestEnv(t *testing.T, metrics *observability.Metrics, opts ...func(*connector.MockTransport)) *testEnv {
	t.Helper()
	env := &testEnv{
		sessions:  session.NewManager(time.Minute),
		store:     transcript.NewInMemoryStore(),
		transport: connector.NewMockTransport(),
	}
	for _, opt := range opts {
		opt(env.transport)
	}
	env.launcher = &testLauncher{transport: env.transport}
	srv := New(config.Config{LiveTransport: "genai"}, env.sessions, env.launcher, env.store, metrics, nil)
	env.ts = httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		_ = env.sessions.EndAll()
		env.ts.Close()
	})
	return env
}

func (e *testEnv) startSession(t *testing.T, studentID string) (*http.Response, map[string]any) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"student_id": studentID})
	res, err := http.Post(e.ts.URL+"/v1/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("start session request error = %v", err)
	}
	defer res.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res, out
}

func TestStartGetAndEndSession(t *testing.T) {
	env := newTestEnv(t, nil)

	res, created := env.startSession(t, "student-1")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, want %d (%v)", res.StatusCode, http.StatusCreated, created)
	}
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in start response: %+v", created)
	}
	if created["state"] != string(session.StateLive) {
		t.Fatalf("state = %v, want live", created["state"])
	}

	getRes, err := http.Get(env.ts.URL + "/v1/sessions/" + sessionID)
	if err != nil {
		t.Fatalf("get session request error = %v", err)
	}
	defer getRes.Body.Close()
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want %d", getRes.StatusCode, http.StatusOK)
	}

	endRes, err := http.Post(env.ts.URL+"/v1/sessions/"+sessionID+"/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}
	var snap session.Snapshot
	if err := json.NewDecoder(endRes.Body).Decode(&snap); err != nil {
		t.Fatalf("decode end response: %v", err)
	}
	if snap.State != session.StateEnded {
		t.Fatalf("ended state = %q, want %q", snap.State, session.StateEnded)
	}

	missing, err := http.Get(env.ts.URL + "/v1/sessions/does-not-exist")
	if err != nil {
		t.Fatalf("get missing request error = %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status = %d, want %d", missing.StatusCode, http.StatusNotFound)
	}
}

func TestStartSessionRejectsSecondRunningSessionForStudent(t *testing.T) {
	env := newTestEnv(t, nil)
	if res, _ := env.startSession(t, "student-1"); res.StatusCode != http.StatusCreated {
		t.Fatalf("first start status = %d", res.StatusCode)
	}
	res, body := env.startSession(t, "student-1")
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second start status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
	if body["code"] != "session_running" {
		t.Fatalf("error code = %v, want session_running", body["code"])
	}
}

func TestStartSessionPermissionDenied(t *testing.T) {
	env := newTestEnv(t, nil)
	env.launcher.denied.Store(true)

	res, body := env.startSession(t, "student-1")
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
	if body["code"] != "permission_denied" {
		t.Fatalf("error code = %v, want permission_denied", body["code"])
	}
	if n := len(env.sessions.List()); n != 0 {
		t.Fatalf("registered sessions = %d, want 0", n)
	}

	// The refused attempt must not block a retry.
	env.launcher.denied.Store(false)
	if res, _ := env.startSession(t, "student-1"); res.StatusCode != http.StatusCreated {
		t.Fatalf("retry status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
}

func TestStartSessionEndedDuringSetup(t *testing.T) {
	env := newTestEnv(t, nil, func(mt *connector.MockTransport) { mt.Block = true })

	type startResult struct {
		status int
		code   string
		err    error
	}
	done := make(chan startResult, 1)
	go func() {
		res, err := http.Post(env.ts.URL+"/v1/sessions", "application/json", strings.NewReader(`{"student_id":"student-slow"}`))
		if err != nil {
			done <- startResult{err: err}
			return
		}
		defer res.Body.Close()
		var body errorResponse
		_ = json.NewDecoder(res.Body).Decode(&body)
		done <- startResult{status: res.StatusCode, code: body.Code}
	}()

	var id string
	deadline := time.Now().Add(2 * time.Second)
	for id == "" && time.Now().Before(deadline) {
		for _, snap := range env.sessions.List() {
			if snap.State == session.StateConnecting {
				id = snap.ID
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if id == "" {
		t.Fatalf("session never reached connecting")
	}

	endRes, err := http.Post(env.ts.URL+"/v1/sessions/"+id+"/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	endRes.Body.Close()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("start request error = %v", r.err)
		}
		if r.status != http.StatusConflict || r.code != "session_ended" {
			t.Fatalf("start = %d %q, want 409 session_ended", r.status, r.code)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("start request still blocked after end")
	}
	c, err := env.sessions.Get(id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	if got := c.State(); got != session.StateEnded {
		t.Fatalf("state = %q, want %q", got, session.StateEnded)
	}
}

func TestStartSessionConnectFailure(t *testing.T) {
	env := newTestEnv(t, nil, func(mt *connector.MockTransport) {
		mt.DialErr = errors.New("endpoint refused")
	})

	res, body := env.startSession(t, "")
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadGateway)
	}
	if body["code"] != "connect_failed" {
		t.Fatalf("error code = %v, want connect_failed", body["code"])
	}
	list := env.sessions.List()
	if len(list) != 1 || list[0].State != session.StateError {
		t.Fatalf("sessions = %+v, want one errored session", list)
	}
}

func TestSessionWSStreamsNotifications(t *testing.T) {
	env := newTestEnv(t, nil)
	_, created := env.startSession(t, "student-ws")
	sessionID, _ := created["session_id"].(string)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/sessions/" + sessionID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	first := readMessage(t, conn)
	if first["type"] != string(protocol.TypeSessionSnapshot) {
		t.Fatalf("first message type = %v, want session_snapshot", first["type"])
	}

	stream := env.transport.Last()
	now := time.Now()
	stream.Push(protocol.ServerEvent{Kind: protocol.KindOutputTranscription, Text: "Define a group.", TSMs: now.UnixMilli()})
	stream.Push(protocol.ServerEvent{Kind: protocol.KindTurnComplete, TSMs: now.Add(time.Second).UnixMilli()})

	for {
		msg := readMessage(t, conn)
		if msg["type"] == string(protocol.TypeTurnCommitted) {
			if msg["speaker"] != string(turns.SpeakerAssistant) || msg["text"] != "Define a group." {
				t.Fatalf("turn_committed = %+v", msg)
			}
			break
		}
	}

	ctrl := protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: sessionID, Action: "end"}
	if err := conn.WriteJSON(ctrl); err != nil {
		t.Fatalf("write client_control: %v", err)
	}

	sawFinal := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg map[string]any
		_ = json.Unmarshal(data, &msg)
		if msg["type"] == string(protocol.TypeSessionSnapshot) {
			snap, _ := msg["snapshot"].(map[string]any)
			if snap["state"] == string(session.StateEnded) {
				sawFinal = true
			}
		}
	}
	if !sawFinal {
		t.Fatalf("did not receive ended snapshot before close")
	}

	c, err := env.sessions.Get(sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := c.State(); got != session.StateEnded {
		t.Fatalf("state = %q, want ended", got)
	}
}

func TestSessionWSUnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/sessions/nope/ws"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("dial unknown session succeeded")
	}
	if res == nil || res.StatusCode != http.StatusNotFound {
		t.Fatalf("response = %v, want 404", res)
	}
}

func TestTranscriptEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := transcript.Record{
		ID:        "tr-1",
		SessionID: "sess-1",
		Outcome:   session.OutcomeCompleted,
		StartedAt: time.Now().Add(-time.Minute),
		EndedAt:   time.Now(),
		Turns:     []turns.Turn{{Speaker: turns.SpeakerUser, Text: "hello", Timestamp: time.Now()}},
	}
	if err := env.store.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	listRes, err := http.Get(env.ts.URL + "/v1/transcripts?limit=5")
	if err != nil {
		t.Fatalf("list request error = %v", err)
	}
	defer listRes.Body.Close()
	var list struct {
		Transcripts []transcript.Record `json:"transcripts"`
	}
	if err := json.NewDecoder(listRes.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Transcripts) != 1 || list.Transcripts[0].ID != "tr-1" {
		t.Fatalf("transcripts = %+v", list.Transcripts)
	}

	cases := []struct {
		path string
		want int
	}{
		{"/v1/transcripts/tr-1", http.StatusOK},
		{"/v1/transcripts/missing", http.StatusNotFound},
		{"/v1/transcripts?limit=abc", http.StatusBadRequest},
		{"/v1/transcripts?limit=0", http.StatusBadRequest},
	}
	for _, tc := range cases {
		res, err := http.Get(env.ts.URL + tc.path)
		if err != nil {
			t.Fatalf("GET %s error = %v", tc.path, err)
		}
		res.Body.Close()
		if res.StatusCode != tc.want {
			t.Fatalf("GET %s status = %d, want %d", tc.path, res.StatusCode, tc.want)
		}
	}
}

func TestHealthAndPerfLatency(t *testing.T) {
	metrics := observability.NewMetrics("test_httpapi_" + time.Now().Format("150405") + "_" + time.Now().Format("000000000"))
	metrics.ObserveUserLatency(1200 * time.Millisecond)
	env := newTestEnv(t, metrics)

	health, err := http.Get(env.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", health.StatusCode)
	}

	res, err := http.Get(env.ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	defer res.Body.Close()
	var snap observability.PerfSnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode latency snapshot: %v", err)
	}
	found := false
	for _, st := range snap.Stages {
		if st.Stage == observability.StageUserLatency && st.Samples == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("user latency stage missing from %+v", snap.Stages)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read ws message: %v", err)
	}
	return msg
}
