package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/examwatch/proctor-signaling/internal/metrics"
	"github.com/examwatch/proctor-signaling/internal/session"
	"github.com/examwatch/proctor-signaling/internal/store"
)

func newTestHub(t *testing.T) (*Hub, *fakeEngine) {
	t.Helper()
	eng := &fakeEngine{}
	router := NewRouter(RouterConfig{
		Metrics:  metrics.New(),
		Registry: session.NewRegistry(),
		Engine:   eng,
		Store:    store.NewMemory(),
		Detector: zeroFaceDetector{},
	})
	hub := NewHub(HubConfig{
		MaxMessageBytes:   64 * 1024,
		MessagesPerSecond: 50,
	}, router)
	return hub, eng
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func TestHubOfferAnswerRoundTrip(t *testing.T) {
	hub, _ := newTestHub(t)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	student := dialHub(t, srv)
	other := dialHub(t, srv)

	err := student.WriteJSON(Envelope{
		Event: EventOffer,
		Data: raw(t, map[string]any{
			"studentId": "S1",
			"sdp":       "v=0 offer",
			"type":      "offer",
		}),
	})
	if err != nil {
		t.Fatalf("write offer: %v", err)
	}

	env := readEnvelope(t, student)
	if env.Event != EventAnswer {
		t.Fatalf("student received %q, want answer", env.Event)
	}
	var ans answerOut
	if err := json.Unmarshal(env.Data, &ans); err != nil || ans.Type != "answer" || !ans.IsAnalysis {
		t.Fatalf("answer payload %s: %v", env.Data, err)
	}

	// The raw offer is relayed to the other peer, not echoed back.
	env = readEnvelope(t, other)
	if env.Event != EventOffer {
		t.Fatalf("other peer received %q, want offer", env.Event)
	}
}

func TestHubRejectsBinaryMessages(t *testing.T) {
	hub, _ := newTestHub(t)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ws := dialHub(t, srv)
	if err := ws.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	if err == nil {
		t.Fatal("expected close after binary message")
	}
	if !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Errorf("close error = %v, want unsupported data", err)
	}
}

func TestHubDisconnectTearsDownSessions(t *testing.T) {
	hub, eng := newTestHub(t)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ws := dialHub(t, srv)
	err := ws.WriteJSON(Envelope{
		Event: EventOffer,
		Data: raw(t, map[string]any{
			"studentId": "S1",
			"sdp":       "v=0 offer",
			"type":      "offer",
		}),
	})
	if err != nil {
		t.Fatalf("write offer: %v", err)
	}
	readEnvelope(t, ws) // answer

	ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for eng.conn(0).closeCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("media handle not closed after websocket disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://exam.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://exam.example.com")
	if !check(req) {
		t.Error("allowed origin rejected")
	}

	req.Header.Set("Origin", "https://evil.example.com")
	if check(req) {
		t.Error("disallowed origin accepted")
	}

	req.Header.Del("Origin")
	if !check(req) {
		t.Error("non-browser client without Origin rejected")
	}

	if !originChecker(nil)(req) {
		t.Error("empty allowlist must permit all origins")
	}
}
