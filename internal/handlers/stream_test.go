package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/passport-check/internal/stream"
	"github.com/example/passport-check/internal/verification"
)

func dialStream(t *testing.T, verifier verification.Verifier) (*websocket.Conn, *stream.Registry) {
	t.Helper()
	registry := stream.NewRegistry(verifier, zap.NewNop())
	server := httptest.NewServer(newTestRouter(Dependencies{Registry: registry}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/stream?access_token=" + buildTestToken(t, "user-1")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, registry
}

func readMessage(t *testing.T, conn *websocket.Conn) outboundMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg outboundMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestStreamDeliversResults(t *testing.T) {
	conn, _ := dialStream(t, stubVerifier{checklist: verification.Checklist{true, true, false, true, true}})

	frame := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t))
	if err := conn.WriteJSON(inboundMessage{Type: messageFrame, Image: frame}); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readMessage(t, conn)
	if msg.Type != messageResult || msg.RequestID == "" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if len(msg.Checklist) != verification.ChecklistSize || msg.Checklist[2] != 0 || msg.Checklist[0] != 1 {
		t.Fatalf("unexpected checklist: %v", msg.Checklist)
	}
	if msg.Mode != "normal" {
		t.Fatalf("expected normal mode, got %s", msg.Mode)
	}
}

func TestStreamReportsValidationErrors(t *testing.T) {
	conn, registry := dialStream(t, stubVerifier{})

	if err := conn.WriteJSON(inboundMessage{Type: messageFrame, Image: base64.StdEncoding.EncodeToString([]byte("text"))}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readMessage(t, conn)
	if msg.Type != messageError || msg.Error == "" {
		t.Fatalf("expected error message, got %+v", msg)
	}
	if got := registry.Stats().FramesRejected; got != 1 {
		t.Fatalf("expected 1 rejected frame, got %d", got)
	}

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != messageError {
		t.Fatalf("expected error for unknown type, got %+v", msg)
	}
}

func TestStreamReportsUpstreamFailure(t *testing.T) {
	conn, _ := dialStream(t, stubVerifier{err: verification.ErrTimeout})

	frame := base64.StdEncoding.EncodeToString(pngBytes(t))
	if err := conn.WriteJSON(inboundMessage{Type: messageFrame, Image: frame}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readMessage(t, conn)
	if msg.Type != messageResult || msg.Error != messageTimeout {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if !reflect.DeepEqual(msg.Checklist, []int{0, 0, 0, 0, 0}) {
		t.Fatalf("expected all-false checklist with the error, got %v", msg.Checklist)
	}
}

func TestResultMessageFailureCarriesZeroChecklist(t *testing.T) {
	msg := resultMessage(stream.Result{
		RequestID: "req-1",
		Checklist: verification.Checklist{true, true, true, true, true},
		Err:       errors.New("boom"),
	})
	if msg.Error != messageInferenceFailed {
		t.Fatalf("unexpected error text %q", msg.Error)
	}
	if !reflect.DeepEqual(msg.Checklist, []int{0, 0, 0, 0, 0}) {
		t.Fatalf("unexpected checklist %v", msg.Checklist)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"checklist":[0,0,0,0,0]`) {
		t.Fatalf("checklist missing from payload: %s", raw)
	}
}

func TestStreamClosesWhenRegistryShutsDown(t *testing.T) {
	conn, registry := dialStream(t, stubVerifier{})

	deadline := time.Now().Add(5 * time.Second)
	for registry.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session was never opened")
		}
		time.Sleep(10 * time.Millisecond)
	}
	registry.CloseAll()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected the connection to be closed")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatalf("expected server to close the connection, read timed out instead")
	}
}

func dialWithOrigin(t *testing.T, allowed []string, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	registry := stream.NewRegistry(stubVerifier{}, zap.NewNop())
	t.Cleanup(registry.CloseAll)
	server := httptest.NewServer(newTestRouter(Dependencies{Registry: registry, AllowedOrigins: allowed}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/stream?access_token=" + buildTestToken(t, "user-1")
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	_, resp, err := dialWithOrigin(t, []string{"https://app.example.com"}, "https://evil.example.net")
	if err == nil {
		t.Fatal("expected the handshake to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}

func TestStreamAcceptsAllowedOrigin(t *testing.T) {
	if _, _, err := dialWithOrigin(t, []string{"https://App.Example.com/"}, "https://app.example.com"); err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
}

func TestStreamAcceptsClientsWithoutOrigin(t *testing.T) {
	if _, _, err := dialWithOrigin(t, nil, ""); err != nil {
		t.Fatalf("origin-less client rejected: %v", err)
	}
}

func TestOriginAllowedFallsBackToSameHost(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/ws/stream", nil)
	req.Header.Set("Origin", "http://api.example.com")
	if !originAllowed(req, nil) {
		t.Fatal("same-origin request rejected")
	}
	req.Header.Set("Origin", "http://other.example.com")
	if originAllowed(req, nil) {
		t.Fatal("cross-origin request accepted without allowlist")
	}
	req.Header.Set("Origin", "null")
	if originAllowed(req, nil) {
		t.Fatal("opaque origin accepted")
	}
}
