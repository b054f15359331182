package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/passport-check/internal/imagecheck"
	"github.com/example/passport-check/internal/logging"
	"github.com/example/passport-check/internal/stream"
	"github.com/example/passport-check/internal/verification"
)

const writeWait = 10 * time.Second

// Message types on the stream channel.
const (
	messageFrame  = "frame"
	messageResult = "result"
	messageError  = "error"
)

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if normalized, ok := normalizeOrigin(origin); ok {
			allowed[normalized] = struct{}{}
		}
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, allowed)
		},
	}
}

// originAllowed accepts requests without an Origin header (non-browser
// clients), same-origin requests, and origins from the allowlist.
func originAllowed(r *http.Request, allowed map[string]struct{}) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return true
	}
	origin, ok := normalizeOrigin(header)
	if !ok {
		return false
	}
	if _, ok := allowed[origin]; ok {
		return true
	}
	u, _ := url.Parse(origin)
	return strings.EqualFold(u.Host, r.Host)
}

func normalizeOrigin(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), true
}

type inboundMessage struct {
	Type  string `json:"type"`
	Image string `json:"image"`
}

type outboundMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Checklist []int  `json:"checklist,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Error     string `json:"error,omitempty"`
}

// wsWriter serialises writes; gorilla connections allow one concurrent writer.
type wsWriter struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	logger *zap.Logger
}

func (w *wsWriter) send(msg outboundMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteJSON(msg); err != nil {
		w.logger.Debug("failed to write stream message", zap.Error(err))
	}
}

func resultMessage(r stream.Result) outboundMessage {
	msg := outboundMessage{
		Type:      messageResult,
		RequestID: r.RequestID,
		Mode:      r.Mode.String(),
		Checklist: r.Checklist.Ints(),
	}
	if r.Err != nil {
		// Failed results always carry the all-false checklist.
		msg.Checklist = verification.Checklist{}.Ints()
		msg.Error = messageInferenceFailed
		if errors.Is(r.Err, verification.ErrTimeout) {
			msg.Error = messageTimeout
		}
	}
	return msg
}

func (h *handler) streamFrames(c *gin.Context) {
	owner, ok := ownerFrom(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	// Frames arrive base64 encoded inside JSON.
	conn.SetReadLimit(h.maxUpload*4/3 + 1024)

	connID := uuid.NewString()
	connLogger := logging.WithConnection(h.logger, connID).With(zap.String("owner_id", owner))
	writer := &wsWriter{conn: conn, logger: connLogger}

	session, dispose, err := h.Registry.Open(c.Request.Context(), connID, stream.SinkFunc(func(r stream.Result) {
		writer.send(resultMessage(r))
	}))
	if err != nil {
		connLogger.Error("failed to open stream session", zap.Error(err))
		writer.send(outboundMessage{Type: messageError, Error: "internal error"})
		return
	}
	defer dispose()

	// A session disposed from elsewhere, such as on shutdown, ends the read loop.
	handlerDone := make(chan struct{})
	defer close(handlerDone)
	go func() {
		select {
		case <-session.Done():
			conn.Close()
		case <-handlerDone:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				connLogger.Info("stream connection lost", zap.Error(err))
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			writer.send(outboundMessage{Type: messageError, Error: "malformed message"})
			continue
		}
		if msg.Type != messageFrame {
			writer.send(outboundMessage{Type: messageError, Error: "unsupported message type"})
			continue
		}

		frame, err := imagecheck.DecodeDataURL(msg.Image)
		if err != nil {
			writer.send(outboundMessage{Type: messageError, Error: err.Error()})
			continue
		}
		if _, err := session.SubmitFrame(frame); err != nil {
			if errors.Is(err, stream.ErrSessionClosed) {
				return
			}
			writer.send(outboundMessage{Type: messageError, Error: err.Error()})
		}
	}
}
