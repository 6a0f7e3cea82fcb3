package api

import (
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

var previewUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	// Max message from client: 64 KB covers ~2 seconds of 16kHz int16 PCM.
	previewMaxClientMessage = 64 * 1024
	// Max message from the upstream worker: 16 KB (JSON transcription).
	previewMaxUpstreamMessage = 16 * 1024
	// Max concurrent preview connections per user.
	previewMaxPerUser = 3
)

// previewConns tracks active preview connections per user.
var (
	previewConnsMu sync.Mutex
	previewConns   = make(map[string]int) // userID → count
)

// handlePreviewProxy relays raw audio frames from the browser to the worker's
// streaming ASR endpoint and partial transcriptions back. Preview audio is
// not metered; only submitted jobs count against the quota.
func (s *Server) handlePreviewProxy(w http.ResponseWriter, r *http.Request) {
	// Browsers can't set headers on WebSocket dials, so accept ?token= too.
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = r.Header.Get("Authorization")
		if len(tokenStr) > 7 && strings.HasPrefix(tokenStr, "Bearer ") {
			tokenStr = tokenStr[7:]
		}
	}
	if tokenStr == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	identity, err := s.authProvider.ValidateToken(r.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Per-user connection limit.
	previewConnsMu.Lock()
	if previewConns[identity.UserID] >= previewMaxPerUser {
		previewConnsMu.Unlock()
		http.Error(w, "too many preview connections", http.StatusTooManyRequests)
		return
	}
	previewConns[identity.UserID]++
	previewConnsMu.Unlock()
	defer func() {
		previewConnsMu.Lock()
		previewConns[identity.UserID]--
		if previewConns[identity.UserID] <= 0 {
			delete(previewConns, identity.UserID)
		}
		previewConnsMu.Unlock()
	}()

	// Upgrade client connection.
	clientConn, err := previewUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("preview proxy: client upgrade failed", "error", err)
		return
	}
	defer func() { _ = clientConn.Close() }()

	clientConn.SetReadLimit(previewMaxClientMessage)

	s.logger.Info("preview proxy: connected", "user", identity.Username)

	// Connect to the upstream streaming ASR endpoint.
	upstreamURL, err := url.Parse(s.previewWSURL)
	if err != nil {
		s.logger.Warn("preview proxy: invalid preview_ws_url", "error", err)
		_ = clientConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "bad upstream config"))
		return
	}

	upstreamConn, _, err := websocket.DefaultDialer.Dial(upstreamURL.String(), nil)
	if err != nil {
		s.logger.Warn("preview proxy: upstream dial failed", "error", err)
		_ = clientConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "transcription service unavailable"))
		return
	}
	defer func() { _ = upstreamConn.Close() }()

	upstreamConn.SetReadLimit(previewMaxUpstreamMessage)

	// Bidirectional proxy.
	done := make(chan struct{}, 2)

	// Client → Upstream
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			msgType, data, err := clientConn.ReadMessage()
			if err != nil {
				return
			}
			if err := upstreamConn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}()

	// Upstream → Client
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			msgType, data, err := upstreamConn.ReadMessage()
			if err != nil {
				return
			}
			if err := clientConn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}()

	<-done
	s.logger.Info("preview proxy: disconnected", "user", identity.Username)
}
