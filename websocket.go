// Copyright 2025 The Homie Proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package homieproxy

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/sync/errgroup"
)

const wsCloseWriteTimeout = 5 * time.Second

// IsWebSocketUpgrade reports whether the inbound request asks for a
// WebSocket upgrade: Connection lists the Upgrade token and Upgrade names
// websocket, both case-insensitive.
func IsWebSocketUpgrade(h http.Header) bool {
	return httpguts.HeaderValuesContainsToken(h["Connection"], "Upgrade") &&
		strings.EqualFold(h.Get("Upgrade"), "websocket")
}

// Handshake-owned headers belong to each hop, not the relayed payload,
// so they are filtered from the dial headers.
var wsHopHeaders = []string{
	"Upgrade",
	"Connection",
	"Host",
}

const wsHeaderPrefix = "Sec-Websocket-"

// relayWebSocket dials the target over WebSocket, upgrades the inbound
// connection, and pumps frames both ways until either side closes. A
// non-nil return means the inbound upgrade has not been accepted and the
// caller may still write an HTTP status.
func (h *Handler) relayWebSocket(w http.ResponseWriter, r *http.Request, inst *Instance, preq *ProxyRequest, outHeader http.Header, logger *zap.Logger) error {
	wsURL := *preq.Target
	switch strings.ToLower(wsURL.Scheme) {
	case "http", "ws":
		wsURL.Scheme = "ws"
	case "https", "wss":
		wsURL.Scheme = "wss"
	default:
		return Error(http.StatusBadRequest, fmt.Errorf("scheme %q cannot upgrade to websocket", wsURL.Scheme))
	}

	dialHeader := make(http.Header, len(outHeader))
	for name, vals := range outHeader {
		if strings.HasPrefix(name, wsHeaderPrefix) {
			continue
		}
		dialHeader[name] = vals
	}
	for _, name := range wsHopHeaders {
		dialHeader.Del(name)
	}

	dialer := &websocket.Dialer{
		TLSClientConfig:  preq.TLSPolicy.MakeTLSClientConfig(),
		HandshakeTimeout: dialTimeout + tlsHandshakeTimeout,
	}
	targetConn, res, err := dialer.DialContext(r.Context(), wsURL.String(), dialHeader)
	if err != nil {
		// the inbound upgrade was never accepted, so this is still an
		// ordinary HTTP failure
		if res != nil {
			res.Body.Close()
		}
		return Error(http.StatusBadGateway, fmt.Errorf("websocket dial %s: %v", wsURL.Host, err))
	}
	defer targetConn.Close()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  streamChunkSize,
		WriteBufferSize: streamChunkSize,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		logger.Warn("inbound websocket upgrade failed", zap.Error(err))
		return nil
	}
	defer clientConn.Close()

	proxyMetrics.wsSessions.WithLabelValues(inst.Name).Inc()
	defer proxyMetrics.wsSessions.WithLabelValues(inst.Name).Dec()
	logger.Info("websocket session established", zap.String("target", wsURL.String()))

	// Two pumps joined at the hip: when either direction ends, closing
	// both conns unblocks the sibling's pending read within one
	// iteration.
	var once sync.Once
	closeBoth := func() {
		clientConn.Close()
		targetConn.Close()
	}

	var g errgroup.Group
	g.Go(func() error {
		defer once.Do(closeBoth)
		return pumpFrames(targetConn, clientConn)
	})
	g.Go(func() error {
		defer once.Do(closeBoth)
		return pumpFrames(clientConn, targetConn)
	})

	if err := g.Wait(); err != nil {
		logger.Debug("websocket session ended with error", zap.Error(err))
	} else {
		logger.Info("websocket session closed")
	}
	return nil
}

// pumpFrames copies text and binary frames from src to dst in order until
// src closes or errors. Close frames are propagated to dst with a
// matching close code before returning; a clean close is not an error.
func pumpFrames(dst, src *websocket.Conn) error {
	for {
		msgType, msg, err := src.ReadMessage()
		if err != nil {
			code := websocket.CloseGoingAway
			text := ""
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
				text = ce.Text
				if code == websocket.CloseNoStatusReceived {
					code = websocket.CloseNormalClosure
				}
			}
			deadline := time.Now().Add(wsCloseWriteTimeout)
			_ = dst.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text), deadline)
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				return nil
			}
			if isOKNetworkError(err) {
				return nil
			}
			return err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if err := dst.WriteMessage(msgType, msg); err != nil {
			return err
		}
	}
}

// isOKNetworkError reports whether err is the expected noise of the
// sibling pump tearing the connection down.
func isOKNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}
