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
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler serves proxy traffic for the instances of a Registry. The host
// mounts it under a path prefix; the final path segment names the
// instance. Handler is safe for concurrent use.
type Handler struct {
	registry     *Registry
	resolver     Resolver
	logger       *zap.Logger
	authenticate func(*http.Request) bool
}

// Option customizes a Handler.
type Option func(*Handler)

// WithLogger sets the handler's logger. Default is a nop logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithResolver sets the DNS capability used for target policy checks and
// outbound dialing. Default is the system resolver.
func WithResolver(r Resolver) Option {
	return func(h *Handler) { h.resolver = r }
}

// WithAuthenticator wires the host's authentication check, consulted for
// instances with requires_auth. Without one, such instances deny every
// request.
func WithAuthenticator(fn func(*http.Request) bool) Option {
	return func(h *Handler) { h.authenticate = fn }
}

// NewHandler builds a Handler over the given registry.
func NewHandler(registry *Registry, opts ...Option) *Handler {
	h := &Handler{
		registry: registry,
		resolver: DefaultResolver(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	proxyMetrics.init.Do(initProxyMetrics)
	return h
}

// ServeHTTP runs the request lifecycle: instance lookup, client-IP check,
// parameter parsing, token check, target check, header rewriting, then
// dispatch to the HTTP or WebSocket relay. Checks run cheapest-first so
// an unauthenticated client can never trigger a DNS lookup for a name it
// chose.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	name := instanceName(r.URL.Path)
	logger := h.logger.With(
		zap.String("instance", name),
		zap.String("request_id", requestID()),
	)

	status, err := h.serve(w, r, name, logger)
	if err != nil {
		he := Error(http.StatusInternalServerError, err)
		writeError(w, name, he, logger)
		status = he.StatusCode
	}
	recordRequestMetrics(name, r.Method, status, start)
}

// serve returns the status already written, or an error when none has
// been. Exactly one of the two reaches the client.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, name string, logger *zap.Logger) (int, error) {
	if name == "" {
		return 0, Error(http.StatusBadRequest, fmt.Errorf("instance name required in path"))
	}
	inst, ok := h.registry.Get(name)
	if !ok {
		return 0, Error(http.StatusNotFound, fmt.Errorf("instance %q not found", name))
	}

	proxyMetrics.requestsInFlight.WithLabelValues(inst.Name).Inc()
	defer proxyMetrics.requestsInFlight.WithLabelValues(inst.Name).Dec()

	clientIP := ClientIP(r)
	if !inst.ClientAllowed(clientIP) {
		logger.Warn("client address denied", zap.String("client_ip", clientIP))
		return 0, Error(http.StatusForbidden, fmt.Errorf("access denied from your IP"))
	}

	preq, err := ParseProxyRequest(r)
	if err != nil {
		return 0, err
	}

	if inst.RequiresAuth && (h.authenticate == nil || !h.authenticate(r)) {
		logger.Warn("host authentication required", zap.String("client_ip", clientIP))
		return 0, Error(http.StatusUnauthorized, fmt.Errorf("authentication required"))
	}
	if !inst.TokenValid(preq.Token) {
		logger.Warn("token rejected", zap.String("client_ip", clientIP))
		return 0, Error(http.StatusUnauthorized, fmt.Errorf("invalid or missing authentication token"))
	}

	// only now may attacker-chosen names reach DNS
	if !inst.TargetAllowed(r.Context(), preq.Target, h.resolver) {
		logger.Warn("target denied",
			zap.String("target", preq.Target.Redacted()),
			zap.String("restrict_out", inst.RestrictOut.String()))
		return 0, Error(http.StatusForbidden, fmt.Errorf("access denied to the target URL"))
	}

	outHeader, hostHeader := RewriteRequestHeaders(r.Header, preq.Target, preq.RequestHeaderOverrides, preq.OverrideHost)

	logger.Debug("relaying request",
		zap.String("method", preq.Method),
		zap.String("target", preq.Target.Redacted()),
		zap.String("client_ip", clientIP),
		zap.Bool("websocket", IsWebSocketUpgrade(r.Header)))

	if IsWebSocketUpgrade(r.Header) {
		if err := h.relayWebSocket(w, r, inst, preq, outHeader, logger); err != nil {
			return 0, err
		}
		return http.StatusSwitchingProtocols, nil
	}

	status, err := h.relayHTTP(w, r, inst, preq, outHeader, hostHeader, logger)
	if err != nil {
		if errors.Is(err, errClientGone) {
			// no response can reach the client; 499 is the customary
			// code for recording a closed downstream connection
			logger.Info("client disconnected before response", zap.String("state", string(relayCancelled)))
			return 499, nil
		}
		return 0, err
	}
	return status, nil
}

// instanceName extracts the instance from the final path segment, so the
// handler works both mounted under a prefix and at the root.
func instanceName(p string) string {
	base := path.Base(strings.TrimSuffix(p, "/"))
	if base == "." || base == "/" {
		return ""
	}
	return base
}

func requestID() string {
	return uuid.NewString()[:8]
}
