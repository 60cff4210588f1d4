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
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ProxyRequest is the per-request view of the recognized query
// parameters, resolved once when the host dispatches to the core.
type ProxyRequest struct {
	Method    string
	Target    *url.URL
	Token     string
	TLSPolicy TLSPolicy

	FollowRedirects bool
	OverrideHost    string

	// Timeout is the per-request override; zero means use the instance's.
	Timeout time.Duration

	RequestHeaderOverrides  map[string]string
	ResponseHeaderOverrides map[string]string
}

var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"ws":    true,
	"wss":   true,
}

// ParseProxyRequest extracts and validates the recognized query
// parameters. A missing or malformed url parameter is an input error
// (HTTP 400); everything else has a defined default.
func ParseProxyRequest(r *http.Request) (*ProxyRequest, error) {
	q := r.URL.Query()

	rawURL := q.Get("url")
	if rawURL == "" {
		return nil, Error(http.StatusBadRequest, fmt.Errorf("target url parameter is required"))
	}
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, Error(http.StatusBadRequest, fmt.Errorf("invalid target url: %v", err))
	}
	if !allowedSchemes[strings.ToLower(target.Scheme)] {
		return nil, Error(http.StatusBadRequest, fmt.Errorf("unsupported target scheme %q", target.Scheme))
	}
	if target.Hostname() == "" {
		return nil, Error(http.StatusBadRequest, fmt.Errorf("target url has no host"))
	}

	preq := &ProxyRequest{
		Method:          r.Method,
		Target:          target,
		Token:           q.Get("token"),
		TLSPolicy:       ParseTLSPolicy(q.Get("skip_tls_checks")),
		FollowRedirects: isTruthy(q.Get("follow_redirects")),
		OverrideHost:    q.Get("override_host_header"),
	}

	if raw := q.Get("timeout"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			preq.Timeout = clampTimeout(time.Duration(secs) * time.Second)
		}
	}

	// request_headers[...] is accepted as an alias; older clients of the
	// original proxy send the plural form
	preq.RequestHeaderOverrides = headerParams(q, "request_header", "request_headers")
	preq.ResponseHeaderOverrides = headerParams(q, "response_header", "response_headers")

	return preq, nil
}

// CarriesBody reports whether the request method forwards a body stream
// to the target.
func (preq *ProxyRequest) CarriesBody() bool {
	switch preq.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// headerParams collects query keys of the form prefix[NAME]=VALUE into a
// canonical-keyed map. The original's reflective key dispatch becomes an
// explicit parse step here.
func headerParams(q url.Values, prefixes ...string) map[string]string {
	var m map[string]string
	for key, vals := range q {
		for _, prefix := range prefixes {
			open := prefix + "["
			if !strings.HasPrefix(key, open) || !strings.HasSuffix(key, "]") {
				continue
			}
			name := key[len(open) : len(key)-1]
			if name == "" || len(vals) == 0 {
				continue
			}
			if m == nil {
				m = make(map[string]string)
			}
			m[http.CanonicalHeaderKey(name)] = vals[0]
			break
		}
	}
	return m
}

// ClientIP determines the client source address: the first hop of
// X-Forwarded-For if present, then X-Real-IP, then the transport peer
// address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return strings.TrimSpace(real)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
