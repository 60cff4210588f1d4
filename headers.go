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
	"net/http"
	"net/netip"
	"net/url"
	"strings"
)

// Hop-by-hop headers. These are stripped from the outbound request; they
// apply to one transport hop only and must not be forwarded end-to-end.
var hopHeaders = []string{
	"Connection",
	"Upgrade",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te", // canonicalized version of "TE"
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
}

// Response headers the relay strips before writing back to the client;
// the relay re-frames the body itself.
var strippedResponseHeaders = []string{
	"Connection",
	"Transfer-Encoding",
	"Content-Encoding",
}

// RewriteRequestHeaders builds the outbound header set from the inbound
// headers and the request_header[NAME] overrides, and computes the Host
// header value per the proxy's Host contract. The returned host string is
// empty when the Host header should be left for the transport to derive
// (IP-literal targets).
func RewriteRequestHeaders(in http.Header, target *url.URL, overrides map[string]string, overrideHost string) (http.Header, string) {
	out := make(http.Header, len(in))
	copyHeader(out, in)

	// strip headers named by the Connection header first (RFC 7230 §6.1),
	// then the fixed hop-by-hop set
	removeConnectionHeaders(out)
	for _, h := range hopHeaders {
		out.Del(h)
	}
	out.Del("Host")

	for name, value := range overrides {
		out.Set(name, value)
	}

	// The Host contract: an explicit override wins; an IP-literal target
	// gets no synthesized Host (many origins reject IP-shaped virtual
	// hosts); otherwise Host is the target hostname without any port.
	// This runs after the overrides so override_host_header always wins.
	host := ""
	hostname := target.Hostname()
	if overrideHost != "" {
		host = overrideHost
	} else if _, err := netip.ParseAddr(hostname); err != nil {
		host = hostname
	}
	out.Del("Host")

	// an absent User-Agent must stay absent at the target; an explicit
	// empty value stops the HTTP client from inserting its default
	if _, ok := out["User-Agent"]; !ok {
		out.Set("User-Agent", "")
	}

	return out, host
}

// RewriteResponseHeaders copies the target's response headers into dst,
// stripping the hop/framing headers the relay owns, then applies the
// response_header[NAME] overrides. When the transport already decoded the
// body, Content-Length no longer matches and is dropped too.
func RewriteResponseHeaders(dst, src http.Header, overrides map[string]string, uncompressed bool) {
	copyHeader(dst, src)
	for _, h := range strippedResponseHeaders {
		dst.Del(h)
	}
	if uncompressed {
		dst.Del("Content-Length")
	}
	for name, value := range overrides {
		dst.Set(name, value)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// removeConnectionHeaders removes hop-by-hop headers listed in the
// "Connection" header of h. See RFC 7230, section 6.1.
func removeConnectionHeaders(h http.Header) {
	for _, c := range h["Connection"] {
		for _, f := range strings.Split(c, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
}
