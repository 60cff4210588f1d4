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
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

const (
	// streamChunkSize is the relay copy buffer size.
	streamChunkSize = 32 * 1024

	dialTimeout         = 10 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
)

var streamingBufPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, streamChunkSize)
	},
}

// errClientGone marks a request abandoned because the client disconnected.
// It is recorded, not reported; the client cannot see a response anyway.
var errClientGone = errors.New("client disconnected")

// DialError is an error that specifically occurred while dialing the
// target, before any request bytes were transmitted.
type DialError struct{ error }

func (e DialError) Unwrap() error { return e.error }

// relayState labels the terminal state of one relayed request.
type relayState string

const (
	relayDone            relayState = "done"
	relayCancelled       relayState = "cancelled"
	relayFailedMidStream relayState = "failed_mid_stream"
)

// writeErr wraps errors from the client-facing write side of the copy
// loop, so they can be told apart from target-side read errors.
type writeErr struct{ error }

func (e writeErr) Unwrap() error { return e.error }

// relayHTTP performs the outbound round trip and streams the response
// body back to the client. A non-nil error means no status has been
// written yet and the caller should translate it; otherwise the returned
// status is the one relayed from the target.
func (h *Handler) relayHTTP(w http.ResponseWriter, r *http.Request, inst *Instance, preq *ProxyRequest, outHeader http.Header, hostHeader string, logger *zap.Logger) (int, error) {
	timeout := inst.Timeout
	if preq.Timeout > 0 {
		timeout = preq.Timeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	// a WebSocket-scheme URL without an upgrade request degrades to a
	// plain HTTP fetch of the equivalent origin
	target := *preq.Target
	switch strings.ToLower(target.Scheme) {
	case "ws":
		target.Scheme = "http"
	case "wss":
		target.Scheme = "https"
	}

	var body io.Reader
	var tracker *bodyTracker
	if preq.CarriesBody() && r.Body != nil && r.ContentLength != 0 {
		tracker = &bodyTracker{rc: r.Body}
		body = tracker
	}

	outreq, err := http.NewRequestWithContext(ctx, preq.Method, target.String(), body)
	if err != nil {
		return 0, Error(http.StatusInternalServerError, fmt.Errorf("building outbound request: %v", err))
	}
	outreq.Header = outHeader
	outreq.Host = hostHeader
	if body != nil && r.ContentLength > 0 {
		outreq.ContentLength = r.ContentLength
	}

	transport, err := h.newTransport(preq.TLSPolicy)
	if err != nil {
		return 0, Error(http.StatusInternalServerError, err)
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{Transport: transport}
	if !preq.FollowRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	start := time.Now()
	res, err := client.Do(outreq)
	if err != nil {
		return 0, classifyRoundTripError(err, tracker)
	}
	defer res.Body.Close()

	logger.Debug("target roundtrip",
		zap.String("target", target.String()),
		zap.Int("status", res.StatusCode),
		zap.Duration("latency", time.Since(start)))

	RewriteResponseHeaders(w.Header(), res.Header, preq.ResponseHeaderOverrides, res.Uncompressed)
	w.WriteHeader(res.StatusCode)

	// response headers must reach the client before the first body byte
	if fl, ok := w.(http.Flusher); ok {
		fl.Flush()
	}

	written, copyErr := copyChunks(w, res.Body)
	proxyMetrics.streamedBytes.WithLabelValues(inst.Name).Add(float64(written))

	if copyErr != nil {
		// the status is written; cancel the target fetch and record what
		// happened
		cancel()
		state := relayFailedMidStream
		var we writeErr
		if errors.As(copyErr, &we) || errors.Is(copyErr, context.Canceled) {
			state = relayCancelled
		}
		logger.Warn("stream aborted",
			zap.String("state", string(state)),
			zap.Int64("bytes", written),
			zap.Error(copyErr))
		if state == relayFailedMidStream {
			// the target died mid-body (or the deadline expired after
			// headers); the connection must die with it, or the server
			// would write the terminating chunk and the client would take
			// the truncated body for a complete one
			panic(http.ErrAbortHandler)
		}
		// client gone: nobody is listening, nothing more to do
		return res.StatusCode, nil
	}

	logger.Info("stream complete",
		zap.String("state", string(relayDone)),
		zap.Int("status", res.StatusCode),
		zap.Int64("bytes", written),
		zap.Duration("duration", time.Since(start)))

	return res.StatusCode, nil
}

// newTransport builds a request-scoped transport honoring the TLS policy
// and the injected resolver. Transports are never shared across requests
// with different TLS policies, so a bypass cannot leak onto a verified
// connection.
func (h *Handler) newTransport(policy TLSPolicy) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	resolver := h.resolver

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(address)
			if err != nil {
				return nil, DialError{err}
			}
			if _, err := netip.ParseAddr(host); err != nil && resolver != nil {
				addrs, rerr := resolver.LookupIP(ctx, host)
				if rerr != nil {
					return nil, DialError{fmt.Errorf("resolving %s: %w", host, rerr)}
				}
				if len(addrs) == 0 {
					return nil, DialError{fmt.Errorf("resolving %s: no addresses", host)}
				}
				address = net.JoinHostPort(addrs[0].Unmap().String(), port)
			}
			conn, err := dialer.DialContext(ctx, network, address)
			if err != nil {
				return nil, DialError{err}
			}
			return conn, nil
		},
		TLSClientConfig:     policy.MakeTLSClientConfig(),
		TLSHandshakeTimeout: tlsHandshakeTimeout,
		MaxIdleConnsPerHost: 1,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("configuring transport: %v", err)
	}
	return transport, nil
}

// classifyRoundTripError maps an outbound request failure onto the error
// taxonomy: unreadable inbound body is the client's fault, a deadline is
// a gateway timeout, a disconnected client is only recorded, transport
// failures are a bad gateway (distinguishing a failed dial from a failure
// on an established connection), and anything else is unexpected.
func classifyRoundTripError(err error, tracker *bodyTracker) error {
	if tracker != nil && tracker.err != nil {
		return Error(http.StatusBadRequest, fmt.Errorf("reading request body: %v", tracker.err))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Error(http.StatusGatewayTimeout, fmt.Errorf("target did not respond in time"))
	}
	if errors.Is(err, context.Canceled) {
		return errClientGone
	}
	var de DialError
	if errors.As(err, &de) {
		return Error(http.StatusBadGateway, fmt.Errorf("dialing target: %v", de.Unwrap()))
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return Error(http.StatusBadGateway, fmt.Errorf("target unreachable: %v", uerr.Err))
	}
	return Error(http.StatusInternalServerError, err)
}

// copyChunks streams src to dst in fixed-size chunks, flushing after
// each write so bytes reach the client promptly. Write-side errors are
// wrapped in writeErr; read-side errors (other than EOF) are returned
// as-is.
func copyChunks(dst http.ResponseWriter, src io.Reader) (int64, error) {
	fl, _ := dst.(http.Flusher)
	buf := streamingBufPool.Get().([]byte)
	defer streamingBufPool.Put(buf) //nolint:staticcheck

	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, writeErr{werr}
			}
			if nw != nr {
				return written, writeErr{io.ErrShortWrite}
			}
			if fl != nil {
				fl.Flush()
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}

// bodyTracker remembers the first read error from the inbound body so a
// failed round trip can be attributed to the client rather than the
// target.
type bodyTracker struct {
	rc  io.ReadCloser
	err error
}

func (b *bodyTracker) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil && err != io.EOF && b.err == nil {
		b.err = err
	}
	return n, err
}
