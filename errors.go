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
	"encoding/json"
	"errors"
	"fmt"
	weakrand "math/rand"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Error classifies err with the HTTP status it should produce. A nested
// HandlerError keeps its original status and id, so the first
// classification wins.
func Error(statusCode int, err error) HandlerError {
	const idLen = 9
	var he HandlerError
	if errors.As(err, &he) {
		if he.ID == "" {
			he.ID = randString(idLen)
		}
		if he.StatusCode == 0 {
			he.StatusCode = statusCode
		}
		return he
	}
	return HandlerError{
		ID:         randString(idLen),
		StatusCode: statusCode,
		Err:        err,
	}
}

// HandlerError is a request-lifecycle error that knows which HTTP status
// it maps to. At most one per request is translated into a response;
// failures after the status has been written only close the connection.
type HandlerError struct {
	Err        error // underlying cause
	StatusCode int   // status the response carries

	ID string // short random id correlating the response with log lines
}

func (e HandlerError) Error() string {
	var s string
	if e.ID != "" {
		s += fmt.Sprintf("{id=%s}", e.ID)
	}
	if e.StatusCode != 0 {
		s += fmt.Sprintf(": HTTP %d", e.StatusCode)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return strings.TrimSpace(s)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e HandlerError) Unwrap() error { return e.Err }

// errorBody is the wire shape of a proxy-generated error response.
type errorBody struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	Timestamp string `json:"timestamp"`
	Instance  string `json:"instance"`
}

// writeError emits the JSON error body for he. Callers must ensure no
// status has been written yet.
func writeError(w http.ResponseWriter, instance string, he HandlerError, logger *zap.Logger) {
	msg := "internal server error"
	if he.Err != nil {
		msg = he.Err.Error()
	}
	logger.Error("request failed",
		zap.String("instance", instance),
		zap.String("error_id", he.ID),
		zap.Int("status", he.StatusCode),
		zap.Error(he.Err))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(he.StatusCode)
	if err := json.NewEncoder(w).Encode(errorBody{
		Error:     msg,
		Code:      he.StatusCode,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Instance:  instance,
	}); err != nil {
		logger.Debug("writing error body", zap.Error(err))
	}
}

// randString produces n characters of cheap randomness. Error ids only
// need to be greppable, not unguessable.
func randString(n int) string {
	if n <= 0 {
		return ""
	}
	dict := []byte("abcdefghijkmnpqrstuvwxyz0123456789")
	b := make([]byte, n)
	for i := range b {
		//nolint:gosec
		b[i] = dict[weakrand.Int63()%int64(len(dict))]
	}
	return string(b)
}
