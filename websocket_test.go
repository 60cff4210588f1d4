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
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsWebSocketUpgrade(t *testing.T) {
	assert.False(t, IsWebSocketUpgrade(http.Header{}))
	assert.False(t, IsWebSocketUpgrade(http.Header{"Upgrade": {"websocket"}}))
	assert.True(t, IsWebSocketUpgrade(http.Header{
		"Connection": {"Upgrade"},
		"Upgrade":    {"websocket"},
	}))
	assert.True(t, IsWebSocketUpgrade(http.Header{
		"Connection": {"keep-alive, upgrade"},
		"Upgrade":    {"WebSocket"},
	}))
	assert.False(t, IsWebSocketUpgrade(http.Header{
		"Connection": {"Upgrade"},
		"Upgrade":    {"h2c"},
	}))
}

func wsEchoServer(t *testing.T) (*httptest.Server, chan struct{}) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer close(done)
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, done
}

func toWS(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestProxyRelaysWebSocketFramesInOrder(t *testing.T) {
	target, targetDone := wsEchoServer(t)
	fx := newProxyFixture(t, nil, anyInstance("red", "secret"))

	conn, res, err := websocket.DefaultDialer.Dial(toWS(fx.proxy.URL)+"/red?"+url.Values{
		"url":   {toWS(target.URL) + "/"},
		"token": {"secret"},
	}.Encode(), nil)
	require.NoError(t, err)
	if res != nil {
		res.Body.Close()
	}
	defer conn.Close()

	frames := []struct {
		mt  int
		msg string
	}{
		{websocket.TextMessage, "a"},
		{websocket.BinaryMessage, "b"},
		{websocket.TextMessage, "c"},
	}
	for _, f := range frames {
		require.NoError(t, conn.WriteMessage(f.mt, []byte(f.msg)))
	}
	for _, f := range frames {
		mt, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, f.mt, mt)
		assert.Equal(t, f.msg, string(msg))
	}

	// a clean close from the client reaches the target
	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(time.Second)))

	select {
	case <-targetDone:
	case <-time.After(5 * time.Second):
		t.Fatal("target session did not end after the client closed")
	}
}

func TestProxyWebSocketDialFailureIsBadGateway(t *testing.T) {
	fx := newProxyFixture(t, nil, anyInstance("red", "secret"))

	_, res, err := websocket.DefaultDialer.Dial(toWS(fx.proxy.URL)+"/red?"+url.Values{
		"url":   {"ws://127.0.0.1:1/"},
		"token": {"secret"},
	}.Encode(), nil)
	require.Error(t, err)
	require.NotNil(t, res)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
}

func TestProxyWebSocketSchemeWithoutUpgradeDegradesToHTTP(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "plain") //nolint:errcheck
	}))
	defer target.Close()

	fx := newProxyFixture(t, nil, anyInstance("red", "secret"))
	res, err := http.Get(fx.url("red", url.Values{
		"url":   {toWS(target.URL) + "/"},
		"token": {"secret"},
	}))
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "plain", string(body))
}
