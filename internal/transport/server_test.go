// Copyright 2025 Tom Barlow
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

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := NewServer(ServerConfig{PortRange: [2]int{19876, 19899}})
	port, err := s.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
}

func TestServerHealthEndpoint(t *testing.T) {
	_, wsURL := startTestServer(t)
	healthURL := strings.Replace(wsURL, "ws://", "http://", 1)
	healthURL = strings.TrimSuffix(healthURL, "/ws") + "/health"

	resp, err := http.Get(healthURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerDispatchesRegisteredHandler(t *testing.T) {
	s, wsURL := startTestServer(t)
	s.RegisterHandler("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		var in map[string]string
		_ = json.Unmarshal(params, &in)
		return map[string]string{"echoed": in["text"]}, nil
	})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	req, err := NewRequest("echo", map[string]string{"text": "hi"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp Message
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, MessageTypeResponse, resp.Type)
	require.Equal(t, req.CorrelationID, resp.CorrelationID)

	var result map[string]string
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Equal(t, "hi", result["echoed"])
}

func TestServerStreamsUntilDone(t *testing.T) {
	s, wsURL := startTestServer(t)
	s.RegisterStream("stream.ticks", func(ctx context.Context, params json.RawMessage) (<-chan any, error) {
		ch := make(chan any, 3)
		ch <- map[string]int{"n": 1}
		ch <- map[string]int{"n": 2}
		close(ch)
		return ch, nil
	})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	req, err := NewRequest("stream.ticks", nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	var got []Message
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		got = append(got, msg)
		if msg.StreamDone {
			break
		}
	}
	require.Len(t, got, 3)
	require.False(t, got[0].StreamDone)
	require.True(t, got[2].StreamDone)
}

func TestServerRejectsUnknownMethod(t *testing.T) {
	_, wsURL := startTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	req, err := NewRequest("does.not.exist", nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp Message
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, MessageTypeError, resp.Type)
}

func TestServerEnforcesTokenAuth(t *testing.T) {
	validator, err := NewTokenValidator([]byte("secret"))
	require.NoError(t, err)
	defer validator.Close()

	s := NewServer(ServerConfig{PortRange: [2]int{19900, 19920}, Validator: validator})
	port, err := s.Start(context.Background())
	require.NoError(t, err)
	defer s.Close()

	_, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/ws", port), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
