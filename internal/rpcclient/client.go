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

// Package rpcclient is platformctl's client for the per-service
// transport.Server endpoints platformd exposes: one websocket
// connection per call, framed with internal/transport's Message
// envelope.
package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aadk-dev/platform/internal/transport"
)

// Client talks to a single business service's websocket endpoint.
type Client struct {
	addr   string
	apiKey string
	dialer *websocket.Dialer
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the bearer token sent as the handshake's auth header.
func WithAPIKey(apiKey string) Option {
	return func(c *Client) { c.apiKey = apiKey }
}

// New builds a Client for the service listening at addr (host:port,
// e.g. config.Default().Listen.JobService).
func New(addr string, opts ...Option) *Client {
	c := &Client{addr: addr, dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: c.addr, Path: "/ws"}
	header := make(map[string][]string)
	if c.apiKey != "" {
		header["Authorization"] = []string{"Bearer " + c.apiKey}
	}
	conn, _, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dial %s: %w", c.addr, err)
	}
	return conn, nil
}

// Call issues one request/response RPC and decodes the result into out
// (a pointer), or returns the service's error if it responded with one.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	req, err := transport.NewRequest(method, params)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("rpcclient: sending %s: %w", method, err)
	}

	var resp transport.Message
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("rpcclient: reading %s response: %w", method, err)
	}
	if resp.Type == transport.MessageTypeError {
		if resp.Error != nil {
			return fmt.Errorf("%s: %s: %s", method, resp.Error.Code, resp.Error.Message)
		}
		return fmt.Errorf("%s: request failed", method)
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

// Stream issues one streaming RPC and delivers each item's raw JSON on
// the returned channel until the service sends StreamDone or ctx is
// cancelled.
func (c *Client) Stream(ctx context.Context, method string, params any) (<-chan json.RawMessage, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	req, err := transport.NewRequest(method, params)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rpcclient: sending %s: %w", method, err)
	}

	out := make(chan json.RawMessage, 64)
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var msg transport.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == transport.MessageTypeError {
				return
			}
			if msg.StreamDone {
				return
			}
			select {
			case out <- msg.Result:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
