// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

// Package ingest connects to the upstream item stream and feeds decoded
// events through the processing pipeline onto the broadcast bus. Only
// the master instance ingests; followers receive enriched events over
// the bus.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/notifeed/internal/logging"
	"github.com/tomtom215/notifeed/internal/models"
)

// Upstream frame types. The stream multiplexes live events and bulk
// replay responses over one socket.
const (
	frameNewItem     = "new_item"
	frameBatchItem   = "batch_item"
	frameUnavailable = "unavailable_item"
	framePriceUpdate = "price_update"
	frameEndOfBatch  = "end_of_batch"
)

const (
	handshakeTimeout = 10 * time.Second
	pingInterval     = 30 * time.Second
	readDeadline     = 60 * time.Second
	writeTimeout     = 5 * time.Second
)

// upstreamFrame is the wire format of a single server message.
type upstreamFrame struct {
	Type   string            `json:"type"`
	Item   *models.ItemEvent `json:"item,omitempty"`
	ID     string            `json:"id,omitempty"`
	ETVMin *float64          `json:"etv_min,omitempty"`
	ETVMax *float64          `json:"etv_max,omitempty"`
}

// replayRequest asks the server to resend its most recent items.
type replayRequest struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

const replayAction = "fetch_latest"

// Handlers receive decoded upstream events. Nil handlers are skipped.
// Handlers run on the read goroutine; they must not block.
type Handlers struct {
	OnItem        func(ev *models.ItemEvent)
	OnUnavailable func(ev *models.UnavailableEvent)
	OnPriceUpdate func(ev *models.PriceUpdateEvent)
	OnEndOfBatch  func()
}

// Client is a websocket client for the upstream item stream.
//
// The dial path runs behind a circuit breaker so a dead upstream does
// not get hammered on every reconnect attempt. The client does not
// reconnect by itself; Run returns on disconnect and the caller decides
// whether to dial again.
type Client struct {
	rawURL string
	token  string

	conn   *websocket.Conn
	connMu sync.RWMutex

	handlers Handlers
	breaker  *gobreaker.CircuitBreaker[*websocket.Conn]
}

// NewClient creates a client for the given stream URL. The token is
// appended as a query parameter on dial. Call Connect before Run.
func NewClient(rawURL, token string, handlers Handlers) *Client {
	breaker := gobreaker.NewCircuitBreaker[*websocket.Conn](gobreaker.Settings{
		Name:        "upstream-dial",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Upstream dial circuit state changed")
		},
	})

	return &Client{
		rawURL:   rawURL,
		token:    token,
		handlers: handlers,
		breaker:  breaker,
	}
}

// Connect dials the upstream socket. Returns immediately if already
// connected. Dial failures count against the circuit breaker; while the
// circuit is open Connect fails fast with gobreaker.ErrOpenState.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		return nil
	}

	wsURL, err := c.buildURL()
	if err != nil {
		return fmt.Errorf("build stream url: %w", err)
	}

	conn, err := c.breaker.Execute(func() (*websocket.Conn, error) {
		dialer := websocket.Dialer{
			HandshakeTimeout:  handshakeTimeout,
			EnableCompression: true,
		}
		conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
		if resp != nil {
			defer resp.Body.Close()
		}
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dial (HTTP %d): %w", resp.StatusCode, err)
			}
			return nil, fmt.Errorf("dial: %w", err)
		}
		return conn, nil
	})
	if err != nil {
		return err
	}

	c.conn = conn
	logging.Info().Str("url", c.rawURL).Msg("Upstream stream connected")
	return nil
}

// buildURL converts the configured base URL to a ws(s) URL with the
// auth token in the query string.
func (c *Client) buildURL() (string, error) {
	parsed, err := url.Parse(c.rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}

	if c.token != "" {
		q := parsed.Query()
		q.Set("token", c.token)
		parsed.RawQuery = q.Encode()
	}

	return parsed.String(), nil
}

// Connected reports whether the socket is currently open.
func (c *Client) Connected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn != nil
}

// Run reads frames until the connection drops or ctx is canceled. A
// keepalive goroutine pings the server every 30 seconds. The connection
// is closed when Run returns.
func (c *Client) Run(ctx context.Context) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return errors.New("not connected")
	}

	pingCtx, cancelPing := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pingLoop(pingCtx, conn)
	}()

	defer func() {
		cancelPing()
		wg.Wait()
		c.Close()
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Info().Msg("Upstream stream closed by server")
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		c.handleFrame(data)
	}
}

// pingLoop keeps the connection alive with periodic pings.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logging.Warn().Err(err).Msg("Upstream ping failed")
				return
			}
		}
	}
}

// handleFrame decodes a server message and routes it to the handler
// for its type. Unknown frame types are logged and skipped so protocol
// additions do not kill the read loop.
func (c *Client) handleFrame(data []byte) {
	var frame upstreamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		logging.Warn().Err(err).Msg("Unparsable upstream frame")
		return
	}

	switch frame.Type {
	case frameNewItem, frameBatchItem:
		if c.handlers.OnItem == nil || frame.Item == nil {
			return
		}
		ev := frame.Item
		ev.Replay = frame.Type == frameBatchItem
		c.handlers.OnItem(ev)

	case frameUnavailable:
		if c.handlers.OnUnavailable != nil && frame.ID != "" {
			c.handlers.OnUnavailable(&models.UnavailableEvent{ID: frame.ID})
		}

	case framePriceUpdate:
		if c.handlers.OnPriceUpdate != nil && frame.ID != "" {
			c.handlers.OnPriceUpdate(&models.PriceUpdateEvent{
				ID:     frame.ID,
				ETVMin: frame.ETVMin,
				ETVMax: frame.ETVMax,
			})
		}

	case frameEndOfBatch:
		if c.handlers.OnEndOfBatch != nil {
			c.handlers.OnEndOfBatch()
		}

	default:
		logging.Debug().Str("type", frame.Type).Msg("Unknown upstream frame type")
	}
}

// RequestReplay asks the server to resend its latest count items. The
// response arrives as batch_item frames terminated by end_of_batch.
func (c *Client) RequestReplay(count int) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return errors.New("not connected")
	}

	payload, err := json.Marshal(replayRequest{Action: replayAction, Count: count})
	if err != nil {
		return fmt.Errorf("marshal replay request: %w", err)
	}

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write replay request: %w", err)
	}
	return nil
}

// Close tears down the connection. Safe to call concurrently and when
// not connected.
func (c *Client) Close() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return
	}

	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = c.conn.Close()
	c.conn = nil
}
