// Copyright 2023 LiveKit, Inc.
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

package lksdk

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"
	"go.uber.org/atomic"
	"google.golang.org/protobuf/proto"
)

// signalClient owns the signaling WebSocket connection. It is the Go
// counterpart of signaling.c: a thin request encoder/sender plus a read
// loop that decodes SignalResponse frames and dispatches them to the
// callbacks the engine installs before JoinContext.
type signalClient struct {
	conn   *websocket.Conn
	connMu sync.Mutex

	started atomic.Bool
	closed  atomic.Bool

	pingInterval time.Duration
	pingTimeout  time.Duration
	lastPingSent time.Time
	lastPongRecv time.Time
	rtt          atomic.Int64 // milliseconds
	pingStop     chan struct{}
	pingStopOnce sync.Once

	// Callbacks, invoked from the read-loop goroutine, except OnClose, which
	// runs on whichever goroutine ends the session (the read loop or the pong
	// watchdog). OnJoin is never invoked: JoinContext returns the
	// JoinResponse instead. The engine sets these before calling JoinContext
	// and never mutates them afterward.
	OnJoin          func(*livekit.JoinResponse)
	OnAnswer        func(*livekit.SessionDescription)
	OnOffer         func(*livekit.SessionDescription)
	OnTrickle       func(candidateInit string, target livekit.SignalTarget)
	OnParticipantUpdate func([]*livekit.ParticipantInfo)
	OnLocalTrackPublished func(*livekit.TrackPublishedResponse)
	OnRoomUpdate    func(*livekit.Room)
	OnConnectionQuality func([]*livekit.ConnectionQualityInfo)
	OnLeave         func(*livekit.LeaveRequest)
	OnTokenRefresh  func(refreshToken string)
	OnClose         func(reason error)

	writeMu sync.Mutex
}

func newSignalClient() *signalClient {
	return &signalClient{
		pingStop: make(chan struct{}),
	}
}

// JoinContext dials the signaling WebSocket and blocks until the JoinResponse
// arrives or ctx is cancelled. On success, the read loop keeps running in the
// background until Close is called or the socket drops.
func (c *signalClient) JoinContext(ctx context.Context, serverURL, token string) (*livekit.JoinResponse, error) {
	wsURL, err := buildSignalURL(serverURL, token)
	if err != nil {
		return nil, err
	}
	logger.Infow("connecting to signaling server", "url", redactSignalURL(wsURL))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, newError(ErrWebSocket, "signal.connect", err)
	}
	c.conn = conn
	c.started.Store(true)

	joinCh := make(chan *livekit.JoinResponse, 1)
	errCh := make(chan error, 1)

	go c.readLoop(joinCh, errCh)

	select {
	case join := <-joinCh:
		c.pingInterval = time.Duration(join.PingInterval) * time.Second
		c.pingTimeout = time.Duration(join.PingTimeout) * time.Second
		c.lastPongRecv = time.Now()
		if c.pingInterval > 0 {
			go c.pingLoop()
		}
		return join, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	}
}

// readLoop decodes one length-delimited-by-websocket-frame SignalResponse at
// a time (per §4.1, each WS binary frame carries exactly one protobuf
// message; there is no additional length prefix inside the frame). The first
// JoinResponse is routed to joinCh/errCh; everything after is dispatched to
// callbacks.
func (c *signalClient) readLoop(joinCh chan<- *livekit.JoinResponse, errCh chan<- error) {
	joined := false
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !joined {
				errCh <- newError(ErrWebSocket, "signal.read", err)
			}
			c.teardown(err)
			return
		}

		res := &livekit.SignalResponse{}
		if err := proto.Unmarshal(data, res); err != nil {
			logger.Errorw("failed to unmarshal signal response", err)
			continue
		}

		if !joined {
			join, ok := res.Message.(*livekit.SignalResponse_Join)
			if !ok {
				continue
			}
			joined = true
			joinCh <- join.Join
			continue
		}

		c.dispatch(res)
	}
}

func (c *signalClient) dispatch(res *livekit.SignalResponse) {
	switch m := res.Message.(type) {
	case *livekit.SignalResponse_Answer:
		if c.OnAnswer != nil {
			c.OnAnswer(m.Answer)
		}
	case *livekit.SignalResponse_Offer:
		if c.OnOffer != nil {
			c.OnOffer(m.Offer)
		}
	case *livekit.SignalResponse_Trickle:
		if c.OnTrickle != nil {
			c.OnTrickle(m.Trickle.CandidateInit, m.Trickle.Target)
		}
	case *livekit.SignalResponse_Update:
		if c.OnParticipantUpdate != nil {
			c.OnParticipantUpdate(m.Update.Participants)
		}
	case *livekit.SignalResponse_TrackPublished:
		if c.OnLocalTrackPublished != nil {
			c.OnLocalTrackPublished(m.TrackPublished)
		}
	case *livekit.SignalResponse_RoomUpdate:
		if c.OnRoomUpdate != nil {
			c.OnRoomUpdate(m.RoomUpdate.Room)
		}
	case *livekit.SignalResponse_ConnectionQuality:
		if c.OnConnectionQuality != nil {
			c.OnConnectionQuality(m.ConnectionQuality.Updates)
		}
	case *livekit.SignalResponse_Leave:
		// Pinging is only active between Join and Leave.
		c.stopPing()
		if c.OnLeave != nil {
			c.OnLeave(m.Leave)
		}
	case *livekit.SignalResponse_RefreshToken:
		if c.OnTokenRefresh != nil {
			c.OnTokenRefresh(m.RefreshToken)
		}
	case *livekit.SignalResponse_Pong:
		c.handlePong(m.Pong)
	case *livekit.SignalResponse_PongResp:
		c.handlePong(m.PongResp.LastPingTimestamp)
	default:
		// Unhandled response kinds (streams, subscription permissions,
		// request_response acks) are outside this client's scope.
	}
}

func (c *signalClient) handlePong(lastPingTimestampMs int64) {
	now := time.Now()
	c.lastPongRecv = now
	if lastPingTimestampMs > 0 {
		c.rtt.Store(now.UnixMilli() - lastPingTimestampMs)
	}
}

// stopPing halts the keepalive loop. Safe to call from both the Leave
// dispatch path and teardown, whichever runs first.
func (c *signalClient) stopPing() {
	c.pingStopOnce.Do(func() { close(c.pingStop) })
}

func (c *signalClient) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			if c.pingTimeout > 0 && !c.lastPongRecv.IsZero() && now.Sub(c.lastPongRecv) > c.pingTimeout {
				c.teardown(newError(ErrWebSocket, "signal.ping", fmt.Errorf("pong watchdog timed out")))
				return
			}
			c.lastPingSent = now
			// Both forms are sent: the bare timestamp for older servers and
			// the Ping message carrying the last measured rtt.
			_ = c.sendRequest(&livekit.SignalRequest{
				Message: &livekit.SignalRequest_Ping{Ping: now.UnixMilli()},
			})
			_ = c.sendRequest(&livekit.SignalRequest{
				Message: &livekit.SignalRequest_PingReq{PingReq: &livekit.Ping{
					Timestamp: now.UnixMilli(),
					Rtt:       c.rtt.Load(),
				}},
			})
		case <-c.pingStop:
			return
		}
	}
}

// teardown runs exactly once, whichever of the read loop or the pong
// watchdog observes the end of the session first (Close only closes the
// conn; the read loop then observes the error and calls teardown). Closing
// the conn here unblocks the read loop; stopPing ends the ping loop.
func (c *signalClient) teardown(reason error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.stopPing()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	if c.OnClose != nil {
		c.OnClose(reason)
	}
}

// sendRequest marshals req and writes it as a single binary WS frame. There
// is no retry on failure, matching signaling.c's send_request: the caller
// observes the error and the engine decides how to react.
func (c *signalClient) sendRequest(req *livekit.SignalRequest) error {
	data, err := proto.Marshal(req)
	if err != nil {
		return newError(ErrMessage, "signal.send", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNoPeerConnection
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return newError(ErrWebSocket, "signal.send", err)
	}
	return nil
}

func (c *signalClient) SendOffer(offer *livekit.SessionDescription) error {
	return c.sendRequest(&livekit.SignalRequest{Message: &livekit.SignalRequest_Offer{Offer: offer}})
}

func (c *signalClient) SendAnswer(answer *livekit.SessionDescription) error {
	return c.sendRequest(&livekit.SignalRequest{Message: &livekit.SignalRequest_Answer{Answer: answer}})
}

func (c *signalClient) SendICECandidate(candidate string, target livekit.SignalTarget) error {
	init := struct {
		Candidate string `json:"candidate"`
	}{Candidate: candidate}
	b, err := json.Marshal(init)
	if err != nil {
		return newError(ErrMessage, "signal.trickle", err)
	}
	return c.sendRequest(&livekit.SignalRequest{Message: &livekit.SignalRequest_Trickle{
		Trickle: &livekit.TrickleRequest{CandidateInit: string(b), Target: target},
	}})
}

func (c *signalClient) SendAddTrack(req *livekit.AddTrackRequest) error {
	return c.sendRequest(&livekit.SignalRequest{Message: &livekit.SignalRequest_AddTrack{AddTrack: req}})
}

func (c *signalClient) SendUpdateSubscription(sub *livekit.UpdateSubscription) error {
	return c.sendRequest(&livekit.SignalRequest{Message: &livekit.SignalRequest_Subscription{Subscription: sub}})
}

func (c *signalClient) SendLeave() error {
	return c.sendRequest(&livekit.SignalRequest{Message: &livekit.SignalRequest_Leave{
		Leave: &livekit.LeaveRequest{
			Reason: livekit.DisconnectReason_CLIENT_INITIATED,
			Action: livekit.LeaveRequest_DISCONNECT,
		},
	}})
}

func (c *signalClient) IsStarted() bool {
	return c.started.Load() && !c.closed.Load()
}

func (c *signalClient) RTT() time.Duration {
	return time.Duration(c.rtt.Load()) * time.Millisecond
}

// Close shuts down the write side immediately; the read loop observes the
// resulting error and runs teardown exactly once.
func (c *signalClient) Close() error {
	if c.conn == nil {
		return nil
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}
