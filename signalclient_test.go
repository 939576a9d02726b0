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
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/livekit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func TestDispatchRoutesAnswer(t *testing.T) {
	c := newSignalClient()
	var got *livekit.SessionDescription
	c.OnAnswer = func(sd *livekit.SessionDescription) { got = sd }

	c.dispatch(&livekit.SignalResponse{Message: &livekit.SignalResponse_Answer{
		Answer: &livekit.SessionDescription{Type: "answer", Sdp: "v=0"},
	}})

	require.NotNil(t, got)
	assert.Equal(t, "answer", got.Type)
	assert.Equal(t, "v=0", got.Sdp)
}

func TestDispatchRoutesTrickleWithTarget(t *testing.T) {
	c := newSignalClient()
	var gotInit string
	var gotTarget livekit.SignalTarget
	c.OnTrickle = func(init string, target livekit.SignalTarget) {
		gotInit = init
		gotTarget = target
	}

	c.dispatch(&livekit.SignalResponse{Message: &livekit.SignalResponse_Trickle{
		Trickle: &livekit.TrickleRequest{
			CandidateInit: `{"candidate":"candidate:1 1 udp 1 1.2.3.4 5 typ host"}`,
			Target:        livekit.SignalTarget_SUBSCRIBER,
		},
	}})

	assert.Contains(t, gotInit, "typ host")
	assert.Equal(t, livekit.SignalTarget_SUBSCRIBER, gotTarget)
}

func TestDispatchRoutesLeaveAndTokenRefresh(t *testing.T) {
	c := newSignalClient()
	var leaveReason livekit.DisconnectReason
	var refreshed string
	c.OnLeave = func(req *livekit.LeaveRequest) { leaveReason = req.Reason }
	c.OnTokenRefresh = func(token string) { refreshed = token }

	c.dispatch(&livekit.SignalResponse{Message: &livekit.SignalResponse_Leave{
		Leave: &livekit.LeaveRequest{Reason: livekit.DisconnectReason_SERVER_SHUTDOWN},
	}})
	c.dispatch(&livekit.SignalResponse{Message: &livekit.SignalResponse_RefreshToken{
		RefreshToken: "tok2",
	}})

	assert.Equal(t, livekit.DisconnectReason_SERVER_SHUTDOWN, leaveReason)
	assert.Equal(t, "tok2", refreshed)

	// Leave must stop the keepalive: the ping loop's stop channel is closed.
	select {
	case <-c.pingStop:
	default:
		t.Fatal("ping loop was not stopped by Leave")
	}
}

func TestDispatchIgnoresUnhandledKinds(t *testing.T) {
	c := newSignalClient()
	// No callbacks wired at all; every branch must tolerate that.
	c.dispatch(&livekit.SignalResponse{Message: &livekit.SignalResponse_SpeakersChanged{
		SpeakersChanged: &livekit.SpeakersChanged{},
	}})
	c.dispatch(&livekit.SignalResponse{Message: &livekit.SignalResponse_Mute{
		Mute: &livekit.MuteTrackRequest{},
	}})
}

func TestHandlePongUpdatesRTT(t *testing.T) {
	c := newSignalClient()
	sentAt := time.Now().Add(-40 * time.Millisecond).UnixMilli()
	c.handlePong(sentAt)
	assert.GreaterOrEqual(t, c.RTT(), 40*time.Millisecond)
	assert.Less(t, c.RTT(), 5*time.Second)
	assert.False(t, c.lastPongRecv.IsZero())
}

func TestSendRequestWithoutConnection(t *testing.T) {
	c := newSignalClient()
	err := c.SendOffer(&livekit.SessionDescription{Type: "offer", Sdp: "v=0"})
	assert.ErrorIs(t, err, ErrNoPeerConnection)
}

func TestJoinContextRejectsInvalidURL(t *testing.T) {
	c := newSignalClient()
	_, err := c.JoinContext(context.Background(), "http://example.com", "tok")
	var lkErr *Error
	require.True(t, errors.As(err, &lkErr))
	assert.Equal(t, ErrInvalidURL, lkErr.Kind)
}

// signalTestServer upgrades one WebSocket connection and sends the supplied
// JoinResponse as the first frame, then hands the connection to fn.
func signalTestServer(t *testing.T, join *livekit.JoinResponse, fn func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		data, err := proto.Marshal(&livekit.SignalResponse{
			Message: &livekit.SignalResponse_Join{Join: join},
		})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data))

		if fn != nil {
			fn(conn)
		}
	}))
}

func TestJoinContextReceivesJoinResponse(t *testing.T) {
	join := &livekit.JoinResponse{
		Room:         &livekit.Room{Sid: "RM_test", Name: "test"},
		Participant:  &livekit.ParticipantInfo{Sid: "PA_local", Identity: "me"},
		PingInterval: 30,
		PingTimeout:  60,
	}
	done := make(chan struct{})
	srv := signalTestServer(t, join, func(conn *websocket.Conn) {
		<-done
	})
	defer srv.Close()
	defer close(done)

	c := newSignalClient()
	wsURL := strings.Replace(srv.URL, "http://", "ws://", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := c.JoinContext(ctx, wsURL, "tok")
	require.NoError(t, err)
	assert.Equal(t, "RM_test", got.Room.Sid)
	assert.Equal(t, "PA_local", got.Participant.Sid)
	assert.Equal(t, 30*time.Second, c.pingInterval)
	assert.Equal(t, 60*time.Second, c.pingTimeout)
	assert.True(t, c.IsStarted())

	require.NoError(t, c.Close())
}

func TestJoinContextDispatchesAfterJoin(t *testing.T) {
	join := &livekit.JoinResponse{Participant: &livekit.ParticipantInfo{Sid: "PA_local"}}
	done := make(chan struct{})
	srv := signalTestServer(t, join, func(conn *websocket.Conn) {
		data, err := proto.Marshal(&livekit.SignalResponse{
			Message: &livekit.SignalResponse_Answer{
				Answer: &livekit.SessionDescription{Type: "answer", Sdp: "v=0"},
			},
		})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data))
		<-done
	})
	defer srv.Close()
	defer close(done)

	c := newSignalClient()
	answerCh := make(chan *livekit.SessionDescription, 1)
	c.OnAnswer = func(sd *livekit.SessionDescription) { answerCh <- sd }

	wsURL := strings.Replace(srv.URL, "http://", "ws://", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.JoinContext(ctx, wsURL, "tok")
	require.NoError(t, err)
	defer c.Close()

	select {
	case sd := <-answerCh:
		assert.Equal(t, "v=0", sd.Sdp)
	case <-time.After(5 * time.Second):
		t.Fatal("answer was not dispatched")
	}
}

func TestPingLoopSendsPingWithRTT(t *testing.T) {
	join := &livekit.JoinResponse{PingInterval: 1, PingTimeout: 20}
	reqCh := make(chan *livekit.SignalRequest, 4)
	srv := signalTestServer(t, join, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			req := &livekit.SignalRequest{}
			if err := proto.Unmarshal(data, req); err != nil {
				continue
			}
			reqCh <- req
		}
	})
	defer srv.Close()

	c := newSignalClient()
	wsURL := strings.Replace(srv.URL, "http://", "ws://", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.JoinContext(ctx, wsURL, "tok")
	require.NoError(t, err)
	defer c.Close()

	deadline := time.After(4 * time.Second)
	var sawPing, sawPingReq bool
	for !(sawPing && sawPingReq) {
		select {
		case req := <-reqCh:
			switch m := req.Message.(type) {
			case *livekit.SignalRequest_Ping:
				assert.Greater(t, m.Ping, int64(0))
				sawPing = true
			case *livekit.SignalRequest_PingReq:
				assert.Greater(t, m.PingReq.Timestamp, int64(0))
				sawPingReq = true
			}
		case <-deadline:
			t.Fatal("no ping observed within the ping interval")
		}
	}
}

func TestSendLeaveCarriesReasonAndAction(t *testing.T) {
	join := &livekit.JoinResponse{}
	reqCh := make(chan *livekit.SignalRequest, 1)
	srv := signalTestServer(t, join, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		req := &livekit.SignalRequest{}
		if err := proto.Unmarshal(data, req); err != nil {
			return
		}
		reqCh <- req
	})
	defer srv.Close()

	c := newSignalClient()
	wsURL := strings.Replace(srv.URL, "http://", "ws://", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.JoinContext(ctx, wsURL, "tok")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SendLeave())

	select {
	case req := <-reqCh:
		leave, ok := req.Message.(*livekit.SignalRequest_Leave)
		require.True(t, ok)
		assert.Equal(t, livekit.DisconnectReason_CLIENT_INITIATED, leave.Leave.Reason)
		assert.Equal(t, livekit.LeaveRequest_DISCONNECT, leave.Leave.Action)
	case <-time.After(5 * time.Second):
		t.Fatal("leave request never arrived")
	}
}
