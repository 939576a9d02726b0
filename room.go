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

// Package lksdk implements the client-side control plane of a LiveKit room:
// a signaling client, a publisher/subscriber PCTransport pair, the engine
// that brokers between them, and this file's Room, the package's public
// surface.
package lksdk

import (
	"context"
	"fmt"
	"time"

	"github.com/livekit/protocol/livekit"
	"go.uber.org/atomic"
)

// ParticipantInfo is the idiomatic view of livekit.ParticipantInfo handed to
// RoomCallbacks.OnParticipantInfo.
type ParticipantInfo struct {
	SID      string
	Identity string
	Name     string
	Metadata string
}

func participantInfoFromProto(p *livekit.ParticipantInfo) ParticipantInfo {
	return ParticipantInfo{SID: p.Sid, Identity: p.Identity, Name: p.Name, Metadata: p.Metadata}
}

// RoomInfo is the idiomatic view of livekit.Room handed to
// RoomCallbacks.OnRoomInfo.
type RoomInfo struct {
	SID             string
	Name            string
	NumParticipants uint32
}

func roomInfoFromProto(r *livekit.Room) RoomInfo {
	return RoomInfo{SID: r.Sid, Name: r.Name, NumParticipants: r.NumParticipants}
}

// RoomCallbacks collects every event a Room reports. All fields are
// optional; a nil callback is simply not invoked.
type RoomCallbacks struct {
	OnStateChanged    func(ConnectionState)
	OnRoomInfo        func(RoomInfo)
	OnParticipantInfo func(local bool, info ParticipantInfo)
	OnDataReceived    func(identity string, packet *UserDataPacket)
	OnRPCResult       func(requestID string, payload string, rpcErr *RpcError)
}

// RoomOptions configures a Room at creation. Validation happens in
// NewRoom, matching livekit_room_create's synchronous, I/O-free contract
// (spec.md §3 Lifecycle: "create must not perform I/O").
type RoomOptions struct {
	Publish    PublishOptions
	Subscribe  SubscribeOptions
	ForceRelay bool
	Callbacks  RoomCallbacks
}

func (o RoomOptions) validate() error {
	if o.Publish.Kind&MediaTypeAudio != 0 {
		if o.Publish.Capturer == nil {
			return newError(ErrInvalidArg, "room.options", fmt.Errorf("publish audio requested without an AudioCapturer"))
		}
		if o.Publish.AudioEncode.Codec == AudioCodecNone {
			return newError(ErrInvalidArg, "room.options", fmt.Errorf("publish audio requested without a codec"))
		}
	}
	if o.Publish.Kind&MediaTypeVideo != 0 {
		if o.Publish.VideoCap == nil {
			return newError(ErrInvalidArg, "room.options", fmt.Errorf("publish video requested without a VideoCapturer"))
		}
		if o.Publish.VideoEncode.Codec == VideoCodecNone {
			return newError(ErrInvalidArg, "room.options", fmt.Errorf("publish video requested without a codec"))
		}
		if o.Publish.VideoEncode.Codec == VideoCodecMJPEG {
			return newError(ErrInvalidArg, "room.options", fmt.Errorf("MJPEG is not publishable over RTP"))
		}
	}
	if o.Subscribe.Kind != MediaTypeNone && o.Subscribe.Renderer == nil {
		return newError(ErrInvalidArg, "room.options", fmt.Errorf("subscribe.kind set but no renderer supplied"))
	}
	return nil
}

// Room is the public façade over RTCEngine: it validates options once at
// creation, maps engine-level callbacks onto RoomCallbacks with idiomatic
// types, and exposes PublishData/RPC registration. It holds no protocol
// logic of its own; every operation delegates to the engine.
type Room struct {
	engine *RTCEngine
	cb     RoomCallbacks
	pub    PublishOptions
	sub    SubscribeOptions

	closed atomic.Bool
}

// NewRoom validates opts and wires the engine's callbacks. It performs no
// I/O; Connect is what opens the signaling WebSocket.
func NewRoom(opts RoomOptions) (*Room, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	r := &Room{
		engine: newRTCEngine(opts.ForceRelay),
		cb:     opts.Callbacks,
		pub:    opts.Publish,
		sub:    opts.Subscribe,
	}

	r.engine.OnStateChanged = func(s ConnectionState) {
		if r.cb.OnStateChanged != nil {
			r.cb.OnStateChanged(s)
		}
	}
	r.engine.OnRoomUpdate = func(room *livekit.Room) {
		if r.cb.OnRoomInfo != nil {
			r.cb.OnRoomInfo(roomInfoFromProto(room))
		}
	}
	r.engine.OnParticipantUpdate = r.handleParticipantUpdate
	r.engine.OnDataPacket = func(identity string, packet DataPacket) {
		if up, ok := packet.(*UserDataPacket); ok && r.cb.OnDataReceived != nil {
			r.cb.OnDataReceived(identity, up)
		}
	}
	r.engine.OnRPCResult = func(requestID, payload string, rpcErr *RpcError) {
		if r.cb.OnRPCResult != nil {
			r.cb.OnRPCResult(requestID, payload, rpcErr)
		}
	}

	return r, nil
}

// handleParticipantUpdate maps the engine's batched ParticipantInfo list
// onto one OnParticipantInfo call per entry, always announcing the local
// participant (if present in this batch) before any remote one — the order
// testable property 5 requires.
func (r *Room) handleParticipantUpdate(participants []*livekit.ParticipantInfo) {
	if r.cb.OnParticipantInfo == nil {
		return
	}
	localSID := r.engine.LocalParticipantSID()

	var local *livekit.ParticipantInfo
	var remote []*livekit.ParticipantInfo
	for _, p := range participants {
		if p.Sid == localSID {
			local = p
		} else {
			remote = append(remote, p)
		}
	}
	if local != nil {
		r.cb.OnParticipantInfo(true, participantInfoFromProto(local))
	}
	for _, p := range remote {
		r.cb.OnParticipantInfo(false, participantInfoFromProto(p))
	}
}

// Connect opens the signaling WebSocket and drives the join/offer/answer
// sequence through to a Connected aggregate state (or returns the error that
// prevented it). It returns once the JoinResponse has been processed; full
// peer connectivity completes asynchronously and is reported through
// OnStateChanged.
func (r *Room) Connect(ctx context.Context, serverURL, token string) error {
	if r.engine.State() != ConnectionStateDisconnected {
		return ErrAlreadyConnecting
	}
	return r.engine.JoinContext(ctx, serverURL, token, r.pub, r.sub)
}

// Close tears down the room: stops publishing, disconnects both peers,
// sends Leave, and closes the signaling socket. Safe to call more than once.
func (r *Room) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.engine.Close()
}

// State returns the room's current aggregate ConnectionState.
func (r *Room) State() ConnectionState {
	return r.engine.State()
}

// PublishData sends payload as a UserDataPacket over the lossy or reliable
// channel, addressed to destinationIdentities (or broadcast to the whole
// room when empty).
func (r *Room) PublishData(payload []byte, topic string, destinationIdentities []string, lossy bool) error {
	kind := DataPacketKindReliable
	if lossy {
		kind = DataPacketKindLossy
	}
	return r.engine.PublishData(payload, topic, destinationIdentities, kind)
}

// PerformRPC invokes method on destinationIdentity's registered handler and
// blocks for the result, subject to timeout.
func (r *Room) PerformRPC(ctx context.Context, destinationIdentity, method, payload string, timeout time.Duration) (string, error) {
	return r.engine.PerformRPC(ctx, destinationIdentity, method, payload, timeout)
}

// RegisterRPCMethod installs h as the handler for method. Incoming
// RpcRequests for method are answered by h; any previous handler for the
// same method is replaced. The handler table is created by Connect when it
// processes the Join: a call made before Connect has no effect, and each
// Connect starts with an empty table.
func (r *Room) RegisterRPCMethod(method string, h RPCHandler) {
	r.engine.RegisterRPCMethod(method, h)
}

// UnregisterRPCMethod removes the handler for method, if any.
func (r *Room) UnregisterRPCMethod(method string) {
	r.engine.UnregisterRPCMethod(method)
}
