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
	"fmt"
	"sync"

	"github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v4"
)

// streamIDInvalid is the sentinel the ESP32 source uses for "no data
// channel stream id assigned yet". Go's data channel API hands back a
// *webrtc.DataChannel rather than a raw SCTP stream id; the "both channels
// open" gating uses the reliableOpen/lossyOpen flags, and this constant is
// not used by pcTransport itself.
const streamIDInvalid = 0xFFFF

// pcRole distinguishes the publisher (send-only, ICE-controlling) from the
// subscriber (recv-only, ICE-controlled) side of the engine, mirroring
// peer.c's role-masked media direction and ICE role assignment.
type pcRole int

const (
	pcRolePublisher pcRole = iota
	pcRoleSubscriber
)

// pcTransport wraps a single pion PeerConnection plus (for the publisher)
// its two outbound data channels. It owns the Pairing/Connecting/
// Connected/Disconnected/Failed state mapping that peer.c's on_state
// table describes, collapsed onto pion's native callbacks instead of a
// polling dispatch task: there is no FreeRTOS task to pause/resume here, so
// the mechanism is dropped while the state machine it drove is kept as-is.
type pcTransport struct {
	role pcRole
	pc   *webrtc.PeerConnection

	mu               sync.Mutex
	reliableDC       *webrtc.DataChannel
	lossyDC          *webrtc.DataChannel
	reliableOpen     bool
	lossyOpen        bool
	closed           bool

	OnStateChange    func(ConnectionState)
	OnICECandidate   func(candidate string)
	OnOffer          func(sdp webrtc.SessionDescription)
	OnDataPacket     func(raw []byte, kind DataPacketKind)
	OnRemoteTrack    func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func newPCTransport(role pcRole, cfg webrtc.Configuration) (*pcTransport, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, newError(ErrRTC, "pc.mediaengine", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))

	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, newError(ErrRTC, "pc.new", err)
	}

	t := &pcTransport{role: role, pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || t.OnICECandidate == nil {
			return
		}
		t.OnICECandidate(c.ToJSON().Candidate)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.handlePeerConnectionState(s)
	})

	if role == pcRolePublisher {
		pc.OnNegotiationNeeded(func() {
			t.createAndSendOffer()
		})
	} else {
		pc.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
			if t.OnRemoteTrack != nil {
				t.OnRemoteTrack(track, recv)
			}
		})
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			t.wireDataChannel(dc)
		})
	}

	return t, nil
}

// createDataChannels is called once the publisher's PeerConnection reaches
// Connected, per peer.c's create_data_channels: "_reliable" is ordered with
// unlimited retransmits, "_lossy" is unordered with zero retransmits (best
// effort only, matching DataPacket's LOSSY kind).
func (t *pcTransport) createDataChannels() error {
	ordered := true
	maxRetransmits := uint16(0)

	reliable, err := t.pc.CreateDataChannel("_reliable", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return newError(ErrRTC, "pc.datachannel", err)
	}
	unordered := false
	lossy, err := t.pc.CreateDataChannel("_lossy", &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		return newError(ErrRTC, "pc.datachannel", err)
	}

	t.mu.Lock()
	t.reliableDC = reliable
	t.lossyDC = lossy
	t.mu.Unlock()

	t.wireDataChannel(reliable)
	t.wireDataChannel(lossy)
	return nil
}

// wireDataChannel registers Open/Close/Message handlers and tracks the
// open/closed bookkeeping the streamIDInvalid sentinel models in the
// original source. Connected is reported once both channels have opened;
// for the publisher this is the only place Connected is reported (the
// subscriber already reports it when its PeerConnection connects).
func (t *pcTransport) wireDataChannel(dc *webrtc.DataChannel) {
	label := dc.Label()
	dc.OnOpen(func() {
		t.mu.Lock()
		switch label {
		case "_reliable":
			t.reliableOpen = true
			t.reliableDC = dc
		case "_lossy":
			t.lossyOpen = true
			t.lossyDC = dc
		}
		bothOpen := t.reliableOpen && t.lossyOpen
		t.mu.Unlock()
		if bothOpen && t.OnStateChange != nil {
			t.OnStateChange(ConnectionStateConnected)
		}
	})
	dc.OnClose(func() {
		t.mu.Lock()
		switch label {
		case "_reliable":
			t.reliableOpen = false
		case "_lossy":
			t.lossyOpen = false
		}
		t.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if t.OnDataPacket == nil {
			return
		}
		kind := DataPacketKindLossy
		if label == "_reliable" {
			kind = DataPacketKindReliable
		}
		t.OnDataPacket(msg.Data, kind)
	})
}

func (t *pcTransport) handlePeerConnectionState(s webrtc.PeerConnectionState) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}

	var mapped ConnectionState
	switch s {
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		mapped = ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		if t.role == pcRolePublisher {
			if err := t.createDataChannels(); err != nil {
				logger.Errorw("failed to create data channels", err)
				if t.OnStateChange != nil {
					t.OnStateChange(ConnectionStateFailed)
				}
				return
			}
			// Connected is reported once both data channels open; see
			// wireDataChannel.
			return
		}
		// The subscriber creates no data channels, so it reports Connected
		// as soon as its PeerConnection does.
		mapped = ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		mapped = ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		mapped = ConnectionStateFailed
	default:
		return
	}
	if t.OnStateChange != nil {
		t.OnStateChange(mapped)
	}
}

func (t *pcTransport) createAndSendOffer() {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		logger.Errorw("failed to create offer", err)
		return
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		logger.Errorw("failed to set local description", err)
		return
	}
	if t.OnOffer != nil {
		t.OnOffer(offer)
	}
}

func (t *pcTransport) SetRemoteDescription(sd webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(sd); err != nil {
		return newError(ErrRTC, "pc.setremote", err)
	}
	if sd.Type == webrtc.SDPTypeOffer {
		answer, err := t.pc.CreateAnswer(nil)
		if err != nil {
			return newError(ErrRTC, "pc.createanswer", err)
		}
		if err := t.pc.SetLocalDescription(answer); err != nil {
			return newError(ErrRTC, "pc.setlocal", err)
		}
	}
	return nil
}

func (t *pcTransport) LocalDescription() *webrtc.SessionDescription {
	return t.pc.LocalDescription()
}

func (t *pcTransport) AddICECandidate(candidate string) error {
	if candidate == "" {
		return nil
	}
	if err := t.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate}); err != nil {
		return newError(ErrRTC, "pc.addcandidate", err)
	}
	return nil
}

func (t *pcTransport) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	if t.role != pcRolePublisher {
		return nil, newError(ErrInvalidState, "pc.addtrack", fmt.Errorf("only the publisher transport accepts tracks"))
	}
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, newError(ErrRTC, "pc.addtrack", err)
	}
	return sender, nil
}

// send writes raw bytes to the named data channel, returning ErrChannelNotOpen
// if it has not opened yet.
func (t *pcTransport) send(kind DataPacketKind, data []byte) error {
	t.mu.Lock()
	var dc *webrtc.DataChannel
	var open bool
	if kind == DataPacketKindReliable {
		dc, open = t.reliableDC, t.reliableOpen
	} else {
		dc, open = t.lossyDC, t.lossyOpen
	}
	t.mu.Unlock()

	if dc == nil || !open {
		return ErrChannelNotOpen
	}
	if err := dc.Send(data); err != nil {
		return newError(ErrRTC, "pc.send", err)
	}
	return nil
}

// Close tears the PeerConnection down. pion's Close blocks until its own
// internal goroutines have unwound, which stands in for the explicit
// Exit-bit wait peer_disconnect performs in the original source.
func (t *pcTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if err := t.pc.Close(); err != nil {
		return newError(ErrRTC, "pc.close", err)
	}
	return nil
}
