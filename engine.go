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
	"fmt"
	"sync"
	"time"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v4"
	"go.uber.org/atomic"
	"google.golang.org/protobuf/proto"
)

const (
	leaveFlushTimeout  = 250 * time.Millisecond
	mediaFrameInterval = 20 * time.Millisecond
)

// RTCEngine owns the signaling client and the publisher/subscriber
// PCTransport pair, and derives the single aggregate ConnectionState the
// room reports. It is the direct counterpart of engine.c: recalculate_state,
// the publish media loop, and AddTrack population all live here.
type RTCEngine struct {
	signal     *signalClient
	publisher  *pcTransport
	subscriber *pcTransport

	media      mediaOptions
	forceRelay bool

	mu             sync.Mutex
	sigState       ConnectionState
	pubState       ConnectionState
	subState       ConnectionState
	aggregateState ConnectionState
	closed         bool

	localParticipantSID string
	subscriberPrimary   bool
	subAudioTrackSID    string // first remote audio track subscribed to; empty until then
	audioTrackSender    *webrtc.TrackLocalStaticSample
	videoTrackSender    *webrtc.TrackLocalStaticSample

	rpc *rpcManager

	publishing atomic.Bool
	stopMedia  chan struct{}
	mediaWG    sync.WaitGroup

	// refreshedToken holds the credential from the most recent RefreshToken
	// message; a subsequent Connect uses it in place of the original token.
	refreshedToken atomic.String

	OnStateChanged      func(ConnectionState)
	OnRoomUpdate        func(*livekit.Room)
	OnParticipantUpdate func([]*livekit.ParticipantInfo)
	OnDataPacket        func(identity string, packet DataPacket)
	OnConnectionQuality func([]*livekit.ConnectionQualityInfo)
	OnRPCResult         func(requestID, payload string, rpcErr *RpcError)
}

func newRTCEngine(forceRelay bool) *RTCEngine {
	return &RTCEngine{
		signal:     newSignalClient(),
		forceRelay: forceRelay,
		sigState:   ConnectionStateDisconnected,
		pubState:   ConnectionStateDisconnected,
		subState:   ConnectionStateDisconnected,
		stopMedia:  make(chan struct{}),
	}
}

// JoinContext connects signaling, creates the publisher/subscriber
// transports, and blocks until the JoinResponse has been processed. It
// refuses to proceed if the server reports a subscriber-primary room,
// matching engine.c's on_sig_join refusal (this client never negotiates
// offers originating from the subscriber side).
func (e *RTCEngine) JoinContext(ctx context.Context, serverURL, token string, pub PublishOptions, sub SubscribeOptions) error {
	e.media = newMediaOptions(pub, sub)
	e.setSigState(ConnectionStateConnecting)

	e.signal.OnAnswer = e.handleAnswer
	e.signal.OnOffer = e.handleOffer
	e.signal.OnTrickle = e.handleTrickle
	e.signal.OnParticipantUpdate = e.handleParticipantUpdate
	e.signal.OnRoomUpdate = func(r *livekit.Room) {
		if e.OnRoomUpdate != nil {
			e.OnRoomUpdate(r)
		}
	}
	e.signal.OnConnectionQuality = func(u []*livekit.ConnectionQualityInfo) {
		if e.OnConnectionQuality != nil {
			e.OnConnectionQuality(u)
		}
	}
	e.signal.OnLeave = e.handleServerLeave
	e.signal.OnClose = e.handleSignalClose
	e.signal.OnTokenRefresh = func(tok string) {
		e.refreshedToken.Store(tok)
	}

	if refreshed := e.refreshedToken.Load(); refreshed != "" {
		token = refreshed
	}
	join, err := e.signal.JoinContext(ctx, serverURL, token)
	if err != nil {
		e.setSigState(ConnectionStateFailed)
		return err
	}
	e.setSigState(ConnectionStateConnected)

	if join.SubscriberPrimary {
		return newError(ErrInvalidState, "engine.join", fmt.Errorf("subscriber-primary rooms are not supported"))
	}
	e.subscriberPrimary = join.SubscriberPrimary
	if join.Participant != nil {
		e.localParticipantSID = join.Participant.Sid
	}

	rtcConf := e.makeRTCConfiguration(join.IceServers)

	e.publisher, err = newPCTransport(pcRolePublisher, rtcConf)
	if err != nil {
		return err
	}
	e.publisher.OnStateChange = e.handlePublisherStateChange
	e.publisher.OnICECandidate = func(c string) {
		_ = e.signal.SendICECandidate(c, livekit.SignalTarget_PUBLISHER)
	}
	e.publisher.OnOffer = e.handleLocalOffer
	e.publisher.OnDataPacket = e.handleRawDataPacket

	e.subscriber, err = newPCTransport(pcRoleSubscriber, rtcConf)
	if err != nil {
		return err
	}
	e.subscriber.OnStateChange = e.setSubState
	e.subscriber.OnICECandidate = func(c string) {
		_ = e.signal.SendICECandidate(c, livekit.SignalTarget_SUBSCRIBER)
	}
	e.subscriber.OnRemoteTrack = e.handleRemoteTrack
	e.subscriber.OnDataPacket = e.handleRawDataPacket

	e.rpc = newRPCManager(e.publishDataPacket, func() string { return e.localParticipantSID })
	e.rpc.OnResult = func(requestID, payload string, rpcErr *RpcError) {
		if e.OnRPCResult != nil {
			e.OnRPCResult(requestID, payload, rpcErr)
		}
	}

	// on_room_info must be invoked exactly once, before any
	// on_participant_info, and the local participant's own info before any
	// remote participant's (testable property 5).
	if join.Room != nil && e.OnRoomUpdate != nil {
		e.OnRoomUpdate(join.Room)
	}
	if join.Participant != nil {
		e.handleParticipantUpdate([]*livekit.ParticipantInfo{join.Participant})
	}
	if len(join.OtherParticipants) > 0 {
		e.handleParticipantUpdate(join.OtherParticipants)
	}

	return nil
}

// LocalParticipantSID returns the SID the Join response assigned to this
// client's own participant, or "" before a successful Join.
func (e *RTCEngine) LocalParticipantSID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localParticipantSID
}

func (e *RTCEngine) makeRTCConfiguration(servers []*livekit.ICEServer) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	for _, s := range servers {
		// One entry per URL, even when a single server advertises several.
		for _, u := range s.Urls {
			ice := webrtc.ICEServer{URLs: []string{u}}
			if s.Username != "" {
				ice.Username = s.Username
				ice.Credential = s.Credential
			}
			cfg.ICEServers = append(cfg.ICEServers, ice)
		}
	}
	if e.forceRelay {
		cfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return cfg
}

// recalculateState derives the single aggregate ConnectionState from the
// signaling state and the two peer states, in the precedence order
// engine.c's recalculate_state enforces: Failed beats everything, then
// Reconnecting, then Connected (only once signaling and the publisher are
// both up), then Disconnected (only once all three are down), else
// Connecting.
func recalculateState(sig, pub, sub ConnectionState) ConnectionState {
	if sig == ConnectionStateFailed || pub == ConnectionStateFailed || sub == ConnectionStateFailed {
		return ConnectionStateFailed
	}
	if sig == ConnectionStateReconnecting || pub == ConnectionStateReconnecting || sub == ConnectionStateReconnecting {
		return ConnectionStateReconnecting
	}
	if sig == ConnectionStateConnected && pub == ConnectionStateConnected {
		return ConnectionStateConnected
	}
	if sig == ConnectionStateDisconnected && pub == ConnectionStateDisconnected && sub == ConnectionStateDisconnected {
		return ConnectionStateDisconnected
	}
	return ConnectionStateConnecting
}

func (e *RTCEngine) setSigState(s ConnectionState) { e.updateState(&e.sigState, s) }
func (e *RTCEngine) setPubState(s ConnectionState) { e.updateState(&e.pubState, s) }
func (e *RTCEngine) setSubState(s ConnectionState) { e.updateState(&e.subState, s) }

// handlePublisherStateChange forwards the publisher's mapped state and, the
// first time it reaches Connected, begins the publish pipeline: the engine
// only starts capture, launches the stream task, and sends AddTrack once
// the publisher transport itself is up (§4.4 "Publish pipeline").
func (e *RTCEngine) handlePublisherStateChange(s ConnectionState) {
	e.setPubState(s)
	if s != ConnectionStateConnected {
		return
	}
	if !e.media.audioSend && !e.media.videoSend {
		return
	}
	if err := e.startPublishing(); err != nil {
		logger.Errorw("failed to start publishing", err)
	}
}

// updateState applies an edge-triggered, deduplicated transition: the
// aggregate callback fires only when recalculateState actually changes the
// derived value, and always outside the lock.
func (e *RTCEngine) updateState(field *ConnectionState, s ConnectionState) {
	e.mu.Lock()
	*field = s
	next := recalculateState(e.sigState, e.pubState, e.subState)
	changed := next != e.aggregateState
	e.aggregateState = next
	e.mu.Unlock()

	if changed && e.OnStateChanged != nil {
		e.OnStateChanged(next)
	}
}

func (e *RTCEngine) State() ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aggregateState
}

func (e *RTCEngine) handleLocalOffer(sdp webrtc.SessionDescription) {
	_ = e.signal.SendOffer(&livekit.SessionDescription{Sdp: sdp.SDP, Type: sdp.Type.String()})
}

func (e *RTCEngine) handleAnswer(sd *livekit.SessionDescription) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.Type),
		SDP:  sd.Sdp,
	}); err != nil {
		logger.Errorw("failed to set publisher remote description", err)
	}
}

// handleOffer services a server-initiated offer for the subscriber peer (the
// only direction the subscriber peer ever negotiates, since it never gathers
// local tracks).
func (e *RTCEngine) handleOffer(sd *livekit.SessionDescription) {
	if e.subscriber == nil {
		return
	}
	if err := e.subscriber.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.Type),
		SDP:  sd.Sdp,
	}); err != nil {
		logger.Errorw("failed to set subscriber remote description", err)
		return
	}
	answer := e.subscriber.LocalDescription()
	if answer == nil {
		return
	}
	_ = e.signal.SendAnswer(&livekit.SessionDescription{Sdp: answer.SDP, Type: answer.Type.String()})
}

func (e *RTCEngine) handleTrickle(candidateInit string, target livekit.SignalTarget) {
	candidate, err := parseTrickleCandidate(candidateInit)
	if err != nil {
		logger.Errorw("failed to parse trickle candidate", err)
		return
	}
	if candidate == "" {
		return
	}
	var t *pcTransport
	if target == livekit.SignalTarget_PUBLISHER {
		t = e.publisher
	} else {
		t = e.subscriber
	}
	if t == nil {
		return
	}
	if err := t.AddICECandidate(candidate); err != nil {
		logger.Errorw("failed to add ice candidate", err)
	}
}

func (e *RTCEngine) handleParticipantUpdate(participants []*livekit.ParticipantInfo) {
	for _, p := range participants {
		if p.Sid == e.localParticipantSID {
			continue
		}
		e.subscribeFirstAudioTrack(p)
	}
	if e.OnParticipantUpdate != nil {
		e.OnParticipantUpdate(participants)
	}
}

// subscribeFirstAudioTrack implements the "only ever subscribe to the first
// remote audio track seen" policy from engine.c's subscribe_tracks: once
// subAudioTrackSID is set it is never replaced.
func (e *RTCEngine) subscribeFirstAudioTrack(p *livekit.ParticipantInfo) {
	e.mu.Lock()
	already := e.subAudioTrackSID != ""
	e.mu.Unlock()
	if already {
		return
	}
	for _, tr := range p.Tracks {
		if tr.Type != livekit.TrackType_AUDIO {
			continue
		}
		e.mu.Lock()
		e.subAudioTrackSID = tr.Sid
		e.mu.Unlock()
		_ = e.signal.SendUpdateSubscription(&livekit.UpdateSubscription{
			TrackSids: []string{tr.Sid},
			Subscribe: true,
		})
		return
	}
}

func (e *RTCEngine) handleRemoteTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	if e.media.renderer == nil {
		return
	}
	sampleRate, channels := decoderAudioInfo(e.media.audioCodec, track.Codec().ClockRate, uint32(track.Codec().Channels))
	if err := e.media.renderer.Configure(e.media.audioCodec, sampleRate, channels); err != nil {
		logger.Errorw("failed to configure audio renderer", err)
		return
	}
	go e.renderTrack(track)
}

func (e *RTCEngine) renderTrack(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		_ = e.media.renderer.Render(AudioFrame{PTS: pkt.Timestamp, Data: pkt.Payload})
	}
}

func (e *RTCEngine) handleRawDataPacket(raw []byte, kind DataPacketKind) {
	dp := &livekit.DataPacket{}
	if err := proto.Unmarshal(raw, dp); err != nil {
		logger.Errorw("failed to unmarshal data packet", err)
		return
	}
	switch v := dp.Value.(type) {
	case *livekit.DataPacket_User:
		if e.OnDataPacket != nil {
			e.OnDataPacket(dp.ParticipantIdentity, userPacketFromProto(dp.ParticipantIdentity, v.User, kind))
		}
	case *livekit.DataPacket_RpcRequest:
		if e.rpc != nil {
			go e.rpc.handleRequest(context.Background(), dp.ParticipantIdentity, v.RpcRequest)
		}
	case *livekit.DataPacket_RpcAck:
		if e.rpc != nil {
			e.rpc.handleAck(v.RpcAck.RequestId)
		}
	case *livekit.DataPacket_RpcResponse:
		if e.rpc != nil {
			e.rpc.handleResponse(v.RpcResponse)
		}
	}
}

func (e *RTCEngine) publishDataPacket(kind DataPacketKind, dp *livekit.DataPacket) error {
	if dp.ParticipantIdentity == "" {
		dp.ParticipantIdentity = e.localParticipantSID
	}
	dp.Kind = kind.toProto()
	data, err := proto.Marshal(dp)
	if err != nil {
		return newError(ErrMessage, "engine.publishdata", err)
	}
	if e.publisher == nil {
		return ErrNoPeerConnection
	}
	return e.publisher.send(kind, data)
}

// PublishData sends a UserDataPacket over the reliable or lossy data
// channel, matching livekit_room_publish_data's kind selection and
// destination-identity addressing.
func (e *RTCEngine) PublishData(payload []byte, topic string, destinationIdentities []string, kind DataPacketKind) error {
	up := &livekit.UserPacket{Payload: payload}
	if topic != "" {
		up.Topic = &topic
	}
	dp := &livekit.DataPacket{
		DestinationIdentities: destinationIdentities,
		Value:                 &livekit.DataPacket_User{User: up},
	}
	return e.publishDataPacket(kind, dp)
}

func (e *RTCEngine) PerformRPC(ctx context.Context, destinationIdentity, method, payload string, timeout time.Duration) (string, error) {
	if e.rpc == nil {
		return "", ErrNoPeerConnection
	}
	return e.rpc.performRPC(ctx, destinationIdentity, method, payload, timeout)
}

func (e *RTCEngine) RegisterRPCMethod(method string, h RPCHandler) {
	if e.rpc != nil {
		e.rpc.registerHandler(method, h)
	}
}

func (e *RTCEngine) UnregisterRPCMethod(method string) {
	if e.rpc != nil {
		e.rpc.unregisterHandler(method)
	}
}

// startPublishing negotiates the local track(s) and begins the 20ms capture
// loop, the Go counterpart of media_stream_begin/media_stream_task.
func (e *RTCEngine) startPublishing() error {
	if !e.publishing.CompareAndSwap(false, true) {
		return nil
	}
	if e.media.audioSend {
		if err := e.publishAudioTrack(); err != nil {
			return err
		}
	}
	if e.media.videoSend {
		if err := e.publishVideoTrack(); err != nil {
			return err
		}
	}
	e.mediaWG.Add(1)
	go e.mediaLoop()
	return nil
}

func (e *RTCEngine) publishAudioTrack() error {
	mime := webrtc.MimeTypeOpus
	switch e.media.audioCodec {
	case AudioCodecG711A:
		mime = webrtc.MimeTypePCMA
	case AudioCodecG711U:
		mime = webrtc.MimeTypePCMU
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime, ClockRate: e.media.audioSampleHz, Channels: uint16(e.media.audioChannels)},
		"audio0", "audio0",
	)
	if err != nil {
		return newError(ErrMedia, "engine.publishaudio", err)
	}
	e.audioTrackSender = track
	if _, err := e.publisher.AddTrack(track); err != nil {
		return err
	}

	// AddTrackRequest field population mirrors send_add_audio_track: cid
	// and name are fixed identifiers, TF_STEREO is set iff the channel
	// count is exactly 2.
	var features []livekit.AudioTrackFeature
	if e.media.audioChannels == 2 {
		features = append(features, livekit.AudioTrackFeature_TF_STEREO)
	}
	return e.signal.SendAddTrack(&livekit.AddTrackRequest{
		Cid:           "audio0",
		Name:          "Audio",
		Type:          livekit.TrackType_AUDIO,
		Source:        livekit.TrackSource_MICROPHONE,
		AudioFeatures: features,
	})
}

// publishVideoTrack mirrors send_add_video_track: a single High-quality
// layer is advertised at the configured resolution; simulcast layer
// selection beyond this is a declared Non-goal.
func (e *RTCEngine) publishVideoTrack() error {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		"video0", "video0",
	)
	if err != nil {
		return newError(ErrMedia, "engine.publishvideo", err)
	}
	e.videoTrackSender = track
	if _, err := e.publisher.AddTrack(track); err != nil {
		return err
	}

	return e.signal.SendAddTrack(&livekit.AddTrackRequest{
		Cid:    "video0",
		Name:   "Video",
		Type:   livekit.TrackType_VIDEO,
		Source: livekit.TrackSource_CAMERA,
		Layers: []*livekit.VideoLayer{{
			Quality: livekit.VideoQuality_HIGH,
			Width:   e.media.videoWidth,
			Height:  e.media.videoHeight,
		}},
	})
}

func (e *RTCEngine) mediaLoop() {
	defer e.mediaWG.Done()
	ticker := time.NewTicker(mediaFrameInterval)
	defer ticker.Stop()

	if e.media.capturer != nil {
		_ = e.media.capturer.Start()
	}
	if e.media.videoCap != nil {
		_ = e.media.videoCap.Start()
	}

	for {
		select {
		case <-ticker.C:
			// Drain every available audio frame (acquire-release, blocking
			// acquire semantics in the source); acquire at most one video
			// frame per tick.
			if e.media.capturer != nil && e.audioTrackSender != nil {
				for {
					frame, ok := e.media.capturer.AcquireFrame()
					if !ok {
						break
					}
					_ = e.audioTrackSender.WriteSample(mediaSampleFrom(frame))
				}
			}
			if e.media.videoCap != nil && e.videoTrackSender != nil {
				if frame, ok := e.media.videoCap.AcquireFrame(); ok {
					_ = e.videoTrackSender.WriteSample(videoSampleFrom(frame))
				}
			}
		case <-e.stopMedia:
			if e.media.capturer != nil {
				_ = e.media.capturer.Stop()
			}
			if e.media.videoCap != nil {
				_ = e.media.videoCap.Stop()
			}
			return
		}
	}
}

// handleServerLeave tears down both peers on a server-initiated Leave and
// clears the per-session participant bookkeeping. The signaling socket
// stays open and no Leave is sent back: the server already ended the
// session, and reconnect semantics are out of scope.
func (e *RTCEngine) handleServerLeave(req *livekit.LeaveRequest) {
	logger.Infow("server requested leave", "reason", req.Reason)

	if e.publishing.CompareAndSwap(true, false) {
		close(e.stopMedia)
		e.mediaWG.Wait()
	}

	if e.subscriber != nil {
		_ = e.subscriber.Close()
	}
	if e.publisher != nil {
		_ = e.publisher.Close()
	}

	e.mu.Lock()
	e.localParticipantSID = ""
	e.subAudioTrackSID = ""
	e.mu.Unlock()
}

func (e *RTCEngine) handleSignalClose(reason error) {
	e.mu.Lock()
	intentional := e.closed
	e.mu.Unlock()
	if intentional || reason == nil {
		e.setSigState(ConnectionStateDisconnected)
		return
	}
	e.setSigState(ConnectionStateFailed)
}

// Close tears everything down in the order engine_close uses: stop the
// media loop, disconnect the subscriber then the publisher, send Leave, and
// finally close the signaling socket after giving the Leave frame a bounded
// window to flush.
func (e *RTCEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.publishing.CompareAndSwap(true, false) {
		close(e.stopMedia)
		e.mediaWG.Wait()
	}

	if e.media.renderer != nil {
		_ = e.media.renderer.Reset()
	}

	if e.subscriber != nil {
		_ = e.subscriber.Close()
	}
	if e.publisher != nil {
		_ = e.publisher.Close()
	}

	if e.signal.IsStarted() {
		_ = e.signal.SendLeave()
		time.Sleep(leaveFlushTimeout)
	}
	err := e.signal.Close()

	// Report the terminal Disconnected aggregate regardless of what order
	// the transport callbacks arrived in during teardown.
	e.setPubState(ConnectionStateDisconnected)
	e.setSubState(ConnectionStateDisconnected)
	e.setSigState(ConnectionStateDisconnected)
	return err
}
