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

// Command example wires a silence-generating capturer into a Room and
// prints its state, room, participant and data events. It exists only to exercise
// lksdk end to end; it contains no business logic of its own.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	lksdk "github.com/livekit/rtc-client-go"
)

// silenceCapturer produces one fixed-size silent Opus-shaped frame per
// publish tick, standing in for a real microphone: every second call reports
// no frame, which ends the engine's per-tick drain.
type silenceCapturer struct {
	frame []byte
	ready bool
}

func (c *silenceCapturer) Start() error { return nil }
func (c *silenceCapturer) Stop() error  { return nil }
func (c *silenceCapturer) AcquireFrame() (lksdk.AudioFrame, bool) {
	c.ready = !c.ready
	if !c.ready {
		return lksdk.AudioFrame{}, false
	}
	return lksdk.AudioFrame{Data: c.frame}, true
}

// discardRenderer drops every inbound audio frame.
type discardRenderer struct{}

func (discardRenderer) Configure(lksdk.AudioCodec, uint32, uint32) error { return nil }
func (discardRenderer) Render(lksdk.AudioFrame) error                   { return nil }
func (discardRenderer) Reset() error                                    { return nil }

func main() {
	serverURL := flag.String("url", "ws://localhost:7880", "LiveKit signaling server URL")
	token := flag.String("token", "", "access token")
	flag.Parse()

	if *token == "" {
		log.Fatal("example: -token is required")
	}

	room, err := lksdk.NewRoom(lksdk.RoomOptions{
		Publish: lksdk.PublishOptions{
			Kind:     lksdk.MediaTypeAudio,
			Capturer: &silenceCapturer{frame: make([]byte, 160)},
			AudioEncode: lksdk.AudioEncodeOptions{
				Codec:        lksdk.AudioCodecOpus,
				SampleRate:   48000,
				ChannelCount: 1,
			},
		},
		Subscribe: lksdk.SubscribeOptions{
			Kind:     lksdk.MediaTypeAudio,
			Renderer: discardRenderer{},
		},
		Callbacks: lksdk.RoomCallbacks{
			OnStateChanged: func(s lksdk.ConnectionState) {
				log.Printf("state: %s", s)
			},
			OnRoomInfo: func(r lksdk.RoomInfo) {
				log.Printf("room: %s (%s), %d participants", r.Name, r.SID, r.NumParticipants)
			},
			OnParticipantInfo: func(local bool, p lksdk.ParticipantInfo) {
				log.Printf("participant local=%v identity=%s sid=%s", local, p.Identity, p.SID)
			},
			OnDataReceived: func(identity string, packet *lksdk.UserDataPacket) {
				log.Printf("data from %s on %q: %d bytes", identity, packet.Topic, len(packet.Payload))
			},
		},
	})
	if err != nil {
		log.Fatalf("example: failed to create room: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connectCancel()
	if err := room.Connect(connectCtx, *serverURL, *token); err != nil {
		log.Fatalf("example: connect failed: %v", err)
	}

	room.RegisterRPCMethod("ping", func(ctx context.Context, callerIdentity, payload string) (string, error) {
		return "pong", nil
	})

	<-ctx.Done()
	if err := room.Close(); err != nil {
		log.Printf("example: close: %v", err)
	}
}
