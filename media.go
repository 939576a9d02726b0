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
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
)

// MediaType is a bitmask selecting which media kinds a publish or subscribe
// side of a room operates on.
type MediaType int

const (
	MediaTypeNone  MediaType = 0
	MediaTypeAudio MediaType = 1 << (iota - 1)
	MediaTypeVideo
)

// AudioCodec enumerates the audio codecs this client can negotiate.
type AudioCodec int

const (
	AudioCodecNone AudioCodec = iota
	AudioCodecOpus
	AudioCodecG711A
	AudioCodecG711U
)

// VideoCodec enumerates the video codecs this client can negotiate.
type VideoCodec int

const (
	VideoCodecNone VideoCodec = iota
	VideoCodecH264
	// VideoCodecMJPEG exists so callers configured for MJPEG-over-data-channel
	// get a synchronous InvalidArg at creation instead of a broken session.
	VideoCodecMJPEG
)

// AudioEncodeOptions configures the outbound audio codec.
type AudioEncodeOptions struct {
	Codec        AudioCodec
	SampleRate   uint32
	ChannelCount uint32
}

// VideoEncodeOptions configures the outbound video codec and resolution.
type VideoEncodeOptions struct {
	Codec  VideoCodec
	Width  uint32
	Height uint32
	FPS    uint32
}

// AudioFrame is a single chunk of encoded audio handed to or received from
// the publisher/subscriber peer.
type AudioFrame struct {
	PTS  uint32
	Data []byte
}

// VideoFrame is a single chunk of encoded video handed to the publisher
// peer.
type VideoFrame struct {
	PTS  uint32
	Data []byte
}

// AudioCapturer is the out-of-scope audio capture device, borrowed by the
// engine for its whole lifetime. AcquireFrame returns the next available
// frame, or ok=false when no frame is currently available; on every publish
// tick the engine calls it repeatedly until it reports false.
type AudioCapturer interface {
	Start() error
	Stop() error
	AcquireFrame() (frame AudioFrame, ok bool)
}

// VideoCapturer is the out-of-scope video capture device.
type VideoCapturer interface {
	Start() error
	Stop() error
	AcquireFrame() (frame VideoFrame, ok bool)
}

// AudioRenderer is the out-of-scope audio playback device. Configure is
// called once, when stream info for the first inbound audio track arrives.
type AudioRenderer interface {
	Configure(codec AudioCodec, sampleRate, channels uint32) error
	Render(frame AudioFrame) error
	Reset() error
}

// PublishOptions configures what the local participant publishes.
type PublishOptions struct {
	Kind        MediaType
	AudioEncode AudioEncodeOptions
	VideoEncode VideoEncodeOptions
	Capturer    AudioCapturer
	VideoCap    VideoCapturer
}

// SubscribeOptions configures what the room subscribes to and renders.
type SubscribeOptions struct {
	Kind     MediaType
	Renderer AudioRenderer
}

// mediaOptions is the engine-internal, already-validated view of the
// options above; it mirrors engine_media_options_t from the ESP32 source.
type mediaOptions struct {
	audioSend, audioRecv bool
	videoSend, videoRecv bool

	audioCodec    AudioCodec
	audioSampleHz uint32
	audioChannels uint32

	videoCodec  VideoCodec
	videoWidth  uint32
	videoHeight uint32
	videoFPS    uint32

	capturer    AudioCapturer
	videoCap    VideoCapturer
	renderer    AudioRenderer
}

func newMediaOptions(pub PublishOptions, sub SubscribeOptions) mediaOptions {
	m := mediaOptions{
		capturer: pub.Capturer,
		videoCap: pub.VideoCap,
		renderer: sub.Renderer,
	}
	if pub.Kind&MediaTypeAudio != 0 {
		m.audioSend = true
		m.audioCodec = pub.AudioEncode.Codec
		m.audioSampleHz = pub.AudioEncode.SampleRate
		m.audioChannels = pub.AudioEncode.ChannelCount
	}
	if pub.Kind&MediaTypeVideo != 0 {
		m.videoSend = true
		m.videoCodec = pub.VideoEncode.Codec
		m.videoWidth = pub.VideoEncode.Width
		m.videoHeight = pub.VideoEncode.Height
		m.videoFPS = pub.VideoEncode.FPS
	}
	if sub.Kind&MediaTypeAudio != 0 {
		m.audioRecv = true
	}
	if sub.Kind&MediaTypeVideo != 0 {
		m.videoRecv = true
	}
	return m
}

// mediaSampleFrom adapts a captured AudioFrame to pion's Sample type for
// TrackLocalStaticSample.WriteSample. Duration is fixed at the engine's
// publish cadence since captures are produced once per frame interval.
func mediaSampleFrom(frame AudioFrame) media.Sample {
	return media.Sample{Data: frame.Data, Duration: 20 * time.Millisecond}
}

// videoSampleFrom adapts a captured VideoFrame to pion's Sample type. Unlike
// audio, at most one video frame is acquired per tick (spec.md 4.4's
// publish-pipeline cadence), so the duration is the full tick interval.
func videoSampleFrom(frame VideoFrame) media.Sample {
	return media.Sample{Data: frame.Data, Duration: mediaFrameInterval}
}

// decoderAudioInfo maps an inbound codec announcement onto renderer
// parameters, per spec.md 4.3 "Inbound media": G.711 A/u-law are forced to
// 8000Hz/mono, Opus keeps the advertised rate and channel count.
func decoderAudioInfo(codec AudioCodec, advertisedRate, advertisedChannels uint32) (sampleRate, channels uint32) {
	switch codec {
	case AudioCodecG711A, AudioCodecG711U:
		return 8000, 1
	default:
		return advertisedRate, advertisedChannels
	}
}
