package lksdk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomOptionsValidatePublishAudioRequiresCapturer(t *testing.T) {
	opts := RoomOptions{
		Publish: PublishOptions{
			Kind:        MediaTypeAudio,
			AudioEncode: AudioEncodeOptions{Codec: AudioCodecOpus},
		},
	}
	err := opts.validate()
	require.Error(t, err)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrInvalidArg, e.Kind)
}

func TestRoomOptionsValidatePublishAudioRequiresCodec(t *testing.T) {
	opts := RoomOptions{
		Publish: PublishOptions{
			Kind:     MediaTypeAudio,
			Capturer: &fakeAudioCapturer{},
		},
	}
	require.Error(t, opts.validate())
}

func TestRoomOptionsValidateSubscribeRequiresRenderer(t *testing.T) {
	opts := RoomOptions{Subscribe: SubscribeOptions{Kind: MediaTypeAudio}}
	require.Error(t, opts.validate())
}

func TestRoomOptionsValidateOK(t *testing.T) {
	opts := RoomOptions{
		Publish: PublishOptions{
			Kind:        MediaTypeAudio,
			Capturer:    &fakeAudioCapturer{},
			AudioEncode: AudioEncodeOptions{Codec: AudioCodecOpus, SampleRate: 48000, ChannelCount: 1},
		},
		Subscribe: SubscribeOptions{Kind: MediaTypeAudio, Renderer: fakeRenderer{}},
	}
	require.NoError(t, opts.validate())
}

func TestRoomOptionsValidateNoneRequiresNothing(t *testing.T) {
	require.NoError(t, RoomOptions{}.validate())
}

func TestNewRoomRejectsInvalidOptions(t *testing.T) {
	_, err := NewRoom(RoomOptions{Publish: PublishOptions{Kind: MediaTypeVideo}})
	require.Error(t, err)
}

func TestNewRoomStateStartsDisconnected(t *testing.T) {
	room, err := NewRoom(RoomOptions{})
	require.NoError(t, err)
	assert.Equal(t, ConnectionStateDisconnected, room.State())
}

func TestRoomCloseIsIdempotent(t *testing.T) {
	room, err := NewRoom(RoomOptions{})
	require.NoError(t, err)
	require.NoError(t, room.Close())
	require.NoError(t, room.Close())
}

func TestRoomOptionsValidateRejectsMJPEG(t *testing.T) {
	opts := RoomOptions{
		Publish: PublishOptions{
			Kind:        MediaTypeVideo,
			VideoCap:    fakeVideoCapturer{},
			VideoEncode: VideoEncodeOptions{Codec: VideoCodecMJPEG, Width: 640, Height: 480},
		},
	}
	err := opts.validate()
	require.Error(t, err)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrInvalidArg, e.Kind)
}
