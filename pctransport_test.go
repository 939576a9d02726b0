package lksdk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendOnUnopenedChannelIsInvalidState(t *testing.T) {
	tr := &pcTransport{role: pcRolePublisher}

	err := tr.send(DataPacketKindReliable, []byte("hi"))
	require.ErrorIs(t, err, ErrChannelNotOpen)

	err = tr.send(DataPacketKindLossy, []byte("hi"))
	require.ErrorIs(t, err, ErrChannelNotOpen)
}

func TestAddTrackRejectedOnSubscriber(t *testing.T) {
	tr := &pcTransport{role: pcRoleSubscriber}
	_, err := tr.AddTrack(nil)
	require.Error(t, err)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrInvalidState, e.Kind)
}

func TestAddICECandidateIgnoresEmptyString(t *testing.T) {
	tr := &pcTransport{role: pcRolePublisher}
	require.NoError(t, tr.AddICECandidate(""))
}

func TestStreamIDInvalidSentinel(t *testing.T) {
	assert.EqualValues(t, 0xFFFF, streamIDInvalid)
}

func TestCloseIsIdempotentWithoutPeerConnection(t *testing.T) {
	tr := &pcTransport{role: pcRolePublisher, closed: true}
	require.NoError(t, tr.Close())
}
