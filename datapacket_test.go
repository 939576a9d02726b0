package lksdk

import (
	"testing"

	"github.com/livekit/protocol/livekit"
	"github.com/stretchr/testify/assert"
)

func TestDataPacketKindToProto(t *testing.T) {
	assert.Equal(t, livekit.DataPacket_RELIABLE, DataPacketKindReliable.toProto())
	assert.Equal(t, livekit.DataPacket_LOSSY, DataPacketKindLossy.toProto())
}

func TestUserPacketFromProto(t *testing.T) {
	topic := "chat"
	up := userPacketFromProto("identity-1", &livekit.UserPacket{
		Payload: []byte("hello"),
		Topic:   &topic,
	}, DataPacketKindReliable)

	assert.Equal(t, []byte("hello"), up.Payload)
	assert.Equal(t, "chat", up.Topic)
	assert.Equal(t, DataPacketKindReliable, up.Kind)
}

func TestUserPacketFromProtoNoTopic(t *testing.T) {
	up := userPacketFromProto("identity-1", &livekit.UserPacket{Payload: []byte("x")}, DataPacketKindLossy)
	assert.Empty(t, up.Topic)
}
