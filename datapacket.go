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
	"github.com/livekit/protocol/livekit"
)

// DataPacketKind selects the data channel a packet travels over.
type DataPacketKind int

const (
	DataPacketKindLossy DataPacketKind = iota
	DataPacketKindReliable
)

func (k DataPacketKind) toProto() livekit.DataPacket_Kind {
	if k == DataPacketKindReliable {
		return livekit.DataPacket_RELIABLE
	}
	return livekit.DataPacket_LOSSY
}

// DataPacket is the payload type the engine hands to RTCEngine.OnDataPacket,
// which the Room forwards to RoomCallbacks.OnDataReceived. UserDataPacket is
// the only implementation; RPC packets go to the rpc manager internally and
// are never wrapped in a DataPacket.
type DataPacket interface {
	isDataPacket()
}

// UserDataPacket is an application payload published with Room.PublishData
// or received from a remote participant.
type UserDataPacket struct {
	Payload []byte
	Topic   string
	Kind    DataPacketKind
}

func (*UserDataPacket) isDataPacket() {}

func userPacketFromProto(identity string, up *livekit.UserPacket, kind DataPacketKind) *UserDataPacket {
	d := &UserDataPacket{Payload: up.Payload, Kind: kind}
	if up.Topic != nil {
		d.Topic = *up.Topic
	}
	return d
}
