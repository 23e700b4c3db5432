package protocol

import "fmt"

// Version is a protocol revision number as sent in the handshake.
type Version int32

// Supported protocol revisions.
const (
	V1_7  Version = 5   // 1.7.6 - 1.7.10
	V1_8  Version = 47  // 1.8.x
	V1_12 Version = 340 // 1.12.2
	V1_20 Version = 763 // 1.20 - 1.20.1
)

// Versions lists every supported revision, oldest first.
var Versions = []Version{V1_7, V1_8, V1_12, V1_20}

func (v Version) String() string {
	switch v {
	case V1_7:
		return "1.7.10"
	case V1_8:
		return "1.8"
	case V1_12:
		return "1.12.2"
	case V1_20:
		return "1.20.1"
	}
	return fmt.Sprintf("unknown(%d)", int32(v))
}

// Supported reports whether the codec has a packet table for v.
func (v Version) Supported() bool {
	_, ok := idTables[v]
	return ok
}

// MaxChatLength is the longest chat message a client of this revision may send.
func (v Version) MaxChatLength() int {
	if v >= V1_12 {
		return 256
	}
	return 100
}

// String limits in characters.
const (
	maxHostLen    = 255
	maxTextLen    = 32767
	maxLocaleLen  = 16
	maxChannelLen = 32
)

// handshakeID is the packet ID of the handshake in every revision.
const handshakeID int32 = 0x00

// idTable maps packet kinds to wire IDs for one revision.
type idTable struct {
	clientbound map[Kind]int32
	serverbound map[Kind]int32

	// reverse lookups, built in init
	clientboundKinds map[int32]Kind
	serverboundKinds map[int32]Kind
}

var legacyTable = &idTable{
	clientbound: map[Kind]int32{
		KindKeepAlive:     0x00,
		KindJoinGame:      0x01,
		KindSystemChat:    0x02,
		KindSpawnPosition: 0x08,
		KindMapData:       0x34,
		KindDisconnect:    0x40,
	},
	serverbound: map[Kind]int32{
		KindKeepAliveResponse:      0x00,
		KindChatMessage:            0x01,
		KindPlayerPosition:         0x04,
		KindPlayerPositionRotation: 0x06,
		KindClientSettings:         0x15,
		KindPluginMessage:          0x17,
	},
}

var idTables = map[Version]*idTable{
	V1_7: legacyTable,
	V1_8: legacyTable,
	V1_12: {
		clientbound: map[Kind]int32{
			KindSystemChat:    0x0F,
			KindDisconnect:    0x1A,
			KindKeepAlive:     0x1F,
			KindJoinGame:      0x23,
			KindMapData:       0x24,
			KindSpawnPosition: 0x2F,
		},
		serverbound: map[Kind]int32{
			KindChatMessage:            0x02,
			KindClientSettings:         0x04,
			KindPluginMessage:          0x09,
			KindKeepAliveResponse:      0x0B,
			KindPlayerPosition:         0x0D,
			KindPlayerPositionRotation: 0x0E,
		},
	},
	V1_20: {
		clientbound: map[Kind]int32{
			KindDisconnect:    0x1A,
			KindKeepAlive:     0x23,
			KindJoinGame:      0x28,
			KindMapData:       0x2A,
			KindSpawnPosition: 0x3C,
			KindSystemChat:    0x64,
		},
		serverbound: map[Kind]int32{
			KindChatMessage:            0x05,
			KindClientSettings:         0x08,
			KindPluginMessage:          0x0D,
			KindKeepAliveResponse:      0x12,
			KindPlayerPosition:         0x14,
			KindPlayerPositionRotation: 0x15,
		},
	},
}

func init() {
	for _, t := range idTables {
		if t.clientboundKinds != nil {
			continue // shared table already indexed
		}
		t.clientboundKinds = invert(t.clientbound)
		t.serverboundKinds = invert(t.serverbound)
	}
}

func invert(m map[Kind]int32) map[int32]Kind {
	out := make(map[int32]Kind, len(m))
	for k, id := range m {
		out[id] = k
	}
	return out
}

// PacketID returns the wire ID of kind k in revision v.
func PacketID(k Kind, v Version) (int32, bool) {
	if k == KindHandshake {
		return handshakeID, true
	}
	t, ok := idTables[v]
	if !ok {
		return 0, false
	}
	if k.Serverbound() {
		id, ok := t.serverbound[k]
		return id, ok
	}
	id, ok := t.clientbound[k]
	return id, ok
}

func lookupKind(id int32, v Version, serverbound bool) (Kind, bool) {
	t, ok := idTables[v]
	if !ok {
		return 0, false
	}
	var k Kind
	if serverbound {
		k, ok = t.serverboundKinds[id]
	} else {
		k, ok = t.clientboundKinds[id]
	}
	return k, ok
}
