// Package protocol defines the packets exchanged with a client while it is
// held in the verification world, and the versioned codec for them.
package protocol

import "fmt"

// Kind tags a packet variant. Every variant travels in exactly one direction.
type Kind uint8

const (
	KindHandshake Kind = iota + 1 // serverbound, read before a version is negotiated

	// Clientbound
	KindJoinGame      // login stimulus: fake world metadata
	KindKeepAlive     // keep-alive carrying the session nonce
	KindSpawnPosition // teleport to the announced spawn point
	KindSystemChat    // server text shown in chat
	KindMapData       // captcha presentation (map bitmap)
	KindDisconnect    // disconnect with a human-readable reason

	// Serverbound
	KindKeepAliveResponse
	KindPlayerPosition
	KindPlayerPositionRotation
	KindChatMessage
	KindClientSettings
	KindPluginMessage
)

var kindNames = map[Kind]string{
	KindHandshake:              "Handshake",
	KindJoinGame:               "JoinGame",
	KindKeepAlive:              "KeepAlive",
	KindSpawnPosition:          "SpawnPosition",
	KindSystemChat:             "SystemChat",
	KindMapData:                "MapData",
	KindDisconnect:             "Disconnect",
	KindKeepAliveResponse:      "KeepAliveResponse",
	KindPlayerPosition:         "PlayerPosition",
	KindPlayerPositionRotation: "PlayerPositionRotation",
	KindChatMessage:            "ChatMessage",
	KindClientSettings:         "ClientSettings",
	KindPluginMessage:          "PluginMessage",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Serverbound reports whether packets of this kind are sent by the client.
func (k Kind) Serverbound() bool {
	return k == KindHandshake || k >= KindKeepAliveResponse
}

// Packet is one protocol message. The set of implementations is closed:
// only the types in this package satisfy it.
type Packet interface {
	Kind() Kind
	write(w *writer, v Version)
	read(r *reader, v Version)
}

// Brand channels used by the client to announce its brand string.
const (
	BrandChannelLegacy = "MC|Brand"
	BrandChannel       = "minecraft:brand"
)

// ---------------------------------------------------------------------------
// Serverbound: handshake
// ---------------------------------------------------------------------------

// Handshake opens every connection and declares the client's protocol version.
type Handshake struct {
	ProtocolVersion int32
	ServerAddress   string
	ServerPort      uint16
	NextState       int32
}

// Handshake next states.
const (
	NextStateStatus int32 = 1
	NextStateLogin  int32 = 2
)

func (*Handshake) Kind() Kind { return KindHandshake }

func (p *Handshake) write(w *writer, _ Version) {
	w.varInt(p.ProtocolVersion)
	w.str(p.ServerAddress)
	w.u16(p.ServerPort)
	w.varInt(p.NextState)
}

func (p *Handshake) read(r *reader, _ Version) {
	p.ProtocolVersion = r.varInt()
	p.ServerAddress = r.str(maxHostLen)
	p.ServerPort = r.u16()
	p.NextState = r.varInt()
}

// ---------------------------------------------------------------------------
// Clientbound
// ---------------------------------------------------------------------------

// JoinGame places the client into the verification world.
type JoinGame struct {
	EntityID     int32
	GameMode     uint8
	Hardcore     bool
	Seed         int64 // hashed seed, only on the wire from 1.20
	MaxPlayers   int32
	ViewDistance int32 // only on the wire from 1.20
	LevelType    string
}

func (*JoinGame) Kind() Kind { return KindJoinGame }

func (p *JoinGame) write(w *writer, v Version) {
	w.i32(p.EntityID)
	w.u8(p.GameMode)
	w.boolean(p.Hardcore)
	if v >= V1_20 {
		w.i64(p.Seed)
		w.varInt(p.MaxPlayers)
		w.varInt(p.ViewDistance)
		return
	}
	w.u8(uint8(p.MaxPlayers))
	w.str(p.LevelType)
}

func (p *JoinGame) read(r *reader, v Version) {
	p.EntityID = r.i32()
	p.GameMode = r.u8()
	p.Hardcore = r.boolean()
	if v >= V1_20 {
		p.Seed = r.i64()
		p.MaxPlayers = r.varInt()
		p.ViewDistance = r.varInt()
		return
	}
	p.MaxPlayers = int32(r.u8())
	p.LevelType = r.str(16)
}

// KeepAlive carries the nonce the client must echo back unchanged.
type KeepAlive struct {
	ID int64
}

func (*KeepAlive) Kind() Kind                   { return KindKeepAlive }
func (p *KeepAlive) write(w *writer, _ Version) { w.i64(p.ID) }
func (p *KeepAlive) read(r *reader, _ Version)  { p.ID = r.i64() }

// SpawnPosition teleports the client to the announced spawn point.
type SpawnPosition struct {
	X, Y, Z    float64
	Yaw, Pitch float32
	TeleportID int32 // only on the wire from 1.9
}

func (*SpawnPosition) Kind() Kind { return KindSpawnPosition }

func (p *SpawnPosition) write(w *writer, v Version) {
	w.f64(p.X)
	w.f64(p.Y)
	w.f64(p.Z)
	w.f32(p.Yaw)
	w.f32(p.Pitch)
	if v >= V1_8 {
		w.u8(0) // absolute coordinates
	}
	if v >= V1_12 {
		w.varInt(p.TeleportID)
	}
}

func (p *SpawnPosition) read(r *reader, v Version) {
	p.X = r.f64()
	p.Y = r.f64()
	p.Z = r.f64()
	p.Yaw = r.f32()
	p.Pitch = r.f32()
	if v >= V1_8 {
		r.u8()
	}
	if v >= V1_12 {
		p.TeleportID = r.varInt()
	}
}

// SystemChat is a server message shown in the client's chat window.
type SystemChat struct {
	Message string
	Overlay bool // action bar instead of chat, 1.20+
}

func (*SystemChat) Kind() Kind { return KindSystemChat }

func (p *SystemChat) write(w *writer, v Version) {
	w.str(p.Message)
	if v >= V1_20 {
		w.boolean(p.Overlay)
	}
}

func (p *SystemChat) read(r *reader, v Version) {
	p.Message = r.str(maxTextLen)
	if v >= V1_20 {
		p.Overlay = r.boolean()
	}
}

// MapData presents a captcha bitmap as the contents of a held map.
type MapData struct {
	MapID   int32
	Scale   int8
	Columns uint8
	Rows    uint8
	Data    []byte // Columns*Rows color indices
}

func (*MapData) Kind() Kind { return KindMapData }

func (p *MapData) write(w *writer, _ Version) {
	w.varInt(p.MapID)
	w.u8(uint8(p.Scale))
	w.u8(p.Columns)
	w.u8(p.Rows)
	w.prefixed(p.Data)
}

func (p *MapData) read(r *reader, _ Version) {
	p.MapID = r.varInt()
	p.Scale = int8(r.u8())
	p.Columns = r.u8()
	p.Rows = r.u8()
	p.Data = r.prefixedBytes(MaxFrameSize)
}

// Disconnect closes the connection with a human-readable reason.
type Disconnect struct {
	Reason string
}

func (*Disconnect) Kind() Kind                   { return KindDisconnect }
func (p *Disconnect) write(w *writer, _ Version) { w.str(p.Reason) }
func (p *Disconnect) read(r *reader, _ Version)  { p.Reason = r.str(maxTextLen) }

// ---------------------------------------------------------------------------
// Serverbound
// ---------------------------------------------------------------------------

// KeepAliveResponse echoes a KeepAlive nonce.
type KeepAliveResponse struct {
	ID int64
}

func (*KeepAliveResponse) Kind() Kind                   { return KindKeepAliveResponse }
func (p *KeepAliveResponse) write(w *writer, _ Version) { w.i64(p.ID) }
func (p *KeepAliveResponse) read(r *reader, _ Version)  { p.ID = r.i64() }

// PlayerPosition reports the client's feet position.
type PlayerPosition struct {
	X, Y, Z  float64
	OnGround bool
}

func (*PlayerPosition) Kind() Kind { return KindPlayerPosition }

func (p *PlayerPosition) write(w *writer, v Version) {
	writeCoords(w, v, p.X, p.Y, p.Z)
	w.boolean(p.OnGround)
}

func (p *PlayerPosition) read(r *reader, v Version) {
	p.X, p.Y, p.Z = readCoords(r, v)
	p.OnGround = r.boolean()
}

// PlayerPositionRotation reports position and look direction together.
type PlayerPositionRotation struct {
	X, Y, Z    float64
	Yaw, Pitch float32
	OnGround   bool
}

func (*PlayerPositionRotation) Kind() Kind { return KindPlayerPositionRotation }

func (p *PlayerPositionRotation) write(w *writer, v Version) {
	writeCoords(w, v, p.X, p.Y, p.Z)
	w.f32(p.Yaw)
	w.f32(p.Pitch)
	w.boolean(p.OnGround)
}

func (p *PlayerPositionRotation) read(r *reader, v Version) {
	p.X, p.Y, p.Z = readCoords(r, v)
	p.Yaw = r.f32()
	p.Pitch = r.f32()
	p.OnGround = r.boolean()
}

// eyeHeight is the stance offset 1.7 clients send alongside the feet Y.
const eyeHeight = 1.62

func writeCoords(w *writer, v Version, x, y, z float64) {
	w.f64(x)
	w.f64(y)
	if v == V1_7 {
		w.f64(y + eyeHeight)
	}
	w.f64(z)
}

func readCoords(r *reader, v Version) (x, y, z float64) {
	x = r.f64()
	y = r.f64()
	if v == V1_7 {
		r.f64()
	}
	z = r.f64()
	return x, y, z
}

// ChatMessage is text typed by the client. It carries captcha answers.
type ChatMessage struct {
	Message   string
	Timestamp int64 // 1.20+
	Salt      int64 // 1.20+
}

func (*ChatMessage) Kind() Kind { return KindChatMessage }

func (p *ChatMessage) write(w *writer, v Version) {
	w.str(p.Message)
	if v >= V1_20 {
		w.i64(p.Timestamp)
		w.i64(p.Salt)
	}
}

func (p *ChatMessage) read(r *reader, v Version) {
	p.Message = r.str(v.MaxChatLength())
	if v >= V1_20 {
		p.Timestamp = r.i64()
		p.Salt = r.i64()
	}
}

// ClientSettings announces locale and view preferences.
type ClientSettings struct {
	Locale       string
	ViewDistance int8
	ChatMode     int32
	ChatColors   bool
	SkinParts    uint8
	MainHand     int32 // 1.9+
}

func (*ClientSettings) Kind() Kind { return KindClientSettings }

func (p *ClientSettings) write(w *writer, v Version) {
	w.str(p.Locale)
	w.u8(uint8(p.ViewDistance))
	w.varInt(p.ChatMode)
	w.boolean(p.ChatColors)
	w.u8(p.SkinParts)
	if v >= V1_12 {
		w.varInt(p.MainHand)
	}
}

func (p *ClientSettings) read(r *reader, v Version) {
	p.Locale = r.str(maxLocaleLen)
	p.ViewDistance = int8(r.u8())
	p.ChatMode = r.varInt()
	p.ChatColors = r.boolean()
	p.SkinParts = r.u8()
	if v >= V1_12 {
		p.MainHand = r.varInt()
	}
}

// PluginMessage carries data on a named channel, e.g. the client brand.
type PluginMessage struct {
	Channel string
	Data    []byte
}

func (*PluginMessage) Kind() Kind { return KindPluginMessage }

func (p *PluginMessage) write(w *writer, v Version) {
	w.str(p.Channel)
	if v == V1_7 {
		w.i16(int16(len(p.Data)))
	}
	w.raw(p.Data)
}

func (p *PluginMessage) read(r *reader, v Version) {
	p.Channel = r.str(maxChannelLen)
	if v == V1_7 {
		n := r.i16()
		p.Data = r.bytes(int(n))
		return
	}
	p.Data = r.rest()
}

// Brand extracts the brand string from a brand-channel plugin message.
func (p *PluginMessage) Brand() (string, bool) {
	if p.Channel != BrandChannel && p.Channel != BrandChannelLegacy {
		return "", false
	}
	r := &reader{buf: p.Data}
	brand := r.str(maxTextLen)
	if r.err != nil || r.remaining() != 0 {
		return "", false
	}
	return brand, true
}

// BrandPayload encodes a brand string the way clients put it on the wire.
func BrandPayload(brand string) []byte {
	w := &writer{}
	w.str(brand)
	return w.buf
}

// newPacket returns an empty packet of the given kind.
func newPacket(k Kind) Packet {
	switch k {
	case KindHandshake:
		return &Handshake{}
	case KindJoinGame:
		return &JoinGame{}
	case KindKeepAlive:
		return &KeepAlive{}
	case KindSpawnPosition:
		return &SpawnPosition{}
	case KindSystemChat:
		return &SystemChat{}
	case KindMapData:
		return &MapData{}
	case KindDisconnect:
		return &Disconnect{}
	case KindKeepAliveResponse:
		return &KeepAliveResponse{}
	case KindPlayerPosition:
		return &PlayerPosition{}
	case KindPlayerPositionRotation:
		return &PlayerPositionRotation{}
	case KindChatMessage:
		return &ChatMessage{}
	case KindClientSettings:
		return &ClientSettings{}
	case KindPluginMessage:
		return &PluginMessage{}
	}
	return nil
}
