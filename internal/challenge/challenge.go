// Package challenge produces the per-session stimulus a client must answer:
// the fake world it spawns into, the keep-alive nonce, the area it has to
// move within and, optionally, a captcha rendered onto a map.
package challenge

import (
	"image"

	"github.com/1ureka/limbo/internal/protocol"
)

// Vec3 is a world position.
type Vec3 struct {
	X, Y, Z float64
}

// Bounds is an axis-aligned box. Both edges are inside.
type Bounds struct {
	Min, Max Vec3
}

// Contains reports whether the point lies inside b, edges included.
func (b Bounds) Contains(x, y, z float64) bool {
	return x >= b.Min.X && x <= b.Max.X &&
		y >= b.Min.Y && y <= b.Max.Y &&
		z >= b.Min.Z && z <= b.Max.Z
}

// Captcha is a text token and its rendered bitmap.
type Captcha struct {
	Answer string
	Image  *image.Gray
}

// Map color indices used to paint the captcha onto a map item.
const (
	mapPaper byte = 8*4 + 2  // snow, brightest shade
	mapInk   byte = 29*4 + 3 // black, darkest shade
)

// MapColors converts the bitmap to one map color index per pixel, row-major.
func (c *Captcha) MapColors() []byte {
	b := c.Image.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if c.Image.GrayAt(x, y).Y < 128 {
				out = append(out, mapInk)
			} else {
				out = append(out, mapPaper)
			}
		}
	}
	return out
}

// Challenge is generated once per session and never modified afterwards.
type Challenge struct {
	Version    protocol.Version
	Nonce      int64 // keep-alive ID the client must echo
	EntityID   int32
	Seed       int64
	TeleportID int32

	Spawn           Vec3
	Bounds          Bounds
	MovementPackets int // in-bounds position packets required

	Captcha   *Captcha // nil for movement-only verification
	RenderErr error    // set when captcha was wanted but could not be rendered
}

// Stimulus returns the packets that open the session, in send order: the
// login, the spawn teleport and the keep-alive carrying the nonce.
func (c *Challenge) Stimulus() []protocol.Packet {
	return []protocol.Packet{
		&protocol.JoinGame{
			EntityID:     c.EntityID,
			GameMode:     2, // adventure: no block interaction
			Seed:         c.Seed,
			MaxPlayers:   1,
			ViewDistance: 2,
			LevelType:    "flat",
		},
		&protocol.SpawnPosition{
			X:          c.Spawn.X,
			Y:          c.Spawn.Y,
			Z:          c.Spawn.Z,
			TeleportID: c.TeleportID,
		},
		&protocol.KeepAlive{ID: c.Nonce},
	}
}

// CaptchaPackets returns the map carrying the captcha and the chat prompt
// asking for it. It returns nil when the challenge has no captcha.
func (c *Challenge) CaptchaPackets(prompt string) []protocol.Packet {
	if c.Captcha == nil {
		return nil
	}
	b := c.Captcha.Image.Bounds()
	return []protocol.Packet{
		&protocol.MapData{
			Columns: uint8(b.Dx()),
			Rows:    uint8(b.Dy()),
			Data:    c.Captcha.MapColors(),
		},
		&protocol.SystemChat{Message: prompt},
	}
}
