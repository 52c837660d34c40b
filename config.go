package adb

import (
	"time"

	"github.com/EFForg/adb-client/wire"
)

// Protocol policy knobs without a canonical value in the public protocol.
// They are defaults for the zero Config, not hard-coded behavior.
const (
	// DefaultBannerName is the identity announced in our CONNECT banner.
	DefaultBannerName = "adb-client"
	// DefaultAuthTries is how many signature answers we give before falling
	// back to sending the public key.
	DefaultAuthTries = 2
	// DefaultIOTimeout bounds every wait that depends on peer responsiveness:
	// AUTH replies, OKAY acknowledgements, OPEN results.
	DefaultIOTimeout = 10 * time.Second
	// DefaultSyncChunkSize is the DATA chunk size used when pushing files.
	// Smaller chunks trade throughput for lower peak memory.
	DefaultSyncChunkSize = wire.SyncMaxChunkSize
)

// Config controls a Connection. The zero value is usable.
type Config struct {
	// BannerName is announced to the device in CONNECT ("host::<name>").
	BannerName string
	// MaxPayload is the payload size advertised in CONNECT. The connection
	// uses the minimum of this and the device's advertised value.
	MaxPayload uint32
	// AuthTries is the number of AUTH token challenges answered with a
	// signature before the public key is sent instead.
	AuthTries int
	// IOTimeout bounds blocking waits on peer responses.
	IOTimeout time.Duration
	// SyncChunkSize caps sync DATA chunks. Clamped to the protocol's 64 KiB
	// ceiling and to the negotiated max payload.
	SyncChunkSize int
}

func (c Config) withDefaults() Config {
	if c.BannerName == "" {
		c.BannerName = DefaultBannerName
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = wire.MaxPayloadDefault
	}
	if c.AuthTries == 0 {
		c.AuthTries = DefaultAuthTries
	}
	if c.IOTimeout == 0 {
		c.IOTimeout = DefaultIOTimeout
	}
	if c.SyncChunkSize == 0 || c.SyncChunkSize > wire.SyncMaxChunkSize {
		c.SyncChunkSize = DefaultSyncChunkSize
	}
	return c
}
