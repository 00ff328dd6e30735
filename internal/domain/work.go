package domain

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// WorkItem is one instrument to evaluate. Immutable once produced.
type WorkItem struct {
	InstrumentID string    `json:"instrument_id"`
	Region       string    `json:"region"`
	AssetClass   string    `json:"asset_class"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// Instrument is one entry of the trading universe.
type Instrument struct {
	Symbol     string `yaml:"symbol" json:"symbol"`
	Region     string `yaml:"region" json:"region"`
	AssetClass string `yaml:"asset_class" json:"asset_class"`
}

const maxInstrumentLen = 20

// ValidateInstrument rejects ids that are empty, too long, contain ".."
// or characters outside [A-Za-z0-9.-].
func ValidateInstrument(id string) error {
	if id == "" || len(id) > maxInstrumentLen {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, id)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, id)
	}
	for _, r := range id {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidSymbol, id)
		}
	}
	return nil
}

// InShard reports whether symbol belongs to shard index of count shards.
// A count of 1 or less means no sharding.
func InShard(symbol string, index, count int) bool {
	if count <= 1 {
		return true
	}
	sum := md5.Sum([]byte(symbol))
	// Low 8 bytes of the digest, big endian.
	v := binary.BigEndian.Uint64(sum[8:])
	return int(v%uint64(count)) == index
}
