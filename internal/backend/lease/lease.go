// Package lease emulates walrus storage epochs for the local backends.
//
// A Schedule turns wall-clock time into epoch numbers. A Record is the lease a
// stored blob holds; once the current epoch reaches its end epoch the blob is
// gone as far as callers can tell. Backend layers these rules over any
// physical Store so that memory, badger, fs and s3 behave alike.
package lease

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gezibash/git-lfs-walrus/internal/storage"
)

const (
	KeyGenesis       = "genesis"
	KeyEpochDuration = "epoch_duration"
)

// DefaultGenesis is the start of epoch 0 when none is configured.
var DefaultGenesis = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// DefaultEpochDuration matches the walrus testnet epoch length.
const DefaultEpochDuration = 24 * time.Hour

// Defaults returns the schedule keys every local backend accepts.
func Defaults() map[string]string {
	return map[string]string{
		KeyGenesis:       DefaultGenesis.Format(time.RFC3339),
		KeyEpochDuration: DefaultEpochDuration.String(),
	}
}

// Schedule maps time to epochs.
type Schedule struct {
	Genesis       time.Time
	EpochDuration time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// ScheduleFromConfig reads genesis and epoch_duration from a backend config map.
func ScheduleFromConfig(backendName string, config map[string]string) (Schedule, error) {
	genesis, err := storage.GetTime(config, KeyGenesis, DefaultGenesis)
	if err != nil {
		return Schedule{}, storage.NewConfigErrorWithValue(backendName, KeyGenesis, config[KeyGenesis], err.Error())
	}
	dur, err := storage.GetDuration(config, KeyEpochDuration, DefaultEpochDuration)
	if err != nil {
		return Schedule{}, storage.NewConfigErrorWithValue(backendName, KeyEpochDuration, config[KeyEpochDuration], err.Error())
	}
	if dur <= 0 {
		return Schedule{}, storage.NewConfigErrorWithValue(backendName, KeyEpochDuration, config[KeyEpochDuration], "must be positive")
	}
	return Schedule{Genesis: genesis, EpochDuration: dur}, nil
}

// Current returns floor((now - genesis) / epoch_duration), or 0 before genesis.
func (s Schedule) Current() uint64 {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	if !now.After(s.Genesis) || s.EpochDuration <= 0 {
		return 0
	}
	return uint64(now.Sub(s.Genesis) / s.EpochDuration)
}

// Record is the lease held by one stored blob.
type Record struct {
	BlobID     string    `json:"blobId"`
	Size       int64     `json:"size"`
	StartEpoch uint64    `json:"startEpoch"`
	EndEpoch   uint64    `json:"endEpoch"`
	StoredAt   time.Time `json:"storedAt"`
}

// Live reports whether the lease still covers the current epoch.
func (r Record) Live(current uint64) bool {
	return r.EndEpoch > current
}

// Marshal encodes the record as JSON.
func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal decodes a JSON lease record.
func Unmarshal(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decode lease: %w", err)
	}
	if r.BlobID == "" {
		return Record{}, fmt.Errorf("decode lease: missing blobId")
	}
	return r, nil
}

// BlobID derives a walrus-shaped blob id from a content digest: unpadded
// base64url of the sha256.
func BlobID(sum [sha256.Size]byte) string {
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ValidBlobID reports whether id could have come from BlobID.
func ValidBlobID(id string) bool {
	b, err := base64.RawURLEncoding.DecodeString(id)
	return err == nil && len(b) == sha256.Size
}
