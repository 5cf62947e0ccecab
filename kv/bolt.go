package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"
)

const (
	// boltCompressionThreshold is the minimum payload size before compression
	// is considered. zstd overhead is not worth it for smaller payloads.
	boltCompressionThreshold = 2048

	// boltMaxDecompressedSize is the hard cap during decompression to prevent
	// compression bombs.
	boltMaxDecompressedSize = 10 * 1024 * 1024
)

var boltBucketEntries = []byte("entries")

// boltEnvelope wraps a stored value with its encoding and expiry.
type boltEnvelope struct {
	Payload   []byte `json:"p"`
	Encoding  string `json:"e,omitempty"` // "" (identity) or "zstd"
	ExpiresAt int64  `json:"x,omitempty"` // unix nanos, 0 means no expiry
}

// Bolt is a Store backed by a local bbolt database. Values are stored in TTL
// envelopes; expired entries are treated as misses on read and removed in
// batches by a Reaper.
type Bolt struct {
	db      *bbolt.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *slog.Logger
	now     func() time.Time
}

// BoltOption configures a Bolt store.
type BoltOption func(*Bolt)

// WithBoltLogger sets the logger.
func WithBoltLogger(logger *slog.Logger) BoltOption {
	return func(b *Bolt) {
		b.logger = logger
	}
}

// WithBoltNow sets the time function for testing.
func WithBoltNow(now func() time.Time) BoltOption {
	return func(b *Bolt) {
		b.now = now
	}
}

// NewBolt opens (or creates) a bbolt database at the given path.
func NewBolt(path string, opts ...BoltOption) (*Bolt, error) {
	b := &Bolt{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt store: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucketEntries)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating entries bucket: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	b.db = db
	b.encoder = encoder
	b.decoder = decoder

	b.logger.Debug("opened bolt store", "path", path)
	return b, nil
}

// Get retrieves a value, treating expired envelopes as misses.
func (b *Bolt) Get(_ context.Context, key string) ([]byte, bool, error) {
	var raw []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(boltBucketEntries).Get([]byte(key))
		if val == nil {
			return nil
		}
		raw = make([]byte, len(val))
		copy(raw, val)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("bolt get %s: %w", key, err)
	}
	if raw == nil {
		return nil, false, nil
	}

	var env boltEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false, fmt.Errorf("decoding envelope for %s: %w", key, err)
	}

	if env.ExpiresAt > 0 && !b.now().Before(time.Unix(0, env.ExpiresAt)) {
		// Expired entries are left for the reaper.
		return nil, false, nil
	}

	value, err := b.decodePayload(env)
	if err != nil {
		return nil, false, fmt.Errorf("decoding payload for %s: %w", key, err)
	}
	return value, true, nil
}

// SetEx stores a value with a TTL, compressing larger payloads.
func (b *Bolt) SetEx(_ context.Context, key string, value []byte, ttl time.Duration) error {
	env := b.encodePayload(value)
	if ttl > 0 {
		env.ExpiresAt = b.now().Add(ttl).UnixNano()
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope for %s: %w", key, err)
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucketEntries).Put([]byte(key), raw)
	})
	if err != nil {
		return fmt.Errorf("bolt set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (b *Bolt) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucketEntries).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("bolt delete %s: %w", key, err)
	}
	return nil
}

// Keys lists unexpired keys with the given prefix.
func (b *Bolt) Keys(_ context.Context, prefix string) ([]string, error) {
	now := b.now()
	var keys []string

	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(boltBucketEntries).Cursor()
		p := []byte(prefix)
		for k, v := cursor.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = cursor.Next() {
			var env boltEnvelope
			if err := json.Unmarshal(v, &env); err != nil {
				continue
			}
			if env.ExpiresAt > 0 && !now.Before(time.Unix(0, env.ExpiresAt)) {
				continue
			}
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt keys %s: %w", prefix, err)
	}
	return keys, nil
}

// Reap deletes up to limit expired entries and returns the number removed.
func (b *Bolt) Reap(_ context.Context, limit int) (int, error) {
	now := b.now()
	deleted := 0

	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(boltBucketEntries)
		cursor := bucket.Cursor()

		var expired [][]byte
		for k, v := cursor.First(); k != nil && len(expired) < limit; k, v = cursor.Next() {
			var env boltEnvelope
			if err := json.Unmarshal(v, &env); err != nil {
				continue
			}
			if env.ExpiresAt > 0 && !now.Before(time.Unix(0, env.ExpiresAt)) {
				key := make([]byte, len(k))
				copy(key, k)
				expired = append(expired, key)
			}
		}

		for _, key := range expired {
			if err := bucket.Delete(key); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("bolt reap: %w", err)
	}
	return deleted, nil
}

// Close closes the database and releases codec resources. The codec fields
// are never nilled so a request racing shutdown sees a closed codec error
// instead of a nil dereference.
func (b *Bolt) Close() error {
	if b.encoder != nil {
		b.encoder.Close()
	}
	if b.decoder != nil {
		b.decoder.Close()
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing bolt store")
	return b.db.Close()
}

func (b *Bolt) encodePayload(value []byte) boltEnvelope {
	if len(value) < boltCompressionThreshold || b.encoder == nil {
		return boltEnvelope{Payload: value}
	}
	compressed := b.encoder.EncodeAll(value, nil)
	if len(compressed) >= len(value) {
		return boltEnvelope{Payload: value}
	}
	return boltEnvelope{Payload: compressed, Encoding: "zstd"}
}

func (b *Bolt) decodePayload(env boltEnvelope) ([]byte, error) {
	switch env.Encoding {
	case "":
		return env.Payload, nil
	case "zstd":
		if b.decoder == nil {
			return nil, fmt.Errorf("decoder not initialized")
		}
		decompressed, err := b.decoder.DecodeAll(env.Payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing: %w", err)
		}
		if len(decompressed) > boltMaxDecompressedSize {
			return nil, fmt.Errorf("decompressed payload exceeds maximum size")
		}
		return decompressed, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", env.Encoding)
	}
}

var _ Store = (*Bolt)(nil)
