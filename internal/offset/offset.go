// Package offset persists per-prefix ingestion cursors.
//
// A cursor is addressed by a Partition (for example {"prefix": "events/"})
// and holds an Offset (for example {"last_file": "events/0042.gz"}). Values
// are kept as loosely typed maps so readers can detect corrupted state
// instead of having it silently coerced.
package offset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Partition identifies the stream a cursor belongs to.
type Partition map[string]string

// Offset is the persisted cursor value for a Partition.
type Offset map[string]any

// Key returns a stable string form of the partition, suitable as a storage key.
func (p Partition) Key() string {
	// encoding/json sorts map keys, so equal partitions always encode equally.
	b, _ := json.Marshal(map[string]string(p))
	return string(b)
}

// Reader reads committed offsets. A nil Offset with a nil error means no
// offset has been committed for the partition.
type Reader interface {
	Offset(ctx context.Context, p Partition) (Offset, error)
}

// Store reads and commits offsets.
type Store interface {
	Reader
	Commit(ctx context.Context, p Partition, o Offset) error
	Close() error
}

// ErrUnknownStore is returned by Open for an unsupported store type.
var ErrUnknownStore = errors.New("unknown offset store type")

// Config selects and configures an offset store.
type Config struct {
	Type      string `yaml:"type"`      // memory, redis, postgres
	URL       string `yaml:"url"`       // redis:// or postgres:// URL
	KeyPrefix string `yaml:"keyPrefix"` // redis key namespace
	Table     string `yaml:"table"`     // postgres table name
}

// Validate checks the store configuration.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Type) {
	case "", "memory":
	case "redis", "postgres":
		if c.URL == "" {
			errs = append(errs, fmt.Errorf("offsets.url is required for %s store", c.Type))
		}
		if strings.EqualFold(c.Type, "postgres") && c.Table != "" && !validIdentifier(c.Table) {
			errs = append(errs, fmt.Errorf("offsets.table %q is not a valid identifier", c.Table))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownStore, c.Type))
	}
	return errors.Join(errs...)
}

// IsMemory reports whether c selects the in-process store.
func (c Config) IsMemory() bool {
	t := strings.ToLower(c.Type)
	return t == "" || t == "memory"
}

// Open builds the configured store. namespace scopes keys so that several
// connectors can share one backing store.
func Open(ctx context.Context, cfg Config, namespace string) (Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return OpenRedis(ctx, cfg.URL, joinNamespace(cfg.KeyPrefix, namespace))
	case "postgres":
		return OpenPostgres(ctx, cfg.URL, cfg.Table, namespace)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStore, cfg.Type)
	}
}

func joinNamespace(prefix, namespace string) string {
	if prefix == "" {
		prefix = "s3stream"
	}
	return prefix + ":" + namespace
}

func decodeOffset(data []byte) (Offset, error) {
	var o Offset
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("decode offset: %w", err)
	}
	return o, nil
}
