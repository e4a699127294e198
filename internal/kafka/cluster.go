// Package kafka builds franz-go clients for a connector's destination cluster.
package kafka

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lsm/s3stream/internal/retry"
)

// DefaultClientID identifies s3stream producers to the brokers.
const DefaultClientID = "s3stream"

// DefaultRetry governs re-delivery of records Kafka failed to acknowledge.
var DefaultRetry = retry.Config{
	MaxAttempts:     5,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     30 * time.Second,
	Jitter:          0.2,
}

var (
	validMechanisms  = []string{"PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"}
	validCompression = []string{"none", "gzip", "snappy", "lz4", "zstd"}
	validAcks        = []string{"all", "leader", "none"}
)

// ClusterConfig defines the destination cluster and producer settings.
type ClusterConfig struct {
	Brokers     []string     `yaml:"brokers"`
	ClientID    string       `yaml:"clientID,omitempty"`
	Compression string       `yaml:"compression,omitempty"` // none, gzip, snappy, lz4, zstd
	Acks        string       `yaml:"acks,omitempty"`        // all (default), leader, none
	Auth        AuthConfig   `yaml:"auth,omitempty"`
	TLS         TLSConfig    `yaml:"tls,omitempty"`
	Retry       retry.Config `yaml:"retry,omitempty"`
}

// AuthConfig defines SASL authentication for Kafka.
type AuthConfig struct {
	Mechanism string `yaml:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// TLSConfig defines TLS settings for Kafka connections.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CAFile     string `yaml:"caFile,omitempty"`
	CertFile   string `yaml:"certFile,omitempty"` // For mTLS
	KeyFile    string `yaml:"keyFile,omitempty"`  // For mTLS
	SkipVerify bool   `yaml:"skipVerify,omitempty"`
}

// WithDefaults fills unset producer fields.
func (c ClusterConfig) WithDefaults() ClusterConfig {
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.Acks == "" {
		c.Acks = "all"
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
	c.Compression = strings.ToLower(c.Compression)
	c.Acks = strings.ToLower(c.Acks)
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = DefaultRetry.MaxAttempts
	}
	if c.Retry.MaxAttempts > 0 {
		c.Retry = c.Retry.WithDefaults()
	}
	return c
}

// Validate checks the cluster configuration for errors.
func (c *ClusterConfig) Validate() error {
	var errs []error

	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("brokers are required"))
	}
	for i, b := range c.Brokers {
		if strings.TrimSpace(b) == "" {
			errs = append(errs, fmt.Errorf("brokers[%d] is empty", i))
		}
	}

	if c.Compression != "" && !slices.Contains(validCompression, strings.ToLower(c.Compression)) {
		errs = append(errs, fmt.Errorf("compression %q is not valid (must be one of %s)", c.Compression, strings.Join(validCompression, ", ")))
	}
	if c.Acks != "" && !slices.Contains(validAcks, strings.ToLower(c.Acks)) {
		errs = append(errs, fmt.Errorf("acks %q is not valid (must be one of %s)", c.Acks, strings.Join(validAcks, ", ")))
	}

	if c.Auth.Mechanism != "" {
		if !slices.Contains(validMechanisms, c.Auth.Mechanism) {
			errs = append(errs, fmt.Errorf("auth.mechanism %q is not valid (must be PLAIN, SCRAM-SHA-256, or SCRAM-SHA-512)", c.Auth.Mechanism))
		}
		if c.Auth.Username == "" {
			errs = append(errs, errors.New("auth.username is required when mechanism is set"))
		}
		if c.Auth.Password == "" {
			errs = append(errs, errors.New("auth.password is required when mechanism is set"))
		}
	}

	if c.TLS.CertFile != "" && c.TLS.KeyFile == "" {
		errs = append(errs, errors.New("tls.keyFile is required when certFile is specified"))
	}
	if c.TLS.KeyFile != "" && c.TLS.CertFile == "" {
		errs = append(errs, errors.New("tls.certFile is required when keyFile is specified"))
	}

	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.maxAttempts must be >= 0"))
	}

	return errors.Join(errs...)
}
