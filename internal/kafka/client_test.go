package kafka

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// generateTestCert generates a self-signed certificate for testing.
func generateTestCert(t *testing.T) []byte {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
}

// generateTestKeyPair generates a self-signed cert/key pair for mTLS testing.
func generateTestKeyPair(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM
}

func TestClientOptions_Basic(t *testing.T) {
	opts, err := ClientOptions(ClusterConfig{Brokers: []string{"localhost:9092"}})
	if err != nil {
		t.Fatalf("ClientOptions() error = %v", err)
	}
	// seed brokers, client id, acks, compression
	if len(opts) != 4 {
		t.Errorf("ClientOptions() returned %d options, want 4", len(opts))
	}
}

func TestClientOptions_WeakAcksDisableIdempotence(t *testing.T) {
	for _, acks := range []string{"leader", "NONE"} {
		opts, err := ClientOptions(ClusterConfig{Brokers: []string{"b:9092"}, Acks: acks})
		if err != nil {
			t.Fatalf("acks %s: %v", acks, err)
		}
		if len(opts) != 5 {
			t.Errorf("acks %s: got %d options, want 5", acks, len(opts))
		}
	}
}

func TestClientOptions_Compression(t *testing.T) {
	for _, c := range []string{"none", "gzip", "snappy", "lz4", "ZSTD"} {
		if _, err := ClientOptions(ClusterConfig{Brokers: []string{"b:9092"}, Compression: c}); err != nil {
			t.Errorf("compression %s: %v", c, err)
		}
	}
	if _, err := ClientOptions(ClusterConfig{Brokers: []string{"b:9092"}, Compression: "brotli"}); err == nil {
		t.Error("expected error for unsupported compression")
	}
}

func TestClientOptions_WithSASL(t *testing.T) {
	tests := []struct {
		name      string
		mechanism string
		wantErr   bool
	}{
		{"PLAIN", "PLAIN", false},
		{"SCRAM-SHA-256", "SCRAM-SHA-256", false},
		{"SCRAM-SHA-512", "SCRAM-SHA-512", false},
		{"unknown", "UNKNOWN", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ClusterConfig{
				Brokers: []string{"localhost:9092"},
				Auth: AuthConfig{
					Mechanism: tt.mechanism,
					Username:  "user",
					Password:  "pass",
				},
			}

			opts, err := ClientOptions(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ClientOptions() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && len(opts) != 5 {
				t.Error("ClientOptions() should include SASL option")
			}
		})
	}
}

func TestClientOptions_WithTLS(t *testing.T) {
	cfg := ClusterConfig{
		Brokers: []string{"localhost:9092"},
		TLS: TLSConfig{
			Enabled:    true,
			SkipVerify: true,
		},
	}

	opts, err := ClientOptions(cfg)
	if err != nil {
		t.Fatalf("ClientOptions() error = %v", err)
	}
	if len(opts) != 5 {
		t.Error("ClientOptions() should include TLS option")
	}
}

func TestClientOptions_TLSWithCA(t *testing.T) {
	caFile := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(caFile, generateTestCert(t), 0600); err != nil {
		t.Fatalf("Failed to write CA file: %v", err)
	}

	cfg := ClusterConfig{
		Brokers: []string{"localhost:9092"},
		TLS:     TLSConfig{Enabled: true, CAFile: caFile},
	}

	if _, err := ClientOptions(cfg); err != nil {
		t.Fatalf("ClientOptions() error = %v", err)
	}
}

func TestClientOptions_TLSWithInvalidCA(t *testing.T) {
	badPEM := filepath.Join(t.TempDir(), "bad-ca.pem")
	if err := os.WriteFile(badPEM, []byte("not a valid certificate"), 0600); err != nil {
		t.Fatalf("Failed to write CA file: %v", err)
	}

	for _, caFile := range []string{"/nonexistent/ca.pem", badPEM} {
		cfg := ClusterConfig{
			Brokers: []string{"localhost:9092"},
			TLS:     TLSConfig{Enabled: true, CAFile: caFile},
		}
		_, err := ClientOptions(cfg)
		if err == nil || !strings.Contains(err.Error(), "tls config") {
			t.Errorf("CA %s: expected tls config error, got %v", caFile, err)
		}
	}
}

func TestNewProducer_InvalidConfig(t *testing.T) {
	_, err := NewProducer(ClusterConfig{Brokers: []string{"b:9092"}, Auth: AuthConfig{Mechanism: "GSSAPI"}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestNewProducer_DoesNotDial(t *testing.T) {
	client, err := NewProducer(ClusterConfig{Brokers: []string{"127.0.0.1:1"}})
	if err != nil {
		t.Fatalf("NewProducer() error = %v", err)
	}
	client.Close()
}

func TestBuildTLSConfig_Basic(t *testing.T) {
	cfg := TLSConfig{
		Enabled:    true,
		SkipVerify: true,
	}

	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		t.Fatalf("buildTLSConfig() error = %v", err)
	}
	if !tlsCfg.InsecureSkipVerify {
		t.Error("InsecureSkipVerify should be true")
	}
}

func TestBuildTLSConfig_WithMTLS(t *testing.T) {
	// Create temp cert and key files
	tmpDir := t.TempDir()
	certFile := filepath.Join(tmpDir, "cert.pem")
	keyFile := filepath.Join(tmpDir, "key.pem")

	// Generate a valid cert/key pair for testing
	certPEM, keyPEM := generateTestKeyPair(t)

	if err := os.WriteFile(certFile, certPEM, 0600); err != nil {
		t.Fatalf("Failed to write cert file: %v", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		t.Fatalf("Failed to write key file: %v", err)
	}

	cfg := TLSConfig{
		Enabled:  true,
		CertFile: certFile,
		KeyFile:  keyFile,
	}

	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		t.Fatalf("buildTLSConfig() error = %v", err)
	}
	if len(tlsCfg.Certificates) != 1 {
		t.Error("buildTLSConfig() should load client certificate")
	}
}

func TestBuildTLSConfig_WithInvalidCertPath(t *testing.T) {
	cfg := TLSConfig{
		Enabled:  true,
		CertFile: "/nonexistent/cert.pem",
		KeyFile:  "/nonexistent/key.pem",
	}

	_, err := buildTLSConfig(cfg)
	if err == nil {
		t.Error("buildTLSConfig() should fail with nonexistent cert/key files")
	}
}
