package kafka

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// writeKeyPair writes a self-signed certificate usable both as a CA bundle
// and as a client certificate.
func writeKeyPair(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "eventsub-test"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	certFile = filepath.Join(dir, "client.pem")
	keyFile = filepath.Join(dir, "client.key")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestConsumerSettings_ClientID(t *testing.T) {
	s := baseSettings()
	anonymous := s
	anonymous.GroupInstanceID = ""

	tests := []struct {
		name string
		s    ConsumerSettings
		want string
	}{
		{"dynamic member", anonymous, "eventsub-orders-consumer"},
		{"static member", s, "eventsub-orders-consumer-orders-host-a"},
		{"derived instance", s.ForInstance(2), "eventsub-orders-consumer-orders-host-a#2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.ClientID(); got != tt.want {
				t.Errorf("ClientID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConsumerSettings_ClientOptions(t *testing.T) {
	s := baseSettings()
	withID, err := s.ClientOptions(nil, "orders")
	if err != nil {
		t.Fatalf("ClientOptions() error = %v", err)
	}

	s.GroupInstanceID = ""
	s.SessionTimeout = 0
	s.MaxPollInterval = 0
	plain, err := s.ClientOptions(nil, "orders")
	if err != nil {
		t.Fatalf("ClientOptions() error = %v", err)
	}
	if len(withID) != len(plain)+3 {
		t.Errorf("expected instance id, session and rebalance options: got %d vs %d", len(withID), len(plain))
	}

	logged, err := s.ClientOptions(slog.New(slog.NewTextHandler(io.Discard, nil)), "orders")
	if err != nil {
		t.Fatalf("ClientOptions() error = %v", err)
	}
	if len(logged) != len(plain)+1 {
		t.Errorf("expected a logger option: got %d vs %d", len(logged), len(plain))
	}
}

func TestConsumerSettings_ClientOptionsRequiresTopic(t *testing.T) {
	if _, err := baseSettings().ClientOptions(nil); err == nil {
		t.Fatal("expected error without topics")
	}
}

func TestConsumerSettings_ClientOptionsInvalid(t *testing.T) {
	s := baseSettings()
	s.GroupID = ""
	if _, err := s.ClientOptions(nil, "orders"); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestProducerOptions(t *testing.T) {
	if _, err := (ClusterConfig{}).ProducerOptions(nil); err == nil {
		t.Fatal("expected error without brokers")
	}

	opts, err := ClusterConfig{Brokers: []string{"localhost:9092"}}.ProducerOptions(nil)
	if err != nil {
		t.Fatalf("ProducerOptions() error = %v", err)
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer cl.Close()
	if id := cl.OptValue(kgo.ClientID); id != "eventsub-publisher" {
		t.Errorf("client id = %v, want eventsub-publisher", id)
	}
}

func TestMechanisms(t *testing.T) {
	auth := AuthConfig{Username: "user", Password: "pass"}
	for _, name := range []string{"PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"} {
		build, ok := mechanisms[name]
		if !ok {
			t.Fatalf("mechanism %s not registered", name)
		}
		if got := build(auth).Name(); got != name {
			t.Errorf("mechanism %s reports name %s", name, got)
		}
	}

	c := ClusterConfig{Brokers: []string{"localhost:9092"}, Auth: AuthConfig{Mechanism: "GSSAPI"}}
	if _, err := c.connOptions("eventsub-test", nil); err == nil || !strings.Contains(err.Error(), "GSSAPI") {
		t.Fatalf("expected unsupported mechanism error, got %v", err)
	}
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "GSSAPI") {
		t.Fatalf("expected Validate to reject GSSAPI, got %v", err)
	}
}

func TestTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeKeyPair(t, dir)
	badPEM := filepath.Join(dir, "bad.pem")
	if err := os.WriteFile(badPEM, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		tls     TLSConfig
		wantNil bool
		wantErr string
	}{
		{name: "disabled", tls: TLSConfig{CAFile: "/ignored"}, wantNil: true},
		{name: "skip verify", tls: TLSConfig{Enabled: true, SkipVerify: true}},
		{name: "ca bundle", tls: TLSConfig{Enabled: true, CAFile: certFile}},
		{name: "mtls", tls: TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile}},
		{name: "missing ca", tls: TLSConfig{Enabled: true, CAFile: filepath.Join(dir, "missing.pem")}, wantErr: "read CA file"},
		{name: "ca without certificates", tls: TLSConfig{Enabled: true, CAFile: badPEM}, wantErr: "no certificates"},
		{name: "unreadable key pair", tls: TLSConfig{Enabled: true, CertFile: certFile, KeyFile: badPEM}, wantErr: "client certificate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := tt.tls.config()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("config() = %v, want error containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("config() error = %v", err)
			}
			if tt.wantNil {
				if cfg != nil {
					t.Fatal("expected no TLS config when disabled")
				}
				return
			}
			if cfg.InsecureSkipVerify != tt.tls.SkipVerify {
				t.Errorf("InsecureSkipVerify = %v", cfg.InsecureSkipVerify)
			}
			if (cfg.RootCAs != nil) != (tt.tls.CAFile != "") {
				t.Errorf("RootCAs set = %v, CA file %q", cfg.RootCAs != nil, tt.tls.CAFile)
			}
			if want := map[bool]int{true: 1, false: 0}[tt.tls.CertFile != ""]; len(cfg.Certificates) != want {
				t.Errorf("expected %d client certificates, got %d", want, len(cfg.Certificates))
			}
		})
	}
}

func TestClientLogger_Level(t *testing.T) {
	tests := []struct {
		level slog.Level
		want  kgo.LogLevel
	}{
		{slog.LevelDebug, kgo.LogLevelInfo},
		{slog.LevelInfo, kgo.LogLevelWarn},
		{slog.LevelWarn, kgo.LogLevelWarn},
		{slog.LevelError, kgo.LogLevelError},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			l := &clientLogger{logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: tt.level}))}
			if got := l.Level(); got != tt.want {
				t.Errorf("Level() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClientLogger_Log(t *testing.T) {
	var buf bytes.Buffer
	l := &clientLogger{logger: slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))}

	l.Log(kgo.LogLevelInfo, "metadata refreshed", "broker", 1)
	if buf.Len() != 0 {
		t.Fatalf("expected client info to be demoted below info, got %s", buf.String())
	}

	l.Log(kgo.LogLevelError, "unable to join group", "group", "orders-consumer")
	out := buf.String()
	if !strings.Contains(out, `"level":"ERROR"`) || !strings.Contains(out, `"group":"orders-consumer"`) {
		t.Errorf("unexpected log line: %s", out)
	}
}
