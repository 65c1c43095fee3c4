package bus

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestEventsSubject(t *testing.T) {
	if EventsSubject("") != "" {
		t.Fatalf("expected empty subject for empty id")
	}
	if got := EventsSubject("wf-1"); got != "flowlog.events.wf-1" {
		t.Fatalf("unexpected subject %q", got)
	}
	if got := EventsSubject("a.b*c>d e"); got != "flowlog.events.a_b_c_d_e" {
		t.Fatalf("wildcards not sanitized: %q", got)
	}
}

func TestIsDurableSubject(t *testing.T) {
	cases := map[string]bool{
		SubjectCommands:         true,
		EventsSubject("wf-1"):   false,
		SubjectEventsAll:        false,
		"flowlog.commands.test": false,
	}
	for subject, want := range cases {
		if got := isDurableSubject(subject); got != want {
			t.Fatalf("subject %s: durable=%v, want %v", subject, got, want)
		}
	}
}

func TestDurableName(t *testing.T) {
	if durableName("", "") != "" {
		t.Fatalf("expected empty durable name")
	}
	if got := durableName(SubjectCommands, ""); got != "dur_flowlog_commands" {
		t.Fatalf("unexpected durable %q", got)
	}
	if got := durableName(SubjectEventsAll, QueueEngine); got != "dur_flowlog-engine__flowlog_events_GT" {
		t.Fatalf("unexpected durable %q", got)
	}
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", " on "} {
		if !parseBool(v) {
			t.Fatalf("expected %q to parse true", v)
		}
	}
	for _, v := range []string{"", "0", "no", "off", "nope"} {
		if parseBool(v) {
			t.Fatalf("expected %q to parse false", v)
		}
	}
}

func TestDurationEnv(t *testing.T) {
	t.Setenv(envJSAckWait, "")
	if got := durationEnv(envJSAckWait, time.Minute); got != time.Minute {
		t.Fatalf("expected default, got %s", got)
	}
	t.Setenv(envJSAckWait, "15s")
	if got := durationEnv(envJSAckWait, time.Minute); got != 15*time.Second {
		t.Fatalf("expected 15s, got %s", got)
	}
	t.Setenv(envJSAckWait, "-3s")
	if got := durationEnv(envJSAckWait, time.Minute); got != time.Minute {
		t.Fatalf("negative duration should fall back, got %s", got)
	}
}

func TestNilBus(t *testing.T) {
	var b *NatsBus
	if err := b.Publish(SubjectCommands, &structpb.Struct{}); !errors.Is(err, errNilBus) {
		t.Fatalf("expected errNilBus, got %v", err)
	}
	if err := b.Subscribe(SubjectCommands, "", func(*structpb.Struct) error { return nil }); !errors.Is(err, errNilBus) {
		t.Fatalf("expected errNilBus, got %v", err)
	}
	if b.IsConnected() {
		t.Fatalf("nil bus should not report connected")
	}
	if b.Status() != "UNKNOWN" {
		t.Fatalf("unexpected status %q", b.Status())
	}
	b.Close()
}

func TestRetryAfter(t *testing.T) {
	base := errors.New("conflict")
	err := RetryAfter(base, 2*time.Second)
	if !errors.Is(err, base) {
		t.Fatalf("retry error should wrap its cause")
	}
	delay, ok := retryDelay(err)
	if !ok || delay != 2*time.Second {
		t.Fatalf("expected 2s retry, got %s ok=%v", delay, ok)
	}
	if _, ok := retryDelay(base); ok {
		t.Fatalf("plain error should not carry a retry delay")
	}
	if delay, _ := retryDelay(RetryAfter(nil, -time.Second)); delay != 0 {
		t.Fatalf("negative delay should clamp to zero, got %s", delay)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	env, err := structpb.NewStruct(map[string]any{"kind": "events", "id": "x"})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	data, err := proto.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if Kind(got) != "events" || envelopeID(got) != "x" {
		t.Fatalf("unexpected envelope %v", got)
	}
	if _, err := decode([]byte{0xff, 0xff}); err == nil {
		t.Fatalf("expected decode error for garbage")
	}
}

func TestNATSTLSConfigFromEnvUnset(t *testing.T) {
	cfg, err := natsTLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected no tls config")
	}
}

func TestNATSTLSConfigFromEnvInsecure(t *testing.T) {
	t.Setenv(envNATSTLSInsecure, "yes")
	cfg, err := natsTLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil || !cfg.InsecureSkipVerify {
		t.Fatalf("expected insecure config")
	}
}

func TestNATSTLSConfigFromEnvClientCert(t *testing.T) {
	certPath, keyPath := writeSelfSigned(t, t.TempDir())
	t.Setenv(envNATSTLSCA, certPath)
	t.Setenv(envNATSTLSCert, certPath)
	t.Setenv(envNATSTLSKey, keyPath)

	cfg, err := natsTLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RootCAs == nil || len(cfg.Certificates) != 1 {
		t.Fatalf("expected root pool and one client cert")
	}
}

func TestNATSTLSConfigFromEnvErrors(t *testing.T) {
	dir := t.TempDir()
	certPath, _ := writeSelfSigned(t, dir)

	t.Setenv(envNATSTLSCert, certPath)
	if _, err := natsTLSConfigFromEnv(); err == nil {
		t.Fatalf("expected error for cert without key")
	}

	t.Setenv(envNATSTLSCert, "")
	bogus := filepath.Join(dir, "bogus.pem")
	if err := os.WriteFile(bogus, []byte("not a cert"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(envNATSTLSCA, bogus)
	if _, err := natsTLSConfigFromEnv(); err == nil {
		t.Fatalf("expected error for empty ca bundle")
	}
}

func writeSelfSigned(t *testing.T, dir string) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(7),
		Subject:               pkix.Name{CommonName: "flowlog-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	certPath := filepath.Join(dir, "client.crt")
	keyPath := filepath.Join(dir, "client.key")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}
