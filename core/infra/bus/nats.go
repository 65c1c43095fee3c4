// Package bus carries workflow commands and committed events over NATS.
package bus

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cordum/flowlog/core/infra/logging"
)

const (
	// SubjectCommands carries command envelopes to any engine replica.
	SubjectCommands = "flowlog.commands"
	// SubjectEventsAll matches every workflow's event subject.
	SubjectEventsAll = "flowlog.events.>"
	eventsPrefix     = "flowlog.events."

	envUseJetStream    = "FLOWLOG_NATS_USE_JETSTREAM"
	envJSAckWait       = "FLOWLOG_NATS_JS_ACK_WAIT"
	envJSMaxAge        = "FLOWLOG_NATS_JS_MAX_AGE"
	envNATSTLSCA       = "FLOWLOG_NATS_TLS_CA"
	envNATSTLSCert     = "FLOWLOG_NATS_TLS_CERT"
	envNATSTLSKey      = "FLOWLOG_NATS_TLS_KEY"
	envNATSTLSInsecure = "FLOWLOG_NATS_TLS_INSECURE"

	defaultAckWait = 2 * time.Minute
	defaultMaxAge  = 24 * time.Hour

	streamCommands = "FLOWLOG_COMMANDS"
)

var (
	errNilBus      = errors.New("nats bus not initialized")
	errNilEnvelope = errors.New("nil envelope")
	errEmptyTopic  = errors.New("empty subject")
)

// Handler consumes one decoded envelope. Returning an error built with
// RetryAfter asks JetStream to redeliver.
type Handler func(*structpb.Struct) error

// NatsBus is a thin wrapper over a NATS connection that speaks
// protobuf-encoded structpb envelopes.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
	ackWait   time.Duration
	subs      []*nats.Subscription
}

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("flowlog-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "nats connection closed")
		}),
	}
	tlsCfg, err := natsTLSConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts = append(opts, nats.Secure(tlsCfg))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc, ackWait: defaultAckWait}
	b.initJetStreamFromEnv()
	return b, nil
}

// Close drains subscriptions and shuts down the connection.
func (b *NatsBus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.nc.Close()
}

// EventsSubject is the subject a workflow's committed events go out on.
// Characters NATS treats as token separators or wildcards are replaced.
func EventsSubject(workflowID string) string {
	if strings.TrimSpace(workflowID) == "" {
		return ""
	}
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return eventsPrefix + r.Replace(workflowID)
}

// Publish sends a protobuf-encoded envelope on subject.
func (b *NatsBus) Publish(subject string, env *structpb.Struct) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if env == nil {
		return errNilEnvelope
	}
	data, err := proto.Marshal(env)
	if err != nil {
		return err
	}
	if b.jsEnabled && isDurableSubject(subject) {
		if id := envelopeID(env); id != "" {
			_, err = b.js.Publish(subject, data, nats.MsgId(id))
		} else {
			_, err = b.js.Publish(subject, data)
		}
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe decodes envelopes on subject and hands them to handler. With
// JetStream enabled, durable subjects are consumed with explicit ack/nak.
func (b *NatsBus) Subscribe(subject, queue string, handler Handler) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if handler == nil {
		return errors.New("nil handler")
	}

	var (
		sub *nats.Subscription
		err error
	)
	if b.jsEnabled && isDurableSubject(subject) {
		cb := func(msg *nats.Msg) {
			env, err := decode(msg.Data)
			if err != nil {
				logging.Warn("bus", "dropping undecodable envelope", "subject", msg.Subject, "error", err)
				_ = msg.Ack()
				return
			}
			if err := handler(env); err != nil {
				if delay, ok := retryDelay(err); ok {
					_ = msg.NakWithDelay(delay)
					return
				}
				logging.Warn("bus", "handler error", "subject", msg.Subject, "error", err)
			}
			_ = msg.Ack()
		}
		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(b.ackWait),
			nats.MaxAckPending(1024),
		}
		if durable := durableName(subject, queue); durable != "" {
			opts = append(opts, nats.Durable(durable))
		}
		if queue == "" {
			sub, err = b.js.Subscribe(subject, cb, opts...)
		} else {
			sub, err = b.js.QueueSubscribe(subject, queue, cb, opts...)
		}
	} else {
		cb := func(msg *nats.Msg) {
			env, err := decode(msg.Data)
			if err != nil {
				logging.Warn("bus", "dropping undecodable envelope", "subject", msg.Subject, "error", err)
				return
			}
			if err := handler(env); err != nil {
				logging.Warn("bus", "handler error", "subject", msg.Subject, "error", err)
			}
		}
		if queue == "" {
			sub, err = b.nc.Subscribe(subject, cb)
		} else {
			sub, err = b.nc.QueueSubscribe(subject, queue, cb)
		}
	}
	if err != nil {
		return err
	}
	b.subs = append(b.subs, sub)
	return nil
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func decode(data []byte) (*structpb.Struct, error) {
	var env structpb.Struct
	if err := proto.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

func (b *NatsBus) initJetStreamFromEnv() {
	if b == nil || b.nc == nil || !parseBool(os.Getenv(envUseJetStream)) {
		return
	}
	ackWait := durationEnv(envJSAckWait, defaultAckWait)
	maxAge := durationEnv(envJSMaxAge, defaultMaxAge)

	js, err := b.nc.JetStream()
	if err != nil {
		logging.Warn("bus", "jetstream init failed", "error", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		logging.Warn("bus", "jetstream not available", "error", err)
		return
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamCommands,
		Subjects:   []string{SubjectCommands},
		Retention:  nats.WorkQueuePolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		if _, infoErr := js.StreamInfo(streamCommands); infoErr != nil {
			logging.Warn("bus", "jetstream ensure stream failed", "stream", streamCommands, "error", err)
			return
		}
	}

	b.js = js
	b.jsEnabled = true
	b.ackWait = ackWait
	logging.Info("bus", "jetstream enabled", "ack_wait", ackWait, "max_age", maxAge)
}

func durationEnv(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// isDurableSubject reports whether subject is persisted when JetStream is
// on. Event subjects stay core NATS: subscribers resync from the event log.
func isDurableSubject(subject string) bool {
	return subject == SubjectCommands
}

func durableName(subject, queue string) string {
	clean := strings.NewReplacer(".", "_", "*", "STAR", ">", "GT")
	name := strings.TrimSpace(clean.Replace(subject))
	if name == "" {
		return ""
	}
	q := strings.TrimSpace(clean.Replace(queue))
	if q == "" {
		return "dur_" + name
	}
	return "dur_" + q + "__" + name
}

func natsTLSConfigFromEnv() (*tls.Config, error) {
	caPath := strings.TrimSpace(os.Getenv(envNATSTLSCA))
	certPath := strings.TrimSpace(os.Getenv(envNATSTLSCert))
	keyPath := strings.TrimSpace(os.Getenv(envNATSTLSKey))
	insecure := parseBool(os.Getenv(envNATSTLSInsecure))
	if caPath == "" && certPath == "" && keyPath == "" && !insecure {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if insecure {
		cfg.InsecureSkipVerify = true // #nosec G402 -- operator opt-in for dev clusters.
	}
	if caPath != "" {
		// #nosec G304 -- CA path is operator-provided.
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read nats ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("nats ca %s: no certificates found", caPath)
		}
		cfg.RootCAs = pool
	}
	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, fmt.Errorf("nats tls cert and key must both be set")
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load nats client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

type retryError struct {
	err   error
	delay time.Duration
}

func (e *retryError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.delay, e.err)
}

func (e *retryError) Unwrap() error { return e.err }

// RetryAfter marks err for redelivery after delay on JetStream subjects.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("retry requested")
	}
	return &retryError{err: err, delay: max(delay, 0)}
}

func retryDelay(err error) (time.Duration, bool) {
	var re *retryError
	if errors.As(err, &re) {
		return re.delay, true
	}
	return 0, false
}
