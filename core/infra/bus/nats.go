package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/coffer-io/coffer/core/events"
	"github.com/coffer-io/coffer/core/infra/envutil"
	"github.com/coffer-io/coffer/core/infra/logging"
	"github.com/coffer-io/coffer/core/infra/secrets"
)

// NatsBus is a thin wrapper over a NATS connection that publishes engine
// events as JSON.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
	ackWait   time.Duration
}

const (
	envUseJetStream = "COFFER_NATS_JETSTREAM"
	envJSAckWait    = "COFFER_NATS_JS_ACK_WAIT"
	envJSMaxAge     = "COFFER_NATS_JS_MAX_AGE"

	defaultAckWait = 10 * time.Minute
	defaultMaxAge  = 7 * 24 * time.Hour

	streamEvents = "COFFER_EVENTS"

	eventSubjectPrefix = "coffer.events."

	// SubjectAllEvents matches every engine event.
	SubjectAllEvents = "coffer.events.>"
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errEmptyTopic = errors.New("empty subject")
)

// EventSubject maps an event type to its NATS subject.
func EventSubject(eventType string) string {
	return eventSubjectPrefix + eventType
}

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	tlsConf, err := natsTLSConfigFromEnv()
	if err != nil {
		return nil, err
	}
	opts := []nats.Option{
		nats.Name("coffer-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("[BUS] disconnected from NATS: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] reconnected to NATS at %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] connection closed")
		}),
	}
	if tlsConf != nil {
		opts = append(opts, nats.Secure(tlsConf))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc, ackWait: defaultAckWait}
	b.initJetStreamFromEnv()
	return b, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

// PublishEvent sends one engine event on its type subject.
func (b *NatsBus) PublishEvent(ev events.Event) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if ev.Type == "" {
		return errEmptyTopic
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	// Subscribers are external; never let a secret reference leave on the wire.
	if clean, changed, redErr := secrets.RedactJSON(data); redErr == nil && changed {
		logging.Info("bus", "redacted secret references in outbound event", "type", ev.Type)
		data = clean
	}
	subject := EventSubject(ev.Type)
	if b.jsEnabled {
		if msgID := computeMsgID(ev); msgID != "" {
			_, err = b.js.Publish(subject, data, nats.MsgId(msgID))
		} else {
			_, err = b.js.Publish(subject, data)
		}
		return err
	}
	return b.nc.Publish(subject, data)
}

// EventSink adapts the bus to the engine's observer interface. Publish
// failures are logged, never surfaced to the engine.
func (b *NatsBus) EventSink() events.Sink {
	return natsSink{bus: b}
}

type natsSink struct {
	bus *NatsBus
}

func (s natsSink) Publish(_ context.Context, ev events.Event) {
	if err := s.bus.PublishEvent(ev); err != nil {
		logging.Error("bus", "event publish failed", "type", ev.Type, "error", err)
	}
}

// SubscribeEvents attaches a subscription for event subjects and decodes the
// JSON payloads. With JetStream enabled, delivery uses explicit ack/nak:
// a RetryableError from the handler naks with its delay.
func (b *NatsBus) SubscribeEvents(subject, queue string, handler func(events.Event) error) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	if b.jsEnabled {
		cb := func(msg *nats.Msg) {
			var ev events.Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				log.Printf("nats bus: failed to decode event: %v", err)
				_ = msg.Ack()
				return
			}
			if err := handler(ev); err != nil {
				if delay, ok := RetryDelay(err); ok {
					if delay > 0 {
						_ = msg.NakWithDelay(delay)
					} else {
						_ = msg.Nak()
					}
					return
				}
				log.Printf("nats bus: handler error (ack): %v", err)
				_ = msg.Ack()
				return
			}
			_ = msg.Ack()
		}

		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(b.ackWait),
			nats.MaxAckPending(2048),
		}
		if isDurableSubject(subject) {
			if durable := durableName(subject, queue); durable != "" {
				opts = append(opts, nats.Durable(durable))
			}
		}

		var err error
		if queue == "" {
			_, err = b.js.Subscribe(subject, cb, opts...)
		} else {
			_, err = b.js.QueueSubscribe(subject, queue, cb, opts...)
		}
		return err
	}

	cb := func(msg *nats.Msg) {
		var ev events.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("nats bus: failed to decode event: %v", err)
			return
		}
		if err := handler(ev); err != nil {
			log.Printf("nats bus: handler error: %v", err)
		}
	}
	if queue == "" {
		_, err := b.nc.Subscribe(subject, cb)
		return err
	}
	_, err := b.nc.QueueSubscribe(subject, queue, cb)
	return err
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

func (b *NatsBus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}

func initJetStreamEnabled() bool {
	return envutil.Bool(os.Getenv(envUseJetStream))
}

func (b *NatsBus) initJetStreamFromEnv() {
	if b == nil || b.nc == nil {
		return
	}
	if !initJetStreamEnabled() {
		return
	}
	ackWait := defaultAckWait
	if v := strings.TrimSpace(os.Getenv(envJSAckWait)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			ackWait = d
		}
	}
	maxAge := defaultMaxAge
	if v := strings.TrimSpace(os.Getenv(envJSMaxAge)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			maxAge = d
		}
	}

	js, err := b.nc.JetStream()
	if err != nil {
		log.Printf("[BUS] jetstream init failed: %v", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		log.Printf("[BUS] jetstream not available: %v", err)
		return
	}

	// Ensure the event stream exists (best-effort).
	if _, err := js.AddStream(&nats.StreamConfig{
		Name:       streamEvents,
		Subjects:   []string{SubjectAllEvents},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	}); err != nil {
		if _, infoErr := js.StreamInfo(streamEvents); infoErr != nil {
			log.Printf("[BUS] jetstream ensure stream failed name=%s: %v", streamEvents, err)
			return
		}
	} else {
		log.Printf("[BUS] jetstream stream ensured name=%s max_age=%s", streamEvents, maxAge)
	}

	b.js = js
	b.jsEnabled = true
	b.ackWait = ackWait
	log.Printf("[BUS] jetstream enabled ack_wait=%s", ackWait)
}

// isDurableSubject reports whether a subject belongs to the durable event
// space. Ad-hoc subjects get plain ephemeral consumers.
func isDurableSubject(subject string) bool {
	return strings.HasPrefix(subject, eventSubjectPrefix)
}

func durableName(subject, queue string) string {
	name := strings.ReplaceAll(subject, ".", "_")
	name = strings.ReplaceAll(name, "*", "STAR")
	name = strings.ReplaceAll(name, ">", "GT")
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if queue == "" {
		return "dur_" + name
	}
	q := strings.ReplaceAll(queue, ".", "_")
	q = strings.ReplaceAll(q, "*", "STAR")
	q = strings.ReplaceAll(q, ">", "GT")
	q = strings.TrimSpace(q)
	if q == "" {
		return "dur_" + name
	}
	return "dur_" + q + "__" + name
}

// computeMsgID derives a JetStream dedupe id. Only manifest events carry
// one; an artifact id is appended at most once, so replays collapse.
func computeMsgID(ev events.Event) string {
	if ev.Type != events.TypeManifestAppended {
		return ""
	}
	id := strings.TrimSpace(ev.Ref.ArtifactID)
	if id == "" {
		return ""
	}
	return ev.Type + ":" + id
}
