package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Lifecycle event subjects published by the control plane.
const (
	SubjectPlanCreated   = "plan.created"
	SubjectPlanApproved  = "plan.approved"
	SubjectPlanRejected  = "plan.rejected"
	SubjectRunQueued     = "run.queued"
	SubjectRunLeased     = "run.leased"
	SubjectRunCompleted  = "run.completed"
	SubjectRunFailed     = "run.failed"
	SubjectRunRolledBack = "run.rolled_back"
)

var (
	errNilBus       = errors.New("nats bus not initialized")
	errEmptySubject = errors.New("empty subject")
)

// Event is the JSON payload published on lifecycle subjects.
type Event struct {
	Subject        string         `json:"subject"`
	InstallationID string         `json:"installation_id,omitempty"`
	PlanID         string         `json:"plan_id,omitempty"`
	RunID          string         `json:"run_id,omitempty"`
	Detail         map[string]any `json:"detail,omitempty"`
	At             time.Time      `json:"at"`
}

// NatsBus is a thin wrapper over a NATS connection that speaks JSON events.
// A nil *NatsBus is a valid no-op publisher so components can run without a bus.
type NatsBus struct {
	nc *nats.Conn
}

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("pagepilot-bus"),
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
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBus{nc: nc}, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// IsConnected reports connection health.
func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

// Publish sends a JSON-encoded event on the given subject. Publishing on a
// nil bus is a no-op so callers do not need to guard every emit site.
func (b *NatsBus) Publish(subject string, event Event) error {
	if b == nil || b.nc == nil {
		return nil
	}
	if subject == "" {
		return errEmptySubject
	}
	event.Subject = subject
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.nc.Publish(subject, data)
}

// Subscribe attaches a subscription that decodes JSON events and invokes the
// handler. An empty queue name subscribes without a queue group.
func (b *NatsBus) Subscribe(subject, queue string, handler func(Event)) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptySubject
	}
	cb := func(msg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			log.Printf("[BUS] drop undecodable event on %s: %v", msg.Subject, err)
			return
		}
		handler(evt)
	}
	var err error
	if queue != "" {
		_, err = b.nc.QueueSubscribe(subject, queue, cb)
	} else {
		_, err = b.nc.Subscribe(subject, cb)
	}
	return err
}
