package publish

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Event types emitted on the publication lifecycle subject.
const (
	EventStarted      = "publish.started"
	EventStopped      = "publish.stopped"
	EventError        = "publish.error"
	EventReconnecting = "publish.reconnecting"
)

// Event is one lifecycle notification. Consumers include the
// management plane's websocket fan-out and alerting.
type Event struct {
	Type          string    `json:"type"`
	CameraID      uuid.UUID `json:"camera_id"`
	PublicationID uuid.UUID `json:"publication_id"`
	PathName      string    `json:"path_name,omitempty"`
	Error         string    `json:"error,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	At            time.Time `json:"at"`
}

// EventSink receives lifecycle events. Emission is fire-and-forget;
// implementations must not block publication handling.
type EventSink interface {
	Emit(ev Event)
}

// NATSEvents publishes lifecycle events to a NATS subject.
type NATSEvents struct {
	nc      *nats.Conn
	subject string
	logger  *log.Logger
}

func NewNATSEvents(nc *nats.Conn, subject string, logger *log.Logger) *NATSEvents {
	if subject == "" {
		subject = "relay.publish.events"
	}
	return &NATSEvents{nc: nc, subject: subject, logger: logger}
}

// Emit publishes the event, retrying twice on failure. A lost event
// is logged and dropped; publication handling never blocks on the
// broker.
func (p *NATSEvents) Emit(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Printf("events: encoding %s for camera %s: %v", ev.Type, ev.CameraID, err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(100 * time.Millisecond)
		}
		if lastErr = p.nc.Publish(p.subject, payload); lastErr == nil {
			return
		}
	}
	p.logger.Printf("events: dropping %s for camera %s: %v", ev.Type, ev.CameraID, lastErr)
}

// nopEvents is used when no broker is configured.
type nopEvents struct{}

func (nopEvents) Emit(Event) {}
