package audit

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/civitas/tally/pkg/log"
)

// EventType identifies an auditable orchestration milestone.
type EventType string

const (
	EventChunksCreated       EventType = "CHUNKS_CREATED"
	EventTallyChunkCompleted EventType = "TALLY_CHUNK_COMPLETED"
	EventPartialSubmitted    EventType = "PARTIAL_SUBMITTED"
	EventGuardianCompleted   EventType = "GUARDIAN_COMPLETED"
	EventCombineCompleted    EventType = "COMBINE_COMPLETED"
)

// Event is one audit record. Metadata holds identifiers and counts only;
// secrets and ballot material never appear here.
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	ElectionID string            `json:"electionId"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Sink receives audit events. Emit never blocks the caller and never
// fails the operation being audited.
type Sink interface {
	Emit(eventType EventType, electionID string, metadata map[string]string)
	Close()
}

// NopSink discards events. Used when no audit endpoint is configured.
type NopSink struct{}

func (NopSink) Emit(EventType, string, map[string]string) {}
func (NopSink) Close()                                    {}

// HTTPSink posts events to an external audit endpoint, fire and forget.
// Delivery failures are logged locally and never propagate.
type HTTPSink struct {
	url    string
	client *http.Client
	ch     chan *Event
	stopCh chan struct{}
	done   chan struct{}
	logger zerolog.Logger
}

// NewHTTPSink creates a sink posting to url and starts its delivery loop.
func NewHTTPSink(url string) *HTTPSink {
	s := &HTTPSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		ch:     make(chan *Event, 256),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		logger: log.WithComponent("audit"),
	}
	go s.run()
	return s
}

// Emit enqueues an event. If the buffer is full the event is dropped
// with a local warning rather than stalling orchestration.
func (s *HTTPSink) Emit(eventType EventType, electionID string, metadata map[string]string) {
	event := &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		ElectionID: electionID,
		Timestamp:  time.Now().UTC(),
		Metadata:   metadata,
	}
	select {
	case s.ch <- event:
	default:
		s.logger.Warn().
			Str("type", string(eventType)).
			Str("election_id", electionID).
			Msg("audit buffer full, event dropped")
	}
}

// Close stops the delivery loop after draining buffered events.
func (s *HTTPSink) Close() {
	close(s.stopCh)
	<-s.done
}

func (s *HTTPSink) run() {
	defer close(s.done)
	for {
		select {
		case event := <-s.ch:
			s.deliver(event)
		case <-s.stopCh:
			for {
				select {
				case event := <-s.ch:
					s.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (s *HTTPSink) deliver(event *Event) {
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode audit event")
		return
	}
	resp, err := s.client.Post(s.url, "application/json", bytes.NewReader(body))
	if err != nil {
		s.logger.Warn().Err(err).
			Str("type", string(event.Type)).
			Str("election_id", event.ElectionID).
			Msg("audit delivery failed")
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.logger.Warn().
			Int("status", resp.StatusCode).
			Str("type", string(event.Type)).
			Str("election_id", event.ElectionID).
			Msg("audit endpoint rejected event")
	}
}
