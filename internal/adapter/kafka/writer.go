// Package kafka publishes matched properties to a Kafka topic so
// downstream consumers can act on a run without reading the CSV artifact.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/hail-property-matcher/internal/config"
	"github.com/couchcryptid/hail-property-matcher/internal/domain"
	"github.com/couchcryptid/hail-property-matcher/internal/observability"
)

const batchSize = 500

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher writes one message per matched property, keyed by property ID.
type Publisher struct {
	writer  messageWriter
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewPublisher creates a producer for the configured topic.
func NewPublisher(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Publisher{writer: w, clock: clockwork.NewRealClock(), logger: logger, metrics: metrics}
}

// Publish sends every property with at least one match. Messages go out in
// batches; an error leaves earlier batches delivered.
func (p *Publisher) Publish(ctx context.Context, runID string, res domain.MatchResult) error {
	publishedAt := p.clock.Now().UTC()

	batch := make([]kafkago.Message, 0, batchSize)
	sent := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.writer.WriteMessages(ctx, batch...); err != nil {
			return &domain.ExternalServiceError{Service: "kafka", Op: "publish matches", Attempts: 1, Err: err}
		}
		sent += len(batch)
		p.metrics.MessagesPublished.Add(float64(len(batch)))
		batch = batch[:0]
		return nil
	}

	for _, mp := range res.Matched {
		if mp.MatchedEventCount == 0 {
			continue
		}
		msg, err := serializeToMessage(runID, publishedAt, res, mp)
		if err != nil {
			return err
		}
		batch = append(batch, msg)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	p.logger.Info("matched properties published", "run_id", runID, "messages", sent)
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

type matchedEvent struct {
	ID            string  `json:"id"`
	Date          string  `json:"date"`
	Magnitude     float64 `json:"magnitude"`
	DistanceMiles float64 `json:"distance_miles"`
	County        string  `json:"county,omitempty"`
	Place         string  `json:"place,omitempty"`
}

type matchedMessage struct {
	PropertyID            string            `json:"property_id"`
	Latitude              float64           `json:"latitude"`
	Longitude             float64           `json:"longitude"`
	Attributes            map[string]string `json:"attributes,omitempty"`
	MatchedEventCount     int               `json:"matched_event_count"`
	NearestEventDistance  float64           `json:"nearest_event_distance"`
	NearestEventMagnitude float64           `json:"nearest_event_magnitude"`
	Events                []matchedEvent    `json:"events"`
}

// serializeToMessage marshals a matched property and its events.
func serializeToMessage(runID string, publishedAt time.Time, res domain.MatchResult, mp domain.MatchedProperty) (kafkago.Message, error) {
	m := matchedMessage{
		PropertyID:            mp.Property.ID,
		Latitude:              mp.Property.Lat,
		Longitude:             mp.Property.Lon,
		MatchedEventCount:     mp.MatchedEventCount,
		NearestEventDistance:  domain.RoundTo(mp.NearestEventDistance, 4),
		NearestEventMagnitude: mp.NearestEventMagnitude,
		Events:                make([]matchedEvent, len(mp.Matches)),
	}
	if len(mp.Property.Attributes) > 0 {
		m.Attributes = make(map[string]string, len(mp.Property.Attributes))
		for _, a := range mp.Property.Attributes {
			m.Attributes[a.Name] = a.Value
		}
	}
	for i, match := range mp.Matches {
		ev := res.Events[match.Event]
		m.Events[i] = matchedEvent{
			ID:            ev.ID,
			Date:          ev.Time.Format("2006-01-02"),
			Magnitude:     ev.Magnitude,
			DistanceMiles: domain.RoundTo(match.DistanceMiles, 4),
			County:        ev.County,
			Place:         ev.Place,
		}
	}

	data, err := json.Marshal(m)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize matched property: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(mp.Property.ID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "run_id", Value: []byte(runID)},
			{Key: "published_at", Value: []byte(publishedAt.Format(time.RFC3339))},
		},
	}, nil
}
