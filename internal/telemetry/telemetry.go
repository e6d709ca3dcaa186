// Package telemetry publishes one event per upstream items request to Kafka.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

type Event struct {
	Method         string            `json:"method"`
	Path           string            `json:"path"`
	Collection     string            `json:"collection"`
	Query          map[string]string `json:"query,omitempty"`
	Status         int               `json:"status"`
	NumberReturned int               `json:"numberReturned"`
	BBox           []float64         `json:"bbox,omitempty"`
	DurationMS     float64           `json:"durationMs"`
	TS             time.Time         `json:"ts"`
	RequestID      string            `json:"requestId,omitempty"`
}

// Sink receives request events. Implementations must not block.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

type Publisher struct {
	logger  *slog.Logger
	topic   string
	events  chan Event
	prod    sarama.AsyncProducer
	stopped chan struct{}
}

func NewPublisher(logger *slog.Logger, brokers []string, topic string, queueSize int) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create async producer: %w", err)
	}
	return newPublisher(logger, prod, topic, queueSize), nil
}

func newPublisher(logger *slog.Logger, prod sarama.AsyncProducer, topic string, queueSize int) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		logger:  logger,
		topic:   topic,
		events:  make(chan Event, queueSize),
		prod:    prod,
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.logger.Warn("telemetry marshal failed", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Collection),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		for err := range p.prod.Errors() {
			if err != nil {
				p.logger.Warn("telemetry producer error", "err", err)
			}
		}
	}()

	return p
}

// Publish enqueues the event; when the queue is full the event is dropped.
func (p *Publisher) Publish(_ context.Context, ev Event) {
	select {
	case p.events <- ev:
	default:
		observeDropped()
	}
}

func (p *Publisher) Close() error {
	close(p.events)
	<-p.stopped
	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("telemetry: close producer: %w", err)
	}
	return nil
}

// FeaturesBBox returns [minx, miny, maxx, maxy] over all feature geometries,
// or nil when none could be read.
func FeaturesBBox(features []json.RawMessage) []float64 {
	var (
		b     orb.Bound
		found bool
	)
	for _, raw := range features {
		var f struct {
			Geometry json.RawMessage `json:"geometry"`
		}
		if err := json.Unmarshal(raw, &f); err != nil || len(f.Geometry) == 0 || string(f.Geometry) == "null" {
			continue
		}
		g, err := geojson.UnmarshalGeometry(f.Geometry)
		if err != nil || g.Geometry() == nil {
			continue
		}
		gb := g.Geometry().Bound()
		if !found {
			b, found = gb, true
			continue
		}
		b = b.Union(gb)
	}
	if !found {
		return nil
	}
	return []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
}
