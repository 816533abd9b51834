package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/charging-platform/cp-simulator/internal/config"
	"github.com/charging-platform/cp-simulator/internal/metrics"
)

// envelope wraps every published event with its kind and origin so consumers
// can demultiplex a single topic.
type envelope struct {
	Kind      string      `json:"kind"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data"`
}

// KafkaBus publishes simulator events to a single Kafka topic, keyed by
// session id so one session's events stay ordered within a partition.
type KafkaBus struct {
	producer sarama.AsyncProducer
	topic    string
}

// NewKafkaBus creates an async producer with local acks and snappy
// compression.
func NewKafkaBus(cfg config.KafkaConfig) (*KafkaBus, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	saramaCfg.Producer.Compression = sarama.CompressionSnappy
	saramaCfg.Producer.Flush.Frequency = cfg.Producer.FlushFrequency
	if saramaCfg.Producer.Flush.Frequency <= 0 {
		saramaCfg.Producer.Flush.Frequency = 500 * time.Millisecond
	}
	saramaCfg.Producer.Retry.Max = cfg.Producer.RetryMax
	saramaCfg.Producer.Return.Successes = cfg.Producer.ReturnSuccess
	saramaCfg.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka async producer: %w", err)
	}

	kb := &KafkaBus{
		producer: producer,
		topic:    cfg.EventTopic,
	}

	if cfg.Producer.ReturnSuccess {
		go kb.handleSuccesses()
	}
	go kb.handleErrors()

	return kb, nil
}

// PublishLog implements Bus.
func (b *KafkaBus) PublishLog(sessionID string, entry LogEntry) {
	b.publish("log", sessionID, entry)
}

// PublishChart implements Bus.
func (b *KafkaBus) PublishChart(sessionID string, point ChartPoint) {
	b.publish("chart", sessionID, point)
}

// PublishOcppMessage implements Bus.
func (b *KafkaBus) PublishOcppMessage(sessionID string, msg OcppMessage) {
	b.publish("ocpp", sessionID, msg)
}

// PublishMetrics implements Bus. Snapshots are keyed by kind, not session.
func (b *KafkaBus) PublishMetrics(snapshot metrics.Snapshot) {
	b.publish("metrics", "", snapshot)
}

func (b *KafkaBus) publish(kind, sessionID string, data interface{}) {
	payload, err := json.Marshal(envelope{Kind: kind, SessionID: sessionID, Data: data})
	if err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("failed to marshal event")
		return
	}

	key := sessionID
	if key == "" {
		key = kind
	}
	b.producer.Input() <- &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}
}

// Close implements Bus.
func (b *KafkaBus) Close() error {
	if err := b.producer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}

func (b *KafkaBus) handleSuccesses() {
	for msg := range b.producer.Successes() {
		log.Debug().
			Str("topic", msg.Topic).
			Msg("event published")
	}
}

func (b *KafkaBus) handleErrors() {
	for err := range b.producer.Errors() {
		log.Error().
			Err(err).
			Str("topic", err.Msg.Topic).
			Msg("failed to publish event")
	}
}
