package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/segmentio/kafka-go"

	"github.com/FireDesk/firegate/internal/model"
	"github.com/FireDesk/firegate/internal/pkg/logger"
)

// KafkaConsumer pulls account snapshots off a topic. Sites that fan
// telemetry out through a broker instead of (or alongside) the bridge
// websocket use this path; both feed the same ingestor.
type KafkaConsumer struct {
	reader *kafka.Reader
	sink   Ingestor
}

func NewKafkaConsumer(brokers []string, topic, groupID string, sink Ingestor) *KafkaConsumer {
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 1 << 20,
		}),
		sink: sink,
	}
}

// Run blocks until ctx is cancelled or the reader is closed.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	logger.Info("telemetry kafka consumer started", "topic", c.reader.Config().Topic)
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		var snap model.AccountSnapshot
		if err := json.Unmarshal(msg.Value, &snap); err != nil {
			logger.Warn("bad snapshot message dropped",
				"topic", msg.Topic, "offset", msg.Offset, "error", err)
			continue
		}
		if snap.UserID == "" {
			continue
		}
		c.sink.Ingest(snap)
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
