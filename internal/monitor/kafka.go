package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"passage/pkg/apperrors"
)

// KafkaReporter publishes error reports to a kafka topic. Produces are
// asynchronous; delivery failures are logged and dropped.
type KafkaReporter struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewKafka connects a producer to the given brokers.
func NewKafka(brokers []string, topic string, logger *slog.Logger) (*KafkaReporter, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, err
	}
	return &KafkaReporter{client: client, topic: topic, logger: logger}, nil
}

// report is the wire shape of a monitoring event.
type report struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	StatusCode int            `json:"status_code"`
	Context    map[string]any `json:"context,omitempty"`
	Cause      string         `json:"cause,omitempty"`
	ReportedAt time.Time      `json:"reported_at"`
}

// Report publishes the error. Never blocks on broker acknowledgement.
func (r *KafkaReporter) Report(ctx context.Context, appErr *apperrors.Error) {
	if appErr == nil {
		return
	}

	rec := report{
		Code:       string(appErr.Code),
		Message:    appErr.Message,
		StatusCode: appErr.StatusCode,
		Context:    appErr.Context,
		ReportedAt: time.Now().UTC(),
	}
	if cause := appErr.Unwrap(); cause != nil {
		rec.Cause = cause.Error()
	}

	value, err := json.Marshal(rec)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to marshal monitor report", "error", err)
		return
	}

	r.client.Produce(ctx, &kgo.Record{Topic: r.topic, Value: value}, func(_ *kgo.Record, err error) {
		if err != nil {
			r.logger.WarnContext(ctx, "failed to publish monitor report",
				"error", err,
				"code", rec.Code,
			)
		}
	})
}

// Close flushes pending produces and releases the client.
func (r *KafkaReporter) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.client.Flush(ctx)
	r.client.Close()
}
