// Package notify publishes settlement outcomes to Kafka after commit.
//
// Each applied or rejected record becomes one message keyed by payer id, so
// a consumer partitioned by key sees a payer's outcomes in sequence order.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/warp/credit-ledger/ledger"
)

// Event types carried in Envelope.Type.
const (
	EventApplied  = "ledger.applied"
	EventRejected = "ledger.rejected"
)

// Envelope wraps every published record.
type Envelope struct {
	Type  string          `json:"type"`
	RunID string          `json:"run_id"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

// KafkaNotifier implements ledger.Notifier.
type KafkaNotifier struct {
	topic string
	p     sarama.SyncProducer
}

var _ ledger.Notifier = (*KafkaNotifier)(nil)

// NewKafkaNotifier dials brokersCSV with reliability-oriented defaults.
func NewKafkaNotifier(brokersCSV, topic string) (*KafkaNotifier, error) {
	if topic == "" {
		return nil, errors.New("notify: topic empty")
	}
	brokers := splitCSV(brokersCSV)
	if len(brokers) == 0 {
		return nil, errors.New("notify: no brokers")
	}

	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	// SyncProducer requires both.
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("notify: connect kafka: %w", err)
	}
	return NewKafkaNotifierWithProducer(p, topic), nil
}

// NewKafkaNotifierWithProducer wraps an existing producer (mocks in tests).
func NewKafkaNotifierWithProducer(p sarama.SyncProducer, topic string) *KafkaNotifier {
	return &KafkaNotifier{topic: topic, p: p}
}

func (k *KafkaNotifier) Close() error {
	if k.p != nil {
		return k.p.Close()
	}
	return nil
}

// Publish sends one message per record of report, in queue order.
func (k *KafkaNotifier) Publish(ctx context.Context, report *ledger.SettlementReport) error {
	if report == nil || report.Empty() {
		return nil
	}
	// SyncProducer does not take a context; honour cancellation up front.
	if err := ctx.Err(); err != nil {
		return err
	}

	ts := report.FinishedAt.UnixMilli()
	msgs := make([]*sarama.ProducerMessage, 0, len(report.Applied)+len(report.Rejected))

	for _, o := range report.Outcomes() {
		typ, v := EventApplied, any(o.Applied)
		if o.Rejected != nil {
			typ, v = EventRejected, o.Rejected
		}
		msg, err := k.message(typ, report.RunID, ts, o.PayerID(), v)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	if err := k.p.SendMessages(msgs); err != nil {
		return fmt.Errorf("notify: kafka publish failed: %w", err)
	}
	return nil
}

func (k *KafkaNotifier) message(typ, runID string, ts int64, key string, v any) (*sarama.ProducerMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(Envelope{Type: typ, RunID: runID, TS: ts, Data: data})
	if err != nil {
		return nil, err
	}
	return &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(b),
	}, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
