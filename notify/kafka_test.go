package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/credit-ledger/ledger"
)

// capturingProducer records the batches handed to SendMessages.
type capturingProducer struct {
	sarama.SyncProducer
	sent [][]*sarama.ProducerMessage
}

func (c *capturingProducer) SendMessages(msgs []*sarama.ProducerMessage) error {
	c.sent = append(c.sent, msgs)
	return nil
}

func (c *capturingProducer) Close() error { return nil }

func sampleReport() *ledger.SettlementReport {
	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	return &ledger.SettlementReport{
		RunID:      "run_01",
		StartedAt:  at,
		FinishedAt: at,
		Applied: []ledger.AppliedEntry{{
			ID: "apl_1", RunID: "run_01", AppliedAt: at,
			TransactionRequest: ledger.TransactionRequest{TxID: "t1", Kind: ledger.KindTip, PayerID: "A", RecipientID: "B", Amount: 300, Sequence: 1},
		}},
		Rejected: []ledger.RejectedEntry{{
			ID: "rej_1", RunID: "run_01", RejectedAt: at,
			Code: ledger.RejectInsufficientBalance, Reason: "insufficient balance (have 700, need 2000)",
			Request: ledger.TransactionRequest{TxID: "t2", Kind: ledger.KindTip, PayerID: "C", RecipientID: "B", Amount: 2000, Sequence: 2},
		}},
	}
}

func decodeEnvelope(t *testing.T, enc sarama.Encoder) Envelope {
	t.Helper()
	b, err := enc.Encode()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(b, &env))
	return env
}

func TestPublish_OneMessagePerRecordKeyedByPayer(t *testing.T) {
	// GIVEN: A report with one applied and one rejected record
	p := &capturingProducer{}
	n := NewKafkaNotifierWithProducer(p, "ledger.settlements")

	// WHEN: Publishing
	require.NoError(t, n.Publish(context.Background(), sampleReport()))

	// THEN: One batch of two messages, applied first
	require.Len(t, p.sent, 1)
	msgs := p.sent[0]
	require.Len(t, msgs, 2)

	assert.Equal(t, "ledger.settlements", msgs[0].Topic)
	assert.Equal(t, sarama.StringEncoder("A"), msgs[0].Key)
	assert.Equal(t, sarama.StringEncoder("C"), msgs[1].Key)

	applied := decodeEnvelope(t, msgs[0].Value)
	assert.Equal(t, EventApplied, applied.Type)
	assert.Equal(t, "run_01", applied.RunID)
	assert.Equal(t, time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC).UnixMilli(), applied.TS)

	var entry ledger.AppliedEntry
	require.NoError(t, json.Unmarshal(applied.Data, &entry))
	assert.Equal(t, "t1", entry.TxID)
	assert.Equal(t, int64(300), entry.Amount)

	rejected := decodeEnvelope(t, msgs[1].Value)
	assert.Equal(t, EventRejected, rejected.Type)

	var rej ledger.RejectedEntry
	require.NoError(t, json.Unmarshal(rejected.Data, &rej))
	assert.Equal(t, ledger.RejectInsufficientBalance, rej.Code)
	assert.Equal(t, "t2", rej.Request.TxID)
}

func TestPublish_FollowsQueueOrder(t *testing.T) {
	// GIVEN: A pass where the rejected request was queued before the applied one
	p := &capturingProducer{}
	n := NewKafkaNotifierWithProducer(p, "ledger.settlements")
	report := sampleReport()
	report.Order = []string{"rej_1", "apl_1"}

	// WHEN: Publishing
	require.NoError(t, n.Publish(context.Background(), report))

	// THEN: Messages follow the queue, not the applied/rejected grouping
	require.Len(t, p.sent, 1)
	msgs := p.sent[0]
	require.Len(t, msgs, 2)
	assert.Equal(t, EventRejected, decodeEnvelope(t, msgs[0].Value).Type)
	assert.Equal(t, sarama.StringEncoder("C"), msgs[0].Key)
	assert.Equal(t, EventApplied, decodeEnvelope(t, msgs[1].Value).Type)
	assert.Equal(t, sarama.StringEncoder("A"), msgs[1].Key)
}

func TestPublish_EmptyReportSendsNothing(t *testing.T) {
	p := &capturingProducer{}
	n := NewKafkaNotifierWithProducer(p, "topic")

	require.NoError(t, n.Publish(context.Background(), nil))
	require.NoError(t, n.Publish(context.Background(), &ledger.SettlementReport{RunID: "run_x"}))
	assert.Empty(t, p.sent)
}

func TestPublish_CancelledContext(t *testing.T) {
	p := &capturingProducer{}
	n := NewKafkaNotifierWithProducer(p, "topic")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, n.Publish(ctx, sampleReport()), context.Canceled)
	assert.Empty(t, p.sent)
}

func TestPublish_WithMockProducer(t *testing.T) {
	p := mocks.NewSyncProducer(t, nil)
	p.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var env Envelope
		if err := json.Unmarshal(val, &env); err != nil {
			return err
		}
		if env.Type != EventApplied {
			return errors.New("expected applied event first")
		}
		return nil
	})
	p.ExpectSendMessageAndSucceed()

	n := NewKafkaNotifierWithProducer(p, "topic")
	require.NoError(t, n.Publish(context.Background(), sampleReport()))
	require.NoError(t, n.Close())
}

func TestPublish_BrokerFailure(t *testing.T) {
	p := mocks.NewSyncProducer(t, nil)
	p.ExpectSendMessageAndSucceed()
	p.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	n := NewKafkaNotifierWithProducer(p, "topic")
	err := n.Publish(context.Background(), sampleReport())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka publish failed")
	require.NoError(t, n.Close())
}

func TestNewKafkaNotifier_Validation(t *testing.T) {
	_, err := NewKafkaNotifier("localhost:9092", "")
	assert.Error(t, err)

	_, err = NewKafkaNotifier(" , ", "topic")
	assert.Error(t, err)
}

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"a:1", "b:2"}, splitCSV(" a:1 ,, b:2 "))
	assert.Nil(t, splitCSV(""))
}
