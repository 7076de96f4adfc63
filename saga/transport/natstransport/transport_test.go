package natstransport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagarun/saga"
)

func TestMarshalUnmarshalEnvelope_RoundTripsCoreFields(t *testing.T) {
	ts := time.Unix(0, 1700000000000000000)
	msg := saga.Envelope{
		ID:           "m-1",
		Type:         "OrderPlaced",
		Timestamp:    ts,
		Headers:      map[string]string{"trace": "abc"},
		PartitionKey: "order-1",
		Payload:      map[string]any{"amount": 99.5},
	}

	data, err := marshalEnvelope(msg)
	require.NoError(t, err)

	decoded, err := unmarshalEnvelope(data)
	require.NoError(t, err)

	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, msg.Type, decoded.Type)
	assert.Equal(t, ts.UnixNano(), decoded.Timestamp.UnixNano())
	assert.Equal(t, "abc", decoded.Headers["trace"])
	assert.Equal(t, "order-1", decoded.PartitionKey)

	// 跨进程传输的非对称性：解码后 Payload 保持 json.RawMessage，而不是原始 Go 值。
	payload, ok := decoded.Payload.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"amount":99.5}`, string(payload))
}

func TestMarshalEnvelope_FillsZeroTimestampWithNow(t *testing.T) {
	before := time.Now()
	data, err := marshalEnvelope(saga.Envelope{ID: "m-1", Type: "OrderPlaced"})
	require.NoError(t, err)

	decoded, err := unmarshalEnvelope(data)
	require.NoError(t, err)
	assert.False(t, decoded.Timestamp.Before(before.Add(-time.Second)))
}

func TestConfig_WithDefaultsFillsUnsetFields(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "SAGARUN", cfg.Stream)
	assert.Equal(t, "saga.", cfg.SubjectPrefix)
	assert.Equal(t, "sagarun-", cfg.DurablePrefix)
	assert.Equal(t, 30*time.Second, cfg.AckWait)
	assert.Equal(t, 1024, cfg.MaxAckPending)
}

func TestConfig_WithDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := Config{Stream: "CUSTOM", SubjectPrefix: "custom.", DurablePrefix: "custom-", AckWait: time.Minute, MaxAckPending: 5}.withDefaults()
	assert.Equal(t, "CUSTOM", cfg.Stream)
	assert.Equal(t, "custom.", cfg.SubjectPrefix)
	assert.Equal(t, "custom-", cfg.DurablePrefix)
	assert.Equal(t, time.Minute, cfg.AckWait)
	assert.Equal(t, 5, cfg.MaxAckPending)
}

func TestTransport_SubjectNameUsesConfiguredPrefix(t *testing.T) {
	tr := New(Config{SubjectPrefix: "custom."}, nil)
	assert.Equal(t, "custom.OrderPlaced", tr.subjectName("OrderPlaced"))
}

func TestTransport_PublishWithoutStartReturnsError(t *testing.T) {
	tr := New(Config{}, nil)
	err := tr.Publish(context.Background(), saga.Envelope{Type: "OrderPlaced"}, saga.PublishOptions{})
	assert.Error(t, err)
}

var _ saga.Transport = (*Transport)(nil)
