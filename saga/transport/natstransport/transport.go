// Package natstransport 实现基于 NATS JetStream 的 saga.Transport，
// 结构与订阅/ack/流配置逻辑照搬自
// messaging/transport/natsjetstream（Config 字段、ensureStream 的
// WorkQueuePolicy 默认值、durable 消费者命名规则都沿用同样的约定）。
//
// 信封在线路上以 JSON 编码；收到的消息里 Payload 字段保留为
// json.RawMessage，由 CorrelationRule.Extract/Handler 自行按约定的类型
// 解码——这与内存/同步传输里 Payload 保持原始 Go 值不同，是跨进程
// 传输固有的非对称性。
package natstransport

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"sagarun/logging"
	"sagarun/saga"
)

// Config 配置 JetStream 传输。
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	DurablePrefix string
	AckWait       time.Duration
	MaxAckPending int
	Conn          *nats.Conn

	Retention         string // workqueue|limits|interest（默认 workqueue）
	MaxBytes          int64
	Replicas          int
	MaxMsgsPerSubject int64
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = "SAGARUN"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "saga."
	}
	if c.DurablePrefix == "" {
		c.DurablePrefix = "sagarun-"
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = 1024
	}
	return c
}

// Transport 是 JetStream 版的 saga.Transport。它不实现 saga.DelayPublisher
// ——JetStream 没有原生的延迟发布原语，调度走进程内 Scheduler 退回路径。
type Transport struct {
	cfg      Config
	logger   logging.ILogger
	conn     *nats.Conn
	js       nats.JetStreamContext
	ownsConn bool

	mu       sync.RWMutex
	running  bool
	handlers map[string]saga.TransportHandler
	subs     map[string]*nats.Subscription
}

// New 创建一个尚未连接的传输。
func New(cfg Config, logger logging.ILogger) *Transport {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &Transport{
		cfg:      cfg.withDefaults(),
		logger:   logger.WithField("component", "transport.nats"),
		handlers: make(map[string]saga.TransportHandler),
		subs:     make(map[string]*nats.Subscription),
	}
}

type wireEnvelope struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Timestamp    int64             `json:"timestamp"`
	Headers      map[string]string `json:"headers,omitempty"`
	PartitionKey string            `json:"partitionKey,omitempty"`
	Payload      json.RawMessage   `json:"payload"`
}

func marshalEnvelope(msg saga.Envelope) ([]byte, error) {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, err
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return json.Marshal(wireEnvelope{
		ID: msg.ID, Type: msg.Type, Timestamp: ts.UnixNano(),
		Headers: msg.Headers, PartitionKey: msg.PartitionKey, Payload: payload,
	})
}

func unmarshalEnvelope(data []byte) (saga.Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return saga.Envelope{}, err
	}
	return saga.Envelope{
		ID:           w.ID,
		Type:         w.Type,
		Timestamp:    time.Unix(0, w.Timestamp),
		Headers:      w.Headers,
		PartitionKey: w.PartitionKey,
		Payload:      w.Payload,
	}, nil
}

func (t *Transport) subjectName(endpoint string) string {
	return t.cfg.SubjectPrefix + endpoint
}

// Publish 发布一条消息到 JetStream。
func (t *Transport) Publish(ctx context.Context, msg saga.Envelope, opts saga.PublishOptions) error {
	t.mu.RLock()
	js := t.js
	running := t.running
	t.mu.RUnlock()
	if !running || js == nil {
		return errors.New("natstransport: not running")
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = msg.Type
	}
	data, err := marshalEnvelope(msg)
	if err != nil {
		return err
	}
	_, err = js.Publish(t.subjectName(endpoint), data)
	return err
}

// Subscribe 注册一个端点的 handler；若传输已运行，立即建立 JetStream 订阅。
func (t *Transport) Subscribe(ctx context.Context, opts saga.SubscribeOptions, handler saga.TransportHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[opts.Endpoint] = handler
	if t.running {
		return t.subscribeLocked(opts.Endpoint)
	}
	return nil
}

// Start 建立连接、确保流存在，并为已注册的端点订阅。
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("natstransport: already running")
	}
	if err := t.ensureConnection(); err != nil {
		return err
	}
	if err := t.ensureStream(); err != nil {
		return err
	}
	for endpoint := range t.handlers {
		if err := t.subscribeLocked(endpoint); err != nil {
			return err
		}
	}
	t.running = true
	return nil
}

// Stop 排空订阅并关闭拥有的连接。
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	t.running = false
	for endpoint, sub := range t.subs {
		_ = sub.Drain()
		delete(t.subs, endpoint)
	}
	if t.ownsConn && t.conn != nil {
		t.conn.Close()
	}
	t.conn = nil
	t.js = nil
	return nil
}

func (t *Transport) ensureConnection() error {
	if t.conn != nil && t.js != nil {
		return nil
	}
	if t.cfg.Conn != nil {
		t.conn = t.cfg.Conn
	} else {
		url := t.cfg.URL
		if url == "" {
			url = nats.DefaultURL
		}
		conn, err := nats.Connect(url)
		if err != nil {
			return err
		}
		t.conn = conn
		t.ownsConn = true
	}
	js, err := t.conn.JetStream()
	if err != nil {
		return err
	}
	t.js = js
	return nil
}

func (t *Transport) ensureStream() error {
	_, err := t.js.StreamInfo(t.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(err.Error(), "stream not found") {
		return err
	}
	retention := nats.WorkQueuePolicy
	switch strings.ToLower(t.cfg.Retention) {
	case "limits":
		retention = nats.LimitsPolicy
	case "interest":
		retention = nats.InterestPolicy
	}
	sc := &nats.StreamConfig{
		Name:              t.cfg.Stream,
		Subjects:          []string{t.cfg.SubjectPrefix + ">"},
		Retention:         retention,
		MaxMsgsPerSubject: -1,
	}
	if t.cfg.MaxMsgsPerSubject != 0 {
		sc.MaxMsgsPerSubject = t.cfg.MaxMsgsPerSubject
	}
	if t.cfg.MaxBytes > 0 {
		sc.MaxBytes = t.cfg.MaxBytes
	}
	if t.cfg.Replicas > 0 {
		sc.Replicas = t.cfg.Replicas
	}
	_, err = t.js.AddStream(sc)
	return err
}

func (t *Transport) subscribeLocked(endpoint string) error {
	if _, exists := t.subs[endpoint]; exists {
		return nil
	}
	subject := t.subjectName(endpoint)
	durable := t.cfg.DurablePrefix + endpoint
	sub, err := t.js.QueueSubscribe(subject, durable, t.handleMessage(endpoint),
		nats.ManualAck(),
		nats.Durable(durable),
		nats.AckWait(t.cfg.AckWait),
		nats.MaxAckPending(t.cfg.MaxAckPending))
	if err != nil {
		return err
	}
	t.subs[endpoint] = sub
	return nil
}

func (t *Transport) handleMessage(endpoint string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		env, err := unmarshalEnvelope(msg.Data)
		if err != nil {
			t.logger.Warn(context.Background(), "decode envelope failed", logging.String("endpoint", endpoint), logging.Error(err))
			_ = msg.Ack()
			return
		}

		t.mu.RLock()
		handler := t.handlers[endpoint]
		t.mu.RUnlock()

		ctx := context.Background()
		var handleErr error
		if handler != nil {
			handleErr = handler(ctx, env)
		}
		if handleErr != nil {
			// nack：让 JetStream 立即重投，不等 AckWait 到期。
			if nakErr := msg.Nak(); nakErr != nil {
				t.logger.Warn(ctx, "nats nak failed", logging.Error(nakErr))
			}
			return
		}
		if err := msg.Ack(); err != nil {
			t.logger.Warn(ctx, "nats ack failed", logging.Error(err))
		}
	}
}

var _ saga.Transport = (*Transport)(nil)
