// Package redistransport 实现基于 Redis Streams 消费组的 saga.Transport，
// 读循环、XGroupCreateMkStream 的 BUSYGROUP 容错、指数退避重连，都照搬自
// messaging/transport/redisstreams。
//
// 与 NATS 传输一样，不实现 saga.DelayPublisher：go-redis 的 Streams API
// 没有原生的延迟投递原语，调度退回进程内 Scheduler。
package redistransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"sagarun/logging"
	"sagarun/saga"
)

// client 只捕获这个传输依赖的 go-redis 命令子集，便于测试时用假实现替换。
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	Close() error
}

// Config 描述 Redis Streams 传输如何连接与运行。
type Config struct {
	Client       redis.UniversalClient
	Addr         string
	Username     string
	Password     string
	DB           int
	StreamPrefix string
	GroupName    string
	ConsumerName string
	BlockTimeout time.Duration
	ReadCount    int64

	MaxPublishConcurrency int
	MinReadBackoff        time.Duration
	MaxReadBackoff        time.Duration
}

// Transport 是基于 Redis Streams 消费组的 saga.Transport。
type Transport struct {
	cfg       Config
	client    client
	ownClient bool
	logger    logging.ILogger

	handlers      map[string]saga.TransportHandler
	subscriptions map[string]bool

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	pubSem chan struct{}
}

// New 构造一个 Redis Streams 传输。
func New(cfg Config, logger logging.ILogger) (*Transport, error) {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "saga:"
	}
	if cfg.GroupName == "" {
		cfg.GroupName = "sagarun"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "consumer-" + uuid.NewString()
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 10
	}
	if cfg.MinReadBackoff <= 0 {
		cfg.MinReadBackoff = 100 * time.Millisecond
	}
	if cfg.MaxReadBackoff <= 0 {
		cfg.MaxReadBackoff = 5 * time.Second
	}

	var cl client
	var own bool
	if cfg.Client != nil {
		cl = cfg.Client
	} else {
		cl = redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
		own = true
	}
	if cl == nil {
		return nil, errors.New("redistransport: client not configured")
	}
	if logger == nil {
		logger = logging.NewNoopLogger()
	}

	t := &Transport{
		cfg:           cfg,
		client:        cl,
		ownClient:     own,
		logger:        logger.WithField("component", "transport.redis"),
		handlers:      make(map[string]saga.TransportHandler),
		subscriptions: make(map[string]bool),
	}
	if cfg.MaxPublishConcurrency > 0 {
		t.pubSem = make(chan struct{}, cfg.MaxPublishConcurrency)
	}
	return t, nil
}

func (t *Transport) streamName(endpoint string) string {
	return t.cfg.StreamPrefix + endpoint
}

func encodeEnvelope(msg saga.Envelope) (map[string]any, error) {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, err
	}
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return nil, err
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return map[string]any{
		"id":        msg.ID,
		"type":      msg.Type,
		"timestamp": ts.UnixNano(),
		"payload":   string(payload),
		"headers":   string(headers),
		"partition": msg.PartitionKey,
	}, nil
}

func decodeEnvelope(entry redis.XMessage) (saga.Envelope, error) {
	id, _ := entry.Values["id"].(string)
	msgType, _ := entry.Values["type"].(string)
	partitionKey, _ := entry.Values["partition"].(string)

	var payload json.RawMessage
	if raw, _ := entry.Values["payload"].(string); raw != "" {
		payload = json.RawMessage(raw)
	}
	var headers map[string]string
	if raw, _ := entry.Values["headers"].(string); raw != "" {
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			return saga.Envelope{}, err
		}
	}

	ts := time.Now()
	switch v := entry.Values["timestamp"].(type) {
	case int64:
		ts = time.Unix(0, v)
	case string:
		if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
			ts = time.Unix(0, ns)
		}
	}
	if id == "" {
		id = entry.ID
	}

	return saga.Envelope{ID: id, Type: msgType, Timestamp: ts, Payload: payload, Headers: headers, PartitionKey: partitionKey}, nil
}

// Publish 写入一条消息到对应的 Stream。
func (t *Transport) Publish(ctx context.Context, msg saga.Envelope, opts saga.PublishOptions) error {
	if t.pubSem != nil {
		select {
		case t.pubSem <- struct{}{}:
			defer func() { <-t.pubSem }()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = msg.Type
	}
	values, err := encodeEnvelope(msg)
	if err != nil {
		return err
	}
	return t.client.XAdd(ctx, &redis.XAddArgs{Stream: t.streamName(endpoint), Values: values}).Err()
}

// Subscribe 为某个端点注册 handler；若已运行则立即启动读循环。
func (t *Transport) Subscribe(ctx context.Context, opts saga.SubscribeOptions, handler saga.TransportHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[opts.Endpoint] = handler
	if t.running {
		t.startReaderLocked(opts.Endpoint)
	}
	return nil
}

// Start 为已注册的端点逐个启动后台读循环。
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("redistransport: already running")
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	for endpoint := range t.handlers {
		t.startReaderLocked(endpoint)
	}
	t.running = true
	return nil
}

// Stop 停止读循环，并在拥有客户端时关闭它。
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		if t.ownClient {
			return t.client.Close()
		}
		return nil
	}
	t.running = false
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	if t.ownClient {
		return t.client.Close()
	}
	return nil
}

func (t *Transport) startReaderLocked(endpoint string) {
	if t.subscriptions[endpoint] {
		return
	}
	t.subscriptions[endpoint] = true
	t.wg.Add(1)
	go t.readLoop(endpoint)
}

func (t *Transport) readLoop(endpoint string) {
	defer t.wg.Done()
	stream := t.streamName(endpoint)
	if err := t.ensureGroup(stream); err != nil {
		t.logger.Warn(t.ctx, "ensure group failed", logging.String("stream", stream), logging.Error(err))
	}
	args := &redis.XReadGroupArgs{
		Group:    t.cfg.GroupName,
		Consumer: t.cfg.ConsumerName,
		Streams:  []string{stream, ">"},
		Count:    t.cfg.ReadCount,
		Block:    t.cfg.BlockTimeout,
	}
	backoff := t.cfg.MinReadBackoff
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}
		res, err := t.client.XReadGroup(t.ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			t.logger.Warn(t.ctx, "xreadgroup failed", logging.Duration("backoff", backoff), logging.Error(err))
			time.Sleep(backoff)
			backoff *= 2
			if backoff > t.cfg.MaxReadBackoff {
				backoff = t.cfg.MaxReadBackoff
			}
			continue
		}
		backoff = t.cfg.MinReadBackoff

		t.mu.RLock()
		handler := t.handlers[endpoint]
		t.mu.RUnlock()

		for _, streamRes := range res {
			for _, entry := range streamRes.Messages {
				env, decodeErr := decodeEnvelope(entry)
				if decodeErr != nil {
					t.logger.Warn(t.ctx, "decode redis stream entry failed", logging.Error(decodeErr))
					_ = t.client.XAck(t.ctx, streamRes.Stream, t.cfg.GroupName, entry.ID).Err()
					continue
				}
				var handleErr error
				if handler != nil {
					handleErr = handler(t.ctx, env)
				}
				if handleErr != nil {
					// 不 ack：消息留在消费组的待处理列表（PEL）里；读循环只读取新消息
					// （">"），不会再次取回它。
					t.logger.Warn(t.ctx, "handler failed, leaving unacked for redelivery", logging.Error(handleErr))
					continue
				}
				if ackErr := t.client.XAck(t.ctx, streamRes.Stream, t.cfg.GroupName, entry.ID).Err(); ackErr != nil {
					t.logger.Warn(t.ctx, "xack failed", logging.Error(ackErr))
				}
			}
		}
	}
}

func (t *Transport) ensureGroup(stream string) error {
	err := t.client.XGroupCreateMkStream(t.ctx, stream, t.cfg.GroupName, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return nil
	}
	type xinfo interface {
		XInfoGroups(ctx context.Context, key string) *redis.XInfoGroupsCmd
	}
	if xi, ok := t.client.(xinfo); ok {
		if groups, gerr := xi.XInfoGroups(t.ctx, stream).Result(); gerr == nil {
			for _, g := range groups {
				if g.Name == t.cfg.GroupName {
					return nil
				}
			}
		}
	}
	return err
}

var _ saga.Transport = (*Transport)(nil)
