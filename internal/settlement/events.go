package settlement

import (
	"context"
	"encoding/json"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "EasyCash-Core/internal/errors"
)

// Event 是一笔交易结算后对外广播的事件。
type Event struct {
	ReferenceID string `json:"reference_id"`
	TxHash      string `json:"tx_hash,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	SourceChain string `json:"source_chain"`
	TargetChain string `json:"target_chain,omitempty"`
	Outcome     string `json:"outcome"`
	ErrorCode   string `json:"error_code,omitempty"`
	OccurredAt  int64  `json:"occurred_at"`
}

// Sink 抽象结算事件的下游投递。
type Sink interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// MemorySink 在内存中缓存事件，测试与开发网使用。
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemorySink 创建一个内存事件汇。
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Publish 追加一条事件。
func (m *MemorySink) Publish(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events 返回已发布事件的快照。
func (m *MemorySink) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Close 实现 Sink 接口。
func (m *MemorySink) Close() error { return nil }

// RabbitMQConfig 描述结算事件队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Durable    bool
	AutoDelete bool
}

// RabbitMQSink 将结算事件投递到 RabbitMQ 队列。
type RabbitMQSink struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQSink 创建 RabbitMQ 事件汇。
func NewRabbitMQSink(cfg RabbitMQConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "ecash.settlements"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePublishFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodePublishFailure, err, "创建 RabbitMQ channel 失败")
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodePublishFailure, err, "声明 RabbitMQ 队列失败")
	}
	return &RabbitMQSink{conn: conn, ch: ch, queue: queue}, nil
}

// Publish 将事件序列化后投递到队列。
func (s *RabbitMQSink) Publish(ctx context.Context, event Event) error {
	if s == nil || s.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 事件汇未初始化")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "序列化结算事件失败")
	}
	if err := s.ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}); err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "投递结算事件失败")
	}
	return nil
}

// Close 关闭 RabbitMQ 连接。
func (s *RabbitMQSink) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
