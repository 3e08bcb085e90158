package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Bus 内部消息总线接口
type Bus interface {
	// Publish 发布消息到指定主题
	Publish(subject string, v interface{}) error

	// PublishAsync 异步发布消息，批量刷写
	PublishAsync(subject string, v interface{}) error

	// Subscribe 订阅指定主题的消息
	Subscribe(subject string, handler MsgHandler) (Subscription, error)

	// QueueSubscribe 队列订阅，同组内消息只投递一个订阅者
	QueueSubscribe(subject, queue string, handler MsgHandler) (Subscription, error)

	// Close 关闭总线连接
	Close() error
}

// MsgHandler 消息处理函数
type MsgHandler func(subject string, data []byte) error

// Subscription 一个订阅
type Subscription interface {
	Unsubscribe() error
}

// NatsBus 基于NATS的消息总线实现
type NatsBus struct {
	conn *nats.Conn
	mu   sync.RWMutex

	// 异步发布批量刷写
	batchChannel chan batchMessage
	batchSize    int
	flushTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

type batchMessage struct {
	subject string
	data    []byte
}

// NewNatsBus 连接NATS并创建总线
func NewNatsBus(url string) (*NatsBus, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("连接NATS失败: %w", err)
	}
	return WrapConn(nc), nil
}

// WrapConn 在已有连接上构建总线，嵌入式NATS场景使用
func WrapConn(nc *nats.Conn) *NatsBus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &NatsBus{
		conn:         nc,
		batchChannel: make(chan batchMessage, 1000),
		batchSize:    50,
		flushTimeout: 50 * time.Millisecond,
		ctx:          ctx,
		cancel:       cancel,
	}
	b.wg.Add(1)
	go b.batchProcessor()
	return b
}

// Publish 同步发布
func (b *NatsBus) Publish(subject string, v interface{}) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.conn == nil {
		return fmt.Errorf("总线未连接")
	}
	data, err := encode(v)
	if err != nil {
		return err
	}
	return b.conn.Publish(subject, data)
}

// PublishAsync 异步发布，通道满时回退为同步
func (b *NatsBus) PublishAsync(subject string, v interface{}) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	select {
	case b.batchChannel <- batchMessage{subject: subject, data: data}:
		return nil
	case <-b.ctx.Done():
		return fmt.Errorf("总线已关闭")
	default:
		return b.Publish(subject, data)
	}
}

// Subscribe 订阅主题
func (b *NatsBus) Subscribe(subject string, handler MsgHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		if err := handler(msg.Subject, msg.Data); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("消息处理失败")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("订阅 %s 失败: %w", subject, err)
	}
	return sub, nil
}

// QueueSubscribe 队列订阅
func (b *NatsBus) QueueSubscribe(subject, queue string, handler MsgHandler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		if err := handler(msg.Subject, msg.Data); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("消息处理失败")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("队列订阅 %s 失败: %w", subject, err)
	}
	return sub, nil
}

// Close 停止批量处理器并断开连接
func (b *NatsBus) Close() error {
	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	return nil
}

// batchProcessor 批量消息刷写循环
func (b *NatsBus) batchProcessor() {
	defer b.wg.Done()
	batch := make([]batchMessage, 0, b.batchSize)
	ticker := time.NewTicker(b.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			b.flushBatch(batch)
			return
		case msg := <-b.batchChannel:
			batch = append(batch, msg)
			if len(batch) >= b.batchSize {
				b.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				b.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (b *NatsBus) flushBatch(batch []batchMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.conn == nil {
		return
	}
	for _, msg := range batch {
		if err := b.conn.Publish(msg.subject, msg.data); err != nil {
			log.Error().Err(err).Str("subject", msg.subject).Msg("批量发布失败")
		}
	}
	if err := b.conn.Flush(); err != nil {
		log.Error().Err(err).Msg("总线刷新失败")
	}
}

func encode(v interface{}) ([]byte, error) {
	switch msg := v.(type) {
	case []byte:
		return msg, nil
	case string:
		return []byte(msg), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("消息序列化失败: %w", err)
		}
		return data, nil
	}
}
