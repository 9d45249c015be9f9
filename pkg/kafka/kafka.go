package kafka

import (
	"context"
	"errors"
	"sync"

	"github.com/IBM/sarama"

	"comments-relay/pkg/logger"
)

// KafkaConfig 配置
type KafkaConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
}

// Producer 生产者
type Producer struct {
	asyncProducer sarama.AsyncProducer
	log           logger.Logger
	wg            sync.WaitGroup
}

// Consumer 消费者
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	ready   chan struct{}
	once    sync.Once
	log     logger.Logger
	Handler ConsumerHandler
}

// ConsumerHandler 处理单条消息，返回 nil 时提交位移
type ConsumerHandler interface {
	HandleMessage(msg *sarama.ConsumerMessage) error
}

// InitProducer 初始化生产者，按 key 哈希分区保证同一 (author, app) 的事件有序
func InitProducer(brokers []string, log logger.Logger) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Partitioner = sarama.NewHashPartitioner
	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return newProducer(producer, log), nil
}

// NewProducerFrom 包装已有的 sarama 生产者（测试中使用 mocks）
func NewProducerFrom(producer sarama.AsyncProducer, log logger.Logger) *Producer {
	return newProducer(producer, log)
}

func newProducer(producer sarama.AsyncProducer, log logger.Logger) *Producer {
	if log == nil {
		log = logger.Nop()
	}
	p := &Producer{asyncProducer: producer, log: log}
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		for range producer.Successes() {
		}
	}()
	go func() {
		defer p.wg.Done()
		for perr := range producer.Errors() {
			p.log.Error(context.Background(), "Kafka produce failed",
				logger.F("topic", perr.Msg.Topic),
				logger.F("error", perr.Err))
		}
	}()
	return p
}

// SendMessage 发送消息
func (p *Producer) SendMessage(ctx context.Context, topic string, key, value []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.ByteEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	select {
	case p.asyncProducer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 关闭生产者，等待已提交消息的结果
func (p *Producer) Close() error {
	err := p.asyncProducer.Close()
	p.wg.Wait()
	return err
}

// InitConsumer 初始化消费者
func InitConsumer(cfg KafkaConfig, handler ConsumerHandler, log logger.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	c := &Consumer{
		group:   group,
		topics:  cfg.Topics,
		ready:   make(chan struct{}),
		log:     log,
		Handler: handler,
	}
	return c, nil
}

// StartConsuming 启动消费，第一次分配分区后返回
func (c *Consumer) StartConsuming(ctx context.Context) error {
	go func() {
		for {
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.log.Error(ctx, "Error from consumer", logger.F("error", err))
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 关闭消费者组
func (c *Consumer) Close() error {
	return c.group.Close()
}

// Setup sarama.ConsumerGroupHandler
func (c *Consumer) Setup(_ sarama.ConsumerGroupSession) error {
	c.once.Do(func() { close(c.ready) })
	return nil
}

// Cleanup sarama.ConsumerGroupHandler
func (c *Consumer) Cleanup(_ sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim 消费消息
func (c *Consumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := c.Handler.HandleMessage(msg); err != nil {
			c.log.Warn(sess.Context(), "Message handling failed",
				logger.F("topic", msg.Topic),
				logger.F("offset", msg.Offset),
				logger.F("error", err))
			continue
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
