package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/fxamacker/cbor/v2"
)

// EventType 中继事件类型
type EventType string

const (
	EventSubmitted EventType = "submitted"
	EventConfirmed EventType = "confirmed"
	EventFailed    EventType = "failed"
	EventTimedOut  EventType = "timed_out"
)

// RelayEvent 中继提交生命周期事件，CBOR 编码后写入 comment-events
type RelayEvent struct {
	Type        EventType `cbor:"1,keyasint"`
	Kind        string    `cbor:"2,keyasint"`
	Digest      string    `cbor:"3,keyasint"`
	Author      string    `cbor:"4,keyasint"`
	App         string    `cbor:"5,keyasint"`
	Nonce       string    `cbor:"6,keyasint"`
	TxHash      string    `cbor:"7,keyasint,omitempty"`
	CommentID   string    `cbor:"8,keyasint,omitempty"`
	BlockNumber uint64    `cbor:"9,keyasint,omitempty"`
	Reason      string    `cbor:"10,keyasint,omitempty"`
	At          time.Time `cbor:"11,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	if encMode, err = encOpts.EncMode(); err != nil {
		panic("kafka: cbor encoder: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("kafka: cbor decoder: " + err.Error())
	}
}

// EncodeEvent 确定性编码，相同事件产生相同字节
func EncodeEvent(ev RelayEvent) ([]byte, error) {
	return encMode.Marshal(ev)
}

// DecodeEvent 解码事件
func DecodeEvent(data []byte) (RelayEvent, error) {
	var ev RelayEvent
	if err := decMode.Unmarshal(data, &ev); err != nil {
		return RelayEvent{}, fmt.Errorf("decode relay event: %w", err)
	}
	return ev, nil
}

// EventPublisher 发布中继事件
type EventPublisher interface {
	Publish(ctx context.Context, ev RelayEvent) error
}

// TopicPublisher 写入固定 topic，key 为 author:app 保证同一对的事件有序
type TopicPublisher struct {
	producer *Producer
	topic    string
}

// NewTopicPublisher 创建发布者
func NewTopicPublisher(p *Producer, topic string) *TopicPublisher {
	return &TopicPublisher{producer: p, topic: topic}
}

// Publish 发布事件
func (t *TopicPublisher) Publish(ctx context.Context, ev RelayEvent) error {
	data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	return t.producer.SendMessage(ctx, t.topic, []byte(ev.Author+":"+ev.App), data)
}

// NopPublisher 丢弃事件（未配置 Kafka 时）
type NopPublisher struct{}

// Publish 丢弃
func (NopPublisher) Publish(context.Context, RelayEvent) error { return nil }

// EventHandlerFunc 把解码后的事件交给 fn
type EventHandlerFunc func(RelayEvent) error

// HandleMessage ConsumerHandler
func (f EventHandlerFunc) HandleMessage(msg *sarama.ConsumerMessage) error {
	ev, err := DecodeEvent(msg.Value)
	if err != nil {
		return err
	}
	return f(ev)
}
