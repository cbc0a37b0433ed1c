package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mmeshcher/washmart/internal/model"
	"github.com/mmeshcher/washmart/internal/repository"
)

// MessageWriter — часть kafka.Writer, нужная публикатору.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher пишет события в топик Kafka. Ключ сообщения — ID заказа:
// события одного заказа попадают в одну партицию.
type KafkaPublisher struct {
	writer MessageWriter
}

// NewKafkaWriter создаёт writer для брокеров и топика.
func NewKafkaWriter(brokers []string, topic string) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher: brokers are required")
	}
	if topic == "" {
		return nil, errors.New("kafka publisher: topic is required")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}, nil
}

// NewKafkaPublisher создаёт публикатор поверх writer.
func NewKafkaPublisher(writer MessageWriter) (*KafkaPublisher, error) {
	if writer == nil {
		return nil, errors.New("kafka publisher: writer is required")
	}
	return &KafkaPublisher{writer: writer}, nil
}

func (p *KafkaPublisher) PublishStatusChanged(ctx context.Context, evt model.OrderStatusChanged) error {
	data, err := repository.Encode(evt)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(evt.OrderID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(EventType)},
			{Key: "shopId", Value: []byte(evt.ShopID)},
		},
		Time: evt.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
