package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/mmeshcher/washmart/internal/model"
	"github.com/mmeshcher/washmart/internal/repository"
)

// Topic публикует сообщение и возвращает его идентификатор на сервере.
type Topic interface {
	Publish(ctx context.Context, msg *pubsub.Message) (string, error)
	Stop()
}

type pubsubTopic struct {
	topic *pubsub.Topic
}

// WrapTopic адаптирует *pubsub.Topic к интерфейсу Topic, дожидаясь подтверждения публикации.
func WrapTopic(topic *pubsub.Topic) Topic {
	return pubsubTopic{topic: topic}
}

func (t pubsubTopic) Publish(ctx context.Context, msg *pubsub.Message) (string, error) {
	return t.topic.Publish(ctx, msg).Get(ctx)
}

func (t pubsubTopic) Stop() { t.topic.Stop() }

// PubSubPublisher публикует события в топик Google Cloud Pub/Sub.
type PubSubPublisher struct {
	topic Topic
}

// NewPubSubPublisher создаёт публикатор поверх топика.
func NewPubSubPublisher(topic Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub publisher: topic is required")
	}
	return &PubSubPublisher{topic: topic}, nil
}

func (p *PubSubPublisher) PublishStatusChanged(ctx context.Context, evt model.OrderStatusChanged) error {
	data, err := repository.Encode(evt)
	if err != nil {
		return err
	}

	attrs := map[string]string{"eventType": EventType}
	setAttr(attrs, "orderId", evt.OrderID)
	setAttr(attrs, "shopId", evt.ShopID)
	setAttr(attrs, "userId", evt.UserID)
	setAttr(attrs, "newStatus", string(evt.NewStatus))
	if evt.OrderNumber > 0 {
		attrs["orderNumber"] = strconv.FormatInt(evt.OrderNumber, 10)
	}

	if _, err := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: evt.OrderID,
	}); err != nil {
		return fmt.Errorf("publish status change: %w", err)
	}
	return nil
}

func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return nil
}

func setAttr(attrs map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
