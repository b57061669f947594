package broadcast

import (
	"context"
	"fmt"

	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
)

//TopicPublisher is the part of the messaging context used to publish events
type TopicPublisher interface {
	PublishOnTopic(message messaging.TopicMessage) error
}

type topicEvent struct {
	domain.Event
	topic string
}

func (e *topicEvent) ContentType() string {
	return "application/json"
}

func (e *topicEvent) TopicName() string {
	return e.topic
}

//AMQPPublisher publishes events on the message bus
type AMQPPublisher struct {
	messenger TopicPublisher
}

//NewAMQPPublisher wraps a messaging context
func NewAMQPPublisher(messenger TopicPublisher) *AMQPPublisher {
	return &AMQPPublisher{messenger: messenger}
}

//AMQPTopic returns the topic events of a given type are published on
func AMQPTopic(systemID uint, eventType string) string {
	return fmt.Sprintf("systems.%d.%s", systemID, eventType)
}

//Publish sends the event to the topic of its tenant and type
func (p *AMQPPublisher) Publish(ctx context.Context, systemID uint, event domain.Event) error {
	return p.messenger.PublishOnTopic(&topicEvent{Event: event, topic: AMQPTopic(systemID, event.Type)})
}
