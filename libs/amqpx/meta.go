package amqpx

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// HeaderEventType carries the publisher's event name next to the body.
const HeaderEventType = "event_type"

// EventMeta is the metadata logged for every consumed message.
type EventMeta struct {
	MessageID string
	EventType string
	Exchange  string
}

func ExtractEventMeta(d amqp.Delivery) EventMeta {
	eventType := HeaderValue(d.Headers, HeaderEventType)
	if eventType == "" {
		eventType = d.Type
	}
	if eventType == "" {
		eventType = d.RoutingKey
	}
	return EventMeta{
		MessageID: d.MessageId,
		EventType: eventType,
		Exchange:  d.Exchange,
	}
}

func HeaderValue(headers amqp.Table, key string) string {
	return headerCarrier(headers).Get(key)
}
