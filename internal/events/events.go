// wabridge - WhatsApp delivery bridge
// Copyright (C) 2026  wabridge contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.

// Package events fans out message status changes to an external sink.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

// StatusEvent is published whenever a tracked message changes state.
//
// JSON schema:
//
//	{
//	  "tracking_id":     "wamid.HBgL...",
//	  "recipient":       "15551234567",
//	  "status":          "delivered",
//	  "previous_status": "sent",
//	  "details":         {...},
//	  "occurred_at":     "2026-01-02T15:04:05Z"
//	}
type StatusEvent struct {
	TrackingID     string          `json:"tracking_id"`
	Recipient      string          `json:"recipient"`
	Status         string          `json:"status"`
	PreviousStatus string          `json:"previous_status,omitempty"`
	Details        json.RawMessage `json:"details,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// Publisher delivers status events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev StatusEvent) error
	Close() error
}

// NopPublisher drops every event. Used when no sink is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, StatusEvent) error { return nil }
func (NopPublisher) Close() error                               { return nil }

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes status events to a Kafka topic keyed by tracking id,
// so every event for one message lands on the same partition in order.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher creates a publisher for topic on the given brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
	}
}

// Publish writes ev synchronously. No retries beyond the writer's own.
func (p *KafkaPublisher) Publish(ctx context.Context, ev StatusEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.TrackingID),
		Value: value,
		Time:  ev.OccurredAt,
	}); err != nil {
		return fmt.Errorf("write status event: %w", err)
	}
	return nil
}

// Close flushes and releases the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
