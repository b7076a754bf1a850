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

// Package outbox dispatches WhatsApp sends queued on a Kafka topic.
//
// Producers publish dispatch requests as JSON to the outbox topic. Each one
// is sent once through the same dispatcher the HTTP endpoint uses, so the
// resulting tracking ids land in the status store. Requests that cannot be
// decoded or that fail to send are copied to a dead-letter topic and the
// offset is committed so the consumer keeps making progress.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/jredh-dev/wabridge/internal/apperr"
	"github.com/jredh-dev/wabridge/internal/dispatch"
)

// Header keys set on dead-lettered messages.
const (
	HeaderError     = "wabridge-error"
	HeaderErrorCode = "wabridge-error-code"
)

// Dispatcher sends one request. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Send(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config names the topics and consumer group.
type Config struct {
	Brokers  []string
	Topic    string
	DLQTopic string
	GroupID  string
}

// Consumer reads dispatch requests and commits each offset after the request
// was either sent or dead-lettered.
type Consumer struct {
	reader     messageReader
	dlq        messageWriter
	dispatcher Dispatcher
	topic      string
	logger     zerolog.Logger
}

// NewConsumer creates a Consumer connected to cfg.Brokers.
func NewConsumer(cfg Config, d Dispatcher, logger zerolog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		CommitInterval: 0, // explicit commits only
		StartOffset:    kafka.LastOffset,
	})
	dlq := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.DLQTopic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
	return newConsumer(reader, dlq, d, cfg.Topic, logger)
}

func newConsumer(r messageReader, dlq messageWriter, d Dispatcher, topic string, logger zerolog.Logger) *Consumer {
	return &Consumer{
		reader:     r,
		dlq:        dlq,
		dispatcher: d,
		topic:      topic,
		logger:     logger.With().Str("component", "outbox").Logger(),
	}
}

// Run blocks, consuming until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Str("topic", c.topic).Msg("consuming outbox")

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch: %w", err)
		}

		c.handle(ctx, m)

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Err(err).Int64("offset", m.Offset).Msg("commit failed, message may be redelivered")
		}
	}
}

// Close releases all Kafka resources.
func (c *Consumer) Close() error {
	rerr := c.reader.Close()
	werr := c.dlq.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}

// handle performs a single send attempt. Failures are dead-lettered.
func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	var req dispatch.Request
	if err := json.Unmarshal(m.Value, &req); err != nil {
		c.deadLetter(ctx, m, apperr.BadInput("undecodable outbox message: "+err.Error()))
		return
	}

	res, err := c.dispatcher.Send(ctx, req)
	if err != nil {
		c.deadLetter(ctx, m, err)
		return
	}
	c.logger.Info().
		Str("key", string(m.Key)).
		Strs("tracking_ids", res.TrackingIDs).
		Msg("outbox message sent")
}

func (c *Consumer) deadLetter(ctx context.Context, original kafka.Message, reason error) {
	env := apperr.Envelope(reason)
	c.logger.Warn().
		Err(reason).
		Str("key", string(original.Key)).
		Str("code", env.TextCode).
		Msg("routing outbox message to dead-letter topic")

	err := c.dlq.WriteMessages(ctx, kafka.Message{
		Key:   original.Key,
		Value: original.Value,
		Headers: []kafka.Header{
			{Key: HeaderError, Value: []byte(reason.Error())},
			{Key: HeaderErrorCode, Value: []byte(env.TextCode)},
		},
	})
	if err != nil {
		c.logger.Error().Err(err).Str("key", string(original.Key)).Msg("could not write to dead-letter topic")
	}
}
