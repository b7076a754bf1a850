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

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jredh-dev/wabridge/internal/apperr"
	"github.com/jredh-dev/wabridge/internal/dispatch"
	"github.com/jredh-dev/wabridge/internal/store"
	"github.com/jredh-dev/wabridge/internal/whatsapp"
)

// fakeReader hands out queued messages, then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
	drained   chan struct{}
	once      sync.Once
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	return &fakeReader{queue: msgs, drained: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	r.once.Do(func() { close(r.drained) })
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type stubSender struct {
	ids []string
	err error
}

func (s stubSender) SendText(context.Context, string, string) (*whatsapp.SendResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &whatsapp.SendResult{MessageIDs: s.ids, Raw: json.RawMessage(`{}`)}, nil
}

func (s stubSender) SendTemplate(ctx context.Context, to, _, _ string) (*whatsapp.SendResult, error) {
	return s.SendText(ctx, to, "")
}

func runUntilDrained(t *testing.T, c *Consumer, r *fakeReader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	<-r.drained
	cancel()
	require.NoError(t, <-done)
}

func TestConsumer_DispatchesQueuedRequests(t *testing.T) {
	s := store.New()
	d := dispatch.New(stubSender{ids: []string{"wamid.Q"}}, s, nil, nil, zerolog.Nop())
	r := newFakeReader(kafka.Message{Key: []byte("k1"), Value: []byte(`{"phone_number":"1555","message":"hi"}`)})
	dlq := &fakeWriter{}

	runUntilDrained(t, newConsumer(r, dlq, d, "whatsapp-outbox", zerolog.Nop()), r)

	rec, err := s.Get("wamid.Q")
	require.NoError(t, err)
	assert.Equal(t, "1555", rec.Recipient)
	assert.Len(t, r.committed, 1)
	assert.Empty(t, dlq.msgs)
}

func TestConsumer_DeadLettersFailures(t *testing.T) {
	s := store.New()
	d := dispatch.New(stubSender{err: apperr.Provider(http.StatusBadRequest, `{"error":{}}`)}, s, nil, nil, zerolog.Nop())
	r := newFakeReader(
		kafka.Message{Key: []byte("bad-json"), Value: []byte(`{nope`)},
		kafka.Message{Key: []byte("rejected"), Value: []byte(`{"phone_number":"1555","message":"hi"}`)},
		kafka.Message{Key: []byte("invalid"), Value: []byte(`{"message":"no recipient"}`)},
	)
	dlq := &fakeWriter{}

	runUntilDrained(t, newConsumer(r, dlq, d, "whatsapp-outbox", zerolog.Nop()), r)

	require.Len(t, dlq.msgs, 3)
	codes := map[string]string{}
	for _, m := range dlq.msgs {
		for _, h := range m.Headers {
			if h.Key == HeaderErrorCode {
				codes[string(m.Key)] = string(h.Value)
			}
		}
	}
	assert.Equal(t, map[string]string{
		"bad-json": apperr.CodeBadInput,
		"rejected": apperr.CodeProvider,
		"invalid":  apperr.CodeBadInput,
	}, codes)
	assert.Equal(t, `{nope`, string(dlq.msgs[0].Value))
	assert.Len(t, r.committed, 3, "offsets are committed after dead-lettering")
	assert.Equal(t, 0, s.Len())
}

type failingReader struct{}

func (failingReader) FetchMessage(context.Context) (kafka.Message, error) {
	return kafka.Message{}, errors.New("broker gone")
}

func (failingReader) CommitMessages(context.Context, ...kafka.Message) error { return nil }
func (failingReader) Close() error                                           { return nil }

func TestConsumer_FetchErrorStopsRun(t *testing.T) {
	c := newConsumer(failingReader{}, &fakeWriter{}, nil, "t", zerolog.Nop())
	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker gone")
}
