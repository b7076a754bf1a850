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

// Package store tracks the delivery state of dispatched messages in memory.
//
// Records live for the life of the process. There is no eviction, so the map
// grows with every dispatched message; the tracked_messages gauge exposes the
// current size.
package store

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jredh-dev/wabridge/internal/apperr"
)

// StatusSent is the state of a message the provider has accepted.
const StatusSent = "sent"

// MessageRecord is the tracked state of one dispatched message.
type MessageRecord struct {
	TrackingID string          `json:"tracking_id"`
	Recipient  string          `json:"recipient"`
	Status     string          `json:"status"`
	Details    json.RawMessage `json:"details,omitempty"` // last status callback, verbatim
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Store maps tracking ids to message records.
type Store struct {
	mu      sync.RWMutex
	records map[string]*MessageRecord
	now     func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		records: make(map[string]*MessageRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Record starts tracking a freshly dispatched message with status "sent".
// Recording an id twice replaces the earlier record.
func (s *Store) Record(trackingID, recipient string) MessageRecord {
	now := s.now()
	rec := &MessageRecord{
		TrackingID: trackingID,
		Recipient:  recipient,
		Status:     StatusSent,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.mu.Lock()
	s.records[trackingID] = rec
	s.mu.Unlock()

	return rec.clone()
}

// Update overwrites status and details of a tracked message. It returns the
// record as it was before the update and false when the id is unknown, in
// which case nothing changes.
func (s *Store) Update(trackingID, status string, details json.RawMessage) (MessageRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[trackingID]
	if !ok {
		return MessageRecord{}, false
	}
	prev := rec.clone()
	rec.Status = status
	rec.Details = append(json.RawMessage(nil), details...)
	rec.UpdatedAt = s.now()
	return prev, true
}

// Get returns a copy of the record for trackingID.
func (s *Store) Get(trackingID string) (MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[trackingID]
	if !ok {
		return MessageRecord{}, apperr.NotFound("message not found", map[string]any{"tracking_id": trackingID})
	}
	return rec.clone(), nil
}

// All returns a snapshot of every tracked record keyed by tracking id.
func (s *Store) All() map[string]MessageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]MessageRecord, len(s.records))
	for id, rec := range s.records {
		out[id] = rec.clone()
	}
	return out
}

// Len returns the number of tracked messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (r *MessageRecord) clone() MessageRecord {
	c := *r
	if r.Details != nil {
		c.Details = append(json.RawMessage(nil), r.Details...)
	}
	return c
}
