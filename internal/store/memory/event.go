package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bastion-sec/bastion/internal/models"
)

// EventSink keeps audit events in an in-process append-only slice
type EventSink struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func NewEventSink() *EventSink {
	return &EventSink{}
}

func cloneEvent(e *models.AuditEvent) *models.AuditEvent {
	c := *e
	if e.Identity != nil {
		id := *e.Identity
		c.Identity = &id
	}
	if e.Detail != nil {
		c.Detail = make(models.DetailMap, len(e.Detail))
		for k, v := range e.Detail {
			c.Detail[k] = v
		}
	}
	return &c
}

func (s *EventSink) Append(ctx context.Context, event *models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, cloneEvent(event))
	return nil
}

func matchesFilter(e *models.AuditEvent, filter models.EventFilter) bool {
	if filter.Identity != nil && (e.Identity == nil || *e.Identity != *filter.Identity) {
		return false
	}
	if filter.Origin != nil && e.Origin != *filter.Origin {
		return false
	}
	if filter.Severity != nil && e.Severity != *filter.Severity {
		return false
	}
	if filter.Outcome != nil && e.Outcome != *filter.Outcome {
		return false
	}
	if len(filter.Kinds) > 0 {
		found := false
		for _, k := range filter.Kinds {
			if e.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *EventSink) Query(ctx context.Context, tr models.TimeRange, filter models.EventFilter) ([]*models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.AuditEvent, 0)
	for _, e := range s.events {
		if !tr.Contains(e.Timestamp) {
			continue
		}
		if !matchesFilter(e, filter) {
			continue
		}
		out = append(out, cloneEvent(e))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *EventSink) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var removed int64
	for _, e := range s.events {
		if e.Timestamp.Before(t) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return removed, nil
}
