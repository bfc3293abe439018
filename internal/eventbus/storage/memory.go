package storage

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nexusbus/nexusbus/internal/common/bferrors"
	"github.com/nexusbus/nexusbus/internal/common/logger"
	"github.com/nexusbus/nexusbus/internal/eventbus/model"
	"github.com/nexusbus/nexusbus/internal/eventbus/topic"
)

// Memory is the mandatory in-memory reference Backend: an append-only
// store keyed by insertion ordinal, with per-topic and per-correlation
// secondary indexes and head eviction once MaxEvents is exceeded.
type Memory struct {
	mu sync.RWMutex

	maxEvents int
	records   map[int64]*model.StoredRecord
	topicIdx  map[string][]int64
	corrIdx   map[string][]int64

	nextOrdinal  int64 // ordinal to assign to the next Append
	lowWaterMark int64 // smallest ordinal still present; indexes below this are stale

	log    *logger.Logger
	closed bool
}

var _ Backend = (*Memory)(nil)

// NewMemory creates an in-memory Backend bounded to maxEvents records.
// maxEvents <= 0 means unbounded (no eviction).
func NewMemory(maxEvents int, log *logger.Logger) *Memory {
	if log == nil {
		log = logger.Default()
	}
	return &Memory{
		maxEvents: maxEvents,
		records:   make(map[int64]*model.StoredRecord),
		topicIdx:  make(map[string][]int64),
		corrIdx:   make(map[string][]int64),
		log:       log,
	}
}

// Initialize is idempotent; the in-memory backend has nothing to set up
// beyond what NewMemory already allocated.
func (m *Memory) Initialize(ctx context.Context) error {
	return nil
}

// Append assigns the next insertion ordinal and stores the event, evicting
// from the head if maxEvents is exceeded (spec §4.2).
func (m *Memory) Append(ctx context.Context, event *model.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, bferrors.New(bferrors.KindShutdown, "storage is closed")
	}

	ordinal := m.nextOrdinal
	m.nextOrdinal++

	rec := &model.StoredRecord{
		Event:           *event,
		Ordinal:         ordinal,
		NormalizedTopic: event.Topic,
		CorrelationKey:  event.CorrelationID,
	}
	m.records[ordinal] = rec
	m.topicIdx[rec.NormalizedTopic] = append(m.topicIdx[rec.NormalizedTopic], ordinal)
	if rec.CorrelationKey != "" {
		m.corrIdx[rec.CorrelationKey] = append(m.corrIdx[rec.CorrelationKey], ordinal)
	}

	if m.maxEvents > 0 {
		for int64(len(m.records)) > int64(m.maxEvents) {
			delete(m.records, m.lowWaterMark)
			m.lowWaterMark++
		}
	}

	m.log.Debug("appended event",
		zap.Int64("ordinal", ordinal),
		zap.String("topic", rec.NormalizedTopic),
		zap.String("event_id", event.EventID))

	return ordinal, nil
}

// Query runs the query planner described in spec §4.2: correlation index
// first if set, else the topic index for a literal pattern, else a full
// scan; remaining predicates applied in order; limit/offset applied last.
func (m *Memory) Query(ctx context.Context, q EventQuery) ([]model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []int64

	switch {
	case q.CorrelationIDEquals != "":
		candidates = append(candidates, m.corrIdx[q.CorrelationIDEquals]...)
	case q.TopicPattern != "" && isLiteralPattern(q.TopicPattern):
		lit, err := topic.Normalize(q.TopicPattern)
		if err != nil {
			return nil, bferrors.Wrap(bferrors.KindInvalidInput, err, "invalid topic_pattern")
		}
		candidates = append(candidates, m.topicIdx[lit]...)
	default:
		candidates = make([]int64, 0, len(m.records))
		for ord := range m.records {
			candidates = append(candidates, ord)
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	var matcher *topic.Matcher
	if q.TopicPattern != "" {
		var err error
		matcher, err = topic.Compile(q.TopicPattern)
		if err != nil {
			return nil, bferrors.Wrap(bferrors.KindInvalidInput, err, "invalid topic_pattern")
		}
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	results := make([]model.Event, 0, limit)
	skipped := 0
	for _, ord := range candidates {
		if ord < m.lowWaterMark {
			continue // evicted; index entry is stale, skip lazily
		}
		rec, ok := m.records[ord]
		if !ok {
			continue
		}
		if !matchesQuery(rec, q, matcher) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		results = append(results, rec.Event)
		if len(results) >= limit {
			break
		}
	}

	return results, nil
}

func matchesQuery(rec *model.StoredRecord, q EventQuery, matcher *topic.Matcher) bool {
	if matcher != nil && !matcher.Match(rec.NormalizedTopic) {
		return false
	}
	if q.SourceRefEquals != "" && rec.Event.SourceRef != q.SourceRefEquals {
		return false
	}
	if q.TargetRefEquals != "" && rec.Event.TargetRef != q.TargetRefEquals {
		return false
	}
	if q.CorrelationIDEquals != "" && rec.CorrelationKey != q.CorrelationIDEquals {
		return false
	}
	if !q.SinceTimestamp.IsZero() && rec.Event.Timestamp.Before(q.SinceTimestamp) {
		return false
	}
	if !q.UntilTimestamp.IsZero() && rec.Event.Timestamp.After(q.UntilTimestamp) {
		return false
	}
	if rec.Event.Priority < q.MinPriority {
		return false
	}
	return true
}

func isLiteralPattern(pattern string) bool {
	m, err := topic.Compile(pattern)
	if err != nil {
		return false
	}
	return m.IsLiteral()
}

// Topics returns the distinct normalized topics with at least one
// non-evicted event present (spec §8 property 5: topic-set closure).
func (m *Memory) Topics(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for t, ordinals := range m.topicIdx {
		for _, ord := range ordinals {
			if ord >= m.lowWaterMark {
				if _, ok := m.records[ord]; ok {
					seen[t] = struct{}{}
					break
				}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// Count returns the current number of non-evicted events.
func (m *Memory) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// Shutdown marks the backend closed; further Append calls fail with
// KindShutdown. Query/Topics/Count remain available for drain reads.
func (m *Memory) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.log.Info("memory storage shut down", zap.Int("events_retained", len(m.records)))
	return nil
}
