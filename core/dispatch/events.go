package dispatch

import (
	"strings"
	"sync"
	"time"

	"cosmossdk.io/log"
	"github.com/google/uuid"

	"github.com/monadmesh/meshcore/core/types"
)

// Event topics emitted by the coordinator.
const (
	TopicTaskSubmitted          = "task.submitted"
	TopicTaskAssigned           = "task.assigned"
	TopicTaskCompleted          = "task.completed"
	TopicTaskFailed             = "task.failed"
	TopicTaskCancelled          = "task.cancelled"
	TopicTaskReassigned         = "task.reassigned"
	TopicTaskVerificationFailed = "task.verification_failed"
	TopicNodeSlashed            = "node.slashed"
)

// Event is one task/node state change. Offsets are per-process and
// strictly increasing, so a consumer can resume from where it left off.
type Event struct {
	Offset uint64            `json:"offset"`
	Topic  string            `json:"topic"`
	TaskID types.Hash        `json:"task_id,omitempty"`
	Node   types.Identity    `json:"node,omitempty"`
	Detail map[string]string `json:"detail,omitempty"`
	At     time.Time         `json:"at"`
}

// Subscription is a live event feed. Events arrives replayed history
// first, then the live stream. Close releases the subscription.
type Subscription struct {
	ID     string
	Events <-chan Event

	cancel func()
	once   sync.Once
}

// Close detaches the subscription from the log and closes Events.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

type subscriber struct {
	id     string
	topics map[string]struct{}
	ch     chan Event
}

// EventLog is an append-only in-memory log with bounded retention and
// live fan-out. Slow subscribers drop events rather than block the
// coordinator; the drop count is tracked per log.
type EventLog struct {
	mu          sync.Mutex
	events      []Event
	firstOffset uint64
	nextOffset  uint64
	retention   int
	subscribers map[string]*subscriber
	dropped     uint64
	logger      log.Logger
}

// NewEventLog creates a log retaining up to retention events for replay.
func NewEventLog(retention int, logger log.Logger) *EventLog {
	if retention <= 0 {
		retention = 4096
	}
	return &EventLog{
		retention:   retention,
		subscribers: make(map[string]*subscriber),
		logger:      logger.With("component", "events"),
	}
}

// Publish appends an event and fans it out to matching subscribers.
func (l *EventLog) Publish(topic string, taskID types.Hash, node types.Identity, detail map[string]string) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := Event{
		Offset: l.nextOffset,
		Topic:  topic,
		TaskID: taskID,
		Node:   node,
		Detail: detail,
		At:     time.Now(),
	}
	l.nextOffset++

	l.events = append(l.events, ev)
	if len(l.events) > l.retention {
		trim := len(l.events) - l.retention
		l.events = l.events[trim:]
		l.firstOffset += uint64(trim)
	}

	for _, sub := range l.subscribers {
		if !topicMatches(sub.topics, topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			l.dropped++
		}
	}
	return ev
}

// Subscribe replays retained events from fromOffset that match the topic
// filters, then streams live events. An empty filter set matches all
// topics; filters support "*" and "prefix.*" wildcards. Requesting an
// offset older than retention starts at the oldest retained event.
func (l *EventLog) Subscribe(fromOffset uint64, topics []string) *Subscription {
	filter := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if t != "" {
			filter[t] = struct{}{}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	replay := make([]Event, 0)
	if fromOffset < l.nextOffset {
		start := fromOffset
		if start < l.firstOffset {
			start = l.firstOffset
		}
		for _, ev := range l.events[start-l.firstOffset:] {
			if topicMatches(filter, ev.Topic) {
				replay = append(replay, ev)
			}
		}
	}

	sub := &subscriber{
		id:     uuid.NewString(),
		topics: filter,
		ch:     make(chan Event, 256+len(replay)),
	}
	for _, ev := range replay {
		sub.ch <- ev
	}
	l.subscribers[sub.id] = sub

	return &Subscription{
		ID:     sub.id,
		Events: sub.ch,
		cancel: func() { l.unsubscribe(sub.id) },
	}
}

func (l *EventLog) unsubscribe(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sub, ok := l.subscribers[id]; ok {
		delete(l.subscribers, id)
		close(sub.ch)
	}
}

// NextOffset returns the offset the next published event will carry.
func (l *EventLog) NextOffset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextOffset
}

// Dropped returns how many events were lost to slow subscribers.
func (l *EventLog) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func topicMatches(topics map[string]struct{}, topic string) bool {
	if len(topics) == 0 {
		return true
	}
	if _, ok := topics["*"]; ok {
		return true
	}
	if _, ok := topics[topic]; ok {
		return true
	}
	for t := range topics {
		if strings.HasSuffix(t, ".*") {
			prefix := strings.TrimSuffix(t, ".*")
			if strings.HasPrefix(topic, prefix+".") {
				return true
			}
		}
	}
	return false
}
