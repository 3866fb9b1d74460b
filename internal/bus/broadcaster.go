package bus

import "sync"

// Scope identifies what a Broadcaster subscription is narrowed to.
type Scope int

const (
	ScopeProject Scope = iota
	ScopePipeline
)

// Broadcaster implements the C1 fan-out contract: connected subscribers can
// narrow themselves to one or more project-ids and pipeline-ids, and the
// caller broadcasts by calling BroadcastToProject/BroadcastToPipeline/
// BroadcastAll without needing to know who's listening. It is a thin layer
// over Bus's prefix-matching Subscribe: every event is published once under
// the pipeline-scoped topic and once under the project-scoped topic (when a
// project id is supplied), so a subscriber narrowed to either scope sees it.
type Broadcaster struct {
	bus *Bus

	mu          sync.Mutex
	subscribers map[string]*subscriberState
}

type subscriberState struct {
	out      chan Event
	projects map[string]*Subscription
	pipes    map[string]*Subscription
	done     chan struct{}
}

// New creates a Broadcaster on top of the given Bus (or a fresh Bus if nil).
func NewBroadcaster(b *Bus) *Broadcaster {
	if b == nil {
		b = New()
	}
	return &Broadcaster{bus: b, subscribers: make(map[string]*subscriberState)}
}

// AddSubscriber registers a new subscriber and returns the channel it should
// drain. The subscriber starts out scoped to nothing; call Subscribe to
// narrow it to a project or pipeline.
func (b *Broadcaster) AddSubscriber(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.subscribers[id]; ok {
		return existing.out
	}
	st := &subscriberState{
		out:      make(chan Event, defaultBufferSize),
		projects: make(map[string]*Subscription),
		pipes:    make(map[string]*Subscription),
		done:     make(chan struct{}),
	}
	b.subscribers[id] = st
	return st.out
}

// RemoveSubscriber tears down all of a subscriber's narrowed subscriptions
// and closes its channel. Delivery to a removed subscriber is simply a
// no-op afterward (the underlying Bus subscriptions are gone).
func (b *Broadcaster) RemoveSubscriber(id string) {
	b.mu.Lock()
	st, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	close(st.done)
	for _, sub := range st.projects {
		b.bus.Unsubscribe(sub)
	}
	for _, sub := range st.pipes {
		b.bus.Unsubscribe(sub)
	}
	close(st.out)
}

// Subscribe narrows subscriber id to an additional project or pipeline scope.
func (b *Broadcaster) Subscribe(id string, scope Scope, scopeID string) {
	b.mu.Lock()
	st, ok := b.subscribers[id]
	b.mu.Unlock()
	if !ok {
		return
	}

	var prefix string
	var bucket map[string]*Subscription
	switch scope {
	case ScopeProject:
		prefix = ProjectTopic(scopeID)
		bucket = st.projects
	case ScopePipeline:
		prefix = PipelineTopic(scopeID)
		bucket = st.pipes
	}
	if _, exists := bucket[scopeID]; exists {
		return
	}
	sub := b.bus.Subscribe(prefix)
	bucket[scopeID] = sub
	go forward(sub, st.out, st.done)
}

// Unsubscribe narrows a subscriber away from a previously subscribed scope.
func (b *Broadcaster) Unsubscribe(id string, scope Scope, scopeID string) {
	b.mu.Lock()
	st, ok := b.subscribers[id]
	b.mu.Unlock()
	if !ok {
		return
	}

	var bucket map[string]*Subscription
	switch scope {
	case ScopeProject:
		bucket = st.projects
	case ScopePipeline:
		bucket = st.pipes
	}
	if sub, exists := bucket[scopeID]; exists {
		delete(bucket, scopeID)
		b.bus.Unsubscribe(sub)
	}
}

// forward relays events from an underlying Bus subscription into a
// subscriber's merged output channel. A send failure (full buffer) is
// dropped, never propagated — delivery is best-effort per §4.1.
func forward(sub *Subscription, out chan<- Event, done <-chan struct{}) {
	for {
		select {
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			select {
			case out <- ev:
			default:
				// Subscriber's merged buffer is full; drop rather than block the bus.
			}
		case <-done:
			return
		}
	}
}

// BroadcastToProject publishes an event visible to every subscriber narrowed
// to this project id.
func (b *Broadcaster) BroadcastToProject(projectID string, topic string, payload interface{}) {
	b.bus.Publish(ScopedTopic(ProjectTopic(projectID), topic), payload)
}

// BroadcastToPipeline publishes an event visible to every subscriber
// narrowed to this pipeline id.
func (b *Broadcaster) BroadcastToPipeline(pipelineID string, topic string, payload interface{}) {
	b.bus.Publish(ScopedTopic(PipelineTopic(pipelineID), topic), payload)
}

// BroadcastAll publishes an event on the bus unscoped; only subscribers with
// an empty-prefix (catch-all) Bus subscription receive it. Project/pipeline
// narrowed Broadcaster subscribers do not.
func (b *Broadcaster) BroadcastAll(topic string, payload interface{}) {
	b.bus.Publish(topic, payload)
}

// SubscriberCount returns the number of registered Broadcaster subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
