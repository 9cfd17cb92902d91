// Package notifier implements the Notifier (C9): a subscription registry
// and best-effort push-delivery fan-out to external listeners.
package notifier

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Channel names a subscription's topic.
type Channel string

const (
	ChannelSession Channel = "session"
	ChannelPrices  Channel = "prices"
	ChannelAlerts  Channel = "alerts"
)

// MessageType tags the delivered message shapes from spec §6.2.
type MessageType string

const (
	MessageSessionUpdate   MessageType = "session_update"
	MessageSessionSnapshot MessageType = "session_snapshot"
	MessagePriceUpdate     MessageType = "price_update"
	MessageAlert           MessageType = "alert"
	MessageError           MessageType = "error"
)

// Message is the compact delivered payload.
type Message struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Key       string      `json:"key,omitempty"`
	Status    string      `json:"status,omitempty"`
	Progress  int         `json:"progress,omitempty"`
	Payload   any         `json:"payload,omitempty"`
	Error     string      `json:"error,omitempty"`
	SentAt    time.Time   `json:"sent_at"`
}

const defaultBacklogCap = 64

// Listener is one connected subscriber's outbound mailbox. Send never
// blocks: a full backlog drops the listener (spec §4.9 "slow subscribers
// are dropped").
type Listener struct {
	id      string
	backlog chan Message
	closed  chan struct{}
	once    sync.Once
}

func newListener(id string, backlogCap int) *Listener {
	return &Listener{
		id:      id,
		backlog: make(chan Message, backlogCap),
		closed:  make(chan struct{}),
	}
}

// Messages returns the channel a transport adapter (e.g. the WebSocket
// write pump) should drain.
func (l *Listener) Messages() <-chan Message { return l.backlog }

// Close marks the listener disconnected; further sends are dropped.
func (l *Listener) Close() {
	l.once.Do(func() { close(l.closed) })
}

func (l *Listener) send(msg Message) bool {
	select {
	case <-l.closed:
		return false
	default:
	}
	select {
	case l.backlog <- msg:
		return true
	default:
		return false // backlog full: drop this subscriber's message, not the sender
	}
}

type subscriptionKey struct {
	channel Channel
	key     string
}

// Registry is the subscription table, guarded by an RWMutex. Publish holds
// the read lock only while it copies the matching listeners; Connect,
// Subscribe, Unsubscribe and Disconnect take the write lock and change the
// maps in place, so a Publish waits while one of them runs. Changes are not
// applied copy-on-write.
type Registry struct {
	backlogCap int
	log        *zap.SugaredLogger

	mu            sync.RWMutex
	subscriptions map[subscriptionKey]map[string]*Listener // key -> listener id -> listener
	listeners     map[string]*Listener
}

// NewRegistry constructs an empty Registry. backlogCap<=0 uses the spec
// default of 64.
func NewRegistry(backlogCap int) *Registry {
	if backlogCap <= 0 {
		backlogCap = defaultBacklogCap
	}
	return &Registry{
		backlogCap:    backlogCap,
		log:           zap.L().Sugar().Named("notifier"),
		subscriptions: make(map[subscriptionKey]map[string]*Listener),
		listeners:     make(map[string]*Listener),
	}
}

// Connect registers a new listener identity and returns its mailbox.
func (r *Registry) Connect(listenerID string) *Listener {
	l := newListener(listenerID, r.backlogCap)
	r.mu.Lock()
	r.listeners[listenerID] = l
	r.mu.Unlock()
	return l
}

// Subscribe adds listenerID to the (channel, key) topic. key is ignored
// for ChannelAlerts, which is a broadcast channel.
func (r *Registry) Subscribe(listenerID string, channel Channel, key string) {
	if channel == ChannelAlerts {
		key = ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listeners[listenerID]
	if !ok {
		return
	}
	sk := subscriptionKey{channel: channel, key: key}
	set, ok := r.subscriptions[sk]
	if !ok {
		set = make(map[string]*Listener)
		r.subscriptions[sk] = set
	}
	set[listenerID] = l
}

// Unsubscribe removes listenerID from the (channel, key) topic.
func (r *Registry) Unsubscribe(listenerID string, channel Channel, key string) {
	if channel == ChannelAlerts {
		key = ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sk := subscriptionKey{channel: channel, key: key}
	if set, ok := r.subscriptions[sk]; ok {
		delete(set, listenerID)
	}
}

// Disconnect removes a listener from every subscription and closes its
// mailbox.
func (r *Registry) Disconnect(listenerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.listeners[listenerID]; ok {
		l.Close()
		delete(r.listeners, listenerID)
	}
	for _, set := range r.subscriptions {
		delete(set, listenerID)
	}
}

// Publish delivers msg to every listener subscribed to (channel, key).
// Delivery is best-effort per subscriber: a listener whose backlog is full
// is logged and disconnected, and no other subscriber is affected (spec
// §4.9).
func (r *Registry) Publish(channel Channel, key string, msg Message) {
	if channel == ChannelAlerts {
		key = ""
	}
	msg.Type = resolveMessageType(channel, msg.Type)
	msg.SentAt = time.Now()

	r.mu.RLock()
	set := r.subscriptions[subscriptionKey{channel: channel, key: key}]
	targets := make([]*Listener, 0, len(set))
	for _, l := range set {
		targets = append(targets, l)
	}
	r.mu.RUnlock()

	for _, l := range targets {
		if !l.send(msg) {
			r.log.Warnw("dropping slow subscriber", "listener", l.id, "channel", channel, "key", key)
			r.Disconnect(l.id)
		}
	}
}

func resolveMessageType(channel Channel, declared MessageType) MessageType {
	if declared != "" {
		return declared
	}
	switch channel {
	case ChannelPrices:
		return MessagePriceUpdate
	case ChannelAlerts:
		return MessageAlert
	default:
		return MessageSessionUpdate
	}
}

// BroadcastSessionUpdate is a convenience wrapper used as a
// session.TransitionListener: publish a session_update to every listener
// subscribed to that session id.
func (r *Registry) BroadcastSessionUpdate(sessionID, status string, progress int, errMsg string) {
	r.Publish(ChannelSession, sessionID, Message{
		Type:      MessageSessionUpdate,
		SessionID: sessionID,
		Status:    status,
		Progress:  progress,
		Error:     errMsg,
	})
}

// Alert publishes a broadcast alert to every ChannelAlerts subscriber.
func (r *Registry) Alert(text string) {
	r.Publish(ChannelAlerts, "", Message{Type: MessageAlert, Error: text})
}
