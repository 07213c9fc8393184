// Package eventbus fans published messages out to long-lived dashboard
// subscribers, grounded on marketdata.Bus's mutex-guarded channel map
// but generalized to named channels, a typed subscription protocol,
// and eviction of dead subscribers (original_source's websocket_manager.py).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gudax/autobot/internal/logging"
)

// Channel is one of the fixed lexicon entries. Subscribers always
// join "all" alongside their primary channel (E2).
type Channel string

const (
	ChannelDashboard Channel = "dashboard"
	ChannelTrading   Channel = "trading"
	ChannelPositions Channel = "positions"
	ChannelSessions  Channel = "sessions"
	ChannelAll       Channel = "all"
)

var validChannels = map[Channel]bool{
	ChannelDashboard: true,
	ChannelTrading:   true,
	ChannelPositions: true,
	ChannelSessions:  true,
	ChannelAll:       true,
}

// ValidChannel reports whether c is in the fixed lexicon.
func ValidChannel(c Channel) bool { return validChannels[c] }

// State is a subscriber's transport state. Any state other than
// Connected marks it for eviction on the next publish that touches it.
type State int

const (
	StateConnected State = iota
	StateClosing
	StateClosed
)

// Message is the envelope sent to subscribers and received from them
// over their inbound stream.
type Message struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Subscriber is an abstract bidirectional transport. Send must honor
// deadline and return a non-nil error on failure or timeout; a
// concrete adapter (e.g. a websocket connection) fulfils this.
type Subscriber interface {
	ID() string
	Send(msg Message, deadline time.Time) error
	State() State
}

// Stats are the counters returned by get_statistics.
type Stats struct {
	TotalSubscribers int            `json:"totalSubscribers"`
	ByChannel        map[string]int `json:"byChannel"`
	PublishedTotal   int64          `json:"publishedTotal"`
	EvictedTotal     int64          `json:"evictedTotal"`
}

// Bus is the channel-scoped publish/subscribe core. The zero value is
// not usable; construct with New.
type Bus struct {
	mu       sync.RWMutex
	channels map[Channel]map[string]Subscriber

	published atomic.Int64
	evicted   atomic.Int64

	log *logging.Logger
}

func New(log *logging.Logger) *Bus {
	if log == nil {
		log = logging.Default
	}
	b := &Bus{log: log, channels: make(map[Channel]map[string]Subscriber)}
	for c := range validChannels {
		b.channels[c] = make(map[string]Subscriber)
	}
	return b
}

// Subscribe adds sub to channel and to "all" (E1, E2). Subscribing to
// an already-joined channel is a no-op.
func (b *Bus) Subscribe(channel Channel, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels[channel][sub.ID()] = sub
	b.channels[ChannelAll][sub.ID()] = sub
}

// Unsubscribe removes sub from channel only; it keeps its "all"
// membership unless evicted entirely.
func (b *Bus) Unsubscribe(channel Channel, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.channels[channel], subID)
}

// Evict removes subID from every channel, including "all".
func (b *Bus) Evict(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.channels {
		delete(b.channels[c], subID)
	}
	b.evicted.Add(1)
}

func (b *Bus) snapshot(channel Channel) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	members := b.channels[channel]
	out := make([]Subscriber, 0, len(members))
	for _, s := range members {
		out = append(out, s)
	}
	return out
}

const sendDeadline = 5 * time.Second

// Publish stamps msg.Timestamp if unset, takes a stable snapshot of
// channel membership, and sends to every member concurrently under a
// 5s per-send deadline (E3). Any failed, timed-out, or non-Connected
// subscriber is evicted from every channel.
func (b *Bus) Publish(channel Channel, msg Message) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	msg.Channel = string(channel)
	b.published.Add(1)

	members := b.snapshot(channel)
	if len(members) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range members {
		sub := sub
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sub.State() != StateConnected {
				b.Evict(sub.ID())
				return
			}
			deadline := time.Now().Add(sendDeadline)
			if err := sub.Send(msg, deadline); err != nil {
				b.log.Warnf("evicting subscriber %s: %v", sub.ID(), err)
				b.Evict(sub.ID())
			}
		}()
	}
	wg.Wait()
}

// Stats returns a snapshot of bus counters for get_statistics.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	byChannel := make(map[string]int, len(b.channels))
	for c, members := range b.channels {
		byChannel[string(c)] = len(members)
	}
	return Stats{
		TotalSubscribers: len(b.channels[ChannelAll]),
		ByChannel:        byChannel,
		PublishedTotal:   b.published.Load(),
		EvictedTotal:     b.evicted.Load(),
	}
}

// HandleInbound applies the subscription protocol to one message
// received from sub's inbound stream, replying on sub itself.
// Unrecognized message types get error{message}.
func (b *Bus) HandleInbound(sub Subscriber, msg Message) {
	deadline := time.Now().Add(sendDeadline)
	switch msg.Type {
	case "ping":
		_ = sub.Send(Message{Type: "pong", Timestamp: msg.Timestamp}, deadline)
	case "subscribe":
		channel, ok := msg.Data.(string)
		if !ok || !ValidChannel(Channel(channel)) {
			_ = sub.Send(Message{Type: "error", Data: "unknown channel"}, deadline)
			return
		}
		b.Subscribe(Channel(channel), sub)
		_ = sub.Send(Message{Type: "subscribed", Data: channel}, deadline)
	case "unsubscribe":
		channel, ok := msg.Data.(string)
		if !ok || !ValidChannel(Channel(channel)) {
			_ = sub.Send(Message{Type: "error", Data: "unknown channel"}, deadline)
			return
		}
		b.Unsubscribe(Channel(channel), sub.ID())
		_ = sub.Send(Message{Type: "unsubscribed", Data: channel}, deadline)
	case "get_statistics":
		_ = sub.Send(Message{Type: "statistics", Data: b.Stats()}, deadline)
	default:
		_ = sub.Send(Message{Type: "error", Data: "unrecognized message type: " + msg.Type}, deadline)
	}
}
