package cluster

import (
	"errors"
	"strings"
	"sync"

	"github.com/nerrad567/rt809f-bridge/internal/infrastructure/mqtt"
)

// fakeBroker is an in-memory MQTT broker with retained messages and
// single/multi-level wildcards. Delivery is synchronous.
type fakeBroker struct {
	mu       sync.Mutex
	retained map[string][]byte
	subs     []*fakeSub
}

type fakeSub struct {
	owner   *fakeBus
	filter  string
	handler mqtt.MessageHandler
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{retained: make(map[string][]byte)}
}

// fakeBus is one client connection to a fakeBroker.
type fakeBus struct {
	broker *fakeBroker

	mu        sync.Mutex
	connected bool
}

func (b *fakeBroker) client() *fakeBus {
	return &fakeBus{broker: b, connected: true}
}

func (f *fakeBus) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeBus) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBus) Publish(topic string, payload []byte, _ byte, retained bool) error {
	if !f.IsConnected() {
		return mqtt.ErrNotConnected
	}
	f.broker.publish(topic, payload, retained)
	return nil
}

func (f *fakeBus) ClearRetained(topic string) error {
	return f.Publish(topic, nil, 1, true)
}

func (f *fakeBus) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	if !f.IsConnected() {
		return mqtt.ErrNotConnected
	}
	if handler == nil {
		return errors.New("nil handler")
	}

	b := f.broker
	b.mu.Lock()
	b.subs = append(b.subs, &fakeSub{owner: f, filter: topic, handler: handler})
	type msg struct {
		topic   string
		payload []byte
	}
	var replay []msg
	for t, p := range b.retained {
		if topicMatches(topic, t) {
			replay = append(replay, msg{t, p})
		}
	}
	b.mu.Unlock()

	for _, m := range replay {
		handler(m.topic, m.payload) //nolint:errcheck
	}
	return nil
}

func (f *fakeBus) Unsubscribe(topic string) error {
	b := f.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subs[:0]
	for _, s := range b.subs {
		if s.owner == f && s.filter == topic {
			continue
		}
		kept = append(kept, s)
	}
	b.subs = kept
	return nil
}

func (b *fakeBroker) publish(topic string, payload []byte, retained bool) {
	b.mu.Lock()
	if retained {
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = append([]byte(nil), payload...)
		}
	}
	var targets []mqtt.MessageHandler
	for _, s := range b.subs {
		if topicMatches(s.filter, topic) {
			targets = append(targets, s.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range targets {
		h(topic, payload) //nolint:errcheck
	}
}

func (b *fakeBroker) retainedPayload(topic string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.retained[topic]
	return p, ok
}

// topicMatches reports whether topic matches an MQTT filter.
func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
