// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package topic provides the thread-safe watcher registry: a map from an
// exact topic string to the last-value channel carrying that topic's
// payloads. Topic strings are opaque; broker wildcards are not expanded.
package topic

import (
	"sort"
	"sync"

	"github.com/turtacn/web2mqtt/pkg/metrics"
	"github.com/turtacn/web2mqtt/pkg/watch"
)

// Watcher is the last-value channel of a single topic.
type Watcher = watch.Sender[string]

// Receiver observes a Watcher.
type Receiver = watch.Receiver[string]

// Registry maps topics to watchers. Entries are created lazily on first
// subscription and live until Close. Many goroutines may look entries up
// concurrently; inserts are expected from a single owner.
type Registry struct {
	watchers map[string]*Watcher
	closed   bool
	mu       sync.RWMutex
}

// NewRegistry creates and initializes a new, empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		watchers: make(map[string]*Watcher),
	}
}

// Lookup returns the watcher for topic, if any. It only takes the read lock.
func (r *Registry) Lookup(topic string) (*Watcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.watchers[topic]
	return w, ok
}

// Watch returns a receiver for topic, creating the watcher with the empty
// string as its initial value when it does not exist yet. created reports
// whether this call inserted the entry. After Close, Watch still hands out
// receivers but they only ever report watch.ErrClosed.
func (r *Registry) Watch(topic string) (rx *Receiver, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.watchers[topic]; ok {
		return w.Subscribe(), false
	}

	w := watch.New("")
	if r.closed {
		w.Close()
		return w.Subscribe(), false
	}
	r.watchers[topic] = w
	metrics.RegistryTopics.Set(float64(len(r.watchers)))
	return w.Subscribe(), true
}

// Len returns the number of registered topics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.watchers)
}

// Topics returns the registered topics in lexical order.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.watchers))
	for t := range r.watchers {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Receivers returns the total number of live receivers across all topics.
func (r *Registry) Receivers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, w := range r.watchers {
		n += w.Receivers()
	}
	return n
}

// Close closes every watcher so that waiting receivers wake up with
// watch.ErrClosed. The entries stay in place for Lookup.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, w := range r.watchers {
		w.Close()
	}
}
