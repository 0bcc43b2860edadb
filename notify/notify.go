// Package notify fans successful state updates out to a run's observers.
// Delivery is synchronous and in subscription order, so every subscriber
// sees documents in exactly the order the store produced them.
package notify

import (
	"sync"

	"github.com/PipeOpsHQ/statesync/patch"
)

// Subscriber receives each new state document after a successful mutation.
// The document is the subscriber's own copy; mutating it affects nobody.
type Subscriber interface {
	OnStateChanged(document any)
}

type SubscriberFunc func(document any)

func (f SubscriberFunc) OnStateChanged(document any) {
	if f == nil {
		return
	}
	f(document)
}

type subscription struct {
	id  int
	sub Subscriber
}

// Notifier manages the observer set for one run.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   []subscription
}

func New() *Notifier {
	return &Notifier{}
}

// Subscribe registers a subscriber and returns its handle. Only documents
// published after this call are delivered.
func (n *Notifier) Subscribe(sub Subscriber) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.subs = append(n.subs, subscription{id: id, sub: sub})
	return id
}

func (n *Notifier) Unsubscribe(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.subs {
		if s.id == id {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers document to every current subscriber, each receiving an
// independent deep copy. Publish is called with one mutation in flight at a
// time, so subscribers never observe reordered documents.
func (n *Notifier) Publish(document any) {
	n.mu.Lock()
	subs := make([]subscription, len(n.subs))
	copy(subs, n.subs)
	n.mu.Unlock()
	for _, s := range subs {
		s.sub.OnStateChanged(patch.Clone(document))
	}
}

// Close drops all subscribers. Called when the run ends.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = nil
}

// Len reports the current subscriber count.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
