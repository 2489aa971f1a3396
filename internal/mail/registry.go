package mail

import (
	"sync"

	"github.com/jcarver/mailsync/pkg/types"
)

// Sink receives snapshots of a folder's cached summaries. Widgets
// register one per subscription.
type Sink interface {
	Update(folder string, messages []*types.MessageSummary)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(folder string, messages []*types.MessageSummary)

func (f SinkFunc) Update(folder string, messages []*types.MessageSummary) {
	f(folder, messages)
}

// Handler is invoked once per poll cycle with a narrow view of the
// cycle's open session. Handlers run in registration order.
type Handler func(view CycleView) error

type widgetSub struct {
	sink   Sink
	folder string
}

// registry tracks widget and handler subscriptions. Registry occupancy
// drives whether the poller runs at all.
type registry struct {
	mu       sync.RWMutex
	widgets  map[string]widgetSub
	handlers map[string]Handler
	// handler keys in registration order
	order []string
}

func newRegistry() *registry {
	return &registry{
		widgets:  make(map[string]widgetSub),
		handlers: make(map[string]Handler),
	}
}

func (r *registry) addWidget(id string, sink Sink, folder string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.widgets[id] = widgetSub{sink: sink, folder: folder}
}

func (r *registry) removeWidget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.widgets, id)
}

func (r *registry) widget(id string) (widgetSub, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.widgets[id]
	return sub, ok
}

func (r *registry) addHandler(id string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[id]; !exists {
		r.order = append(r.order, id)
	}
	r.handlers[id] = h
}

func (r *registry) removeHandler(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[id]; !exists {
		return
	}
	delete(r.handlers, id)
	for i, key := range r.order {
		if key == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *registry) empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.widgets) == 0 && len(r.handlers) == 0
}

// folders returns the deduplicated folder set to scan: the default
// folder plus every folder referenced by a widget subscription.
func (r *registry) folders(defaultFolder string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]bool{defaultFolder: true}
	folders := []string{defaultFolder}
	for _, sub := range r.widgets {
		if !seen[sub.folder] {
			seen[sub.folder] = true
			folders = append(folders, sub.folder)
		}
	}
	return folders
}

func (r *registry) eachWidget(fn func(id string, sub widgetSub)) {
	r.mu.RLock()
	widgets := make(map[string]widgetSub, len(r.widgets))
	for id, sub := range r.widgets {
		widgets[id] = sub
	}
	r.mu.RUnlock()

	for id, sub := range widgets {
		fn(id, sub)
	}
}

// eachHandler runs fn for every handler in registration order.
func (r *registry) eachHandler(fn func(id string, h Handler)) {
	r.mu.RLock()
	order := make([]string, len(r.order))
	copy(order, r.order)
	handlers := make(map[string]Handler, len(r.handlers))
	for id, h := range r.handlers {
		handlers[id] = h
	}
	r.mu.RUnlock()

	for _, id := range order {
		fn(id, handlers[id])
	}
}
