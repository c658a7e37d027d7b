package notifications

import (
	"context"
	"sync"

	"github.com/angelmondragon/packfinderz-cartsync/pkg/pagination"
)

const DefaultFeedCapacity = 100

// Feed keeps the most recent events in a bounded ring and pushes new ones to
// subscribers. Slow subscribers miss events rather than block the cart.
type Feed struct {
	mu     sync.RWMutex
	events []Event
	start  int
	size   int
	subs   map[int]chan Event
	nextID int
}

func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = DefaultFeedCapacity
	}
	return &Feed{
		events: make([]Event, capacity),
		subs:   make(map[int]chan Event),
	}
}

func (f *Feed) Notify(_ context.Context, event Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := (f.start + f.size) % len(f.events)
	if f.size == len(f.events) {
		f.events[f.start] = event
		f.start = (f.start + 1) % len(f.events)
	} else {
		f.events[idx] = event
		f.size++
	}

	for _, ch := range f.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// ListResult is one page of events, newest first.
type ListResult struct {
	Items  []Event `json:"items"`
	Cursor string  `json:"cursor"`
}

// List pages through retained events from newest to oldest.
func (f *Feed) List(params pagination.Params) (*ListResult, error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, err
	}
	limit := pagination.NormalizeLimit(params.Limit)

	f.mu.RLock()
	defer f.mu.RUnlock()

	items := make([]Event, 0, limit)
	seenCursor := cursor == nil
	hasMore := false
	for i := f.size - 1; i >= 0; i-- {
		event := f.events[(f.start+i)%len(f.events)]
		if !seenCursor {
			if event.ID == cursor.ID {
				seenCursor = true
				continue
			}
			if !event.At.Before(cursor.CreatedAt) {
				continue
			}
			seenCursor = true
		}
		if len(items) == limit {
			hasMore = true
			break
		}
		items = append(items, event)
	}

	result := &ListResult{Items: items}
	if hasMore {
		last := items[len(items)-1]
		result.Cursor = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.At, ID: last.ID})
	}
	return result, nil
}

// Subscribe returns a channel of new events and a function that closes it.
func (f *Feed) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}
