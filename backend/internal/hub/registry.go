package hub

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
)

// Subscriber is one live receiver of document messages.
type Subscriber interface {
	ID() string
	// Send delivers msg or fails once ctx is done.
	Send(ctx context.Context, msg []byte) error
	Close()
}

// SendResult reports the outcome of a broadcast for one subscriber.
type SendResult struct {
	Subscriber Subscriber
	Err        error
}

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	rooms map[string]mapset.Set[Subscriber]
}

// Registry tracks the subscribers of every document and fans messages out to them.
// Documents hash onto independent shards so unrelated rooms never share a lock.
type Registry struct {
	sendTimeout time.Duration
	shards      [shardCount]*shard
}

func NewRegistry(sendTimeout time.Duration) *Registry {
	r := &Registry{sendTimeout: sendTimeout}
	for i := range r.shards {
		r.shards[i] = &shard{rooms: make(map[string]mapset.Set[Subscriber])}
	}
	return r
}

func (r *Registry) shard(docID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(docID))
	return r.shards[h.Sum32()%shardCount]
}

// Subscribe adds sub to docID's room. Subscribing twice is a no-op.
func (r *Registry) Subscribe(docID string, sub Subscriber) {
	s := r.shard(docID)
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[docID]
	if !ok {
		room = mapset.NewThreadUnsafeSet[Subscriber]()
		s.rooms[docID] = room
	}
	room.Add(sub)
}

// Unsubscribe removes sub from docID's room. Unknown subscribers are ignored.
func (r *Registry) Unsubscribe(docID string, sub Subscriber) bool {
	s := r.shard(docID)
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[docID]
	if !ok || !room.Contains(sub) {
		return false
	}
	room.Remove(sub)
	if room.Cardinality() == 0 {
		delete(s.rooms, docID)
	}
	return true
}

// Count returns the number of subscribers of docID.
func (r *Registry) Count(docID string) int {
	s := r.shard(docID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if room, ok := s.rooms[docID]; ok {
		return room.Cardinality()
	}
	return 0
}

func (r *Registry) Subscribers(docID string) []Subscriber {
	s := r.shard(docID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if room, ok := s.rooms[docID]; ok {
		return room.ToSlice()
	}
	return nil
}

// Broadcast sends msg to every subscriber of docID in parallel, each send
// bounded by the registry's send timeout. Subscribers whose send fails are
// removed and closed; the others still receive the message.
func (r *Registry) Broadcast(docID string, msg []byte) []SendResult {
	subs := r.Subscribers(docID)
	if len(subs) == 0 {
		return nil
	}

	results := make([]SendResult, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub Subscriber) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
			defer cancel()
			results[i] = SendResult{Subscriber: sub, Err: sub.Send(ctx, msg)}
		}(i, sub)
	}
	wg.Wait()

	for _, res := range results {
		if res.Err == nil {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"doc_id":     docID,
			"subscriber": res.Subscriber.ID(),
		}).Warnf("dropping subscriber after failed send: %v", res.Err)
		if r.Unsubscribe(docID, res.Subscriber) {
			res.Subscriber.Close()
		}
	}
	return results
}
