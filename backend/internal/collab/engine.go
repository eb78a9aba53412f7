package collab

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"readsync/backend/internal/hub"
	"readsync/backend/internal/store"
)

// Policy selects how an engine treats an update built on an old version.
type Policy int

const (
	// PolicyRejectStale refuses updates whose client version is behind.
	PolicyRejectStale Policy = iota
	// PolicyAuditApply applies every update and records a conflict plus a
	// draft when the base version does not match.
	PolicyAuditApply
)

func (p Policy) String() string {
	switch p {
	case PolicyRejectStale:
		return "reject_stale"
	case PolicyAuditApply:
		return "audit_apply"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Broadcaster is the subscriber registry the engine fans updates out through.
type Broadcaster interface {
	Subscribe(docID string, sub hub.Subscriber)
	Unsubscribe(docID string, sub hub.Subscriber) bool
	Broadcast(docID string, msg []byte) []hub.SendResult
}

type Options struct {
	Policy    Policy
	Compactor Compactor
	// CompactEvery snapshots after this many accepted updates.
	CompactEvery int
	// CompactInterval snapshots once this much time passed since the last
	// snapshot. Zero disables the time trigger.
	CompactInterval time.Duration
	// SubmitTimeout bounds the wait for an in-flight slot.
	SubmitTimeout time.Duration
	// Dispatcher receives committed updates; nil disables publishing.
	Dispatcher *KafkaDispatcher
	Now        func() time.Time
}

// Update is one inbound client write.
type Update struct {
	// ClientVersion is the version the client last saw (reject-stale).
	ClientVersion int64
	// BaseVersion is the version the client edited from, if it said so (audit-apply).
	BaseVersion *int64
	Payload     []byte
}

// Result of a submit. Applied is false only for a stale reject-stale update.
type Result struct {
	Applied  bool
	Version  int64
	Conflict bool
}

const (
	shardCount     = 32
	enqueueTimeout = 50 * time.Millisecond
)

type actorShard struct {
	mu      sync.Mutex
	actors  map[string]*docActor
	retired map[string]*docActor
}

// Engine owns the live version of every open document. Each document is
// served by one actor goroutine; the engine only routes to it.
type Engine struct {
	store store.Store
	hub   Broadcaster
	sem   *SemaphoreControl
	opts  Options

	seeds  singleflight.Group
	shards [shardCount]*actorShard
}

func NewEngine(st store.Store, b Broadcaster, sem *SemaphoreControl, opts Options) *Engine {
	if opts.Compactor == nil {
		opts.Compactor = LastWriteCompactor{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 200 * time.Millisecond
	}
	e := &Engine{store: st, hub: b, sem: sem, opts: opts}
	for i := range e.shards {
		e.shards[i] = &actorShard{
			actors:  make(map[string]*docActor),
			retired: make(map[string]*docActor),
		}
	}
	return e
}

func (e *Engine) Policy() Policy { return e.opts.Policy }

func (e *Engine) shard(docID string) *actorShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(docID))
	return e.shards[h.Sum32()%shardCount]
}

// Join subscribes sub to docID, starting the document's actor on first use.
// greet runs on the actor with the current version before any later
// broadcast can reach sub.
func (e *Engine) Join(ctx context.Context, docID string, sub hub.Subscriber, greet func(version int64) error) (int64, error) {
	sh := e.shard(docID)
	for {
		sh.mu.Lock()
		if a, ok := sh.actors[docID]; ok {
			a.subs.Add(sub.ID())
			sh.mu.Unlock()

			res, err := a.call(ctx, func() (Result, error) {
				e.hub.Subscribe(docID, sub)
				if greet != nil {
					if err := greet(a.version); err != nil {
						return Result{Version: a.version}, err
					}
				}
				return Result{Version: a.version}, nil
			})
			if errors.Is(err, ErrClosed) {
				continue
			}
			return res.Version, err
		}
		prev := sh.retired[docID]
		sh.mu.Unlock()

		seed, err, _ := e.seeds.Do(docID, func() (any, error) {
			// the previous actor may still be committing its last update
			if prev != nil {
				<-prev.done
			}
			return e.loadSeed(ctx, docID)
		})
		if err != nil {
			return 0, fmt.Errorf("%w: load version of %s: %v", ErrStorageUnavailable, docID, err)
		}

		sh.mu.Lock()
		if _, ok := sh.actors[docID]; !ok {
			a := newDocActor(e, docID, seed.(actorSeed))
			sh.actors[docID] = a
			delete(sh.retired, docID)
			go a.run()
			logrus.WithFields(logrus.Fields{
				"doc_id":  docID,
				"policy":  e.opts.Policy.String(),
				"version": a.version,
			}).Debug("document actor started")
		}
		sh.mu.Unlock()
	}
}

// actorSeed is the durable state a new actor starts from. sinceCompact
// counts the persisted events no snapshot covers yet, so the count trigger
// carries over when an actor is reaped and started again.
type actorSeed struct {
	version      int64
	sinceCompact int
}

func (e *Engine) loadSeed(ctx context.Context, docID string) (actorSeed, error) {
	version, err := e.store.MaxVersion(ctx, docID)
	if err != nil {
		return actorSeed{}, err
	}
	var covered int64
	snap, err := e.store.LatestSnapshot(ctx, docID)
	switch {
	case err == nil:
		covered = snap.Version
	case !errors.Is(err, store.ErrNotFound):
		return actorSeed{}, err
	}
	seed := actorSeed{version: version}
	if version > covered {
		seed.sinceCompact = int(version - covered)
	}
	return seed, nil
}

// Leave unsubscribes sub. The actor stops once its last subscriber left;
// calling Leave twice is harmless.
func (e *Engine) Leave(docID string, sub hub.Subscriber) {
	e.hub.Unsubscribe(docID, sub)

	sh := e.shard(docID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	a, ok := sh.actors[docID]
	if !ok {
		return
	}
	a.subs.Remove(sub.ID())
	if a.subs.Cardinality() > 0 {
		return
	}

	delete(sh.actors, docID)
	sh.retired[docID] = a
	close(a.quit)
	go func() {
		<-a.done
		sh.mu.Lock()
		if sh.retired[docID] == a {
			delete(sh.retired, docID)
		}
		sh.mu.Unlock()
	}()
}

// Submit applies u to docID on behalf of a joined subscriber.
func (e *Engine) Submit(ctx context.Context, docID string, sub hub.Subscriber, u Update) (Result, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, e.opts.SubmitTimeout)
	defer cancel()
	if err := e.sem.Acquire(acquireCtx); err != nil {
		return Result{}, ErrBusy
	}
	defer func() { _ = e.sem.Release() }()

	sh := e.shard(docID)
	sh.mu.Lock()
	a, ok := sh.actors[docID]
	joined := ok && a.subs.Contains(sub.ID())
	sh.mu.Unlock()
	if !joined {
		return Result{}, ErrNotJoined
	}

	return a.call(ctx, func() (Result, error) {
		return a.apply(ctx, u)
	})
}

// Version reports the in-memory version of an open document.
func (e *Engine) Version(ctx context.Context, docID string) (int64, bool) {
	a := e.actor(docID)
	if a == nil {
		return 0, false
	}
	res, err := a.call(ctx, func() (Result, error) { return Result{Version: a.version}, nil })
	if err != nil {
		return 0, false
	}
	return res.Version, true
}

func (e *Engine) actor(docID string) *docActor {
	sh := e.shard(docID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.actors[docID]
}

// Actors returns the number of open documents.
func (e *Engine) Actors() int {
	n := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		n += len(sh.actors)
		sh.mu.Unlock()
	}
	return n
}

// CompactDue asks every open document to snapshot if its trigger fired.
// It returns how many snapshots were written.
func (e *Engine) CompactDue(ctx context.Context) int {
	var actors []*docActor
	for _, sh := range e.shards {
		sh.mu.Lock()
		for _, a := range sh.actors {
			actors = append(actors, a)
		}
		sh.mu.Unlock()
	}

	compacted := 0
	for _, a := range actors {
		res, err := a.call(ctx, func() (Result, error) {
			return Result{Applied: a.maybeCompact(ctx)}, nil
		})
		if err == nil && res.Applied {
			compacted++
		}
	}
	return compacted
}

// Close stops every actor. Connections still open get ErrClosed on submit.
func (e *Engine) Close() {
	for _, sh := range e.shards {
		sh.mu.Lock()
		for id, a := range sh.actors {
			delete(sh.actors, id)
			close(a.quit)
		}
		sh.mu.Unlock()
	}
}

func newSubscriberSet() mapset.Set[string] {
	return mapset.NewThreadUnsafeSet[string]()
}
