package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"readsync/backend/internal/store"
)

type cmdReply struct {
	res Result
	err error
}

// docActor serializes every write to one document. Only run's goroutine
// touches version and the compaction counters; subs is guarded by the
// owning shard's mutex.
type docActor struct {
	e     *Engine
	docID string
	subs  mapset.Set[string]

	inbox chan func()
	quit  chan struct{}
	done  chan struct{}

	version      int64
	sinceCompact int
	lastCompact  time.Time
}

func newDocActor(e *Engine, docID string, seed actorSeed) *docActor {
	return &docActor{
		e:            e,
		docID:        docID,
		subs:         newSubscriberSet(),
		inbox:        make(chan func()),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		version:      seed.version,
		sinceCompact: seed.sinceCompact,
		lastCompact:  e.opts.Now(),
	}
}

func (a *docActor) run() {
	defer close(a.done)
	for {
		select {
		case fn := <-a.inbox:
			fn()
		case <-a.quit:
			return
		}
	}
}

// call runs fn on the actor goroutine and waits for its result. The inbox is
// unbuffered, so once the send succeeds fn is guaranteed to run.
func (a *docActor) call(ctx context.Context, fn func() (Result, error)) (Result, error) {
	reply := make(chan cmdReply, 1)
	cmd := func() {
		res, err := fn()
		reply <- cmdReply{res: res, err: err}
	}

	select {
	case a.inbox <- cmd:
	case <-a.done:
		return Result{}, ErrClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	r := <-reply
	return r.res, r.err
}

func (a *docActor) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"doc_id": a.docID,
		"policy": a.e.opts.Policy.String(),
	})
}

func (a *docActor) apply(ctx context.Context, u Update) (Result, error) {
	switch a.e.opts.Policy {
	case PolicyAuditApply:
		return a.applyAudited(ctx, u, true)
	default:
		return a.applyRejectStale(ctx, u)
	}
}

func (a *docActor) applyRejectStale(ctx context.Context, u Update) (Result, error) {
	if len(u.Payload) == 0 {
		return Result{Version: a.version}, ErrEmptyUpdate
	}
	if u.ClientVersion < a.version {
		a.log().Debugf("stale update rejected: client_version=%d version=%d", u.ClientVersion, a.version)
		return Result{Version: a.version}, nil
	}

	ev := &store.UpdateEvent{DocID: a.docID, Version: a.version + 1, Payload: u.Payload}
	if err := a.e.store.AppendEvent(ctx, ev); err != nil {
		ferr := a.storageFailure(ctx, err)
		return Result{Version: a.version}, ferr
	}

	a.version = ev.Version
	a.e.hub.Broadcast(a.docID, encodeFrame(ApplyFrame{Type: "apply", Version: a.version, Update: ev.Payload}))
	a.publish(ev, EventUpdateApplied, nil)

	a.sinceCompact++
	a.maybeCompact(ctx)
	return Result{Applied: true, Version: a.version}, nil
}

// applyAudited always applies. A base version other than the current one is
// recorded as a conflict with a draft of the last snapshot, in the same
// transaction as the event. A lost race on the version reloads it and retries
// once, which then audits the mismatch.
func (a *docActor) applyAudited(ctx context.Context, u Update, retry bool) (Result, error) {
	ev := &store.UpdateEvent{DocID: a.docID, Version: a.version + 1, Payload: u.Payload}
	if ev.Payload == nil {
		ev.Payload = []byte{}
	}

	conflict := u.BaseVersion != nil && *u.BaseVersion != a.version
	var err error
	if conflict {
		var draft []byte
		snap, serr := a.e.store.LatestSnapshot(ctx, a.docID)
		switch {
		case serr == nil:
			draft = snap.Payload
		case !errors.Is(serr, store.ErrNotFound):
			ferr := a.storageFailure(ctx, serr)
			return Result{Version: a.version}, ferr
		}
		err = a.e.store.ApplyAudited(ctx, store.AuditedWrite{
			Event:    ev,
			Conflict: &store.ConflictRecord{BaseVersion: *u.BaseVersion, ActualVersion: a.version},
			Draft:    &store.Draft{Payload: draft},
		})
	} else {
		err = a.e.store.AppendEvent(ctx, ev)
	}
	if err != nil {
		ferr := a.storageFailure(ctx, err)
		if retry && errors.Is(ferr, ErrVersionTaken) {
			return a.applyAudited(ctx, u, false)
		}
		return Result{Version: a.version}, ferr
	}

	if conflict {
		a.log().Infof("conflict recorded: base_version=%d actual_version=%d", *u.BaseVersion, a.version)
	}
	a.version = ev.Version
	a.e.hub.Broadcast(a.docID, encodeFrame(AuditFrame{Version: a.version, Content: string(ev.Payload)}))
	a.publish(ev, EventUpdateAudited, u.BaseVersion)

	a.sinceCompact++
	a.maybeCompact(ctx)
	return Result{Applied: true, Version: a.version, Conflict: conflict}, nil
}

// storageFailure classifies a failed write. A taken version means another
// writer got ahead, so the version is reloaded from storage.
func (a *docActor) storageFailure(ctx context.Context, err error) error {
	if errors.Is(err, store.ErrVersionTaken) {
		if v, lerr := a.e.store.MaxVersion(ctx, a.docID); lerr == nil && v > a.version {
			a.log().Warnf("version %d already committed elsewhere, resyncing to %d", a.version+1, v)
			a.version = v
		}
		return ErrVersionTaken
	}
	a.log().Errorf("persist update: %v", err)
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

func (a *docActor) publish(ev *store.UpdateEvent, eventType string, base *int64) {
	d := a.e.opts.Dispatcher
	if d == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	err := d.Enqueue(ctx, DocUpdateEvent{
		EventType:   eventType,
		DocID:       ev.DocID,
		EventID:     ev.ID,
		Version:     ev.Version,
		Policy:      a.e.opts.Policy.String(),
		BaseVersion: base,
		PayloadSize: len(ev.Payload),
		AppliedAt:   ev.CreatedAt,
	})
	if err != nil {
		a.log().Debugf("kafka enqueue dropped version %d: %v", ev.Version, err)
	}
}

func (a *docActor) compactDue(now time.Time) bool {
	if a.sinceCompact == 0 {
		return false
	}
	if every := a.e.opts.CompactEvery; every > 0 && a.sinceCompact >= every {
		return true
	}
	interval := a.e.opts.CompactInterval
	return interval > 0 && now.Sub(a.lastCompact) >= interval
}

// maybeCompact writes a snapshot when a trigger fired. A failed snapshot
// keeps the counters so the next update or sweep tries again.
func (a *docActor) maybeCompact(ctx context.Context) bool {
	now := a.e.opts.Now()
	if !a.compactDue(now) {
		return false
	}
	if err := a.compact(ctx); err != nil {
		a.log().Errorf("snapshot at version %d failed: %v", a.version, err)
		return false
	}
	a.sinceCompact = 0
	a.lastCompact = now
	return true
}

// compact folds the log into a snapshot. Reject-stale folds incrementally
// from the last snapshot; audit-apply refolds the whole history.
func (a *docActor) compact(ctx context.Context) error {
	var (
		base  []byte
		after int64
	)
	if a.e.opts.Policy == PolicyRejectStale {
		snap, err := a.e.store.LatestSnapshot(ctx, a.docID)
		switch {
		case err == nil:
			base, after = snap.Payload, snap.Version
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
	}

	events, err := a.e.store.ListEvents(ctx, a.docID, after)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	state, err := a.e.opts.Compactor.Compact(base, events)
	if err != nil {
		return err
	}
	snap := &store.Snapshot{
		DocID:   a.docID,
		Version: events[len(events)-1].Version,
		Payload: state,
	}
	if err := a.e.store.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	a.log().Debugf("snapshot written at version %d over %d events", snap.Version, len(events))
	return nil
}
