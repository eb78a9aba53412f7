package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"readsync/backend/internal/store"
)

const (
	maxDeviceIDRunes = 64
	unknownDevice    = "unknown"

	// EventAnnotationConflict tells an owner's other devices that a pushed
	// annotation collided with an existing one.
	EventAnnotationConflict = "annotation_conflict"
)

type Options struct {
	MaxPendingNotes      int
	MaxPendingHighlights int
	DrainLimit           int
	FastInterval         time.Duration
	SteadyInterval       time.Duration
	Now                  func() time.Time
}

func (o *Options) setDefaults() {
	if o.MaxPendingNotes <= 0 {
		o.MaxPendingNotes = 50
	}
	if o.MaxPendingHighlights <= 0 {
		o.MaxPendingHighlights = 50
	}
	if o.DrainLimit <= 0 {
		o.DrainLimit = 20
	}
	if o.FastInterval <= 0 {
		o.FastInterval = 5 * time.Second
	}
	if o.SteadyInterval <= 0 {
		o.SteadyInterval = 15 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Service reconciles one device's view of a book with the server. It keeps
// no state between calls.
type Service struct {
	store   store.Store
	indexer Indexer
	quota   QuotaGate
	locator ContentLocator
	opts    Options
}

func NewService(st store.Store, indexer Indexer, quota QuotaGate, locator ContentLocator, opts Options) *Service {
	if indexer == nil {
		indexer = NopIndexer{}
	}
	if quota == nil {
		quota = AllowAll{}
	}
	if locator == nil {
		locator = PathLocator{}
	}
	opts.setDefaults()
	return &Service{store: st, indexer: indexer, quota: quota, locator: locator, opts: opts}
}

type annotationConflict struct {
	Kind       string `json:"kind"`
	ClientID   string `json:"client_id"`
	ID         string `json:"id"`
	OriginalID string `json:"original_id"`
	DeviceID   string `json:"device_id"`
}

// run carries what one call accumulates inside its transaction.
type run struct {
	p         Principal
	req       *Request
	deviceID  string
	now       time.Time
	resp      *Response
	created   []store.Annotation
	conflicts []annotationConflict
	drained   int
}

// Heartbeat handles one heartbeat. A returned error is always an *Error and
// means nothing was persisted.
func (s *Service) Heartbeat(ctx context.Context, p Principal, req Request) (*Response, error) {
	req.BookID = strings.TrimSpace(req.BookID)
	if req.BookID == "" {
		return nil, ErrMissingBookID
	}
	updates := req.ClientUpdates
	if len(updates.PendingNotes) > s.opts.MaxPendingNotes {
		return nil, ErrTooManyPendingNotes
	}
	if len(updates.PendingHighlights) > s.opts.MaxPendingHighlights {
		return nil, ErrTooManyPendingHighlights
	}

	r := &run{
		p:        p,
		req:      &req,
		deviceID: normalizeDevice(req.DeviceID, p.DeviceID),
		now:      s.opts.Now().UTC(),
	}
	log := logrus.WithFields(logrus.Fields{
		"owner_id":  p.OwnerID,
		"book_id":   req.BookID,
		"device_id": r.deviceID,
	})

	err := s.store.Transaction(ctx, func(tx store.Store) error {
		r.resp = &Response{}
		r.created, r.conflicts, r.drained = nil, nil, 0
		return s.reconcile(ctx, tx, r)
	})
	if err != nil {
		var herr *Error
		if errors.As(err, &herr) {
			return nil, herr
		}
		log.Errorf("heartbeat rolled back: %v", err)
		return nil, storageUnavailable(err)
	}

	for _, note := range r.created {
		if ierr := s.indexer.IndexNote(ctx, note); ierr != nil {
			log.Warnf("index note %s: %v", note.ID, ierr)
		}
	}

	s.schedule(r)
	log.Debugf("heartbeat done: pulls=%d events=%d next=%dms",
		len(r.resp.PullRequired), len(r.resp.PendingEvents), r.resp.NextHeartbeatMs)
	return r.resp, nil
}

func (s *Service) reconcile(ctx context.Context, tx store.Store, r *run) error {
	req := r.req
	book, err := tx.GetBook(ctx, r.p.OwnerID, req.BookID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrBookNotFound
	}
	if err != nil {
		return err
	}

	updates := req.ClientUpdates
	batch, err := s.classify(ctx, tx, r)
	if err != nil {
		return err
	}
	// only items that will be stored count against the quota
	if batch.inserts > 0 {
		ok, qerr := s.quota.AllowPush(ctx, r.p.OwnerID, batch.inserts)
		if qerr != nil {
			return quotaUnavailable(qerr)
		}
		if !ok {
			return ErrQuotaExceeded
		}
	}

	fp := ServerFingerprints(book)
	r.resp.ServerVersions = ServerVersions{OCR: fp.OCR, Metadata: fp.Metadata, VectorIndex: fp.VectorIndex}
	r.resp.PullRequired = s.diff(book, fp, req.ClientVersions)

	if rp := updates.ReadingProgress; rp != nil {
		if err := tx.UpsertProgress(ctx, r.p.OwnerID, book.ID, clampProgress(rp.Progress), string(rp.LastLocation), r.now); err != nil {
			return err
		}
	}

	if len(updates.PendingNotes) > 0 || len(updates.PendingHighlights) > 0 {
		r.resp.PushResults = &PushResults{
			Notes:      make(map[string]ItemResult, len(updates.PendingNotes)),
			Highlights: make(map[string]ItemResult, len(updates.PendingHighlights)),
		}
	}
	for i, item := range batch.notes {
		res, err := s.push(ctx, tx, r, item)
		if err != nil {
			return err
		}
		putResult(r.resp.PushResults.Notes, item.a.ClientID, i, res)
	}
	for i, item := range batch.highlights {
		res, err := s.push(ctx, tx, r, item)
		if err != nil {
			return err
		}
		putResult(r.resp.PushResults.Highlights, item.a.ClientID, i, res)
	}

	if err := tx.SaveFingerprints(ctx, r.p.OwnerID, book.ID, fp, r.now); err != nil {
		return err
	}

	events, err := tx.DrainSyncEvents(ctx, r.p.OwnerID, s.opts.DrainLimit, r.now)
	if err != nil {
		return err
	}
	r.drained = len(events)
	for _, ev := range events {
		r.resp.PendingEvents = append(r.resp.PendingEvents, pendingEvent(ev))
	}

	// enqueued after the drain so they reach the owner's next heartbeat
	for _, c := range r.conflicts {
		payload, _ := json.Marshal(c)
		err := tx.EnqueueSyncEvent(ctx, &store.SyncEvent{
			OwnerID:   r.p.OwnerID,
			BookID:    book.ID,
			Type:      EventAnnotationConflict,
			Payload:   string(payload),
			CreatedAt: r.now,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) diff(book *store.Book, server store.Fingerprints, client ClientVersions) map[string]PullItem {
	var pulls map[string]PullItem
	add := func(kind, serverFP string, clientFP *string, priority string) {
		if serverFP == "" || (clientFP != nil && *clientFP == serverFP) {
			return
		}
		if pulls == nil {
			pulls = make(map[string]PullItem)
		}
		pulls[kind] = PullItem{URL: s.locator.URL(book.ID, kind), Priority: priority}
	}

	ocrPriority := PriorityNormal
	if !book.Digitized {
		ocrPriority = PriorityHigh
	}
	add(PullOCR, server.OCR, client.OCR, ocrPriority)
	add(PullMetadata, server.Metadata, client.Metadata, PriorityNormal)
	add(PullVectorIndex, server.VectorIndex, client.VectorIndex, PriorityLow)
	return pulls
}

// pushItem is one pending annotation. An item whose result is already
// decided is answered without touching storage again.
type pushItem struct {
	a       store.Annotation
	decided *ItemResult
}

type pushBatch struct {
	notes      []pushItem
	highlights []pushItem
	inserts    int
}

// classify rejects incomplete items and replays of client ids already stored
// or already pushed earlier in the batch. What is left will be inserted.
func (s *Service) classify(ctx context.Context, tx store.Store, r *run) (*pushBatch, error) {
	updates := r.req.ClientUpdates
	batch := &pushBatch{}
	seen := make(map[string]struct{})

	check := func(a store.Annotation, complete bool) (pushItem, error) {
		if !complete {
			return pushItem{a: a, decided: &ItemResult{Status: StatusRejected, Reason: ReasonMissingFields}}, nil
		}
		duplicate := &ItemResult{Status: StatusRejected, Reason: ReasonDuplicate}
		if _, ok := seen[a.ClientID]; ok {
			return pushItem{a: a, decided: duplicate}, nil
		}
		_, err := tx.FindAnnotationByClientID(ctx, r.p.OwnerID, r.req.BookID, a.ClientID)
		switch {
		case err == nil:
			return pushItem{a: a, decided: duplicate}, nil
		case !errors.Is(err, store.ErrNotFound):
			return pushItem{}, err
		}
		seen[a.ClientID] = struct{}{}
		batch.inserts++
		return pushItem{a: a}, nil
	}

	for _, n := range updates.PendingNotes {
		item, err := check(noteAnnotation(n), n.ClientID != "" && n.Location != "" && n.Content != "")
		if err != nil {
			return nil, err
		}
		batch.notes = append(batch.notes, item)
	}
	for _, h := range updates.PendingHighlights {
		item, err := check(highlightAnnotation(h), h.ClientID != "" && h.StartLocation != "" && h.EndLocation != "")
		if err != nil {
			return nil, err
		}
		batch.highlights = append(batch.highlights, item)
	}
	return batch, nil
}

func noteAnnotation(n PendingNote) store.Annotation {
	return store.Annotation{
		ClientID:    n.ClientID,
		Kind:        store.KindNote,
		PositionKey: string(n.Location),
		Location:    string(n.Location),
		Content:     n.Content,
		Color:       n.Color,
	}
}

func highlightAnnotation(h PendingHighlight) store.Annotation {
	return store.Annotation{
		ClientID:      h.ClientID,
		Kind:          store.KindHighlight,
		PositionKey:   string(h.StartLocation) + "|" + string(h.EndLocation),
		StartLocation: string(h.StartLocation),
		EndLocation:   string(h.EndLocation),
		Content:       h.Content,
		Color:         h.Color,
	}
}

// push stores one classified annotation. Notes that collide with another
// device's note become conflict copies pointing at the original; colliding
// highlights are kept side by side and reported as merged.
func (s *Service) push(ctx context.Context, tx store.Store, r *run, item pushItem) (ItemResult, error) {
	if item.decided != nil {
		return *item.decided, nil
	}
	a := item.a
	original, err := tx.FindPositionalConflict(ctx, r.p.OwnerID, r.req.BookID, a.Kind, a.PositionKey, r.deviceID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return ItemResult{}, err
	}

	a.OwnerID = r.p.OwnerID
	a.BookID = r.req.BookID
	a.DeviceID = r.deviceID
	if original != nil && a.Kind == store.KindNote {
		a.ConflictOf = &original.ID
	}
	if err := tx.CreateAnnotation(ctx, &a); err != nil {
		return ItemResult{}, err
	}

	if a.Kind == store.KindNote {
		r.created = append(r.created, a)
	}
	if original == nil {
		return ItemResult{Status: StatusCreated, ID: a.ID}, nil
	}

	r.conflicts = append(r.conflicts, annotationConflict{
		Kind:       a.Kind,
		ClientID:   a.ClientID,
		ID:         a.ID,
		OriginalID: original.ID,
		DeviceID:   r.deviceID,
	})
	if a.Kind == store.KindNote {
		return ItemResult{Status: StatusConflictCopy, ID: a.ID, ConflictOf: original.ID}, nil
	}
	return ItemResult{Status: StatusMerged, ID: a.ID}, nil
}

func (s *Service) schedule(r *run) {
	resp := r.resp
	busy := r.req.ClientUpdates.HasMore || len(resp.PullRequired) > 0 || len(resp.PendingEvents) > 0
	resp.NextHeartbeatMs = s.opts.SteadyInterval.Milliseconds()
	if busy {
		resp.NextHeartbeatMs = s.opts.FastInterval.Milliseconds()
	}
	resp.MoreToSync = busy || r.drained >= s.opts.DrainLimit
}

// putResult keys a result by client id. Items without one, and repeats of an
// id already answered in this batch, get an index suffix.
func putResult(results map[string]ItemResult, clientID string, index int, res ItemResult) {
	key := clientID
	if key == "" {
		key = "#" + strconv.Itoa(index)
	} else if _, taken := results[key]; taken {
		key = clientID + "#" + strconv.Itoa(index)
	}
	results[key] = res
}

func pendingEvent(ev store.SyncEvent) PendingEvent {
	out := PendingEvent{ID: ev.ID, Type: ev.Type, BookID: ev.BookID, CreatedAt: ev.CreatedAt}
	if ev.Payload != "" {
		if json.Valid([]byte(ev.Payload)) {
			out.Payload = json.RawMessage(ev.Payload)
		} else {
			out.Payload, _ = json.Marshal(ev.Payload)
		}
	}
	return out
}

func normalizeDevice(requested, fallback string) string {
	d := strings.TrimSpace(requested)
	if d == "" {
		d = strings.TrimSpace(fallback)
	}
	if d == "" {
		return unknownDevice
	}
	if utf8.RuneCountInString(d) > maxDeviceIDRunes {
		d = string([]rune(d)[:maxDeviceIDRunes])
	}
	return d
}

func clampProgress(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
