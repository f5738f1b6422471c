package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"
)

// HandoffFunc passes one item to the transport during replay.
type HandoffFunc func(ctx context.Context, item *OutboxItem) error

// FailureFunc is told about items replay could not hand off and skipped.
type FailureFunc func(id string, err error)

// Outbox is the durable queue of outbound items awaiting hand-off.
type Outbox interface {
	AddItem(item *OutboxItem) error
	RemoveItem(id string) (bool, error)
	Cancel(id string) (bool, error)
	Contains(id string) bool
	PendingItems(kind ItemKind, discardPayload bool) []*OutboxItem
	Len() int
	ReplayPending(ctx context.Context, handoff HandoffFunc, failed FailureFunc) (int, error)
	Flush(timeout time.Duration) error
	Purge() error
	Close() error
}

const maxTombstones = 1024

type outboxEntry struct {
	id         string
	kind       ItemKind
	locator    string
	sequence   uint64
	enqueuedAt time.Time
}

// outboxBackend stores item bodies. All calls are made with the core lock held.
type outboxBackend interface {
	persist(entry *outboxEntry, item *OutboxItem) error
	load(entry *outboxEntry) (*OutboxItem, error)
	erase(entry *outboxEntry) error
	compact() error
	purge() error
	close() error
}

// outboxCore holds the ordered index and the replay algorithm shared by the
// memory and file outboxes.
type outboxCore struct {
	lock         sync.Mutex
	backend      outboxBackend
	entries      map[string]*outboxEntry
	nextSequence uint64
	claimed      map[string]struct{}
	quarantined  map[string]struct{}
	tombstones   []string
	tombstoned   map[string]struct{}
	closed       bool
}

func newOutboxCore(backend outboxBackend) *outboxCore {
	return &outboxCore{
		backend:      backend,
		entries:      make(map[string]*outboxEntry),
		nextSequence: 1,
		claimed:      make(map[string]struct{}),
		quarantined:  make(map[string]struct{}),
		tombstoned:   make(map[string]struct{}),
	}
}

func locatorFor(id string) string {
	digest := sha256.Sum256([]byte(id))
	return hex.EncodeToString(digest[:16])
}

func (core *outboxCore) addTombstoneLocked(id string) {
	if _, ok := core.tombstoned[id]; ok {
		return
	}
	core.tombstones = append(core.tombstones, id)
	core.tombstoned[id] = struct{}{}
	for len(core.tombstones) > maxTombstones {
		delete(core.tombstoned, core.tombstones[0])
		core.tombstones = core.tombstones[1:]
	}
}

// orderedLocked returns live entries by insertion order.
func (core *outboxCore) orderedLocked() []*outboxEntry {
	ordered := make([]*outboxEntry, 0, len(core.entries))
	for _, entry := range core.entries {
		ordered = append(ordered, entry)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].sequence < ordered[j].sequence })
	return ordered
}

// AddItem persists item. The id must be new to this outbox, including ids
// that were removed recently.
func (core *outboxCore) AddItem(item *OutboxItem) error {
	if core == nil {
		return errors.New("nil outbox")
	}
	if err := validateItem(item); err != nil {
		return err
	}

	core.lock.Lock()
	defer core.lock.Unlock()

	if core.closed {
		return NewError(ClosedError, "outbox is closed")
	}
	if _, ok := core.entries[item.ID]; ok {
		return NewError(DuplicateIDError, item.ID)
	}
	if _, ok := core.tombstoned[item.ID]; ok {
		return NewError(DuplicateIDError, item.ID)
	}

	stored := item.clone(false)
	if stored.EnqueuedAt.IsZero() {
		stored.EnqueuedAt = time.Now().UTC()
	}
	entry := &outboxEntry{
		id:         stored.ID,
		kind:       stored.Kind,
		locator:    locatorFor(stored.ID),
		sequence:   core.nextSequence,
		enqueuedAt: stored.EnqueuedAt,
	}
	if err := core.backend.persist(entry, stored); err != nil {
		return err
	}
	core.entries[entry.id] = entry
	core.nextSequence++
	return nil
}

// RemoveItem deletes id. Unknown ids report false.
func (core *outboxCore) RemoveItem(id string) (bool, error) {
	if core == nil {
		return false, errors.New("nil outbox")
	}
	core.lock.Lock()
	defer core.lock.Unlock()
	return core.removeLocked(id)
}

func (core *outboxCore) removeLocked(id string) (bool, error) {
	if core.closed {
		return false, NewError(ClosedError, "outbox is closed")
	}
	entry, ok := core.entries[id]
	if !ok {
		return false, nil
	}
	if err := core.backend.erase(entry); err != nil {
		return false, err
	}
	delete(core.entries, id)
	delete(core.claimed, id)
	delete(core.quarantined, id)
	core.addTombstoneLocked(id)
	if err := core.backend.compact(); err != nil {
		return true, err
	}
	return true, nil
}

// Cancel removes id unless replay is currently handing it off.
func (core *outboxCore) Cancel(id string) (bool, error) {
	if core == nil {
		return false, errors.New("nil outbox")
	}
	core.lock.Lock()
	defer core.lock.Unlock()
	if _, busy := core.claimed[id]; busy {
		return false, nil
	}
	return core.removeLocked(id)
}

// Contains reports whether id is queued.
func (core *outboxCore) Contains(id string) bool {
	if core == nil {
		return false
	}
	core.lock.Lock()
	defer core.lock.Unlock()
	_, ok := core.entries[id]
	return ok
}

// Len returns the number of queued items.
func (core *outboxCore) Len() int {
	if core == nil {
		return 0
	}
	core.lock.Lock()
	defer core.lock.Unlock()
	return len(core.entries)
}

// PendingItems returns queued items of kind in insertion order. Items whose
// record cannot be read are left out.
func (core *outboxCore) PendingItems(kind ItemKind, discardPayload bool) []*OutboxItem {
	if core == nil {
		return nil
	}
	core.lock.Lock()
	defer core.lock.Unlock()

	items := make([]*OutboxItem, 0, len(core.entries))
	for _, entry := range core.orderedLocked() {
		if !kind.matches(entry.kind) {
			continue
		}
		item, err := core.backend.load(entry)
		if err != nil {
			continue
		}
		items = append(items, item.clone(discardPayload))
	}
	return items
}

// claim marks id as in hand-off and loads its record. ok is false when the
// item is gone or quarantined.
func (core *outboxCore) claim(id string) (item *OutboxItem, ok bool, err error) {
	core.lock.Lock()
	defer core.lock.Unlock()
	entry, present := core.entries[id]
	if !present || core.closed {
		return nil, false, nil
	}
	if _, skip := core.quarantined[id]; skip {
		return nil, false, nil
	}
	item, err = core.backend.load(entry)
	if err != nil {
		core.quarantined[id] = struct{}{}
		return nil, true, err
	}
	core.claimed[id] = struct{}{}
	return item, true, nil
}

func (core *outboxCore) release(id string) {
	core.lock.Lock()
	delete(core.claimed, id)
	core.lock.Unlock()
}

// ReplayPending hands queued items to handoff in insertion order and removes
// each one once handoff returns nil. Unreadable records and rejected items
// are reported to failed and skipped; any other handoff error stops replay
// and leaves the rest queued.
func (core *outboxCore) ReplayPending(ctx context.Context, handoff HandoffFunc, failed FailureFunc) (int, error) {
	if core == nil {
		return 0, errors.New("nil outbox")
	}
	if handoff == nil {
		return 0, nil
	}
	if failed == nil {
		failed = func(string, error) {}
	}

	core.lock.Lock()
	snapshot := core.orderedLocked()
	core.lock.Unlock()

	delivered := 0
	for _, entry := range snapshot {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		item, ok, err := core.claim(entry.id)
		if !ok {
			continue
		}
		if err != nil {
			failed(entry.id, err)
			continue
		}

		handoffErr := handoff(ctx, item)
		switch {
		case handoffErr == nil:
			removed, err := core.RemoveItem(entry.id)
			if removed {
				delivered++
			}
			if err != nil {
				core.release(entry.id)
				return delivered, err
			}
		case IsCode(handoffErr, RejectedError):
			removed, err := core.RemoveItem(entry.id)
			if removed {
				failed(entry.id, handoffErr)
			}
			if err != nil {
				core.release(entry.id)
				return delivered, err
			}
		default:
			core.release(entry.id)
			return delivered, handoffErr
		}
	}
	return delivered, nil
}

// Flush waits until the outbox is empty. A non-positive timeout waits forever.
func (core *outboxCore) Flush(timeout time.Duration) error {
	if core == nil {
		return errors.New("nil outbox")
	}

	if timeout <= 0 {
		for {
			if core.Len() == 0 {
				return nil
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	deadline := time.Now().Add(timeout)
	for {
		if core.Len() == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return NewError(TimedOutError, "outbox flush timed out")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Purge removes every item and forgets removed ids.
func (core *outboxCore) Purge() error {
	if core == nil {
		return errors.New("nil outbox")
	}
	core.lock.Lock()
	defer core.lock.Unlock()
	if core.closed {
		return NewError(ClosedError, "outbox is closed")
	}
	if err := core.backend.purge(); err != nil {
		return err
	}
	core.entries = make(map[string]*outboxEntry)
	core.claimed = make(map[string]struct{})
	core.quarantined = make(map[string]struct{})
	core.tombstones = nil
	core.tombstoned = make(map[string]struct{})
	return nil
}

// Close releases storage handles. Further mutation fails with ClosedError.
func (core *outboxCore) Close() error {
	if core == nil {
		return nil
	}
	core.lock.Lock()
	defer core.lock.Unlock()
	if core.closed {
		return nil
	}
	core.closed = true
	return core.backend.close()
}

// MemoryOutbox keeps items in process memory.
type MemoryOutbox struct {
	*outboxCore
	items map[string]*OutboxItem
}

// NewMemoryOutbox returns an empty MemoryOutbox.
func NewMemoryOutbox() *MemoryOutbox {
	outbox := &MemoryOutbox{items: make(map[string]*OutboxItem)}
	outbox.outboxCore = newOutboxCore(outbox)
	return outbox
}

func (outbox *MemoryOutbox) persist(entry *outboxEntry, item *OutboxItem) error {
	outbox.items[entry.id] = item
	return nil
}

func (outbox *MemoryOutbox) load(entry *outboxEntry) (*OutboxItem, error) {
	item, ok := outbox.items[entry.id]
	if !ok {
		return nil, NewError(StorageError, "missing item "+entry.id)
	}
	return item.clone(false), nil
}

func (outbox *MemoryOutbox) erase(entry *outboxEntry) error {
	delete(outbox.items, entry.id)
	return nil
}

func (outbox *MemoryOutbox) compact() error {
	return nil
}

func (outbox *MemoryOutbox) purge() error {
	outbox.items = make(map[string]*OutboxItem)
	return nil
}

func (outbox *MemoryOutbox) close() error {
	return nil
}
