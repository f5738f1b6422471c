package relay

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/Thejuampi/relay-client-go/relay/internal/wal"
)

const (
	outboxIndexFile  = "index.log"
	outboxPayloadDir = "payloads"
	payloadExt       = ".rec"

	journalOpAdd    = "add"
	journalOpRemove = "remove"

	compactSlack = 64
)

// journalRecord is one entry of the outbox index journal. Item content lives
// only in the sealed payload files.
type journalRecord struct {
	Op         string    `cbor:"op"`
	ID         string    `cbor:"id"`
	Kind       ItemKind  `cbor:"kind,omitempty"`
	Locator    string    `cbor:"locator,omitempty"`
	EnqueuedAt time.Time `cbor:"enqueued_at"`
}

// FileOutboxOptions tunes a FileOutbox.
type FileOutboxOptions struct {
	SyncOnWrite bool
	Logger      logrus.FieldLogger
}

func defaultFileOutboxOptions() FileOutboxOptions {
	return FileOutboxOptions{SyncOnWrite: true}
}

func normalizeFileOutboxOptions(options *FileOutboxOptions) FileOutboxOptions {
	normalized := defaultFileOutboxOptions()
	if options == nil {
		normalized.Logger = logrus.StandardLogger()
		return normalized
	}
	normalized.SyncOnWrite = options.SyncOnWrite
	normalized.Logger = options.Logger
	if normalized.Logger == nil {
		normalized.Logger = logrus.StandardLogger()
	}
	return normalized
}

// FileOutbox persists items as sealed payload files plus an append-only index
// journal. A payload is written before its index record and deleted before
// its removal record, so a crash leaves at most an orphan payload (collected
// on open) or a dangling index entry (dropped on open).
type FileOutbox struct {
	*outboxCore
	dir        string
	payloadDir string
	codec      *Codec
	journal    *wal.Journal
	logger     logrus.FieldLogger
}

// OpenFileOutbox opens or creates the outbox rooted at dir. codec is required:
// items are never stored unencrypted.
func OpenFileOutbox(dir string, codec *Codec, options *FileOutboxOptions) (*FileOutbox, error) {
	if dir == "" {
		return nil, NewError(ValidationError, "outbox directory is required")
	}
	if codec == nil {
		return nil, NewError(EncryptionInitError, "outbox requires a codec")
	}
	normalized := normalizeFileOutboxOptions(options)

	outbox := &FileOutbox{
		dir:        dir,
		payloadDir: filepath.Join(dir, outboxPayloadDir),
		codec:      codec,
		logger:     normalized.Logger.WithField("outbox", dir),
	}
	outbox.outboxCore = newOutboxCore(outbox)

	if err := os.MkdirAll(outbox.payloadDir, 0700); err != nil {
		return nil, NewError(StorageError, "create outbox directory", err)
	}

	indexPath := filepath.Join(dir, outboxIndexFile)
	replayed, err := wal.Replay(indexPath, outbox.applyRecord)
	if err != nil {
		return nil, NewError(StorageError, "replay outbox index", err)
	}
	if replayed.Truncated > 0 {
		outbox.logger.WithFields(logrus.Fields{
			"function": "OpenFileOutbox",
			"bytes":    replayed.Truncated,
		}).Warn("truncated torn outbox index tail")
	}
	salvage := replayed.Corrupted()
	if salvage {
		outbox.logger.WithFields(logrus.Fields{
			"function": "OpenFileOutbox",
			"bytes":    replayed.Skipped,
			"records":  replayed.Records,
		}).Warn("outbox index has corrupt records, rebuilding it")
	}

	journal, err := wal.OpenJournal(indexPath, normalized.SyncOnWrite)
	if err != nil {
		return nil, NewError(StorageError, "open outbox index", err)
	}
	journal.SetRecords(replayed.Records)
	outbox.journal = journal

	if err := outbox.recover(salvage); err != nil {
		_ = journal.Close()
		return nil, err
	}
	return outbox, nil
}

// applyRecord loads one index record. Records that do not decode or do not
// describe a valid add or remove are refused and skipped by the replay.
func (outbox *FileOutbox) applyRecord(raw cbor.RawMessage) error {
	var record journalRecord
	if err := wal.Unmarshal(raw, &record); err != nil {
		return err
	}
	if record.ID == "" {
		return errors.New("index record without id")
	}
	core := outbox.outboxCore
	switch record.Op {
	case journalOpAdd:
		if record.Locator != locatorFor(record.ID) || record.EnqueuedAt.IsZero() {
			return errors.New("malformed add record for " + record.ID)
		}
		core.entries[record.ID] = &outboxEntry{
			id:         record.ID,
			kind:       record.Kind,
			locator:    record.Locator,
			sequence:   core.nextSequence,
			enqueuedAt: record.EnqueuedAt,
		}
		core.nextSequence++
	case journalOpRemove:
		delete(core.entries, record.ID)
		core.addTombstoneLocked(record.ID)
	default:
		return errors.New("unknown index op " + record.Op)
	}
	return nil
}

// recover drops index entries without a payload, deletes payloads without an
// index entry and leftover temp files, then compacts if worthwhile. After a
// corrupt index (salvage) readable orphan payloads are put back in the queue
// instead, and the index is rewritten from the recovered state.
func (outbox *FileOutbox) recover(salvage bool) error {
	core := outbox.outboxCore
	core.lock.Lock()
	defer core.lock.Unlock()

	live := make(map[string]struct{}, len(core.entries))
	for _, entry := range core.orderedLocked() {
		if _, err := os.Stat(outbox.payloadPath(entry)); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return NewError(StorageError, "stat payload", err)
			}
			outbox.logger.WithFields(logrus.Fields{
				"function": "FileOutbox.recover",
				"id":       entry.id,
			}).Warn("dropping index entry without payload")
			if err := outbox.journal.Append(journalRecord{Op: journalOpRemove, ID: entry.id}); err != nil {
				return NewError(StorageError, "journal dangling entry", err)
			}
			delete(core.entries, entry.id)
			core.addTombstoneLocked(entry.id)
			continue
		}
		live[entry.locator] = struct{}{}
	}

	files, err := os.ReadDir(outbox.payloadDir)
	if err != nil {
		return NewError(StorageError, "list payloads", err)
	}
	var adopted []*OutboxItem
	for _, file := range files {
		name := file.Name()
		locator := strings.TrimSuffix(name, payloadExt)
		if !wal.IsTemp(name) {
			if _, ok := live[locator]; ok {
				continue
			}
			if salvage {
				if item, ok := outbox.adoptable(name); ok {
					adopted = append(adopted, item)
					continue
				}
			}
		}
		outbox.logger.WithFields(logrus.Fields{
			"function": "FileOutbox.recover",
			"file":     name,
		}).Debug("collecting orphan payload")
		if err := os.Remove(filepath.Join(outbox.payloadDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return NewError(StorageError, "remove orphan payload", err)
		}
	}

	if !salvage {
		return outbox.compact()
	}

	sort.SliceStable(adopted, func(i, j int) bool { return adopted[i].EnqueuedAt.Before(adopted[j].EnqueuedAt) })
	for _, item := range adopted {
		outbox.logger.WithFields(logrus.Fields{
			"function": "FileOutbox.recover",
			"id":       item.ID,
		}).Warn("restoring item missing from the index")
		core.entries[item.ID] = &outboxEntry{
			id:         item.ID,
			kind:       item.Kind,
			locator:    locatorFor(item.ID),
			sequence:   core.nextSequence,
			enqueuedAt: item.EnqueuedAt,
		}
		core.nextSequence++
	}
	return outbox.rewriteIndex()
}

// adoptable reads an orphan payload and reports whether it is a queued item
// the index lost: readable, stored under its own locator and never removed.
func (outbox *FileOutbox) adoptable(name string) (*OutboxItem, bool) {
	if !strings.HasSuffix(name, payloadExt) {
		return nil, false
	}
	item, err := outbox.readPayload(filepath.Join(outbox.payloadDir, name))
	if err != nil {
		outbox.logger.WithFields(logrus.Fields{
			"function": "FileOutbox.adoptable",
			"file":     name,
			"error":    err.Error(),
		}).Warn("unreadable orphan payload")
		return nil, false
	}
	if validateItem(item) != nil || strings.TrimSuffix(name, payloadExt) != locatorFor(item.ID) {
		return nil, false
	}
	core := outbox.outboxCore
	if _, ok := core.entries[item.ID]; ok {
		return nil, false
	}
	if _, ok := core.tombstoned[item.ID]; ok {
		return nil, false
	}
	return item, true
}

func (outbox *FileOutbox) payloadPath(entry *outboxEntry) string {
	return filepath.Join(outbox.payloadDir, entry.locator+payloadExt)
}

func (outbox *FileOutbox) persist(entry *outboxEntry, item *OutboxItem) error {
	plaintext, err := wal.Marshal(item)
	if err != nil {
		return NewError(StorageError, "encode item", err)
	}
	record, err := outbox.codec.Seal(plaintext)
	wipe(plaintext)
	if err != nil {
		return err
	}

	path := outbox.payloadPath(entry)
	if err := wal.Write(path, record); err != nil {
		return NewError(StorageError, "write payload", err)
	}
	err = outbox.journal.Append(journalRecord{
		Op:         journalOpAdd,
		ID:         entry.id,
		Kind:       entry.kind,
		Locator:    entry.locator,
		EnqueuedAt: entry.enqueuedAt,
	})
	if err != nil {
		_ = os.Remove(path)
		return NewError(StorageError, "write index entry", err)
	}
	return nil
}

func (outbox *FileOutbox) load(entry *outboxEntry) (*OutboxItem, error) {
	item, err := outbox.readPayload(outbox.payloadPath(entry))
	if err != nil {
		return nil, err
	}
	if item.ID != entry.id {
		return nil, NewError(StorageError, "payload does not match index entry "+entry.id)
	}
	return item, nil
}

func (outbox *FileOutbox) readPayload(path string) (*OutboxItem, error) {
	file, err := os.Open(path) // #nosec G304 -- locator is a hex digest
	if err != nil {
		return nil, NewError(StorageError, "open payload", err)
	}
	defer file.Close()

	reader, err := outbox.codec.NewReader(file)
	if err != nil {
		return nil, err
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, NewError(StorageError, "read payload", err)
	}
	defer wipe(plaintext)

	item := &OutboxItem{}
	if err := wal.Unmarshal(plaintext, item); err != nil {
		return nil, NewError(StorageError, "decode payload", err)
	}
	return item, nil
}

func (outbox *FileOutbox) erase(entry *outboxEntry) error {
	if err := os.Remove(outbox.payloadPath(entry)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return NewError(StorageError, "remove payload", err)
	}
	if err := outbox.journal.Append(journalRecord{Op: journalOpRemove, ID: entry.id}); err != nil {
		return NewError(StorageError, "write removal", err)
	}
	return nil
}

// compact rewrites the journal once dead records dominate it.
func (outbox *FileOutbox) compact() error {
	core := outbox.outboxCore
	if outbox.journal.Records() <= 2*len(core.entries)+len(core.tombstones)+compactSlack {
		return nil
	}
	return outbox.rewriteIndex()
}

// rewriteIndex replaces the journal with the tombstones and live entries.
func (outbox *FileOutbox) rewriteIndex() error {
	core := outbox.outboxCore
	records := make([]any, 0, len(core.tombstones)+len(core.entries))
	for _, id := range core.tombstones {
		records = append(records, journalRecord{Op: journalOpRemove, ID: id})
	}
	for _, entry := range core.orderedLocked() {
		records = append(records, journalRecord{
			Op:         journalOpAdd,
			ID:         entry.id,
			Kind:       entry.kind,
			Locator:    entry.locator,
			EnqueuedAt: entry.enqueuedAt,
		})
	}
	if err := outbox.journal.Rewrite(records); err != nil {
		return NewError(StorageError, "compact index", err)
	}
	outbox.logger.WithFields(logrus.Fields{
		"function": "FileOutbox.rewriteIndex",
		"records":  len(records),
	}).Debug("rewrote outbox index")
	return nil
}

func (outbox *FileOutbox) purge() error {
	files, err := os.ReadDir(outbox.payloadDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return NewError(StorageError, "list payloads", err)
	}
	for _, file := range files {
		if err := os.Remove(filepath.Join(outbox.payloadDir, file.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return NewError(StorageError, "remove payload", err)
		}
	}
	if err := outbox.journal.Rewrite(nil); err != nil {
		return NewError(StorageError, "reset index", err)
	}
	return nil
}

func (outbox *FileOutbox) close() error {
	return outbox.journal.Close()
}

// Dir returns the outbox root directory.
func (outbox *FileOutbox) Dir() string {
	return outbox.dir
}
