// Package wal holds the crash-safe file primitives used by the outbox: atomic
// whole-file writes and an append-only CBOR record journal.
package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

const tempMarker = ".tmp-"

const cborMajorMap = 5

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create wal CBOR encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create wal CBOR decoder mode: %v", err))
	}
}

// Marshal encodes value with the journal's canonical CBOR options.
func Marshal(value any) ([]byte, error) {
	return encMode.Marshal(value)
}

// Unmarshal decodes a CBOR record produced by Marshal.
func Unmarshal(data []byte, value any) error {
	return decMode.Unmarshal(data, value)
}

// Write replaces path with data atomically: temp file, fsync, rename, fsync dir.
func Write(path string, data []byte) error {
	if path == "" {
		return errors.New("wal path is required")
	}
	dir := filepath.Dir(path)
	temp, err := os.CreateTemp(dir, "."+filepath.Base(path)+tempMarker+"*")
	if err != nil {
		return err
	}
	tempPath := temp.Name()
	cleanup := func() {
		_ = temp.Close()
		_ = os.Remove(tempPath)
	}

	if _, err = temp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err = temp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err = temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return err
	}
	if err = os.Chmod(tempPath, 0600); err != nil {
		_ = os.Remove(tempPath)
		return err
	}
	if err = os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return err
	}
	return syncDir(dir)
}

// Read returns the contents of path.
func Read(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("wal path is required")
	}
	return os.ReadFile(path) // #nosec G304 -- path is built by the owning store
}

// IsTemp reports whether name is a leftover temp file from Write.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, tempMarker)
}

func syncDir(dir string) error {
	handle, err := os.Open(dir) // #nosec G304 -- directory of a store-owned path
	if err != nil {
		return err
	}
	defer handle.Close()
	if err := handle.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}

// journalFile is the subset of *os.File a Journal writes through.
type journalFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
	Close() error
}

func openJournalFile(path string) (journalFile, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600) // #nosec G304 -- store-owned path
}

// Journal is an append-only file of CBOR records; each record must encode as a
// CBOR map (a struct or map value). A failed append is cut back off the file
// so later records never land behind a fragment.
type Journal struct {
	lock        sync.Mutex
	path        string
	file        journalFile
	syncOnWrite bool
	records     int
	broken      error
}

// OpenJournal opens path for appending, creating it when missing. Existing
// records are not read; use Replay first.
func OpenJournal(path string, syncOnWrite bool) (*Journal, error) {
	if path == "" {
		return nil, errors.New("wal path is required")
	}
	file, err := openJournalFile(path)
	if err != nil {
		return nil, err
	}
	return &Journal{path: path, file: file, syncOnWrite: syncOnWrite}, nil
}

// Append encodes record and writes it with a single write call. On a write or
// sync error the file is truncated back to its previous size; if that fails
// too the journal refuses further appends until Rewrite succeeds.
func (journal *Journal) Append(record any) error {
	if journal == nil {
		return errors.New("nil journal")
	}
	data, err := encMode.Marshal(record)
	if err != nil {
		return err
	}

	journal.lock.Lock()
	defer journal.lock.Unlock()
	if journal.file == nil {
		return errors.New("journal is closed")
	}
	if journal.broken != nil {
		return fmt.Errorf("journal unusable after failed rollback: %w", journal.broken)
	}
	info, err := journal.file.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	if _, err = journal.file.Write(data); err != nil {
		return journal.rollbackLocked(size, err)
	}
	if journal.syncOnWrite {
		if err = journal.file.Sync(); err != nil {
			return journal.rollbackLocked(size, err)
		}
	}
	journal.records++
	return nil
}

func (journal *Journal) rollbackLocked(size int64, cause error) error {
	if err := journal.file.Truncate(size); err != nil {
		journal.broken = err
		return fmt.Errorf("%w (rollback failed: %v)", cause, err)
	}
	if journal.syncOnWrite {
		_ = journal.file.Sync()
	}
	return cause
}

// Records returns the number of records appended since open or the last
// Rewrite, plus the count passed to SetRecords.
func (journal *Journal) Records() int {
	if journal == nil {
		return 0
	}
	journal.lock.Lock()
	defer journal.lock.Unlock()
	return journal.records
}

// SetRecords seeds the record count after a Replay.
func (journal *Journal) SetRecords(count int) {
	if journal == nil {
		return
	}
	journal.lock.Lock()
	journal.records = count
	journal.lock.Unlock()
}

// Rewrite atomically replaces the journal contents with records.
func (journal *Journal) Rewrite(records []any) error {
	if journal == nil {
		return errors.New("nil journal")
	}
	var buffer []byte
	for _, record := range records {
		data, err := encMode.Marshal(record)
		if err != nil {
			return err
		}
		buffer = append(buffer, data...)
	}

	journal.lock.Lock()
	defer journal.lock.Unlock()
	if journal.file == nil {
		return errors.New("journal is closed")
	}
	if err := Write(journal.path, buffer); err != nil {
		return err
	}
	_ = journal.file.Close()
	file, err := openJournalFile(journal.path)
	if err != nil {
		journal.file = nil
		return err
	}
	journal.file = file
	journal.records = len(records)
	journal.broken = nil
	return nil
}

// Close closes the journal file.
func (journal *Journal) Close() error {
	if journal == nil {
		return nil
	}
	journal.lock.Lock()
	defer journal.lock.Unlock()
	if journal.file == nil {
		return nil
	}
	err := journal.file.Close()
	journal.file = nil
	return err
}

// ReplayResult describes what Replay found.
type ReplayResult struct {
	// Records is the number of records applied.
	Records int
	// Skipped counts bytes between good records that were neither decodable
	// nor accepted by apply. They are left in the file.
	Skipped int
	// Truncated counts bytes of a torn final record cut off the file.
	Truncated int
}

// Corrupted reports whether Replay skipped bytes between good records.
func (result ReplayResult) Corrupted() bool {
	return result.Skipped > 0
}

// Replay decodes every record in path in order and passes the raw bytes to
// apply. A missing file is empty. An apply error marks the record as
// corrupt, not the replay as failed.
//
// When a record cannot be decoded or applied, Replay scans forward byte by
// byte for the next record apply accepts and carries on from there. Only an
// undecodable run reaching EOF, the shape a crash mid-append leaves, is
// truncated; a well-formed record apply refuses is never cut off.
func Replay(path string, apply func(raw cbor.RawMessage) error) (ReplayResult, error) {
	var result ReplayResult
	if path == "" {
		return result, errors.New("wal path is required")
	}
	data, err := os.ReadFile(path) // #nosec G304 -- store-owned path
	if errors.Is(err, os.ErrNotExist) {
		return result, nil
	}
	if err != nil {
		return result, err
	}
	if apply == nil {
		apply = func(cbor.RawMessage) error { return nil }
	}

	offset := 0
	for offset < len(data) {
		size, wellFormed := next(data[offset:], apply)
		if size > 0 {
			result.Records++
			offset += size
			continue
		}

		resumed := false
		for candidate := offset + 1; candidate < len(data); candidate++ {
			if size, _ := next(data[candidate:], apply); size > 0 {
				result.Skipped += candidate - offset
				result.Records++
				offset = candidate + size
				resumed = true
				break
			}
		}
		if resumed {
			continue
		}

		if wellFormed {
			result.Skipped += len(data) - offset
			break
		}
		if err := os.Truncate(path, int64(offset)); err != nil {
			return result, err
		}
		result.Truncated = len(data) - offset
		break
	}
	return result, nil
}

// next decodes and applies the record at the start of data. size is zero when
// nothing was applied; wellFormed tells a refused record from garbage. Records
// are CBOR maps, so anything else is garbage.
func next(data []byte, apply func(raw cbor.RawMessage) error) (size int, wellFormed bool) {
	if len(data) == 0 || data[0]>>5 != cborMajorMap {
		return 0, false
	}
	var raw cbor.RawMessage
	rest, err := decMode.UnmarshalFirst(data, &raw)
	if err != nil {
		return 0, false
	}
	if err := apply(raw); err != nil {
		return 0, true
	}
	return len(data) - len(rest), true
}
