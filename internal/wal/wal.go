// Package wal implements the durable submission outbox.
//
// The log is an append-only file of entries, each protected by a CRC32 for
// torn-write detection, an HMAC-SHA256 for tamper detection, and a hash link
// to the previous entry. A torn tail left by a crash is cut off on open.
package wal

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Version and magic constants
const (
	Version    = 1
	Magic      = "KRWL"
	HeaderSize = 64
)

// fixed bytes per entry besides the payload
const entryOverhead = 4 + 8 + 8 + 1 + 4 + 32 + 32 + 4

// EntryType discriminates entry payloads.
type EntryType uint8

const (
	EntrySubmission EntryType = 1 // recorder output awaiting persistence
	EntryAck        EntryType = 2 // submission persisted
)

func (t EntryType) String() string {
	switch t {
	case EntrySubmission:
		return "submission"
	case EntryAck:
		return "ack"
	default:
		return fmt.Sprintf("EntryType(%d)", uint8(t))
	}
}

// Errors
var (
	ErrInvalidMagic   = errors.New("wal: invalid magic number")
	ErrInvalidVersion = errors.New("wal: unsupported version")
	ErrCorruptedEntry = errors.New("wal: corrupted entry (CRC mismatch)")
	ErrBrokenChain    = errors.New("wal: broken hash chain")
	ErrInvalidHMAC    = errors.New("wal: HMAC verification failed")
	ErrOutboxClosed   = errors.New("wal: outbox is closed")
	ErrLocked         = errors.New("wal: file is locked by another process")
)

// Entry is a single log entry.
type Entry struct {
	Length    uint32
	Sequence  uint64
	Timestamp int64 // UnixNano
	Type      EntryType
	Payload   []byte
	PrevHash  [32]byte
	HMAC      [32]byte
	CRC32     uint32
}

// WAL is an append-only integrity-checked log file.
type WAL struct {
	mu sync.Mutex

	path    string
	file    *os.File
	hmacKey []byte
	now     func() time.Time

	nextSequence uint64
	lastHash     [32]byte
	closed       bool

	entryCount uint64
	byteCount  int64
}

// Open opens or creates a log file and takes an exclusive lock on it.
func Open(path string, hmacKey []byte) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create wal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open wal file: %w", err)
	}
	if err := lockFile(file); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	w := &WAL{
		path:    path,
		file:    file,
		hmacKey: hmacKey,
		now:     time.Now,
	}

	if err := w.init(); err != nil {
		unlockFile(file)
		file.Close()
		return nil, err
	}
	return w, nil
}

func (w *WAL) init() error {
	stat, err := w.file.Stat()
	if err != nil {
		return fmt.Errorf("stat wal file: %w", err)
	}

	if stat.Size() == 0 {
		if err := writeHeader(w.file, 0, w.now()); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		w.byteCount = HeaderSize
		_, err := w.file.Seek(HeaderSize, io.SeekStart)
		return err
	}

	base, err := readHeader(w.file)
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	w.nextSequence = base
	if err := w.scanToEnd(stat.Size()); err != nil {
		return fmt.Errorf("scan wal: %w", err)
	}
	return nil
}

// writeHeader writes a header whose base sequence is the first sequence the
// file may contain.
func writeHeader(f *os.File, baseSeq uint64, created time.Time) error {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], Version)
	binary.BigEndian.PutUint64(buf[8:16], uint64(created.UnixNano()))
	binary.BigEndian.PutUint64(buf[16:24], baseSeq)

	if _, err := f.WriteAt(buf, 0); err != nil {
		return err
	}
	return f.Sync()
}

func readHeader(f *os.File) (uint64, error) {
	buf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return 0, err
	}
	if string(buf[0:4]) != Magic {
		return 0, ErrInvalidMagic
	}
	if version := binary.BigEndian.Uint32(buf[4:8]); version != Version {
		return 0, fmt.Errorf("%w: got %d, expected %d", ErrInvalidVersion, version, Version)
	}
	return binary.BigEndian.Uint64(buf[16:24]), nil
}

// scanToEnd walks the entries, cuts off a torn tail and positions the file
// for appending. A CRC-valid entry that fails the chain or HMAC check is an
// error rather than a torn write.
func (w *WAL) scanToEnd(size int64) error {
	offset := int64(HeaderSize)
	var prevHash [32]byte

	for {
		entry, n, err := w.readEntryAt(offset)
		if err != nil {
			break
		}
		if entry.PrevHash != prevHash {
			return fmt.Errorf("entry %d: %w", entry.Sequence, ErrBrokenChain)
		}
		if !w.VerifyHMAC(entry) {
			return fmt.Errorf("entry %d: %w", entry.Sequence, ErrInvalidHMAC)
		}

		prevHash = entry.Hash()
		w.nextSequence = entry.Sequence + 1
		w.entryCount++
		offset += n
	}

	if size > offset {
		if err := w.file.Truncate(offset); err != nil {
			return fmt.Errorf("truncate torn tail: %w", err)
		}
	}
	w.lastHash = prevHash
	w.byteCount = offset
	_, err := w.file.Seek(offset, io.SeekStart)
	return err
}

// readEntryAt reads and CRC-checks the entry at offset.
func (w *WAL) readEntryAt(offset int64) (*Entry, int64, error) {
	lenBuf := make([]byte, 4)
	if _, err := w.file.ReadAt(lenBuf, offset); err != nil {
		return nil, 0, err
	}
	entryLen := binary.BigEndian.Uint32(lenBuf)
	if entryLen < entryOverhead {
		return nil, 0, fmt.Errorf("entry at offset %d: %w", offset, ErrCorruptedEntry)
	}

	entryBuf := make([]byte, entryLen)
	if _, err := w.file.ReadAt(entryBuf, offset); err != nil {
		return nil, 0, err
	}
	entry, err := deserializeEntry(entryBuf)
	if err != nil {
		return nil, 0, err
	}
	if entry.CRC32 != computeEntryCRC(entry) {
		return nil, 0, fmt.Errorf("entry %d: %w", entry.Sequence, ErrCorruptedEntry)
	}
	return entry, int64(entryLen), nil
}

// Append adds a new entry, syncs it to disk and returns its sequence number.
func (w *WAL) Append(entryType EntryType, payload []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrOutboxClosed
	}

	entry := &Entry{
		Sequence:  w.nextSequence,
		Timestamp: w.now().UnixNano(),
		Type:      entryType,
		Payload:   payload,
		PrevHash:  w.lastHash,
	}
	data := w.seal(entry)

	if _, err := w.file.Write(data); err != nil {
		return 0, fmt.Errorf("write entry: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("sync entry: %w", err)
	}

	w.lastHash = entry.Hash()
	w.nextSequence++
	w.entryCount++
	w.byteCount += int64(len(data))
	return entry.Sequence, nil
}

// seal fills in the HMAC, CRC and length of entry and serializes it.
func (w *WAL) seal(entry *Entry) []byte {
	entry.HMAC = w.computeHMAC(entry)
	entry.CRC32 = computeEntryCRC(entry)
	data := serializeEntry(entry)
	entry.Length = uint32(len(data))
	binary.BigEndian.PutUint32(data[0:4], entry.Length)
	return data
}

// ReadAll reads all entries, verifying CRC, chain and HMAC.
func (w *WAL) ReadAll() ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrOutboxClosed
	}
	return w.readEntries()
}

func (w *WAL) readEntries() ([]Entry, error) {
	var entries []Entry
	var prevHash [32]byte
	offset := int64(HeaderSize)

	for offset < w.byteCount {
		entry, n, err := w.readEntryAt(offset)
		if err != nil {
			return nil, fmt.Errorf("read entry at offset %d: %w", offset, err)
		}
		if entry.PrevHash != prevHash {
			return nil, fmt.Errorf("entry %d: %w", entry.Sequence, ErrBrokenChain)
		}
		if !w.VerifyHMAC(entry) {
			return nil, fmt.Errorf("entry %d: %w", entry.Sequence, ErrInvalidHMAC)
		}
		entries = append(entries, *entry)
		prevHash = entry.Hash()
		offset += n
	}
	return entries, nil
}

// Rewrite atomically replaces the file with the entries filter returns.
// filter runs under the log lock. Retained entries keep their sequence
// numbers; the chain is rebuilt.
func (w *WAL) Rewrite(filter func([]Entry) ([]Entry, error)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrOutboxClosed
	}

	all, err := w.readEntries()
	if err != nil {
		return err
	}
	entries, err := filter(all)
	if err != nil {
		return err
	}

	newPath := w.path + ".compact"
	newFile, err := os.OpenFile(newPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create compacted file: %w", err)
	}
	fail := func(err error) error {
		newFile.Close()
		os.Remove(newPath)
		return err
	}

	if err := writeHeader(newFile, w.nextSequence, w.now()); err != nil {
		return fail(fmt.Errorf("write header: %w", err))
	}

	var lastHash [32]byte
	var count uint64
	offset := int64(HeaderSize)
	for i := range entries {
		entry := entries[i]
		entry.PrevHash = lastHash
		data := w.seal(&entry)
		if _, err := newFile.WriteAt(data, offset); err != nil {
			return fail(fmt.Errorf("write entry: %w", err))
		}
		offset += int64(len(data))
		lastHash = entry.Hash()
		count++
	}
	if err := newFile.Sync(); err != nil {
		return fail(fmt.Errorf("sync compacted file: %w", err))
	}
	if err := lockFile(newFile); err != nil {
		return fail(fmt.Errorf("%w: %s", ErrLocked, newPath))
	}
	if err := os.Rename(newPath, w.path); err != nil {
		return fail(fmt.Errorf("replace wal file: %w", err))
	}
	if _, err := newFile.Seek(offset, io.SeekStart); err != nil {
		newFile.Close()
		return fmt.Errorf("seek compacted file: %w", err)
	}

	unlockFile(w.file)
	w.file.Close()
	w.file = newFile
	w.lastHash = lastHash
	w.entryCount = count
	w.byteCount = offset
	return nil
}

// VerifyHMAC verifies an entry's HMAC.
func (w *WAL) VerifyHMAC(entry *Entry) bool {
	expected := w.computeHMAC(entry)
	return hmac.Equal(entry.HMAC[:], expected[:])
}

func (w *WAL) computeHMAC(entry *Entry) [32]byte {
	h := hmac.New(sha256.New, w.hmacKey)
	writeEntryFields(h, entry)

	var result [32]byte
	copy(result[:], h.Sum(nil))
	return result
}

// Hash computes the hash of an entry for chain linking.
func (e *Entry) Hash() [32]byte {
	h := sha256.New()
	writeEntryFields(h, e)

	var result [32]byte
	copy(result[:], h.Sum(nil))
	return result
}

func writeEntryFields(h io.Writer, e *Entry) {
	var buf [17]byte
	binary.BigEndian.PutUint64(buf[0:8], e.Sequence)
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.Timestamp))
	buf[16] = byte(e.Type)
	h.Write(buf[:])
	h.Write(e.Payload)
	h.Write(e.PrevHash[:])
}

func computeEntryCRC(entry *Entry) uint32 {
	crc := crc32.NewIEEE()
	writeEntryFields(crc, entry)
	crc.Write(entry.HMAC[:])
	return crc.Sum32()
}

// serializeEntry serializes an entry; the length prefix is left zero.
func serializeEntry(entry *Entry) []byte {
	buf := make([]byte, entryOverhead+len(entry.Payload))
	offset := 4

	binary.BigEndian.PutUint64(buf[offset:], entry.Sequence)
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(entry.Timestamp))
	offset += 8
	buf[offset] = byte(entry.Type)
	offset++

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(entry.Payload)))
	offset += 4
	copy(buf[offset:], entry.Payload)
	offset += len(entry.Payload)

	copy(buf[offset:], entry.PrevHash[:])
	offset += 32
	copy(buf[offset:], entry.HMAC[:])
	offset += 32
	binary.BigEndian.PutUint32(buf[offset:], entry.CRC32)

	return buf
}

func deserializeEntry(data []byte) (*Entry, error) {
	if len(data) < entryOverhead {
		return nil, errors.New("entry too short")
	}

	entry := &Entry{}
	offset := 0

	entry.Length = binary.BigEndian.Uint32(data[offset:])
	offset += 4
	entry.Sequence = binary.BigEndian.Uint64(data[offset:])
	offset += 8
	entry.Timestamp = int64(binary.BigEndian.Uint64(data[offset:]))
	offset += 8
	entry.Type = EntryType(data[offset])
	offset++

	payloadLen := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4
	if len(data) < offset+payloadLen+32+32+4 {
		return nil, errors.New("entry truncated")
	}
	entry.Payload = make([]byte, payloadLen)
	copy(entry.Payload, data[offset:offset+payloadLen])
	offset += payloadLen

	copy(entry.PrevHash[:], data[offset:offset+32])
	offset += 32
	copy(entry.HMAC[:], data[offset:offset+32])
	offset += 32
	entry.CRC32 = binary.BigEndian.Uint32(data[offset:])

	return entry, nil
}

// Size returns the current file size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.byteCount
}

// EntryCount returns the number of entries in the file.
func (w *WAL) EntryCount() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entryCount
}

// NextSequence returns the sequence number the next Append will use.
func (w *WAL) NextSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSequence
}

// Close releases the lock and closes the file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	unlockFile(w.file)
	return w.file.Close()
}

// Path returns the file path.
func (w *WAL) Path() string {
	return w.path
}

// Exists checks if a log file exists at the given path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
