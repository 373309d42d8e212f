// Package transcript persists advisor conversations. Each advisor has
// at most one current transcript, an append-only JSONL file. Archiving
// moves the current file aside under a unique name and records it in a
// SQLite index.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"counsel/internal/gateway"
)

// Record kinds in the JSONL stream.
const (
	recordHeader  = "header"
	recordMessage = "message"
)

// record is one line of a transcript file.
type record struct {
	Type string `json:"type"`

	// Header fields
	ID        string    `json:"id,omitempty"`
	Advisor   string    `json:"advisor,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`

	// Message payload
	Message *gateway.Message `json:"message,omitempty"`
}

// Transcript is a loaded conversation.
type Transcript struct {
	ID        string
	Advisor   string
	CreatedAt time.Time
	Messages  []gateway.Message
}

// Store manages transcript files under a data directory. All file
// operations for one advisor are serialized by a per-advisor mutex.
type Store struct {
	dir    string
	logger *slog.Logger
	index  *ArchiveIndex

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store rooted at dataDir. The transcripts and
// archive directories are created if missing.
func NewStore(dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Join(dataDir, "transcripts")
	if err := os.MkdirAll(filepath.Join(dir, "archive"), 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}

	index, err := NewArchiveIndex(filepath.Join(dir, "archive", "index.db"))
	if err != nil {
		return nil, err
	}

	return &Store{
		dir:    dir,
		logger: logger,
		index:  index,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the archive index.
func (s *Store) Close() error {
	return s.index.Close()
}

// Index exposes the archive index for listing and deletion.
func (s *Store) Index() *ArchiveIndex {
	return s.index
}

// advisorLock returns the mutex serializing file access for an advisor.
func (s *Store) advisorLock(advisor string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.locks[advisor]
	if l == nil {
		l = &sync.Mutex{}
		s.locks[advisor] = l
	}
	return l
}

func (s *Store) currentPath(advisor string) string {
	return filepath.Join(s.dir, advisor+".jsonl")
}

// LoadCurrent reads the advisor's current transcript, repairing
// trailing corruption if needed. A missing file yields a fresh empty
// transcript without creating it on disk.
func (s *Store) LoadCurrent(advisor string) (*Transcript, error) {
	lock := s.advisorLock(advisor)
	lock.Lock()
	defer lock.Unlock()

	return s.loadLocked(advisor)
}

func (s *Store) loadLocked(advisor string) (*Transcript, error) {
	path := s.currentPath(advisor)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s.freshTranscript(advisor), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	t, validLen, err := parseTranscript(advisor, data)
	if err != nil {
		// Header unreadable: the file cannot be trusted at all.
		// Set it aside and start fresh.
		backup := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if renameErr := os.Rename(path, backup); renameErr != nil {
			return nil, fmt.Errorf("back up corrupt transcript: %w", renameErr)
		}
		s.logger.Warn("transcript unrecoverable, backed up",
			"advisor", advisor, "backup", backup, "error", err)
		return s.freshTranscript(advisor), nil
	}

	if validLen < len(data) {
		// Trailing corruption, usually a torn write from a crash.
		// Truncate to the last fully valid record.
		if err := truncateFile(path, data[:validLen]); err != nil {
			return nil, fmt.Errorf("repair transcript: %w", err)
		}
		s.logger.Warn("transcript repaired, trailing records dropped",
			"advisor", advisor,
			"kept_bytes", validLen,
			"dropped_bytes", len(data)-validLen,
		)
	}

	return t, nil
}

func (s *Store) freshTranscript(advisor string) *Transcript {
	return &Transcript{
		ID:        uuid.NewString(),
		Advisor:   advisor,
		CreatedAt: time.Now().UTC(),
	}
}

// parseTranscript decodes the JSONL stream. It returns the transcript,
// the byte length of the valid prefix, and an error only when the
// header itself is unusable.
func parseTranscript(advisor string, data []byte) (*Transcript, int, error) {
	t := &Transcript{Advisor: advisor}
	validLen := 0
	sawHeader := false

	offset := 0
	for offset < len(data) {
		lineEnd := offset
		for lineEnd < len(data) && data[lineEnd] != '\n' {
			lineEnd++
		}
		if lineEnd == len(data) {
			// No terminating newline: torn final write.
			break
		}

		line := strings.TrimSpace(string(data[offset : lineEnd+1]))
		next := lineEnd + 1

		if line == "" {
			offset = next
			validLen = next
			continue
		}

		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			if !sawHeader {
				return nil, 0, fmt.Errorf("transcript header corrupt: %w", err)
			}
			break
		}

		switch rec.Type {
		case recordHeader:
			if sawHeader {
				// A second header means the file was mangled past
				// the point of trusting the remainder.
				return t, validLen, nil
			}
			if rec.ID == "" {
				return nil, 0, fmt.Errorf("transcript header missing id")
			}
			t.ID = rec.ID
			t.CreatedAt = rec.CreatedAt
			sawHeader = true
		case recordMessage:
			if !sawHeader {
				return nil, 0, fmt.Errorf("transcript has messages before header")
			}
			if rec.Message == nil {
				// Malformed but parseable line: stop trusting here.
				return t, validLen, nil
			}
			t.Messages = append(t.Messages, *rec.Message)
		default:
			if !sawHeader {
				return nil, 0, fmt.Errorf("unknown first record type %q", rec.Type)
			}
			// Unknown trailing record type: keep what we have.
			return t, validLen, nil
		}

		offset = next
		validLen = next
	}

	if !sawHeader {
		return nil, 0, fmt.Errorf("transcript missing header")
	}
	return t, validLen, nil
}

func truncateFile(path string, keep []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, keep, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Append writes messages to the advisor's current transcript, creating
// the file with a header when absent. The file is synced before
// returning so a checkpoint survives a crash.
func (s *Store) Append(t *Transcript, messages ...gateway.Message) error {
	if len(messages) == 0 {
		return nil
	}

	lock := s.advisorLock(t.Advisor)
	lock.Lock()
	defer lock.Unlock()

	path := s.currentPath(t.Advisor)
	_, statErr := os.Stat(path)
	create := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	if create {
		header := record{
			Type:      recordHeader,
			ID:        t.ID,
			Advisor:   t.Advisor,
			CreatedAt: t.CreatedAt,
		}
		if err := writeRecord(w, header); err != nil {
			return err
		}
	}

	for i := range messages {
		if messages[i].Timestamp.IsZero() {
			messages[i].Timestamp = time.Now().UTC()
		}
		if err := writeRecord(w, record{Type: recordMessage, Message: &messages[i]}); err != nil {
			return err
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush transcript: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync transcript: %w", err)
	}

	t.Messages = append(t.Messages, messages...)
	return nil
}

func writeRecord(w *bufio.Writer, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Archive moves the advisor's current transcript into the archive
// directory and records it in the index. The next turn starts a fresh
// transcript. Archiving a missing transcript is a no-op.
func (s *Store) Archive(advisor string) (string, error) {
	lock := s.advisorLock(advisor)
	lock.Lock()
	defer lock.Unlock()

	t, err := s.loadLocked(advisor)
	if err != nil {
		return "", err
	}

	path := s.currentPath(advisor)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", nil
	}

	archiveID := uuid.NewString()
	archiveName := fmt.Sprintf("%s-%s.jsonl", advisor, archiveID)
	archivePath := filepath.Join(s.dir, "archive", archiveName)

	if err := os.Rename(path, archivePath); err != nil {
		return "", fmt.Errorf("archive transcript: %w", err)
	}

	entry := ArchiveEntry{
		ID:         archiveID,
		Advisor:    advisor,
		Path:       archivePath,
		CreatedAt:  t.CreatedAt,
		ArchivedAt: time.Now().UTC(),
		Messages:   len(t.Messages),
	}
	if err := s.index.Add(entry); err != nil {
		// The file is already moved; surface the index failure but
		// keep the archive on disk.
		return archiveID, fmt.Errorf("index archive: %w", err)
	}

	s.logger.Info("transcript archived",
		"advisor", advisor, "archive_id", archiveID, "messages", len(t.Messages))
	return archiveID, nil
}

// Delete removes the advisor's current transcript.
func (s *Store) Delete(advisor string) error {
	lock := s.advisorLock(advisor)
	lock.Lock()
	defer lock.Unlock()

	err := os.Remove(s.currentPath(advisor))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ReadArchive loads an archived transcript by ID.
func (s *Store) ReadArchive(id string) (*Transcript, error) {
	entry, err := s.index.Get(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(entry.Path)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}

	t, _, err := parseTranscript(entry.Advisor, data)
	if err != nil {
		return nil, fmt.Errorf("parse archive %s: %w", id, err)
	}
	return t, nil
}

// DeleteArchive removes an archived transcript and its index entry.
func (s *Store) DeleteArchive(id string) error {
	entry, err := s.index.Get(id)
	if err != nil {
		return err
	}
	if err := os.Remove(entry.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete archive file: %w", err)
	}
	return s.index.Delete(id)
}
