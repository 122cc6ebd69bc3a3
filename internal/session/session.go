// Package session persists finished conversations as JSONL files.
package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vinayprograms/conclave/internal/generate"
)

// JSONL record types
const (
	RecordTypeHeader  = "header"
	RecordTypeMessage = "message"
	RecordTypeFooter  = "footer"
)

// JSONLRecord is a wrapper for JSONL lines with type discrimination.
type JSONLRecord struct {
	RecordType string `json:"_type"`

	// Header fields
	ConversationID string    `json:"conversation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`

	// Message fields
	Seq     int    `json:"seq,omitempty"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// Footer fields
	Messages  int                    `json:"messages,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	UpdatedAt time.Time              `json:"updated_at,omitempty"`
}

// Conversation is a loaded conversation file.
type Conversation struct {
	ID        string
	Path      string
	Messages  []generate.Message
	Metadata  map[string]interface{}
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Summary describes a stored conversation without its messages.
type Summary struct {
	ID        string
	Path      string
	Size      int64
	UpdatedAt time.Time
}

// FileStore writes one JSONL file per conversation into a directory.
type FileStore struct {
	dir string
	now func() time.Time
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

// Dir returns the store directory.
func (s *FileStore) Dir() string { return s.dir }

// PathFor returns the file path for a conversation ID.
func (s *FileStore) PathFor(conversationID string) string {
	return filepath.Join(s.dir, conversationID+".jsonl")
}

// Save writes the conversation, replacing any earlier file for the same ID.
// The file is written to a temp name and renamed so readers never see a
// partial conversation.
func (s *FileStore) Save(conversationID string, messages []generate.Message, metadata map[string]interface{}) (string, error) {
	if conversationID == "" {
		return "", errors.New("conversation id is empty")
	}
	if strings.ContainsAny(conversationID, `/\`) {
		return "", fmt.Errorf("invalid conversation id %q", conversationID)
	}

	path := s.PathFor(conversationID)
	created := s.now()
	if prev, err := s.LoadConversation(path); err == nil && !prev.CreatedAt.IsZero() {
		created = prev.CreatedAt
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create session file: %w", err)
	}

	w := bufio.NewWriter(f)
	records := make([]JSONLRecord, 0, len(messages)+2)
	records = append(records, JSONLRecord{
		RecordType:     RecordTypeHeader,
		ConversationID: conversationID,
		CreatedAt:      created,
	})
	for i, m := range messages {
		records = append(records, JSONLRecord{
			RecordType: RecordTypeMessage,
			Seq:        i + 1,
			Role:       m.Role,
			Content:    m.Content,
		})
	}
	records = append(records, JSONLRecord{
		RecordType: RecordTypeFooter,
		Messages:   len(messages),
		Metadata:   metadata,
		UpdatedAt:  s.now(),
	})
	for _, rec := range records {
		if err := writeLine(w, rec); err != nil {
			f.Close()
			os.Remove(tmp)
			return "", err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write session file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize session file: %w", err)
	}
	return path, nil
}

// writeLine writes a single JSONL record.
func writeLine(w io.Writer, record JSONLRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// Load returns the messages of the conversation file at path.
func (s *FileStore) Load(path string) ([]generate.Message, error) {
	conv, err := s.LoadConversation(path)
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

// LoadConversation reads a conversation file including header and footer data.
func (s *FileStore) LoadConversation(path string) (*Conversation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	conv := &Conversation{Path: path}

	// bufio.Reader rather than Scanner: no line length limit
	reader := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("error reading JSONL: %w", err)
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if perr := parseLine(trimmed, conv); perr != nil {
				return nil, fmt.Errorf("%s line %d: %w", filepath.Base(path), lineNo, perr)
			}
		}
		if err == io.EOF {
			break
		}
	}
	if conv.ID == "" {
		return nil, fmt.Errorf("%s: missing header record", filepath.Base(path))
	}
	return conv, nil
}

// parseLine applies a single JSONL line to the conversation.
func parseLine(line []byte, conv *Conversation) error {
	var record JSONLRecord
	if err := json.Unmarshal(line, &record); err != nil {
		return fmt.Errorf("failed to parse JSONL line: %w", err)
	}

	switch record.RecordType {
	case RecordTypeHeader:
		conv.ID = record.ConversationID
		conv.CreatedAt = record.CreatedAt

	case RecordTypeMessage:
		conv.Messages = append(conv.Messages, generate.Message{
			Role:    record.Role,
			Content: record.Content,
		})

	case RecordTypeFooter:
		conv.Metadata = record.Metadata
		conv.UpdatedAt = record.UpdatedAt
	}
	return nil
}

// List returns stored conversations, newest first.
func (s *FileStore) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []Summary
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Summary{
			ID:        strings.TrimSuffix(e.Name(), ".jsonl"),
			Path:      filepath.Join(s.dir, e.Name()),
			Size:      info.Size(),
			UpdatedAt: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Resolve turns a conversation ID or path into a file path.
func (s *FileStore) Resolve(ref string) string {
	if strings.HasSuffix(ref, ".jsonl") || strings.ContainsAny(ref, `/\`) {
		return ref
	}
	return s.PathFor(ref)
}
