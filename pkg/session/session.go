// Package session persists chat sessions as JSON files under the agent
// workspace, with archive and compression support.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miniclaw/miniclaw/pkg/storage"
)

// DefaultTitle is assigned to sessions created without an explicit title.
const DefaultTitle = "New Session"

// SummaryPrefix marks compressed-context summaries in the message history.
const SummaryPrefix = "[Summary of Earlier Conversation]"

// Message is one turn entry. ToolCalls carries the provider-shaped tool
// invocation payloads for assistant segments.
type Message struct {
	Role      string                   `json:"role"`
	Content   string                   `json:"content"`
	ToolCalls []map[string]interface{} `json:"tool_calls,omitempty"`
}

// LiveResponse is the transient mid-run assistant projection.
type LiveResponse struct {
	RunID     string                   `json:"run_id"`
	Content   string                   `json:"content"`
	ToolCalls []map[string]interface{} `json:"tool_calls,omitempty"`
	UpdatedAt float64                  `json:"updated_at"`
}

// Session is the persisted payload for one conversation.
type Session struct {
	Title             string        `json:"title"`
	CreatedAt         float64       `json:"created_at"`
	UpdatedAt         float64       `json:"updated_at"`
	Messages          []Message     `json:"messages"`
	CompressedContext string        `json:"compressed_context"`
	LiveResponse      *LiveResponse `json:"live_response,omitempty"`
	ArchivedAt        float64       `json:"archived_at,omitempty"`
}

// ListEntry is one row of a session listing.
type ListEntry struct {
	SessionID    string  `json:"session_id"`
	Title        string  `json:"title"`
	CreatedAt    float64 `json:"created_at"`
	UpdatedAt    float64 `json:"updated_at"`
	MessageCount int     `json:"message_count"`
	Archived     bool    `json:"archived"`
}

// Manager owns the session files of one agent workspace.
type Manager struct {
	rootDir string
	locks   *storage.LockRegistry
}

func NewManager(rootDir string, locks *storage.LockRegistry) *Manager {
	if locks == nil {
		locks = storage.Locks()
	}
	m := &Manager{rootDir: rootDir, locks: locks}
	for _, dir := range []string{m.SessionsDir(), m.archiveDir(), m.archivedDir()} {
		_ = os.MkdirAll(dir, 0o755)
	}
	return m
}

func (m *Manager) SessionsDir() string { return filepath.Join(m.rootDir, "sessions") }
func (m *Manager) archiveDir() string  { return filepath.Join(m.SessionsDir(), "archive") }
func (m *Manager) archivedDir() string {
	return filepath.Join(m.SessionsDir(), "archived_sessions")
}

func (m *Manager) pathFor(sessionID string, archived bool) string {
	dir := m.SessionsDir()
	if archived {
		dir = m.archivedDir()
	}
	return filepath.Join(dir, sessionID+".json")
}

// turnLock serializes every load-modify-save on one active session so a
// concurrent writer cannot clobber an appended turn.
func (m *Manager) turnLock(sessionID string) *sync.Mutex {
	return m.locks.For(m.pathFor(sessionID, false) + ".turn")
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func defaultSession() *Session {
	now := nowSeconds()
	return &Session{
		Title:     DefaultTitle,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []Message{},
	}
}

// Load returns the session, or a fresh default payload for an unknown
// active id. Unknown archived ids are an error.
func (m *Manager) Load(sessionID string, archived bool) (*Session, error) {
	path := m.pathFor(sessionID, archived)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if archived {
			return nil, fmt.Errorf("archived session %s not found", sessionID)
		}
		return defaultSession(), nil
	}
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", sessionID, err)
	}
	if s.Messages == nil {
		s.Messages = []Message{}
	}
	return &s, nil
}

// Save writes the session atomically and bumps updated_at.
func (m *Manager) Save(sessionID string, s *Session) error {
	s.UpdatedAt = nowSeconds()
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return storage.WriteFileAtomic(m.locks, m.pathFor(sessionID, false), append(raw, '\n'))
}

// Exists reports whether the active session file is on disk.
func (m *Manager) Exists(sessionID string) bool {
	_, err := os.Stat(m.pathFor(sessionID, false))
	return err == nil
}

func (m *Manager) listDir(dir string, archived bool) []ListEntry {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var rows []ListEntry
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sessionID := strings.TrimSuffix(entry.Name(), ".json")
		s, err := m.Load(sessionID, archived)
		if err != nil {
			continue
		}
		rows = append(rows, ListEntry{
			SessionID:    sessionID,
			Title:        s.Title,
			CreatedAt:    s.CreatedAt,
			UpdatedAt:    s.UpdatedAt,
			MessageCount: len(s.Messages),
			Archived:     archived,
		})
	}
	return rows
}

// List enumerates sessions for the given scope (active|archived|all),
// newest first.
func (m *Manager) List(scope string) []ListEntry {
	var rows []ListEntry
	if scope == "active" || scope == "all" {
		rows = append(rows, m.listDir(m.SessionsDir(), false)...)
	}
	if scope == "archived" || scope == "all" {
		rows = append(rows, m.listDir(m.archivedDir(), true)...)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].UpdatedAt > rows[j].UpdatedAt })
	if rows == nil {
		rows = []ListEntry{}
	}
	return rows
}

// Rename sets the title of an active session.
func (m *Manager) Rename(sessionID, title string) (*Session, error) {
	lock := m.turnLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.Load(sessionID, false)
	if err != nil {
		return nil, err
	}
	s.Title = strings.TrimSpace(title)
	if err := m.Save(sessionID, s); err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateTitle saves a new title, ignoring failures; used for best-effort
// auto-titling after the first turn.
func (m *Manager) UpdateTitle(sessionID, title string) {
	_, _ = m.Rename(sessionID, title)
}

// Delete removes a session file. Returns false when it did not exist.
func (m *Manager) Delete(sessionID string, archived bool) bool {
	path := m.pathFor(sessionID, archived)
	lock := m.locks.For(path)
	lock.Lock()
	defer lock.Unlock()
	return os.Remove(path) == nil
}

// Archive moves an active session into archived_sessions/.
func (m *Manager) Archive(sessionID string) bool {
	if !m.Exists(sessionID) {
		return false
	}
	s, err := m.Load(sessionID, false)
	if err != nil {
		return false
	}
	s.ArchivedAt = nowSeconds()
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return false
	}
	if err := storage.WriteFileAtomic(m.locks, m.pathFor(sessionID, true), append(raw, '\n')); err != nil {
		return false
	}
	return m.Delete(sessionID, false)
}

// Restore moves an archived session back to active.
func (m *Manager) Restore(sessionID string) bool {
	s, err := m.Load(sessionID, true)
	if err != nil {
		return false
	}
	s.ArchivedAt = 0
	if err := m.Save(sessionID, s); err != nil {
		return false
	}
	return m.Delete(sessionID, true)
}

// AppendMessages appends turn messages and saves.
func (m *Manager) AppendMessages(sessionID string, messages ...Message) error {
	lock := m.turnLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.Load(sessionID, false)
	if err != nil {
		return err
	}
	s.Messages = append(s.Messages, messages...)
	return m.Save(sessionID, s)
}

// SetLiveResponse persists the transient mid-run projection.
func (m *Manager) SetLiveResponse(sessionID string, live *LiveResponse) error {
	lock := m.turnLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.Load(sessionID, false)
	if err != nil {
		return err
	}
	s.LiveResponse = live
	return m.Save(sessionID, s)
}

// ClearLiveResponse removes the projection if present.
func (m *Manager) ClearLiveResponse(sessionID string) error {
	lock := m.turnLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.Load(sessionID, false)
	if err != nil {
		return err
	}
	if s.LiveResponse == nil {
		return nil
	}
	s.LiveResponse = nil
	return m.Save(sessionID, s)
}

// WithLiveResponse renders history for readers: consecutive assistant
// segments merge into one message, and an in-flight live response appears
// as a trailing streaming assistant message.
func (m *Manager) WithLiveResponse(messages []Message, s *Session) []map[string]interface{} {
	var out []map[string]interface{}
	for _, msg := range messages {
		if msg.Role == "assistant" && len(out) > 0 {
			last := out[len(out)-1]
			if last["role"] == "assistant" {
				last["content"] = strings.TrimRight(last["content"].(string), "\n") + "\n\n" + msg.Content
				if len(msg.ToolCalls) > 0 {
					prior, _ := last["tool_calls"].([]map[string]interface{})
					last["tool_calls"] = append(prior, msg.ToolCalls...)
				}
				continue
			}
		}
		row := map[string]interface{}{"role": msg.Role, "content": msg.Content}
		if len(msg.ToolCalls) > 0 {
			row["tool_calls"] = msg.ToolCalls
		}
		out = append(out, row)
	}
	if s != nil && s.LiveResponse != nil && (s.LiveResponse.Content != "" || len(s.LiveResponse.ToolCalls) > 0) {
		row := map[string]interface{}{
			"role":      "assistant",
			"content":   s.LiveResponse.Content,
			"streaming": true,
			"run_id":    s.LiveResponse.RunID,
		}
		if len(s.LiveResponse.ToolCalls) > 0 {
			row["tool_calls"] = s.LiveResponse.ToolCalls
		}
		out = append(out, row)
	}
	if out == nil {
		out = []map[string]interface{}{}
	}
	return out
}

// Compress archives the first n messages to archive/<sid>_<ts>.json and
// appends the summary to the compressed context.
func (m *Manager) Compress(sessionID string, n int, summary string) (archived int, remaining int, err error) {
	lock := m.turnLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.Load(sessionID, false)
	if err != nil {
		return 0, 0, err
	}
	if n > len(s.Messages) {
		n = len(s.Messages)
	}
	if n <= 0 {
		return 0, len(s.Messages), nil
	}

	chunk := s.Messages[:n]
	payload := map[string]interface{}{
		"session_id":  sessionID,
		"archived_at": nowSeconds(),
		"messages":    chunk,
	}
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return 0, 0, err
	}
	archivePath := filepath.Join(m.archiveDir(),
		fmt.Sprintf("%s_%d.json", sessionID, time.Now().Unix()))
	if err := storage.WriteFileAtomic(m.locks, archivePath, append(raw, '\n')); err != nil {
		return 0, 0, err
	}

	summary = strings.TrimSpace(summary)
	if summary != "" && !strings.HasPrefix(summary, SummaryPrefix) {
		summary = SummaryPrefix + "\n" + summary
	}
	switch {
	case summary == "":
	case s.CompressedContext == "":
		s.CompressedContext = summary
	default:
		s.CompressedContext = s.CompressedContext + "\n---\n" + summary
	}
	s.Messages = append([]Message{}, s.Messages[n:]...)
	if err := m.Save(sessionID, s); err != nil {
		return 0, 0, err
	}
	return n, len(s.Messages), nil
}
