// Package reconcile merges conversation updates arriving from three racing
// sources (optimistic local sends, the polling feed, and notify-then-fetch)
// into one consistent per-conversation message list.
package reconcile

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/models"
)

// Source identifies which update path produced an update.
type Source string

const (
	// SourceLocal is an optimistic local add on user send.
	SourceLocal Source = "local"
	// SourceFeed is the periodic authoritative poll.
	SourceFeed Source = "feed"
	// SourceNotify is a fetch triggered by a gateway event.
	SourceNotify Source = "notify"
)

// Fetcher is the read API surface the feed and the gateway client fetch
// authoritative state through. *client.Client satisfies it.
type Fetcher interface {
	ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error)
	GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error)
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
}

// Entry is the merged client view of one conversation message.
type Entry struct {
	ID        string
	Role      string
	Content   string
	Question  string
	JobID     string
	Timestamp time.Time

	// SourceHints records which sources have contributed to this entry,
	// in first-arrival order.
	SourceHints []Source
}

// Update is one reconciler input. Implementations are the typed update
// structs below; Apply dispatches on the concrete type.
type Update interface {
	isUpdate()
}

// LocalUserSend is the optimistic user entry inserted the moment the user
// sends, before any authoritative write exists.
type LocalUserSend struct {
	ID      string
	Content string
	At      time.Time
}

// RemoteMessage carries one authoritative message row, from the polling
// feed or from a notify-triggered fetch.
type RemoteMessage struct {
	Source  Source
	Message *models.Message
}

// ConversationState carries the conversation record's state field.
type ConversationState struct {
	Source Source
	State  string
}

// JobFailed records a permanent job failure. It does not change the
// message list; the reason is surfaced through LastError.
type JobFailed struct {
	JobID  string
	Reason string
}

func (LocalUserSend) isUpdate()     {}
func (RemoteMessage) isUpdate()     {}
func (ConversationState) isUpdate() {}
func (JobFailed) isUpdate()         {}

// Reconciler maintains one conversation's ordered message list. All
// updates are serialized through Apply under a single mutex, so readers
// never observe interleaved partial writes.
type Reconciler struct {
	mu             sync.Mutex
	conversationID string
	state          string
	lastError      string
	entries        []*Entry
}

// New creates a reconciler for the conversation.
func New(conversationID string) *Reconciler {
	return &Reconciler{
		conversationID: conversationID,
		state:          models.ConversationIdle,
	}
}

// ConversationID returns the conversation this reconciler tracks.
func (r *Reconciler) ConversationID() string {
	return r.conversationID
}

// State returns the last observed conversation state.
func (r *Reconciler) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// LastError returns the most recent permanent failure reason, if any.
func (r *Reconciler) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

// Messages returns a snapshot of the merged list in order.
func (r *Reconciler) Messages() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		copied := *e
		copied.SourceHints = append([]Source(nil), e.SourceHints...)
		out = append(out, copied)
	}
	return out
}

// Apply merges one update into the list.
func (r *Reconciler) Apply(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch v := u.(type) {
	case LocalUserSend:
		r.applyUser(v.ID, v.Content, v.At, SourceLocal)
	case RemoteMessage:
		if v.Message == nil {
			return
		}
		switch v.Message.Role {
		case models.RoleUser:
			r.applyUser(v.Message.ID, v.Message.Content, v.Message.CreatedAt, v.Source)
		case models.RoleAssistant:
			r.applyAssistant(v.Message, v.Source)
		}
	case ConversationState:
		if v.State != "" {
			r.state = v.State
		}
	case JobFailed:
		r.lastError = v.Reason
	}
}

// applyUser inserts a user entry unless one with the same ID or the same
// trimmed content already exists. A content match adopts the authoritative
// ID so later feed rows dedupe by ID.
func (r *Reconciler) applyUser(id, content string, at time.Time, src Source) {
	trimmed := strings.TrimSpace(content)

	for _, e := range r.entries {
		if e.Role != models.RoleUser {
			continue
		}
		if e.ID == id || strings.TrimSpace(e.Content) == trimmed {
			if e.ID != id && src != SourceLocal {
				e.ID = id
			}
			e.SourceHints = appendHint(e.SourceHints, src)
			return
		}
	}

	r.entries = append(r.entries, &Entry{
		ID:          id,
		Role:        models.RoleUser,
		Content:     content,
		Timestamp:   at,
		SourceHints: []Source{src},
	})
}

// applyAssistant merges an assistant update with content C:
//
//  1. an existing assistant entry's trimmed content equals C: no-op;
//  2. C is empty, or C is a strict prefix of an existing entry: stale
//     streaming frame, skip;
//  3. an existing entry is a non-empty strict prefix of C: the same reply
//     advancing, rewrite that entry in place;
//  4. otherwise insert or update the slot immediately after the most
//     recent user entry matching the update's question (append last).
//
// The prefix rules can misfire when two genuinely different replies share
// a prefix. Accepted: each source eventually re-delivers the final
// content, and the exact-match rule makes convergence a no-op.
func (r *Reconciler) applyAssistant(msg *models.Message, src Source) {
	content := strings.TrimSpace(msg.Content)

	for _, e := range r.entries {
		if e.Role == models.RoleAssistant && strings.TrimSpace(e.Content) == content {
			e.SourceHints = appendHint(e.SourceHints, src)
			return
		}
	}

	if content == "" {
		return
	}

	var advancing *Entry
	for _, e := range r.entries {
		if e.Role != models.RoleAssistant {
			continue
		}
		existing := strings.TrimSpace(e.Content)
		if existing == "" {
			continue
		}
		if strings.HasPrefix(existing, content) {
			// Incoming is a strict prefix of what we already show.
			return
		}
		if strings.HasPrefix(content, existing) {
			// Prefer the entry closest to the incoming content.
			if advancing == nil || len(e.Content) > len(advancing.Content) {
				advancing = e
			}
		}
	}

	if advancing != nil {
		r.rewrite(advancing, msg, src)
		return
	}

	if idx := r.slotAfterQuestion(msg.Question); idx >= 0 {
		if idx < len(r.entries) && r.entries[idx].Role == models.RoleAssistant {
			r.rewrite(r.entries[idx], msg, src)
			return
		}
		r.insertAt(idx, msg, src)
		return
	}

	r.entries = append(r.entries, newAssistantEntry(msg, src))
}

// slotAfterQuestion returns the index immediately after the most recent
// user entry whose trimmed content matches the question, or -1.
func (r *Reconciler) slotAfterQuestion(question string) int {
	trimmed := strings.TrimSpace(question)
	if trimmed == "" {
		return -1
	}

	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if e.Role == models.RoleUser && strings.TrimSpace(e.Content) == trimmed {
			return i + 1
		}
	}
	return -1
}

func (r *Reconciler) rewrite(e *Entry, msg *models.Message, src Source) {
	e.Content = msg.Content
	e.Question = msg.Question
	if msg.ID != "" {
		e.ID = msg.ID
	}
	if msg.JobID != "" {
		e.JobID = msg.JobID
	}
	e.SourceHints = appendHint(e.SourceHints, src)
}

func (r *Reconciler) insertAt(idx int, msg *models.Message, src Source) {
	entry := newAssistantEntry(msg, src)
	r.entries = append(r.entries, nil)
	copy(r.entries[idx+1:], r.entries[idx:])
	r.entries[idx] = entry
}

func newAssistantEntry(msg *models.Message, src Source) *Entry {
	ts := msg.CreatedAt
	if ts.IsZero() {
		ts = msg.UpdatedAt
	}
	return &Entry{
		ID:          msg.ID,
		Role:        models.RoleAssistant,
		Content:     msg.Content,
		Question:    msg.Question,
		JobID:       msg.JobID,
		Timestamp:   ts,
		SourceHints: []Source{src},
	}
}

func appendHint(hints []Source, src Source) []Source {
	for _, h := range hints {
		if h == src {
			return hints
		}
	}
	return append(hints, src)
}
