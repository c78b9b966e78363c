package downtime

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwatch/fleetwatch/internal/events"
	"github.com/fleetwatch/fleetwatch/internal/objects"
)

// CommentEntryType distinguishes how a Comment came to exist, which
// governs whether a type-wide removal sweeps it up.
type CommentEntryType int

const (
	CommentUser CommentEntryType = iota
	CommentDowntime
	CommentFlapping
	CommentAcknowledgement
)

// Comment is an operator- or system-authored annotation attached to a
// Checkable.
type Comment struct {
	ID        string
	Checkable *objects.Checkable

	Author string
	Text   string

	EntryTime time.Time
	EntryType CommentEntryType

	Persistent bool
	ExpireTime time.Time // zero means never
}

// Expired reports whether this comment's expiry has passed.
func (c *Comment) Expired(now time.Time) bool {
	return !c.ExpireTime.IsZero() && !c.ExpireTime.After(now)
}

// CommentManager owns the comment map. It never touches a Checkable's own
// lock; callers (Manager) are responsible for AddComment/RemoveComment
// bookkeeping on the Checkable itself.
type CommentManager struct {
	mu       sync.RWMutex
	comments map[string]*Comment
}

func newCommentManager() *CommentManager {
	return &CommentManager{comments: make(map[string]*Comment)}
}

// Add creates and stores a new Comment.
func (cm *CommentManager) Add(c *objects.Checkable, author, text string, entryType CommentEntryType, persistent bool, expire time.Time) (*Comment, error) {
	comment := &Comment{
		ID:         uuid.NewString(),
		Checkable:  c,
		Author:     author,
		Text:       text,
		EntryTime:  time.Now(),
		EntryType:  entryType,
		Persistent: persistent,
		ExpireTime: expire,
	}
	cm.mu.Lock()
	cm.comments[comment.ID] = comment
	cm.mu.Unlock()
	return comment, nil
}

// Delete removes a comment unconditionally.
func (cm *CommentManager) Delete(id string) {
	cm.mu.Lock()
	delete(cm.comments, id)
	cm.mu.Unlock()
}

// Get looks up a comment by ID.
func (cm *CommentManager) Get(id string) (*Comment, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.comments[id]
	return c, ok
}

// ForCheckable returns every comment attached to c.
func (cm *CommentManager) ForCheckable(c *objects.Checkable) []*Comment {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	var out []*Comment
	for _, comment := range cm.comments {
		if comment.Checkable == c {
			out = append(out, comment)
		}
	}
	return out
}

// deleteByType removes every non-persistent comment of entryType attached
// to c, per the rule that persistent acknowledgement comments always
// survive a type-wide removal. Returns the removed IDs.
func (cm *CommentManager) deleteByType(c *objects.Checkable, entryType CommentEntryType) []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	var removed []string
	for id, comment := range cm.comments {
		if comment.Checkable != c || comment.EntryType != entryType {
			continue
		}
		if entryType == CommentAcknowledgement && comment.Persistent {
			continue
		}
		delete(cm.comments, id)
		removed = append(removed, id)
	}
	return removed
}

// expire removes every comment whose ExpireTime has passed. Returns the
// removed comments (Checkable included) so the caller can unlink them.
func (cm *CommentManager) expire(now time.Time) []*Comment {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	var removed []*Comment
	for id, comment := range cm.comments {
		if comment.Expired(now) {
			delete(cm.comments, id)
			removed = append(removed, comment)
		}
	}
	return removed
}

// AddComment is the operator-facing entry point for a plain user comment.
func (m *Manager) AddComment(c *objects.Checkable, author, text string, persistent bool, expire time.Time) (*Comment, error) {
	comment, err := m.comments.Add(c, author, text, CommentUser, persistent, expire)
	if err != nil {
		return nil, err
	}
	c.AddComment(comment.ID)
	m.bus.EmitCommentAdded(comment.ID)
	return comment, nil
}

// RemoveComment deletes a single comment by ID, unconditionally.
func (m *Manager) RemoveComment(c *objects.Checkable, id string) {
	c.RemoveComment(id)
	m.comments.Delete(id)
	m.bus.EmitCommentRemoved(id)
}

// RemoveCommentsByType removes every comment of entryType attached to c,
// except persistent acknowledgement comments.
func (m *Manager) RemoveCommentsByType(c *objects.Checkable, entryType CommentEntryType) {
	for _, id := range m.comments.deleteByType(c, entryType) {
		c.RemoveComment(id)
		m.bus.EmitCommentRemoved(id)
	}
}

// ExpireComments removes every comment across every checkable whose
// ExpireTime has passed.
func (m *Manager) ExpireComments(now time.Time) {
	for _, comment := range m.comments.expire(now) {
		comment.Checkable.RemoveComment(comment.ID)
		m.bus.EmitCommentRemoved(comment.ID)
	}
}

// AcknowledgeProblem sets an acknowledgement on c, per the operator command
// of the same name: author/comment describe the annotation, ackType
// selects Normal (clears on any state change) or Sticky (clears only on
// return to OK), notify controls whether an Acknowledgement notification
// request is emitted, persistent controls whether the backing comment
// survives an explicit ClearAcknowledgement (an implicit, state-driven
// clear removes no comments at all), and a non-zero expiry arms
// automatic clearing.
func (m *Manager) AcknowledgeProblem(c *objects.Checkable, author, comment string, ackType objects.AckType, notify, persistent bool, expiry time.Time) error {
	cm, err := m.comments.Add(c, author, comment, CommentAcknowledgement, persistent, time.Time{})
	if err != nil {
		return err
	}
	c.AddComment(cm.ID)
	c.Acknowledge(ackType, expiry)
	c.BeginSuppression(objects.NotificationAcknowledgement)

	m.bus.EmitCommentAdded(cm.ID)
	m.bus.EmitAcknowledgementSet(c, author, comment, ackType, notify, persistent, expiry.Unix(), "operator")
	if notify {
		m.bus.EmitNotificationsRequested(events.NotificationRequest{
			Checkable: c, Type: objects.NotificationAcknowledgement,
			Author: author, Text: comment, Origin: "operator",
		})
	}
	return nil
}

// ClearAcknowledgement is the operator-initiated (explicit) removal of an
// acknowledgement: unlike the result processor's implicit auto-clear on a
// state change or expiry, this removes the acknowledgement comments
// (persistent ones survive) and replays any notification that was
// suppressed while acknowledged.
func (m *Manager) ClearAcknowledgement(c *objects.Checkable, origin string) {
	c.ClearAcknowledgement()
	m.RemoveCommentsByType(c, CommentAcknowledgement)
	m.bus.EmitAcknowledgementCleared(c, origin)
	if m.proc != nil {
		m.proc.FireSuppressedNotifications(c, origin)
	}
}
