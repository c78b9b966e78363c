package downtime

import (
	"testing"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/events"
	"github.com/fleetwatch/fleetwatch/internal/objects"
)

func TestAddCommentAndRemoveByType(t *testing.T) {
	m, _, bus, _ := newTestManager(t)
	svc := newTestSvc()

	var added, removed []string
	bus.OnCommentAdded(func(id string) { added = append(added, id) })
	bus.OnCommentRemoved(func(id string) { removed = append(removed, id) })

	userComment, err := m.AddComment(svc.Checkable, "alice", "investigating", false, time.Time{})
	if err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	ackComment, err := m.comments.Add(svc.Checkable, "alice", "ack", CommentAcknowledgement, false, time.Time{})
	if err != nil {
		t.Fatalf("comments.Add: %v", err)
	}
	svc.AddComment(ackComment.ID)

	if len(added) != 1 || added[0] != userComment.ID {
		t.Fatalf("OnCommentAdded = %v, want [%s]", added, userComment.ID)
	}

	m.RemoveCommentsByType(svc.Checkable, CommentUser)
	if len(removed) != 1 || removed[0] != userComment.ID {
		t.Fatalf("RemoveCommentsByType(User) removed = %v, want [%s]", removed, userComment.ID)
	}

	m.RemoveCommentsByType(svc.Checkable, CommentAcknowledgement)
	if len(removed) != 2 || removed[1] != ackComment.ID {
		t.Fatalf("RemoveCommentsByType(Acknowledgement) removed = %v", removed)
	}
}

func TestRemoveCommentsByTypeSparesPersistentAcknowledgement(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	svc := newTestSvc()

	persisted, err := m.comments.Add(svc.Checkable, "alice", "ack", CommentAcknowledgement, true, time.Time{})
	if err != nil {
		t.Fatalf("comments.Add: %v", err)
	}
	svc.AddComment(persisted.ID)

	m.RemoveCommentsByType(svc.Checkable, CommentAcknowledgement)

	if _, ok := m.comments.Get(persisted.ID); !ok {
		t.Fatalf("a persistent acknowledgement comment must survive a type-wide removal")
	}
}

func TestExpireComments(t *testing.T) {
	m, _, bus, mock := newTestManager(t)
	svc := newTestSvc()

	var removed []string
	bus.OnCommentRemoved(func(id string) { removed = append(removed, id) })

	expiring, err := m.comments.Add(svc.Checkable, "alice", "temp", CommentUser, false, mock.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("comments.Add: %v", err)
	}
	svc.AddComment(expiring.ID)

	lasting, err := m.AddComment(svc.Checkable, "alice", "permanent", false, time.Time{})
	if err != nil {
		t.Fatalf("AddComment: %v", err)
	}

	m.ExpireComments(mock.Now().Add(2 * time.Minute))

	if len(removed) != 1 || removed[0] != expiring.ID {
		t.Fatalf("ExpireComments removed = %v, want [%s]", removed, expiring.ID)
	}
	if _, ok := m.comments.Get(lasting.ID); !ok {
		t.Fatalf("a comment with no expiry must survive ExpireComments")
	}
}

func TestAcknowledgeProblemSetsStateAndComment(t *testing.T) {
	m, _, bus, mock := newTestManager(t)
	svc := newTestSvc()
	svc.StateRaw = objects.ServiceCritical

	var notifiedCount int
	bus.OnNotificationsRequested(func(req events.NotificationRequest) {
		if req.Type == objects.NotificationAcknowledgement {
			notifiedCount++
		}
	})

	if err := m.AcknowledgeProblem(svc.Checkable, "alice", "working on it", objects.AckNormal, true, false, time.Time{}); err != nil {
		t.Fatalf("AcknowledgeProblem: %v", err)
	}

	ackType, _ := svc.AckSnapshot()
	if ackType != objects.AckNormal {
		t.Fatalf("AckSnapshot type = %v, want AckNormal", ackType)
	}
	if !svc.IsAcknowledged(mock.Now()) {
		t.Fatalf("checkable should report acknowledged immediately after AcknowledgeProblem")
	}
	if notifiedCount != 1 {
		t.Fatalf("Acknowledgement notification fired %d times, want 1", notifiedCount)
	}
}

func TestClearAcknowledgementRemovesNonPersistentComments(t *testing.T) {
	m, _, bus, mock := newTestManager(t)
	svc := newTestSvc()
	svc.StateRaw = objects.ServiceCritical

	var cleared int
	bus.OnAcknowledgementCleared(func(c *objects.Checkable, origin string) { cleared++ })

	if err := m.AcknowledgeProblem(svc.Checkable, "alice", "working on it", objects.AckSticky, false, false, time.Time{}); err != nil {
		t.Fatalf("AcknowledgeProblem: %v", err)
	}

	m.ClearAcknowledgement(svc.Checkable, "operator")

	if svc.IsAcknowledged(mock.Now()) {
		t.Fatalf("checkable should not be acknowledged after ClearAcknowledgement")
	}
	if cleared != 1 {
		t.Fatalf("OnAcknowledgementCleared fired %d times, want 1", cleared)
	}
	if len(m.comments.ForCheckable(svc.Checkable)) != 0 {
		t.Fatalf("non-persistent acknowledgement comment should be removed on explicit clear")
	}
}
