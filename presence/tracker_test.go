package presence

import (
	"sync"
	"testing"
	"time"

	"chat-gateway/domain"

	"github.com/stretchr/testify/require"
)

type typingChange struct {
	dest   domain.DestinationID
	user   string
	typing bool
}

type recorder struct {
	mu       sync.Mutex
	typing   []typingChange
	statuses []domain.Presence
}

func (r *recorder) TypingChanged(dest domain.DestinationID, userID string, typing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typing = append(r.typing, typingChange{dest, userID, typing})
}

func (r *recorder) StatusChanged(p domain.Presence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, p)
}

func (r *recorder) typingChanges() []typingChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]typingChange(nil), r.typing...)
}

func TestTracker_Typing_Is_Idempotent_And_Stops_Explicitly(t *testing.T) {
	req := require.New(t)
	rec := &recorder{}
	tracker := NewTracker(rec, time.Minute)
	defer tracker.Stop()

	// When alice starts typing twice
	tracker.SetTyping("alice", "general", true)
	tracker.SetTyping("alice", "general", true)

	// Then only one start is emitted
	req.Equal([]typingChange{{"general", "alice", true}}, rec.typingChanges())
	req.Equal([]string{"alice"}, tracker.Typing("general"))

	// When she stops twice
	tracker.SetTyping("alice", "general", false)
	tracker.SetTyping("alice", "general", false)

	// Then a single stop follows
	req.Equal([]typingChange{{"general", "alice", true}, {"general", "alice", false}}, rec.typingChanges())
	req.Empty(tracker.Typing("general"))
}

func TestTracker_Typing_Expires(t *testing.T) {
	req := require.New(t)
	rec := &recorder{}
	tracker := NewTracker(rec, 30*time.Millisecond)
	defer tracker.Stop()

	tracker.SetTyping("bob", "general", true)

	// Then the record expires on its own
	req.Eventually(func() bool {
		return len(rec.typingChanges()) == 2
	}, time.Second, 5*time.Millisecond)
	req.Equal(typingChange{"general", "bob", false}, rec.typingChanges()[1])
	req.Empty(tracker.Typing("general"))
}

func TestTracker_Refresh_Postpones_Expiry(t *testing.T) {
	req := require.New(t)
	rec := &recorder{}
	tracker := NewTracker(rec, 200*time.Millisecond)
	defer tracker.Stop()

	tracker.SetTyping("bob", "general", true)
	time.Sleep(100 * time.Millisecond)
	tracker.SetTyping("bob", "general", true)
	time.Sleep(150 * time.Millisecond)

	// Then the first timer did not fire
	req.Equal([]string{"bob"}, tracker.Typing("general"))
	req.Len(rec.typingChanges(), 1)
}

func TestTracker_ClearUser(t *testing.T) {
	req := require.New(t)
	rec := &recorder{}
	tracker := NewTracker(rec, time.Minute)
	defer tracker.Stop()

	tracker.SetTyping("alice", "general", true)
	tracker.SetTyping("alice", "career", true)
	tracker.SetTyping("bob", "general", true)

	tracker.ClearUser("alice")

	req.Equal([]string{"bob"}, tracker.Typing("general"))
	req.Empty(tracker.Typing("career"))
	req.Len(rec.typingChanges(), 5)
}

func TestTracker_Status(t *testing.T) {
	req := require.New(t)
	rec := &recorder{}
	tracker := NewTracker(rec, time.Minute)

	// Given an unknown user
	req.Equal(domain.StatusOffline, tracker.Status("alice").Status)

	// When she goes online twice then away
	tracker.SetStatus("alice", domain.StatusOnline)
	tracker.SetStatus("alice", domain.StatusOnline)
	tracker.SetStatus("alice", domain.StatusAway)

	// Then two transitions are emitted
	req.Len(rec.statuses, 2)
	req.Equal(domain.StatusAway, tracker.Status("alice").Status)

	// When she goes offline
	tracker.SetStatus("alice", domain.StatusOffline)
	tracker.SetStatus("alice", domain.StatusOffline)

	// Then the record is gone and a single offline is emitted
	req.Len(rec.statuses, 3)
	req.Equal(domain.StatusOffline, rec.statuses[2].Status)
	req.False(rec.statuses[2].LastSeen.IsZero())
	req.Equal(domain.StatusOffline, tracker.Status("alice").Status)
}
