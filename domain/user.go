package domain

import "time"

// UserIdentity is the resolved owner of an authenticated connection.
type UserIdentity struct {
	ID          string
	Username    string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

type ConnectionID string

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Presence is soft state: a missing record means offline.
type Presence struct {
	UserID   string
	Status   Status
	LastSeen time.Time
}
