//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"reflect"

	"chat-gateway/domain"

	"github.com/google/uuid"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// It is used for logging and supervision, avoiding a manual name on every Worker.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// Subscriber is the write side of one client connection.
// Send never blocks: it returns false when the connection is closed or its buffer is full.
type Subscriber interface {
	Send(frame []byte) bool
	Close(code int, reason string)
}

// Job is a unit of deferred I/O, typically a write to the durable store.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Persister runs jobs off the hot path. Jobs sharing a key run in submission order.
type Persister interface {
	Submit(key string, job Job) bool
}

// MessageRepository is the read and write surface the message store needs.
type MessageRepository interface {
	SaveMessage(ctx context.Context, message domain.Message) error
	GetMessage(ctx context.Context, dest domain.DestinationID, id uuid.UUID) (domain.Message, error)
	// RecentMessages returns at most limit messages in chronological order.
	RecentMessages(ctx context.Context, dest domain.DestinationID, limit int) ([]domain.Message, error)
	// SearchMessages matches query case-insensitively, most recent first.
	SearchMessages(ctx context.Context, dest domain.DestinationID, query string, limit int) ([]domain.Message, error)
}
