package store

import (
	"context"
	"errors"

	timewheel "github.com/KFCxMcDonalds/tieredtimer"
)

var (
	// ErrStorage wraps every I/O or serialization failure of a backend.
	ErrStorage = errors.New("storage error")
	// ErrControlTask is returned when a control task is handed to Save.
	ErrControlTask = errors.New("control tasks cannot be persisted")
)

type (
	// TaskStore is the long-term store of pending tasks.
	TaskStore interface {
		// Save upserts task by ID, overwriting any previous version.
		Save(ctx context.Context, task timewheel.Task) error
		// FetchDueBefore returns every task with ExpirationMs <= timestampMs,
		// earliest first. It does not delete them.
		FetchDueBefore(ctx context.Context, timestampMs int64) ([]timewheel.Task, error)
		FindByID(ctx context.Context, taskID string) (timewheel.Task, bool, error)
		// Delete removes the task by ID. Deleting a missing task is not an error.
		Delete(ctx context.Context, taskID string) error
	}

	// DeadLetterStore keeps tasks that will not be retried automatically.
	DeadLetterStore interface {
		SaveDeadLetter(ctx context.Context, entry DeadLetter) error
		FindAllDeadLetters(ctx context.Context) ([]DeadLetter, error)
		FindDeadLettersByClient(ctx context.Context, clientID string) ([]DeadLetter, error)
		FindDeadLetter(ctx context.Context, clientID, taskID string) (DeadLetter, bool, error)
		DeleteDeadLetter(ctx context.Context, clientID, taskID string) error
		ClearDeadLetters(ctx context.Context) error
	}

	// ClientStore resolves a client and its retry policy.
	ClientStore interface {
		FindClient(ctx context.Context, clientID string) (Client, bool, error)
		SaveClient(ctx context.Context, client Client) error
	}

	// Backend is a store implementing every contract over one connection.
	Backend interface {
		TaskStore
		DeadLetterStore
		ClientStore
		Close() error
	}
)
