package store

import (
	"encoding/json"
	"fmt"

	timewheel "github.com/KFCxMcDonalds/tieredtimer"
)

func encodeTask(task timewheel.Task) (string, error) {
	if task.IsControl() {
		return "", ErrControlTask
	}
	b, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("%w: encode task %s: %w", ErrStorage, task.ID, err)
	}
	return string(b), nil
}

func decodeTask(data string) (timewheel.Task, error) {
	var task timewheel.Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return timewheel.Task{}, err
	}
	if task.ID == "" {
		return timewheel.Task{}, fmt.Errorf("record has no taskId")
	}
	return task, nil
}

func encodeDeadLetter(entry DeadLetter) (string, error) {
	b, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("%w: encode dead letter %s: %w", ErrStorage, entry.Task.ID, err)
	}
	return string(b), nil
}

func decodeDeadLetter(data string) (DeadLetter, error) {
	var entry DeadLetter
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return DeadLetter{}, err
	}
	return entry, nil
}

func encodeClient(c Client) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("%w: encode client %s: %w", ErrStorage, c.ID, err)
	}
	return string(b), nil
}

func decodeClient(data string) (Client, error) {
	var c Client
	err := json.Unmarshal([]byte(data), &c)
	return c, err
}

func clonePayload(task timewheel.Task) timewheel.Task {
	if task.Payload != nil {
		task.Payload = append([]byte(nil), task.Payload...)
	}
	return task
}
