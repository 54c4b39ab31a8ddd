package realtime

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/BuzzLyutic/task-sync/internal/model"
)

type Broadcaster struct {
	registry *Registry
	logger   *zap.Logger
}

func NewBroadcaster(registry *Registry, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{registry: registry, logger: logger}
}

// Broadcast sends one event to every live connection of userID and returns
// how many connections accepted it. Only an encoding failure is returned as
// an error; per-connection failures are logged and skipped.
func (b *Broadcaster) Broadcast(userID int64, eventType model.EventType, task model.Task) (int, error) {
	task.Pending = false
	msg, err := json.Marshal(model.SyncEvent{
		EventType: eventType,
		Payload:   model.EventPayload{Task: task},
	})
	if err != nil {
		return 0, fmt.Errorf("encode %s event: %w", eventType, err)
	}

	peers := b.registry.ConnectionsFor(userID)
	delivered := 0
	for _, p := range peers {
		if p.Send(msg) {
			delivered++
			continue
		}
		b.logger.Warn("dropped event for connection",
			zap.Int64("user_id", userID),
			zap.String("event_type", string(eventType)),
			zap.Int64("task_id", task.ID),
		)
	}

	b.logger.Debug("event broadcast",
		zap.Int64("user_id", userID),
		zap.String("event_type", string(eventType)),
		zap.Int64("task_id", task.ID),
		zap.Int("delivered", delivered),
		zap.Int("connections", len(peers)),
	)
	return delivered, nil
}
