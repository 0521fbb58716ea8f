package logs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/DiegoStefanini/shipit-sub000/internal/domain"
	"github.com/DiegoStefanini/shipit-sub000/internal/repository"
	"github.com/DiegoStefanini/shipit-sub000/internal/ws"
)

// Sink persists deploy log lines and pushes them to live subscribers.
type Sink struct {
	repo   repository.DeployRepository
	hub    *ws.Hub
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a log sink.
func New(repo repository.DeployRepository, hub *ws.Hub, logger *slog.Logger) Sink {
	return Sink{repo: repo, hub: hub, logger: logger, now: time.Now}
}

// Append adds line to the deploy's stored log, then broadcasts it. Nothing is
// broadcast when the write fails, so subscribers never see a line the stored
// log lacks.
func (s Sink) Append(ctx context.Context, deployID, line string) error {
	if err := s.repo.AppendDeployLog(ctx, deployID, line+"\n"); err != nil {
		return fmt.Errorf("append deploy log: %w", err)
	}
	s.broadcast(domain.LogEvent{DeployID: deployID, Line: line, Timestamp: s.now().UTC()})
	return nil
}

// Follow subscribes an in-process stream to deployID. The returned func unsubscribes it.
func (s Sink) Follow(deployID string, buffer int) (*ws.Stream, func()) {
	stream := ws.NewStream(buffer)
	s.hub.Subscribe(deployID, stream)
	return stream, func() {
		s.hub.Unsubscribe(deployID, stream)
		stream.Close()
	}
}

// Hub returns the subscriber registry (used by HTTP handlers).
func (s Sink) Hub() *ws.Hub {
	return s.hub
}

func (s Sink) broadcast(event domain.LogEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "deploy_id", event.DeployID, "error", err)
		return
	}
	s.hub.Broadcast(event.DeployID, data)
}
