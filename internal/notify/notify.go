// Package notify pushes terminal orchestrator events to chat platforms.
// Operators get told about failures and finished workflows; routine
// per-task chatter stays out of the channel.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidra-labs/taskhive/internal/orchestrator"
)

// Notifier delivers one rendered message to a platform.
type Notifier interface {
	Platform() string
	Send(ctx context.Context, text string) error
}

// Manager fans terminal events out to the registered notifiers. Delivery
// runs on its own goroutine so a slow platform API never stalls the
// scheduler.
type Manager struct {
	mu        sync.RWMutex
	notifiers []Notifier
	logger    *zap.Logger

	queue chan string
	done  chan struct{}
}

// NewManager creates a manager with no notifiers attached.
func NewManager(logger *zap.Logger) *Manager {
	m := &Manager{
		logger: logger,
		queue:  make(chan string, 64),
		done:   make(chan struct{}),
	}
	go m.sendLoop()
	return m
}

// Register attaches a notifier.
func (m *Manager) Register(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
	m.logger.Info("notifier registered", zap.String("platform", n.Platform()))
}

// Observer adapts the manager to the orchestrator's subscription
// interface.
func (m *Manager) Observer() orchestrator.Observer {
	return func(e orchestrator.Event) {
		text := render(e)
		if text == "" {
			return
		}
		select {
		case m.queue <- text:
		default:
			m.logger.Warn("notification queue full, dropping message")
		}
	}
}

// render formats the events worth interrupting a human for. Everything
// else renders empty and is skipped.
func render(e orchestrator.Event) string {
	switch e.Type {
	case orchestrator.EventTaskFailed:
		return fmt.Sprintf(":warning: task %s failed: %s", e.TaskID, e.Error)
	case orchestrator.EventWorkflowCompleted:
		return fmt.Sprintf(":white_check_mark: workflow %s completed", e.WorkflowID)
	case orchestrator.EventWorkflowFailed:
		return fmt.Sprintf(":x: workflow %s failed: %s", e.WorkflowID, e.Error)
	default:
		return ""
	}
}

func (m *Manager) sendLoop() {
	defer close(m.done)
	for text := range m.queue {
		m.mu.RLock()
		targets := append([]Notifier(nil), m.notifiers...)
		m.mu.RUnlock()

		for _, n := range targets {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := n.Send(ctx, text); err != nil {
				m.logger.Warn("notification send failed",
					zap.String("platform", n.Platform()),
					zap.Error(err))
			}
			cancel()
		}
	}
}

// Close drains queued notifications and stops the send loop.
func (m *Manager) Close() {
	close(m.queue)
	<-m.done
}
