// Package signals lets provisioning steps ask for service restarts and
// reloads without knowing how services are managed.
package signals

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/rehmatworks/fastcp-engine/internal/system"
)

// Topic is a bus channel
type Topic string

const (
	Restart Topic = "restart"
	Reload  Topic = "reload"
)

// Handler acts on a batch of service names published on a topic.
type Handler func(ctx context.Context, topic Topic, services []string) error

// Bus dispatches service signals to exactly one handler per topic.
// Signals are not deduplicated; publishing the same service twice runs
// the handler twice.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic]Handler
	logger   *slog.Logger
}

// NewBus creates an empty bus
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Topic]Handler),
		logger:   logger,
	}
}

// Handle registers h for topic. Registering a topic twice is a
// programming error and panics.
func (b *Bus) Handle(topic Topic, h Handler) {
	if h == nil {
		panic("signals: nil handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.handlers[topic]; dup {
		panic(fmt.Sprintf("signals: handler for %q already registered", topic))
	}
	b.handlers[topic] = h
}

// Publish sends a comma-separated service list on topic. Errors are
// logged and returned; a panicking handler is recovered.
func (b *Bus) Publish(ctx context.Context, topic Topic, services string) (err error) {
	names := ParseServices(services)
	if len(names) == 0 {
		return nil
	}

	b.mu.RLock()
	h, ok := b.handlers[topic]
	b.mu.RUnlock()
	if !ok {
		b.logger.Warn("no handler for signal", "topic", topic, "services", services)
		return fmt.Errorf("no handler for topic %q", topic)
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("signal handler panicked", "topic", topic, "services", services, "panic", r)
			err = fmt.Errorf("signal handler for %q panicked: %v", topic, r)
		}
	}()

	if err = h(ctx, topic, names); err != nil {
		b.logger.Warn("signal handler reported failures", "topic", topic, "services", services, "error", err)
	}
	return err
}

// ParseServices splits "nginx, php8.3-fpm" into trimmed, non-empty names.
func ParseServices(services string) []string {
	var names []string
	for _, s := range strings.Split(services, ",") {
		if s = strings.TrimSpace(s); s != "" {
			names = append(names, s)
		}
	}
	return names
}

// SystemctlHandler runs `systemctl <topic> <name>` for every name. A
// failing name does not stop the rest of the batch.
func SystemctlHandler(r system.Runner) Handler {
	return func(ctx context.Context, topic Topic, services []string) error {
		var result *multierror.Error
		for _, name := range services {
			if _, err := r.Run(ctx, "systemctl", string(topic), name); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s %s: %w", topic, name, err))
			}
		}
		return result.ErrorOrNil()
	}
}

// Publisher is the narrow view of the bus handed to provisioning code.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, services string) error
}

// PHPService returns the systemd unit of a PHP-FPM runtime.
func PHPService(version string) string {
	return fmt.Sprintf("php%s-fpm", version)
}

// ProxyService is the reverse proxy unit.
const ProxyService = "nginx"
