package health

import (
	"context"
	"fmt"
	"time"
)

// Connectable is anything that reports connectivity: a link, an emitter or a consumer
type Connectable interface {
	IsConnected() bool
}

// LinkChecker checks the broker link
type LinkChecker struct {
	link Connectable
	url  string
}

// NewLinkChecker creates a checker for link. url is only reported, so pass it redacted.
func NewLinkChecker(link Connectable, url string) *LinkChecker {
	return &LinkChecker{link: link, url: url}
}

func (c *LinkChecker) Name() string {
	return "rabbitmq"
}

func (c *LinkChecker) Check(context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"url": c.url},
	}

	if c.link.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "link is connected"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "link is reconnecting"
	}

	result.Duration = time.Since(start)
	return result
}

// QueueChecker checks an emitter or consumer bound to a queue. A queue user
// whose channel is down while the link is up is degraded: its setup is being
// retried.
type QueueChecker struct {
	role  string
	queue string
	user  Connectable
	link  Connectable
}

// NewQueueChecker creates a checker named "<role>_<queue>"
func NewQueueChecker(role, queue string, user, link Connectable) *QueueChecker {
	return &QueueChecker{role: role, queue: queue, user: user, link: link}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("%s_%s", c.role, c.queue)
}

func (c *QueueChecker) Check(context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"queue": c.queue},
	}

	switch {
	case c.user.IsConnected():
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%s on queue %s is connected", c.role, c.queue)
	case c.link.IsConnected():
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%s on queue %s is waiting for channel setup", c.role, c.queue)
	default:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%s on queue %s is disconnected", c.role, c.queue)
	}

	result.Duration = time.Since(start)
	return result
}
