package steadyq

import (
	"context"
	"fmt"

	"github.com/glimte/steadyq/queue"
	"github.com/glimte/steadyq/transports/rabbitmq"
)

// Connector opens broker links and logs their lifecycle
type Connector struct {
	log queue.Logger
}

// NewConnector creates a connector. A nil log discards everything.
func NewConnector(log queue.Logger) *Connector {
	if log == nil {
		log = queue.NopLogger()
	}
	return &Connector{log: log}
}

// Connect creates a link to url and waits for its first connection. It fails
// on the first connect failure, blocked notification or error reported before
// that, or when ctx is done. The link is closed on failure.
//
// Once connected, the link keeps reconnecting on its own and lifecycle events
// keep being logged.
func (c *Connector) Connect(ctx context.Context, url string, opts ...rabbitmq.LinkOption) (*rabbitmq.Link, error) {
	link := rabbitmq.NewLink(url, opts...)
	events := &linkEvents{
		log:    c.log,
		url:    link.URL(),
		result: make(chan error, 1),
	}
	link.AddListener(events)
	link.Start()

	select {
	case err := <-events.result:
		if err == nil {
			return link, nil
		}
		_ = link.Close()
		return nil, err
	case <-ctx.Done():
		_ = link.Close()
		return nil, fmt.Errorf("connecting to %s: %w", link.URL(), ctx.Err())
	}
}

// linkEvents logs link events and reports the first decisive one
type linkEvents struct {
	log    queue.Logger
	url    string
	result chan error
}

func (e *linkEvents) settle(err error) {
	select {
	case e.result <- err:
	default:
	}
}

func (e *linkEvents) OnConnect() {
	e.log.Info("connect", "url", e.url)
	e.settle(nil)
}

func (e *linkEvents) OnDisconnect(err error) {
	e.log.Info("disconnect", "url", e.url, "error", err)
}

func (e *linkEvents) OnConnectFailed(err error) {
	e.log.Error("connectFailed", "url", e.url, "error", err)
	e.settle(fmt.Errorf("connecting to %s: %w", e.url, err))
}

func (e *linkEvents) OnBlocked(reason string) {
	e.log.Warn("blocked", "url", e.url, "reason", reason)
	e.settle(fmt.Errorf("connection to %s blocked: %s", e.url, reason))
}

func (e *linkEvents) OnUnblocked() {
	e.log.Info("unblocked", "url", e.url)
}

func (e *linkEvents) OnError(err error) {
	e.log.Error("error", "url", e.url, "error", err)
	e.settle(err)
}
