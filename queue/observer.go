package queue

// Observer is notified of publish and delivery outcomes. Implementations must
// be safe for concurrent use and must not block.
type Observer interface {
	PublishSent(queue string)
	PublishFailed(queue string)
	// PublishDelayed is called once per degraded publish with the number of connectivity polls
	PublishDelayed(queue string, polls int)
	PublishTimedOut(queue string)

	DeliveryProcessed(queue string)
	DeliveryFailed(queue string, requeue bool)
	AcknowledgementFailed(queue string)
}

// NopObserver discards all notifications
type NopObserver struct{}

func (NopObserver) PublishSent(string)           {}
func (NopObserver) PublishFailed(string)         {}
func (NopObserver) PublishDelayed(string, int)   {}
func (NopObserver) PublishTimedOut(string)       {}
func (NopObserver) DeliveryProcessed(string)     {}
func (NopObserver) DeliveryFailed(string, bool)  {}
func (NopObserver) AcknowledgementFailed(string) {}
