// Package reliability provides the retry policies shared by the transport
// and the publish path.
//
//   - ExponentialBackoff: capped exponential delay with jitter, used for
//     broker reconnects and channel setup retries
//   - FixedDelay: constant delay with a bounded number of attempts, used for
//     connectivity polling while a publish waits for the link
//   - PollUntil: polls a condition under a policy without acting on it
//
// Example usage:
//
//	polls, err := PollUntil(ctx, NewFixedDelay(2*time.Second, 5), done, link.IsConnected)
//	if errors.Is(err, ErrMaxRetriesExceeded) {
//	    // still disconnected after (polls + 1) * 2s
//	}
package reliability
