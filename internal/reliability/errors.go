package reliability

import "errors"

var (
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
	ErrPollAborted        = errors.New("retry: polling aborted")
)
