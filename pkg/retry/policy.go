package retry

import "time"

// Decision is what the caller should do about one failed task.
type Decision struct {
	Retry            bool          `json:"retry"`
	Delay            time.Duration `json:"delay"`
	PauseAccount     bool          `json:"pause_account"`
	NotifyController bool          `json:"notify_controller"`
}

const (
	networkMaxRetries = 3
	networkDelayStep  = 5000 * time.Millisecond
	timeoutMaxRetries = 2
	timeoutDelayStep  = 10000 * time.Millisecond
	unknownMaxRetries = 1
	unknownDelay      = 5000 * time.Millisecond
	rateLimitDelay    = 60000 * time.Millisecond
)

// Decide returns the policy for the attempt-th consecutive error of the
// given kind on one account. attempt counts from 1.
func Decide(kind Kind, attempt int) Decision {
	if attempt < 1 {
		attempt = 1
	}
	switch kind {
	case KindNetwork:
		if attempt <= networkMaxRetries {
			return Decision{Retry: true, Delay: networkDelayStep * time.Duration(attempt)}
		}
		return Decision{PauseAccount: true, NotifyController: true}
	case KindAuth:
		return Decision{PauseAccount: true, NotifyController: true}
	case KindRateLimit:
		return Decision{Retry: true, Delay: rateLimitDelay, NotifyController: true}
	case KindTimeout:
		if attempt <= timeoutMaxRetries {
			return Decision{Retry: true, Delay: timeoutDelayStep * time.Duration(attempt)}
		}
		return Decision{NotifyController: true}
	case KindParse:
		return Decision{}
	default:
		if attempt <= unknownMaxRetries {
			return Decision{Retry: true, Delay: unknownDelay}
		}
		return Decision{NotifyController: true}
	}
}
