package radio

import "errors"

// ErrUnavailable is returned when a radio request cannot be granted within
// the policy's wait bound. Callers decide whether and when to retry; the
// arbiter never retries on their behalf.
var ErrUnavailable = errors.New("radio unavailable")
