package governor

import "errors"

// ErrInvalidThresholds indicates thresholds that do not satisfy
// 0 < warning < critical.
var ErrInvalidThresholds = errors.New("invalid governor thresholds")
