package jobtype

import "errors"

// ErrUnknownJobType is returned by AcquireSlot when the caller names a
// job type that was never configured.
var ErrUnknownJobType = errors.New("jobtype: unknown job type")
