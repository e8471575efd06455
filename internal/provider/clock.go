package provider

import "time"

// Transient (non-throttle) retry pacing.
const (
	defaultTransientBase = time.Second
	defaultTransientCap  = 15 * time.Second
)

// timeAfter is swapped in tests to avoid real sleeps.
var timeAfter = time.After
