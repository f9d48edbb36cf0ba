// Package dedupe provides a bounded, time-limited seen-set. The fan-out bus
// records every envelope ID it delivers so broker redeliveries are dropped.
package dedupe
