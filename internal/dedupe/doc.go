// Package dedupe filters out chat events that a frontend receives more than
// once, such as Matrix events replayed after a reconnect, within a
// configurable window.
package dedupe
