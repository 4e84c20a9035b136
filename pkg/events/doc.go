// Package events provides an in-process publish/subscribe broker for
// deployment lifecycle notifications. Subscribers receive events over
// buffered channels; slow subscribers drop events rather than block
// the orchestrator.
package events
