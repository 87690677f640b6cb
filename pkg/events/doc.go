// Package events provides the in-process notification broker. Delivery
// is fire-and-forget; the core never blocks on a slow sink.
package events
