// Package assigner implements the prompt queue: a priority-ordered
// matcher that routes pending prompts to idle worker sessions, injects
// the prompt text into the matched pane, and detects completion by
// classifying pane output. Retry, reassignment and cancellation operate
// on the same persistent queue.
package assigner
