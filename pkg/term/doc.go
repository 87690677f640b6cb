// Package term adapts a terminal multiplexer (tmux) into the small
// capability the assigner needs: keystroke injection, output capture,
// session listing, and an idle/busy classifier driven by configured
// output markers.
package term
