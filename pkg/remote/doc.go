// Package remote executes commands and transfers files on other hosts
// over pooled SSH channels, one channel per (host, user, port, key).
package remote
