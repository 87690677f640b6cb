// Package storage persists drover's state in a single embedded SQLite
// database opened with WAL journaling, a 30 second busy timeout, and
// enforced foreign keys. The store is the system of record; components
// keep caches that are invalidated from it.
package storage
