// Package stores is the worker's local persistence layer. A single SQLite
// database, migrated from embedded SQL files, holds artifact blobs for the
// database file service, ciphertext for the local secret manager, and the
// history of task runs and their progress units.
package stores
