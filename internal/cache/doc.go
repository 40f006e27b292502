// Package cache defines the versioned cache bucket namespace used by the
// offline worker. A Storage holds named buckets; each Bucket maps a request
// identity (method + normalized URL) to a response snapshot. Three backends
// share the same semantics: an in-memory map, a directory tree under
// StoragePath (temp file + rename writes), and a SQLite database. Worker code
// only depends on the Storage/Bucket interfaces so tests can swap in the
// memory backend.
package cache
