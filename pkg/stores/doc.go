// Package stores provides the persistent index behind quire's bundle cache.
// It records which digest a bundle URL resolved to, which entries of each
// bundle have been fetched to disk, and which formats were generated for it.
// The index is SQLite in WAL mode with embedded migrations.
package stores
