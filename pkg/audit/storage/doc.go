// Package storage provides audit.Storage implementations: an in-memory
// store for tests, SQLite through github.com/mattn/go-sqlite3, and
// PostgreSQL through gorm.
package storage
