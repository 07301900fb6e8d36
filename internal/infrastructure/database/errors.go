package database

import "errors"

var (
	// ErrEmptyPath is returned when no database path is configured.
	ErrEmptyPath = errors.New("database: path is empty")

	// ErrMigrationNotFound is returned when an applied version has no file.
	ErrMigrationNotFound = errors.New("database: migration not found")

	// ErrNoDownMigration is returned when rolling back a migration without
	// a .down.sql file.
	ErrNoDownMigration = errors.New("database: migration has no down SQL")
)
