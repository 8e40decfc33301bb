package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// Unique violation messages of postgres (23505), mysql (1062) and sqlite.
var duplicateKeyMessages = []string{
	"duplicate key value violates unique constraint",
	"Error 1062",
	"UNIQUE constraint failed",
}

// IsDuplicateKeyErr reports a unique constraint violation from any supported
// dialect, whether or not gorm translated it.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	for _, needle := range duplicateKeyMessages {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// SupportsRowLocking reports whether the dialect understands SELECT ... FOR UPDATE.
func SupportsRowLocking(db *gorm.DB) bool {
	if db == nil || db.Dialector == nil {
		return false
	}
	switch strings.ToLower(db.Dialector.Name()) {
	case "postgres", "mysql":
		return true
	default:
		return false
	}
}
