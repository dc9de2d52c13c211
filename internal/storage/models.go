package storage

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrSchemaMismatch marks failures caused by a database created with an older
// schema. Operators fix it by running `agilelab db migrate`.
var ErrSchemaMismatch = errors.New("database schema is out of date")

var schemaMismatchMarkers = []string{
	"no such column",
	"no such table",
	"has no column named",
}

// classify wraps legacy schema errors in ErrSchemaMismatch.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, m := range schemaMismatchMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
		}
	}
	return err
}
