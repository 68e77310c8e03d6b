package db

import (
	"database/sql"
	"encoding/json"
	"reflect"
	"time"

	"github.com/teranos/docpipe/errors"
)

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// JSON encodes v for a TEXT column. Nil values, empty slices and empty maps
// are stored as NULL.
func JSON(v any) (sql.NullString, error) {
	if isEmpty(v) {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, errors.Wrap(err, "failed to encode JSON column")
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// ScanJSON decodes a nullable TEXT column into dst. NULL leaves dst untouched.
func ScanJSON(src sql.NullString, dst any) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(src.String), dst); err != nil {
		return errors.Wrap(err, "failed to decode JSON column")
	}
	return nil
}

// NullString stores "" as NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// NullTime stores a nil or zero time as NULL and everything else in UTC.
func NullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// TimePtr converts a scanned nullable time back into a pointer.
func TimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	case reflect.Slice, reflect.Map:
		return rv.Len() == 0
	}
	return false
}
