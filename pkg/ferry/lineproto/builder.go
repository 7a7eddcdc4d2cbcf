// Package lineproto renders measurements in the line protocol accepted by
// the remote sink. The builder keeps tags and fields in insertion order and
// centralizes every escaping rule so callers never concatenate wire strings
// by hand.
package lineproto

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// fieldKind discriminates the typed field value representations.
type fieldKind uint8

const (
	fieldFloat fieldKind = iota
	fieldInt
	fieldString
	fieldBool
)

type tagPair struct {
	key   string
	value string
}

type fieldPair struct {
	key  string
	kind fieldKind
	f    float64
	i    int64
	s    string
	b    bool
}

// Builder assembles one line of the protocol:
//
//	measurement,tag=value field=1.0,other="text" 1700000000000000000
//
// Tags and fields render in the order they were added. A line needs a
// measurement and at least one field; the timestamp is optional.
type Builder struct {
	measurement string
	tags        []tagPair
	fields      []fieldPair
	tsNanos     int64
	hasTs       bool
}

// NewBuilder creates a Builder for the given measurement.
func NewBuilder(measurement string) *Builder {
	return &Builder{measurement: measurement}
}

// Tag appends one tag pair.
func (b *Builder) Tag(key, value string) *Builder {
	b.tags = append(b.tags, tagPair{key: key, value: value})
	return b
}

// FloatField appends a float field.
func (b *Builder) FloatField(key string, value float64) *Builder {
	b.fields = append(b.fields, fieldPair{key: key, kind: fieldFloat, f: value})
	return b
}

// IntField appends an integer field.
func (b *Builder) IntField(key string, value int64) *Builder {
	b.fields = append(b.fields, fieldPair{key: key, kind: fieldInt, i: value})
	return b
}

// StringField appends a string field.
func (b *Builder) StringField(key, value string) *Builder {
	b.fields = append(b.fields, fieldPair{key: key, kind: fieldString, s: value})
	return b
}

// BoolField appends a boolean field.
func (b *Builder) BoolField(key string, value bool) *Builder {
	b.fields = append(b.fields, fieldPair{key: key, kind: fieldBool, b: value})
	return b
}

// Timestamp sets the line timestamp from a time.Time.
func (b *Builder) Timestamp(t time.Time) *Builder {
	b.tsNanos = t.UnixNano()
	b.hasTs = true
	return b
}

// TimestampMs sets the line timestamp from epoch milliseconds.
func (b *Builder) TimestampMs(ms int64) *Builder {
	b.tsNanos = ms * int64(time.Millisecond)
	b.hasTs = true
	return b
}

// Render produces the wire line.
//
// Returns:
//
//	The rendered line and an error when the line is structurally invalid
//	(missing measurement, no fields, or a non-finite float value).
func (b *Builder) Render() (string, error) {
	if b.measurement == "" {
		return "", fmt.Errorf("line protocol: measurement must not be empty")
	}
	if len(b.fields) == 0 {
		return "", fmt.Errorf("line protocol: measurement '%s' has no fields", b.measurement)
	}

	var sb strings.Builder
	sb.WriteString(escapeMeasurement(b.measurement))

	for _, t := range b.tags {
		if t.key == "" {
			return "", fmt.Errorf("line protocol: tag with empty key on measurement '%s'", b.measurement)
		}
		sb.WriteByte(',')
		sb.WriteString(escapeKey(t.key))
		sb.WriteByte('=')
		sb.WriteString(escapeKey(t.value))
	}

	sb.WriteByte(' ')
	for i, f := range b.fields {
		if f.key == "" {
			return "", fmt.Errorf("line protocol: field with empty key on measurement '%s'", b.measurement)
		}
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(escapeKey(f.key))
		sb.WriteByte('=')
		switch f.kind {
		case fieldFloat:
			if math.IsNaN(f.f) || math.IsInf(f.f, 0) {
				return "", fmt.Errorf("line protocol: field '%s' is not a finite number", f.key)
			}
			sb.WriteString(strconv.FormatFloat(f.f, 'f', -1, 64))
		case fieldInt:
			sb.WriteString(strconv.FormatInt(f.i, 10))
			sb.WriteByte('i')
		case fieldString:
			sb.WriteByte('"')
			sb.WriteString(escapeStringValue(f.s))
			sb.WriteByte('"')
		case fieldBool:
			sb.WriteString(strconv.FormatBool(f.b))
		}
	}

	if b.hasTs {
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatInt(b.tsNanos, 10))
	}
	return sb.String(), nil
}

// escapeMeasurement escapes commas and spaces in a measurement name.
func escapeMeasurement(s string) string {
	s = strings.ReplaceAll(s, `,`, `\,`)
	s = strings.ReplaceAll(s, ` `, `\ `)
	return s
}

// escapeKey escapes commas, equals signs and spaces in tag keys, tag values
// and field keys.
func escapeKey(s string) string {
	s = strings.ReplaceAll(s, `,`, `\,`)
	s = strings.ReplaceAll(s, `=`, `\=`)
	s = strings.ReplaceAll(s, ` `, `\ `)
	return s
}

// escapeStringValue escapes backslashes and double quotes in string field values.
func escapeStringValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
