package message

import (
	"strconv"
)

// IDKind tells which member of the id union is populated.
type IDKind byte

const (
	IDAbsent IDKind = iota // No id member: the message is a notification
	IDNull                 // "id": null, used by errors that precede id parsing
	IDNumber               // Integer id
	IDString               // String id
)

// ID is the correlation id union (string or integer). It is comparable, so it
// can key maps directly, and integers never pass through float64.
type ID struct {
	kind IDKind
	num  int64
	str  string
}

// NumberID returns an integer id.
func NumberID(n int64) ID { return ID{kind: IDNumber, num: n} }

// StringID returns a string id.
func StringID(s string) ID { return ID{kind: IDString, str: s} }

// NullID returns the explicit null id.
func NullID() ID { return ID{kind: IDNull} }

// Kind returns which member is set.
func (id ID) Kind() IDKind { return id.kind }

// IsSet reports whether the id member was present on the wire (null included).
func (id ID) IsSet() bool { return id.kind != IDAbsent }

// IsNull reports whether the id is the explicit null.
func (id ID) IsNull() bool { return id.kind == IDNull }

// Number returns the integer payload and whether the id is numeric.
func (id ID) Number() (int64, bool) { return id.num, id.kind == IDNumber }

// Str returns the string payload and whether the id is a string.
func (id ID) Str() (string, bool) { return id.str, id.kind == IDString }

// String renders the id for logs: numbers bare, strings quoted.
func (id ID) String() string {
	switch id.kind {
	case IDNumber:
		return strconv.FormatInt(id.num, 10)
	case IDString:
		return strconv.Quote(id.str)
	case IDNull:
		return "null"
	default:
		return "<absent>"
	}
}
