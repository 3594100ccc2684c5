package kv

import (
	"strconv"
	"time"
)

// ScalarType is the type of a key attribute.
type ScalarType string

const (
	TypeString ScalarType = "S"
	TypeNumber ScalarType = "N"
	TypeBinary ScalarType = "B"
)

// StreamViewType selects what a change record carries besides the keys.
// The empty value disables the stream of a table.
type StreamViewType string

const (
	StreamKeysOnly       StreamViewType = "KEYS_ONLY"
	StreamNewImage       StreamViewType = "NEW_IMAGE"
	StreamOldImage       StreamViewType = "OLD_IMAGE"
	StreamNewAndOldImage StreamViewType = "NEW_AND_OLD_IMAGES"
)

// AttributeValue holds exactly one typed value. Numbers are kept as decimal
// strings so no precision is lost on the way through the engine. A non-nil
// empty B, M, L or SS is a value of its own and survives storage.
type AttributeValue struct {
	S    *string
	N    *string
	B    []byte
	BOOL *bool
	NULL bool
	M    map[string]AttributeValue
	L    []AttributeValue
	SS   []string
}

// Item is a set of named attributes.
type Item map[string]AttributeValue

func String(s string) AttributeValue { return AttributeValue{S: &s} }

func Number(n string) AttributeValue { return AttributeValue{N: &n} }

func NumberInt(n int64) AttributeValue { return Number(strconv.FormatInt(n, 10)) }

func Binary(b []byte) AttributeValue {
	if b == nil {
		b = []byte{}
	}
	return AttributeValue{B: b}
}

func Bool(b bool) AttributeValue { return AttributeValue{BOOL: &b} }

func Null() AttributeValue { return AttributeValue{NULL: true} }

func Map(m map[string]AttributeValue) AttributeValue {
	if m == nil {
		m = map[string]AttributeValue{}
	}
	return AttributeValue{M: m}
}

func List(l ...AttributeValue) AttributeValue {
	if l == nil {
		l = []AttributeValue{}
	}
	return AttributeValue{L: l}
}

func StringSet(ss ...string) AttributeValue {
	if ss == nil {
		ss = []string{}
	}
	return AttributeValue{SS: ss}
}

// KeyElement names one key attribute and its type.
type KeyElement struct {
	Name string     `validate:"required,max=255"`
	Type ScalarType `validate:"oneof=S N B"`
}

// CreateTableInput describes a new table. RangeKey is optional.
type CreateTableInput struct {
	TableName  string         `validate:"required,min=3,max=255"`
	HashKey    KeyElement     `validate:"required"`
	RangeKey   *KeyElement    `validate:"omitempty"`
	StreamView StreamViewType `validate:"omitempty,oneof=KEYS_ONLY NEW_IMAGE OLD_IMAGE NEW_AND_OLD_IMAGES"`
}

// TableDescription is the stored definition of a table.
type TableDescription struct {
	TableName  string
	HashKey    KeyElement
	RangeKey   *KeyElement
	StreamView StreamViewType
	ItemCount  int64
	CreatedAt  time.Time
}

// StreamEnabled reports whether writes to the table produce change records.
func (d TableDescription) StreamEnabled() bool { return d.StreamView != "" }
