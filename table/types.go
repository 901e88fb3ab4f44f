package table

import (
	"math"
	"regexp"

	"github.com/gigapi/linepipe/lineproto"
)

type ColumnType int8

const (
	ColumnUnknown ColumnType = iota
	ColumnBoolean
	ColumnByte
	ColumnShort
	ColumnChar
	ColumnInt
	ColumnLong
	ColumnDate
	ColumnTimestamp
	ColumnFloat
	ColumnDouble
	ColumnString
	ColumnSymbol
	ColumnLong256
	ColumnBinary
)

// Null sentinels, byte-identical to what setNull writes into column files.
var (
	IntNull    = int32(math.MinInt32)
	LongNull   = int64(math.MinInt64)
	SymbolNull = int32(-1)
)

var columnNames = map[ColumnType]string{
	ColumnBoolean:   "BOOLEAN",
	ColumnByte:      "BYTE",
	ColumnShort:     "SHORT",
	ColumnChar:      "CHAR",
	ColumnInt:       "INT",
	ColumnLong:      "LONG",
	ColumnDate:      "DATE",
	ColumnTimestamp: "TIMESTAMP",
	ColumnFloat:     "FLOAT",
	ColumnDouble:    "DOUBLE",
	ColumnString:    "STRING",
	ColumnSymbol:    "SYMBOL",
	ColumnLong256:   "LONG256",
	ColumnBinary:    "BINARY",
}

func (t ColumnType) String() string {
	if s, ok := columnNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// Pow2SizeOf returns the byte-size shift of a fixed-width column. Variable
// width columns report the shift of their 8-byte index entries.
func (t ColumnType) Pow2SizeOf() uint {
	switch t {
	case ColumnBoolean, ColumnByte:
		return 0
	case ColumnShort, ColumnChar:
		return 1
	case ColumnInt, ColumnFloat, ColumnSymbol:
		return 2
	case ColumnLong, ColumnDate, ColumnTimestamp, ColumnDouble:
		return 3
	default:
		return 3
	}
}

func (t ColumnType) IsVariableSize() bool {
	return t == ColumnString || t == ColumnBinary || t == ColumnLong256
}

// DefaultColumnTypes maps parser entity types to the column type created
// when a new column first appears in a measurement.
var DefaultColumnTypes = [lineproto.NEntityTypes]ColumnType{
	lineproto.EntityTag:       ColumnSymbol,
	lineproto.EntityCachedTag: ColumnSymbol,
	lineproto.EntityFloat:     ColumnDouble,
	lineproto.EntityInteger:   ColumnLong,
	lineproto.EntityString:    ColumnString,
	lineproto.EntityBoolean:   ColumnBoolean,
	lineproto.EntityLong256:   ColumnLong256,
}

var tableNameCheck = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

func IsValidTableName(name string) bool {
	return tableNameCheck.MatchString(name)
}

// IsValidColumnName applies the same character rules the wire protocol
// enforces for column names.
func IsValidColumnName(name string) bool {
	if len(name) == 0 {
		return false
	}
	for _, r := range name {
		switch r {
		case ' ', '?', '.', ',', '\'', '"', '\\', '/', ':', ')', '(', '+', '-', '*', '%', '~', 0xfeff:
			return false
		}
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}
