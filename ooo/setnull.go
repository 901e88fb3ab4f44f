package ooo

import (
	"encoding/binary"
	"math"

	"github.com/gigapi/linepipe/table"
)

// setNull fills count elements of a fixed-width column region with the
// type's null sentinel.
func setNull(colType table.ColumnType, dst []byte, count int64) {
	switch colType {
	case table.ColumnBoolean, table.ColumnByte:
		for i := int64(0); i < count; i++ {
			dst[i] = 0
		}
	case table.ColumnShort, table.ColumnChar:
		for i := int64(0); i < count; i++ {
			binary.LittleEndian.PutUint16(dst[i*2:], 0)
		}
	case table.ColumnInt:
		for i := int64(0); i < count; i++ {
			binary.LittleEndian.PutUint32(dst[i*4:], uint32(table.IntNull))
		}
	case table.ColumnFloat:
		nan := math.Float32bits(float32(math.NaN()))
		for i := int64(0); i < count; i++ {
			binary.LittleEndian.PutUint32(dst[i*4:], nan)
		}
	case table.ColumnSymbol:
		for i := int64(0); i < count; i++ {
			binary.LittleEndian.PutUint32(dst[i*4:], uint32(table.SymbolNull))
		}
	case table.ColumnLong, table.ColumnDate, table.ColumnTimestamp:
		for i := int64(0); i < count; i++ {
			binary.LittleEndian.PutUint64(dst[i*8:], uint64(table.LongNull))
		}
	case table.ColumnDouble:
		nan := math.Float64bits(math.NaN())
		for i := int64(0); i < count; i++ {
			binary.LittleEndian.PutUint64(dst[i*8:], nan)
		}
	}
}

// setVarNullRecords writes count null records at the head of a var view and
// the index refs pointing at them. Returns the byte length of the region.
func setVarNullRecords(colType table.ColumnType, varDst, fixDst []byte, count int64) int64 {
	recLen := int64(4)
	if colType == table.ColumnBinary {
		recLen = 8
	}
	for i := int64(0); i < count; i++ {
		if colType == table.ColumnBinary {
			binary.LittleEndian.PutUint64(varDst[i*8:], uint64(0xffffffffffffffff))
		} else {
			binary.LittleEndian.PutUint32(varDst[i*4:], uint32(0xffffffff))
		}
		binary.LittleEndian.PutUint64(fixDst[i*8:], uint64(i*recLen))
	}
	return count * recLen
}
