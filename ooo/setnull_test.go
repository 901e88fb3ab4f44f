package ooo

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gigapi/linepipe/table"
	"github.com/stretchr/testify/require"
)

func TestSetNullRoundTrip(t *testing.T) {
	const n = 4

	intBuf := make([]byte, n*4)
	setNull(table.ColumnInt, intBuf, n)
	for i := 0; i < n; i++ {
		require.Equal(t, table.IntNull, int32(binary.LittleEndian.Uint32(intBuf[i*4:])))
	}

	longBuf := make([]byte, n*8)
	setNull(table.ColumnLong, longBuf, n)
	for i := 0; i < n; i++ {
		require.Equal(t, table.LongNull, int64(binary.LittleEndian.Uint64(longBuf[i*8:])))
	}

	symBuf := make([]byte, n*4)
	setNull(table.ColumnSymbol, symBuf, n)
	for i := 0; i < n; i++ {
		require.Equal(t, table.SymbolNull, int32(binary.LittleEndian.Uint32(symBuf[i*4:])))
	}

	doubleBuf := make([]byte, n*8)
	setNull(table.ColumnDouble, doubleBuf, n)
	for i := 0; i < n; i++ {
		require.True(t, math.IsNaN(math.Float64frombits(binary.LittleEndian.Uint64(doubleBuf[i*8:]))))
	}

	floatBuf := make([]byte, n*4)
	setNull(table.ColumnFloat, floatBuf, n)
	for i := 0; i < n; i++ {
		require.True(t, math.IsNaN(float64(math.Float32frombits(binary.LittleEndian.Uint32(floatBuf[i*4:])))))
	}

	boolBuf := []byte{7, 7}
	setNull(table.ColumnBoolean, boolBuf, 2)
	require.Equal(t, []byte{0, 0}, boolBuf)

	shortBuf := make([]byte, n*2)
	for i := range shortBuf {
		shortBuf[i] = 0xff
	}
	setNull(table.ColumnShort, shortBuf, n)
	for i := 0; i < n; i++ {
		require.Equal(t, uint16(0), binary.LittleEndian.Uint16(shortBuf[i*2:]))
	}
}

func TestSetVarNullRecords(t *testing.T) {
	const n = 3
	varBuf := make([]byte, n*4)
	fixBuf := make([]byte, n*8)
	length := setVarNullRecords(table.ColumnString, varBuf, fixBuf, n)
	require.Equal(t, int64(n*4), length)
	for i := int64(0); i < n; i++ {
		require.Equal(t, int32(-1), int32(binary.LittleEndian.Uint32(varBuf[i*4:])))
		require.Equal(t, i*4, int64(binary.LittleEndian.Uint64(fixBuf[i*8:])))
	}
}

func TestVarColumnLength(t *testing.T) {
	// two records: "ab" (4+2) and null (4)
	varData := make([]byte, 10)
	binary.LittleEndian.PutUint32(varData[0:], 2)
	varData[4] = 'a'
	varData[5] = 'b'
	binary.LittleEndian.PutUint32(varData[6:], uint32(0xffffffff))
	fix := make([]byte, 16)
	binary.LittleEndian.PutUint64(fix[0:], 0)
	binary.LittleEndian.PutUint64(fix[8:], 6)

	require.Equal(t, int64(6), varColumnLength(table.ColumnString, fix, varData, 0, 0))
	require.Equal(t, int64(4), varColumnLength(table.ColumnString, fix, varData, 1, 1))
	require.Equal(t, int64(10), varColumnLength(table.ColumnString, fix, varData, 0, 1))
}
