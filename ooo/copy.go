package ooo

import (
	"encoding/binary"
	"fmt"

	"github.com/gigapi/linepipe/table"
)

// varRecordLen returns the on-disk length of one var record starting at off.
// String/Long256 records are [int32 len][bytes] with a negative length
// meaning null; Binary uses an int64 header.
func varRecordLen(colType table.ColumnType, data []byte, off int64) int64 {
	if colType == table.ColumnBinary {
		l := int64(binary.LittleEndian.Uint64(data[off:]))
		if l < 0 {
			return 8
		}
		return 8 + l
	}
	l := int32(binary.LittleEndian.Uint32(data[off:]))
	if l < 0 {
		return 4
	}
	return 4 + int64(l)
}

func varOffsetAt(fix []byte, row int64) int64 {
	return int64(binary.LittleEndian.Uint64(fix[row*8:]))
}

// varColumnLength is the total payload length of rows [lo, hi] of a var
// view whose index offsets are relative to the view.
func varColumnLength(colType table.ColumnType, fix, varData []byte, lo, hi int64) int64 {
	if hi < lo {
		return 0
	}
	start := varOffsetAt(fix, lo)
	last := varOffsetAt(fix, hi)
	return last + varRecordLen(colType, varData, last) - start
}

// executeCopy moves one block into the column's mapped destination. It is
// run either by a copy worker or inline by the publisher when the outbound
// queue is full.
func executeCopy(t *CopyTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("copy [column=%s, block=%s]: %v", t.Column.name, t.BlockType, r)
		}
	}()
	if t.Column.varSized {
		return copyVarBlock(t)
	}
	return copyFixBlock(t)
}

func copyFixBlock(t *CopyTask) error {
	stride := int64(1) << t.Column.colType.Pow2SizeOf()
	dst := t.Column.dstFix[t.DstFixOffset:]
	switch t.BlockType {
	case BlockOO:
		copy(dst, t.SrcOooFix[t.SrcOooLo*stride:(t.SrcOooHi+1)*stride])
	case BlockData:
		lo := t.SrcDataLo
		if lo < t.SrcDataTopRows {
			lo = t.SrcDataTopRows
		}
		copy(dst, t.SrcDataFix[(lo-t.SrcDataTopRows)*stride:(t.SrcDataHi-t.SrcDataTopRows+1)*stride])
	case BlockMerge:
		pos := int64(0)
		for _, e := range t.MergeIndex {
			row := mergeEntryRow(e)
			if mergeEntryIsOoo(e) {
				copy(dst[pos:], t.SrcOooFix[row*stride:(row+1)*stride])
			} else {
				r := row - t.SrcDataTopRows
				copy(dst[pos:], t.SrcDataFix[r*stride:(r+1)*stride])
			}
			pos += stride
		}
	}
	return nil
}

func copyVarBlock(t *CopyTask) error {
	colType := t.Column.colType
	dstFix := t.Column.dstFix
	dstVar := t.Column.dstVar
	switch t.BlockType {
	case BlockOO:
		copyVarRange(colType, dstFix, dstVar, t.DstFixOffset, t.DstVarOffset,
			t.SrcOooFix, t.SrcOooVar, t.SrcOooLo, t.SrcOooHi, 0)
	case BlockData:
		lo := t.SrcDataLo
		if lo < t.SrcDataTopRows {
			lo = t.SrcDataTopRows
		}
		copyVarRange(colType, dstFix, dstVar, t.DstFixOffset, t.DstVarOffset,
			t.SrcDataFix, t.SrcDataVar, lo, t.SrcDataHi, t.SrcDataTopRows)
	case BlockMerge:
		fixPos := t.DstFixOffset
		varPos := t.DstVarOffset
		for _, e := range t.MergeIndex {
			row := mergeEntryRow(e)
			var fix, varData []byte
			var top int64
			if mergeEntryIsOoo(e) {
				fix, varData = t.SrcOooFix, t.SrcOooVar
			} else {
				fix, varData, top = t.SrcDataFix, t.SrcDataVar, t.SrcDataTopRows
			}
			off := varOffsetAt(fix, row-top)
			recLen := varRecordLen(colType, varData, off)
			binary.LittleEndian.PutUint64(dstFix[fixPos:], uint64(varPos))
			copy(dstVar[varPos:], varData[off:off+recLen])
			fixPos += 8
			varPos += recLen
		}
	}
	return nil
}

// copyVarRange moves contiguous var rows [lo, hi] and rebuilds their index
// entries against the destination blob.
func copyVarRange(
	colType table.ColumnType,
	dstFix, dstVar []byte,
	dstFixOffset, dstVarOffset int64,
	srcFix, srcVar []byte,
	lo, hi, topRows int64,
) {
	if hi < lo {
		return
	}
	base := varOffsetAt(srcFix, lo-topRows)
	length := varColumnLength(colType, srcFix, srcVar, lo-topRows, hi-topRows)
	copy(dstVar[dstVarOffset:], srcVar[base:base+length])
	fixPos := dstFixOffset
	for r := lo; r <= hi; r++ {
		off := varOffsetAt(srcFix, r-topRows)
		binary.LittleEndian.PutUint64(dstFix[fixPos:], uint64(dstVarOffset+off-base))
		fixPos += 8
	}
}
