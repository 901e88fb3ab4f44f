package ooo

import (
	"sync/atomic"

	"github.com/gigapi/linepipe/fileio"
	"github.com/gigapi/linepipe/table"
	"github.com/gigapi/linepipe/utils"
)

// columnContext is the shared state behind the 1..3 copy tasks of one
// column. When the part counter reaches zero the column's mappings are
// unmapped and its owned descriptors closed; the partition latch releases
// the committing writer once every column has drained.
type columnContext struct {
	name     string
	colType  table.ColumnType
	varSized bool

	parts atomic.Int32
	latch *utils.CountDownLatch
	ff    fileio.Facade

	dstFix []byte
	dstVar []byte

	maps [][]byte
	fds  []fileio.FileSlot
}

func (c *columnContext) trackMap(m []byte) []byte {
	c.maps = append(c.maps, m)
	return m
}

func (c *columnContext) trackFd(slot fileio.FileSlot) {
	c.fds = append(c.fds, slot)
}

// finishPart retires one copy task. The last task releases the column's
// resources before counting the latch down so the partition swap never races
// an open mapping.
func (c *columnContext) finishPart(err error) {
	if c.parts.Add(-1) == 0 {
		c.release()
	}
	c.latch.CountDown(err)
}

func (c *columnContext) release() {
	for _, m := range c.maps {
		c.ff.Munmap(m)
	}
	c.maps = nil
	for _, slot := range c.fds {
		if slot.Owning {
			c.ff.Close(slot.FD)
		}
	}
	c.fds = nil
}

// CopyTask describes one block move into a column's destination files. Fix
// and var sources are logical views: row Lo of a view sits at byte
// (Lo-SrcDataTopRows)*stride for data blocks and Lo*stride for OO blocks;
// var index entries are relative to their var view.
type CopyTask struct {
	Column    *columnContext
	BlockType BlockType

	SrcDataFix     []byte
	SrcDataVar     []byte
	SrcDataLo      int64
	SrcDataHi      int64
	SrcDataTopRows int64

	SrcOooFix []byte
	SrcOooVar []byte
	SrcOooLo  int64
	SrcOooHi  int64

	MergeIndex []mergeIndexEntry

	DstFixOffset int64
	DstVarOffset int64
}
