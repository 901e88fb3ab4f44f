package ooo

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/gigapi/linepipe/fileio"
	"github.com/gigapi/linepipe/table"
)

const (
	fixFileSuffix = ".d"
	varFileSuffix = ".i"
	topFileSuffix = ".top"
	keyFileSuffix = ".k"
	valFileSuffix = ".v"
)

// openColumn sizes one column's destination files for the planned commit and
// publishes its copy tasks. Append modes extend the live partition in place;
// merge modes write into the txn-suffixed directory.
func (p *Pipeline) openColumn(ctx *partitionContext, col *table.MergeColumn, isTimestamp bool) error {
	cc := &columnContext{
		name:     col.Name,
		colType:  col.Type,
		varSized: col.Type.IsVariableSize(),
		latch:    ctx.latch,
		ff:       p.ff,
	}
	var err error
	switch ctx.plan.Mode {
	case OpenMidPartitionForAppend, OpenLastPartitionForAppend, OpenNewPartitionForAppend:
		err = p.openForAppend(ctx, col, cc, isTimestamp)
	default:
		err = p.openForMerge(ctx, col, cc, isTimestamp)
	}
	if err != nil {
		// open fails strictly before any task is published, so nothing else
		// holds these resources yet
		cc.release()
	}
	return err
}

func (p *Pipeline) srcDataTop(ctx *partitionContext, col *table.MergeColumn) (int64, error) {
	if col.Top >= 0 {
		return col.Top, nil
	}
	topPath := filepath.Join(ctx.dir, col.Name+topFileSuffix)
	if p.ff.Exists(topPath) {
		fd, err := p.ff.OpenRW(topPath)
		if err != nil {
			return 0, err
		}
		defer p.ff.Close(fd)
		var buf [8]byte
		if _, err := p.ff.ReadAt(fd, buf[:], 0); err != nil {
			return 0, fmt.Errorf("could not read %q: %w", topPath, err)
		}
		return int64(binary.LittleEndian.Uint64(buf[:])), nil
	}
	dataPath := filepath.Join(ctx.dir, col.Name+fixFileSuffix)
	if p.ff.Exists(dataPath) {
		return 0, nil
	}
	// the column has never been written in this partition
	return ctx.req.SrcDataMax, nil
}

func (p *Pipeline) writeColumnTop(dir, col string, top int64) error {
	fd, err := p.ff.OpenRW(filepath.Join(dir, col+topFileSuffix))
	if err != nil {
		return err
	}
	defer p.ff.Close(fd)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(top))
	_, err = p.ff.WriteAt(fd, buf[:], 0)
	return err
}

func (p *Pipeline) openColumnFd(ctx *partitionContext, cc *columnContext, path string, borrowed fileio.FileSlot) (int, error) {
	if borrowed.FD >= 0 && !borrowed.Owning {
		cc.trackFd(borrowed)
		return borrowed.FD, nil
	}
	fd, err := p.ff.OpenRW(path)
	if err != nil {
		return -1, err
	}
	cc.trackFd(fileio.Owned(fd))
	return fd, nil
}

func (p *Pipeline) mapRW(cc *columnContext, fd int, size int64) ([]byte, error) {
	if err := p.ff.Allocate(fd, size); err != nil {
		return nil, err
	}
	m, err := p.ff.Mmap(fd, size, true)
	if err != nil {
		return nil, fmt.Errorf("could not mmap column [fd=%d, size=%d]: %w", fd, size, err)
	}
	return cc.trackMap(m), nil
}

func (p *Pipeline) openForAppend(ctx *partitionContext, col *table.MergeColumn, cc *columnContext, isTimestamp bool) error {
	req := ctx.req
	top := int64(0)
	if ctx.plan.Mode != OpenNewPartitionForAppend {
		var err error
		if top, err = p.srcDataTop(ctx, col); err != nil {
			return err
		}
		if top == req.SrcDataMax && top > 0 {
			if err := p.writeColumnTop(ctx.dir, col.Name, top); err != nil {
				return err
			}
		}
	}
	existingRows := req.SrcDataMax - top
	dstLen := req.OooCount + existingRows

	cc.parts.Store(1)
	task := &CopyTask{
		Column:    cc,
		BlockType: BlockOO,
		SrcOooFix: col.OooFix,
		SrcOooVar: col.OooVar,
		SrcOooLo:  0,
		SrcOooHi:  req.OooCount - 1,
	}

	if cc.varSized {
		fixFd, err := p.openColumnFd(ctx, cc, filepath.Join(ctx.dir, col.Name+varFileSuffix), fileio.FileSlot{FD: -1})
		if err != nil {
			return err
		}
		dstFix, err := p.mapRW(cc, fixFd, dstLen*8)
		if err != nil {
			return err
		}
		varFd, err := p.openColumnFd(ctx, cc, filepath.Join(ctx.dir, col.Name+fixFileSuffix), fileio.FileSlot{FD: -1})
		if err != nil {
			return err
		}
		var dstVarOffset int64
		if existingRows > 0 {
			lastOff := varOffsetAt(dstFix, existingRows-1)
			var hdr [8]byte
			if _, err := p.ff.ReadAt(varFd, hdr[:], lastOff); err != nil {
				return err
			}
			dstVarOffset = lastOff + varRecordLen(col.Type, hdr[:], 0)
		}
		dstVar, err := p.mapRW(cc, varFd, dstVarOffset+int64(len(col.OooVar)))
		if err != nil {
			return err
		}
		cc.dstFix = dstFix
		cc.dstVar = dstVar
		task.DstFixOffset = existingRows * 8
		task.DstVarOffset = dstVarOffset
	} else {
		borrowed := fileio.FileSlot{FD: -1}
		if isTimestamp {
			borrowed = req.ActiveTimestamp
		}
		fixFd, err := p.openColumnFd(ctx, cc, filepath.Join(ctx.dir, col.Name+fixFileSuffix), borrowed)
		if err != nil {
			return err
		}
		stride := int64(1) << col.Type.Pow2SizeOf()
		dstFix, err := p.mapRW(cc, fixFd, dstLen*stride)
		if err != nil {
			return err
		}
		cc.dstFix = dstFix
		task.DstFixOffset = existingRows * stride
		if col.Indexed {
			if err := p.touchIndexFiles(ctx.dir, col.Name, cc); err != nil {
				return err
			}
		}
	}
	ctx.latch.Add(1)
	p.publishCopyTask(task)
	return nil
}

func (p *Pipeline) openForMerge(ctx *partitionContext, col *table.MergeColumn, cc *columnContext, isTimestamp bool) error {
	req := ctx.req
	plan := ctx.plan
	stride := int64(1) << col.Type.Pow2SizeOf()

	top, err := p.srcDataTop(ctx, col)
	if err != nil {
		return err
	}

	var srcFix, srcVar []byte
	borrowed := fileio.FileSlot{FD: -1}
	if isTimestamp {
		borrowed = req.ActiveTimestamp
	}

	if cc.varSized {
		srcFix, srcVar, top, err = p.mergeVarSource(ctx, col, cc, top)
	} else {
		srcFix, top, err = p.mergeFixSource(ctx, col, cc, top, stride, borrowed)
	}
	if err != nil {
		return err
	}
	if top > 0 {
		// the empty space shuffles forward with the prefix; keep the top
		if err := p.writeColumnTop(ctx.txnDir, col.Name, top); err != nil {
			return err
		}
	}

	dstLen := req.OooCount + req.SrcDataMax - top

	// destination append offsets per block
	prefixLen := plan.Prefix.Len()
	topAdj := int64(0)
	if plan.Prefix.Type == BlockData {
		topAdj = top
	}
	dstFixAppendOffset1 := (prefixLen - topAdj) * stride
	dstFixAppendOffset2 := dstFixAppendOffset1 + plan.mergeLen()*stride

	var dstFix, dstVar []byte
	var dstVarAppendOffset1, dstVarAppendOffset2 int64
	if cc.varSized {
		dstFixAppendOffset1 = (prefixLen - topAdj) * 8
		dstFixAppendOffset2 = dstFixAppendOffset1 + plan.mergeLen()*8
		fixFd, err := p.openColumnFd(ctx, cc, filepath.Join(ctx.txnDir, col.Name+varFileSuffix), fileio.FileSlot{FD: -1})
		if err != nil {
			return err
		}
		if dstFix, err = p.mapRW(cc, fixFd, dstLen*8); err != nil {
			return err
		}
		varFd, err := p.openColumnFd(ctx, cc, filepath.Join(ctx.txnDir, col.Name+fixFileSuffix), fileio.FileSlot{FD: -1})
		if err != nil {
			return err
		}
		dstVarSize := int64(len(srcVar)) + int64(len(col.OooVar))
		if dstVar, err = p.mapRW(cc, varFd, dstVarSize); err != nil {
			return err
		}
		switch plan.Prefix.Type {
		case BlockOO:
			dstVarAppendOffset1 = varColumnLength(col.Type, col.OooFix, col.OooVar, plan.Prefix.Lo, plan.Prefix.Hi)
		case BlockData:
			dstVarAppendOffset1 = varColumnLength(col.Type, srcFix, srcVar, plan.Prefix.Lo, plan.Prefix.Hi-top)
		}
		dstVarAppendOffset2 = dstVarAppendOffset1
		if plan.MergeType != BlockNone {
			if plan.MergeOooLo > -1 {
				dstVarAppendOffset2 += varColumnLength(col.Type, col.OooFix, col.OooVar, plan.MergeOooLo, plan.MergeOooHi)
			}
			if plan.MergeDataLo > -1 {
				dstVarAppendOffset2 += varColumnLength(col.Type, srcFix, srcVar, plan.MergeDataLo-top, plan.MergeDataHi-top)
			}
		}
	} else {
		fixFd, err := p.openColumnFd(ctx, cc, filepath.Join(ctx.txnDir, col.Name+fixFileSuffix), fileio.FileSlot{FD: -1})
		if err != nil {
			return err
		}
		if dstFix, err = p.mapRW(cc, fixFd, dstLen*stride); err != nil {
			return err
		}
		if col.Indexed {
			if err := p.touchIndexFiles(ctx.txnDir, col.Name, cc); err != nil {
				return err
			}
		}
	}
	cc.dstFix = dstFix
	cc.dstVar = dstVar

	cc.parts.Store(plan.partCount())
	ctx.latch.Add(int64(plan.partCount()))

	blockTask := func(block BlockType, dataLo, dataHi, oooLo, oooHi, fixOff, varOff int64, mergeIdx []mergeIndexEntry) *CopyTask {
		return &CopyTask{
			Column:         cc,
			BlockType:      block,
			SrcDataFix:     srcFix,
			SrcDataVar:     srcVar,
			SrcDataLo:      dataLo,
			SrcDataHi:      dataHi,
			SrcDataTopRows: top,
			SrcOooFix:      col.OooFix,
			SrcOooVar:      col.OooVar,
			SrcOooLo:       oooLo,
			SrcOooHi:       oooHi,
			MergeIndex:     mergeIdx,
			DstFixOffset:   fixOff,
			DstVarOffset:   varOff,
		}
	}

	switch plan.Prefix.Type {
	case BlockOO:
		p.publishCopyTask(blockTask(BlockOO, 0, 0, plan.Prefix.Lo, plan.Prefix.Hi, 0, 0, nil))
	case BlockData:
		p.publishCopyTask(blockTask(BlockData, plan.Prefix.Lo, plan.Prefix.Hi, 0, 0, 0, 0, nil))
	}

	fixOff1 := dstFixAppendOffset1
	switch plan.MergeType {
	case BlockOO:
		p.publishCopyTask(blockTask(BlockOO, 0, 0, plan.MergeOooLo, plan.MergeOooHi, fixOff1, dstVarAppendOffset1, nil))
	case BlockData:
		p.publishCopyTask(blockTask(BlockData, plan.MergeDataLo, plan.MergeDataHi, 0, 0, fixOff1, dstVarAppendOffset1, nil))
	case BlockMerge:
		p.publishCopyTask(blockTask(BlockMerge, plan.MergeDataLo, plan.MergeDataHi, plan.MergeOooLo, plan.MergeOooHi, fixOff1, dstVarAppendOffset1, plan.MergeIndex))
	}

	switch plan.Suffix.Type {
	case BlockOO:
		p.publishCopyTask(blockTask(BlockOO, 0, 0, plan.Suffix.Lo, plan.Suffix.Hi, dstFixAppendOffset2, dstVarAppendOffset2, nil))
	case BlockData:
		p.publishCopyTask(blockTask(BlockData, plan.Suffix.Lo, plan.Suffix.Hi, 0, 0, dstFixAppendOffset2, dstVarAppendOffset2, nil))
	}
	return nil
}

// mergeFixSource maps the live fixed column. A column top that would be
// overwritten by the rewrite is materialised: the file is extended, the new
// region null-filled and the original bytes copied to sit after it.
func (p *Pipeline) mergeFixSource(ctx *partitionContext, col *table.MergeColumn, cc *columnContext, top, stride int64, borrowed fileio.FileSlot) ([]byte, int64, error) {
	req := ctx.req
	plan := ctx.plan
	fd, err := p.openColumnFd(ctx, cc, filepath.Join(ctx.dir, col.Name+fixFileSuffix), borrowed)
	if err != nil {
		return nil, 0, err
	}
	if top == 0 {
		m, err := p.mapRW(cc, fd, req.SrcDataMax*stride)
		if err != nil {
			return nil, 0, err
		}
		return m, 0, nil
	}
	actualBytes := (req.SrcDataMax - top) * stride
	maxBytes := req.SrcDataMax * stride
	if top > plan.Prefix.Hi || plan.Prefix.Type == BlockOO {
		// extend the existing column down, we will be discarding it anyway
		m, err := p.mapRW(cc, fd, actualBytes+maxBytes)
		if err != nil {
			return nil, 0, err
		}
		setNull(col.Type, m[actualBytes:], top)
		copy(m[maxBytes:], m[:actualBytes])
		return m[actualBytes:], 0, nil
	}
	m, err := p.mapRW(cc, fd, actualBytes)
	if err != nil {
		return nil, 0, err
	}
	return m, top, nil
}

// mergeVarSource does the same for a var column: the materialised top region
// becomes null records with index refs shifted past them.
func (p *Pipeline) mergeVarSource(ctx *partitionContext, col *table.MergeColumn, cc *columnContext, top int64) ([]byte, []byte, int64, error) {
	req := ctx.req
	plan := ctx.plan
	fixFd, err := p.openColumnFd(ctx, cc, filepath.Join(ctx.dir, col.Name+varFileSuffix), fileio.FileSlot{FD: -1})
	if err != nil {
		return nil, nil, 0, err
	}
	varFd, err := p.openColumnFd(ctx, cc, filepath.Join(ctx.dir, col.Name+fixFileSuffix), fileio.FileSlot{FD: -1})
	if err != nil {
		return nil, nil, 0, err
	}

	actualRows := req.SrcDataMax - top
	varSize := int64(0)
	if actualRows > 0 {
		fixProbe, err := p.mapRW(cc, fixFd, actualRows*8)
		if err != nil {
			return nil, nil, 0, err
		}
		lastOff := varOffsetAt(fixProbe, actualRows-1)
		var hdr [8]byte
		if _, err := p.ff.ReadAt(varFd, hdr[:], lastOff); err != nil {
			return nil, nil, 0, err
		}
		varSize = lastOff + varRecordLen(col.Type, hdr[:], 0)
		cc.maps = cc.maps[:len(cc.maps)-1]
		if err := p.ff.Munmap(fixProbe); err != nil {
			return nil, nil, 0, err
		}
	}

	if top == 0 {
		fix, err := p.mapRW(cc, fixFd, req.SrcDataMax*8)
		if err != nil {
			return nil, nil, 0, err
		}
		varData, err := p.mapRW(cc, varFd, varSize)
		if err != nil {
			return nil, nil, 0, err
		}
		return fix, varData, 0, nil
	}

	if top > plan.Prefix.Hi || plan.Prefix.Type == BlockOO {
		recLen := int64(4)
		if col.Type == table.ColumnBinary {
			recLen = 8
		}
		actualBytes := actualRows * 8
		maxBytes := req.SrcDataMax * 8
		fix, err := p.mapRW(cc, fixFd, actualBytes+maxBytes)
		if err != nil {
			return nil, nil, 0, err
		}
		nullBytes := top * recLen
		varData, err := p.mapRW(cc, varFd, varSize+nullBytes+varSize)
		if err != nil {
			return nil, nil, 0, err
		}
		// null records and their refs at the head of the logical views
		setVarNullRecords(col.Type, varData[varSize:], fix[actualBytes:], top)
		// original refs shift past the null region
		for r := int64(0); r < actualRows; r++ {
			off := varOffsetAt(fix, r)
			binary.LittleEndian.PutUint64(fix[maxBytes+r*8:], uint64(off+nullBytes))
		}
		// original payloads land after the nulls
		copy(varData[varSize+nullBytes:], varData[:varSize])
		return fix[actualBytes:], varData[varSize:], 0, nil
	}

	fix, err := p.mapRW(cc, fixFd, actualRows*8)
	if err != nil {
		return nil, nil, 0, err
	}
	varData, err := p.mapRW(cc, varFd, varSize)
	if err != nil {
		return nil, nil, 0, err
	}
	return fix, varData, top, nil
}

func (p *Pipeline) touchIndexFiles(dir, col string, cc *columnContext) error {
	for _, suffix := range []string{keyFileSuffix, valFileSuffix} {
		fd, err := p.ff.OpenRW(filepath.Join(dir, col+suffix))
		if err != nil {
			return err
		}
		cc.trackFd(fileio.Owned(fd))
	}
	return nil
}
