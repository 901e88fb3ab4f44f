package table

import (
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"sort"

	"github.com/gigapi/linepipe/fileio"
	"go.uber.org/zap"
)

const defaultPartitionName = "default"

const (
	fixFileSuffix = ".d"
	varFileSuffix = ".i"
	topFileSuffix = ".top"
)

// columnBuffer accumulates one column's uncommitted rows. Fixed columns pack
// values into pendingFix at the type's stride; variable columns keep payload
// records in pendingVar with per-row start offsets in pendingOff.
type columnBuffer struct {
	meta ColumnMeta
	top  int64

	fixFd   int
	varFd   int
	fixSize int64
	varSize int64

	symbols *SymbolTable

	pendingFix []byte
	pendingVar []byte
	pendingOff []int64

	rowStartFix int
	rowStartVar int
	rowStartOff int
	setInRow    bool
}

func (cb *columnBuffer) stride() int {
	return 1 << cb.meta.Type.Pow2SizeOf()
}

// Writer appends rows to a table. It is owned by exactly one writer thread at
// a time; the catalog enforces the checkout.
type Writer struct {
	catalog *Catalog
	name    string
	meta    *Metadata
	dir     string
	part    string
	ff      fileio.Facade
	merger  PartitionMerger
	log     *zap.Logger

	columns      []*columnBuffer
	rowCount     int64
	maxTimestamp int64
	txn          uint64

	pendingTs   []int64
	pendingRows int64

	row    Row
	closed bool
}

func openWriter(c *Catalog, name string) (*Writer, error) {
	dir := c.tableDir(name)
	meta, err := readMetadata(c.ff, filepath.Join(dir, metaFileName))
	if err != nil {
		return nil, fmt.Errorf("open writer %q: %w", name, err)
	}
	w := &Writer{
		catalog:      c,
		name:         name,
		meta:         meta,
		dir:          dir,
		part:         filepath.Join(dir, defaultPartitionName),
		ff:           c.ff,
		merger:       c.merger,
		log:          c.log,
		maxTimestamp: math.MinInt64,
	}
	for i := range meta.Columns {
		w.columns = append(w.columns, &columnBuffer{meta: meta.Columns[i], fixFd: -1, varFd: -1})
	}
	if err := w.loadPartitionState(); err != nil {
		return nil, err
	}
	w.row.w = w
	return w, nil
}

func (w *Writer) Name() string        { return w.name }
func (w *Writer) Metadata() *Metadata { return w.meta }
func (w *Writer) RowCount() int64     { return w.rowCount + w.pendingRows }

func (w *Writer) fixPath(col string) string { return filepath.Join(w.part, col+fixFileSuffix) }
func (w *Writer) varPath(col string) string { return filepath.Join(w.part, col+varFileSuffix) }
func (w *Writer) topPath(col string) string { return filepath.Join(w.part, col+topFileSuffix) }

// loadPartitionState derives the committed row count and max timestamp from
// the designated timestamp column, and column tops from their .top files.
func (w *Writer) loadPartitionState() error {
	ts := w.columns[w.meta.TimestampIndex]
	if err := w.openColumnFiles(ts); err != nil {
		return err
	}
	w.rowCount = ts.fixSize >> 3
	if w.rowCount > 0 {
		var buf [8]byte
		if _, err := w.ff.ReadAt(ts.fixFd, buf[:], ts.fixSize-8); err != nil {
			return err
		}
		w.maxTimestamp = int64(binary.LittleEndian.Uint64(buf[:]))
	}
	for _, cb := range w.columns {
		cb.top = w.readColumnTop(cb.meta.Name)
	}
	return nil
}

func (w *Writer) readColumnTop(col string) int64 {
	path := w.topPath(col)
	if !w.ff.Exists(path) {
		return 0
	}
	fd, err := w.ff.OpenRW(path)
	if err != nil {
		return 0
	}
	defer w.ff.Close(fd)
	var buf [8]byte
	if _, err := w.ff.ReadAt(fd, buf[:], 0); err != nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(buf[:]))
}

func (w *Writer) openColumnFiles(cb *columnBuffer) error {
	if cb.fixFd >= 0 {
		return nil
	}
	var err error
	if cb.meta.Type.IsVariableSize() {
		// .i holds the fixed-size offsets, .d the payloads
		if cb.fixFd, err = w.ff.OpenRW(w.varPath(cb.meta.Name)); err != nil {
			return err
		}
		if cb.varFd, err = w.ff.OpenRW(w.fixPath(cb.meta.Name)); err != nil {
			return err
		}
		if cb.varSize, err = w.ff.Length(cb.varFd); err != nil {
			return err
		}
	} else {
		if cb.fixFd, err = w.ff.OpenRW(w.fixPath(cb.meta.Name)); err != nil {
			return err
		}
	}
	if cb.fixSize, err = w.ff.Length(cb.fixFd); err != nil {
		return err
	}
	if cb.meta.Type == ColumnSymbol && cb.symbols == nil {
		cb.symbols = NewSymbolTable(64)
		if err := cb.symbols.load(w.ff, symbolFileName(w.part, cb.meta.Name)); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) closeColumnFiles() {
	for _, cb := range w.columns {
		if cb.fixFd >= 0 {
			w.ff.Close(cb.fixFd)
			cb.fixFd = -1
		}
		if cb.varFd >= 0 {
			w.ff.Close(cb.varFd)
			cb.varFd = -1
		}
	}
}

// Row is the open-row handle. Put methods stage values; Append seals the row
// and Cancel rolls every column back to the row start.
type Row struct {
	w    *Writer
	ts   int64
	open bool
}

func (w *Writer) NewRow(ts int64) *Row {
	for _, cb := range w.columns {
		cb.rowStartFix = len(cb.pendingFix)
		cb.rowStartVar = len(cb.pendingVar)
		cb.rowStartOff = len(cb.pendingOff)
		cb.setInRow = false
	}
	w.row.ts = ts
	w.row.open = true
	return &w.row
}

func (r *Row) col(i int) *columnBuffer { return r.w.columns[i] }

func (r *Row) PutLong(i int, v int64) {
	cb := r.col(i)
	cb.pendingFix = binary.LittleEndian.AppendUint64(cb.pendingFix, uint64(v))
	cb.setInRow = true
}

func (r *Row) PutTimestamp(i int, v int64) { r.PutLong(i, v) }
func (r *Row) PutDate(i int, v int64)      { r.PutLong(i, v) }

func (r *Row) PutInt(i int, v int32) {
	cb := r.col(i)
	cb.pendingFix = binary.LittleEndian.AppendUint32(cb.pendingFix, uint32(v))
	cb.setInRow = true
}

func (r *Row) PutShort(i int, v int16) {
	cb := r.col(i)
	cb.pendingFix = binary.LittleEndian.AppendUint16(cb.pendingFix, uint16(v))
	cb.setInRow = true
}

func (r *Row) PutByte(i int, v int8) {
	cb := r.col(i)
	cb.pendingFix = append(cb.pendingFix, byte(v))
	cb.setInRow = true
}

func (r *Row) PutBool(i int, v bool) {
	cb := r.col(i)
	if v {
		cb.pendingFix = append(cb.pendingFix, 1)
	} else {
		cb.pendingFix = append(cb.pendingFix, 0)
	}
	cb.setInRow = true
}

func (r *Row) PutFloat(i int, v float32) {
	cb := r.col(i)
	cb.pendingFix = binary.LittleEndian.AppendUint32(cb.pendingFix, math.Float32bits(v))
	cb.setInRow = true
}

func (r *Row) PutDouble(i int, v float64) {
	cb := r.col(i)
	cb.pendingFix = binary.LittleEndian.AppendUint64(cb.pendingFix, math.Float64bits(v))
	cb.setInRow = true
}

func (r *Row) PutSymIndex(i int, idx int32) {
	cb := r.col(i)
	cb.pendingFix = binary.LittleEndian.AppendUint32(cb.pendingFix, uint32(idx))
	cb.setInRow = true
}

func (r *Row) PutStr(i int, v []byte) {
	cb := r.col(i)
	cb.pendingOff = append(cb.pendingOff, int64(len(cb.pendingVar)))
	cb.pendingVar = binary.LittleEndian.AppendUint32(cb.pendingVar, uint32(len(v)))
	cb.pendingVar = append(cb.pendingVar, v...)
	cb.setInRow = true
}

func (r *Row) PutLong256(i int, v []byte) { r.PutStr(i, v) }

func (r *Row) Cancel() {
	for _, cb := range r.w.columns {
		cb.pendingFix = cb.pendingFix[:cb.rowStartFix]
		cb.pendingVar = cb.pendingVar[:cb.rowStartVar]
		cb.pendingOff = cb.pendingOff[:cb.rowStartOff]
		cb.setInRow = false
	}
	r.open = false
}

func (r *Row) Append() {
	w := r.w
	for i, cb := range w.columns {
		if i == w.meta.TimestampIndex {
			continue
		}
		if !cb.setInRow {
			appendPendingNull(cb)
		}
	}
	ts := w.columns[w.meta.TimestampIndex]
	ts.pendingFix = binary.LittleEndian.AppendUint64(ts.pendingFix, uint64(r.ts))
	w.pendingTs = append(w.pendingTs, r.ts)
	w.pendingRows++
	r.open = false
}

func appendPendingNull(cb *columnBuffer) {
	switch cb.meta.Type {
	case ColumnBoolean, ColumnByte:
		cb.pendingFix = append(cb.pendingFix, 0)
	case ColumnShort, ColumnChar:
		cb.pendingFix = binary.LittleEndian.AppendUint16(cb.pendingFix, 0)
	case ColumnInt:
		cb.pendingFix = binary.LittleEndian.AppendUint32(cb.pendingFix, uint32(IntNull))
	case ColumnFloat:
		cb.pendingFix = binary.LittleEndian.AppendUint32(cb.pendingFix, math.Float32bits(float32(math.NaN())))
	case ColumnSymbol:
		cb.pendingFix = binary.LittleEndian.AppendUint32(cb.pendingFix, uint32(SymbolNull))
	case ColumnLong, ColumnDate, ColumnTimestamp:
		cb.pendingFix = binary.LittleEndian.AppendUint64(cb.pendingFix, uint64(LongNull))
	case ColumnDouble:
		cb.pendingFix = binary.LittleEndian.AppendUint64(cb.pendingFix, math.Float64bits(math.NaN()))
	case ColumnBinary:
		cb.pendingOff = append(cb.pendingOff, int64(len(cb.pendingVar)))
		cb.pendingVar = binary.LittleEndian.AppendUint64(cb.pendingVar, uint64(0xffffffffffffffff))
	default:
		// string-like null record
		cb.pendingOff = append(cb.pendingOff, int64(len(cb.pendingVar)))
		cb.pendingVar = binary.LittleEndian.AppendUint32(cb.pendingVar, uint32(0xffffffff))
	}
}

// SymbolIndex resolves or adds a dictionary entry for a symbol column.
func (w *Writer) SymbolIndex(colIndex int, value []byte) (int32, error) {
	cb := w.columns[colIndex]
	if cb.meta.Type != ColumnSymbol {
		return SymbolNotFound, fmt.Errorf("column %q is not a symbol", cb.meta.Name)
	}
	if err := w.openColumnFiles(cb); err != nil {
		return SymbolNotFound, err
	}
	return cb.symbols.Put(value), nil
}

// AddColumn appends a column to the table. No row may be open; the writer
// job cancels the open row before calling this.
func (w *Writer) AddColumn(name string, colType ColumnType) error {
	if !IsValidColumnName(name) {
		return fmt.Errorf("invalid column name [table=%s, columnName=%s]", w.name, name)
	}
	if w.meta.ColumnIndex(name) >= 0 {
		return fmt.Errorf("column already exists [table=%s, columnName=%s]", w.name, name)
	}
	cm := ColumnMeta{Name: name, Type: colType}
	w.meta.Columns = append(w.meta.Columns, cm)
	cb := &columnBuffer{meta: cm, fixFd: -1, varFd: -1, top: w.rowCount}
	// pad rows already pending in this commit window
	for i := int64(0); i < w.pendingRows; i++ {
		appendPendingNull(cb)
	}
	w.columns = append(w.columns, cb)
	if err := writeMetadata(w.ff, filepath.Join(w.dir, metaFileName), w.meta); err != nil {
		return err
	}
	if cb.top > 0 {
		if err := w.writeColumnTop(name, cb.top); err != nil {
			return err
		}
	}
	w.log.Info("column added",
		zap.String("table", w.name),
		zap.String("column", name),
		zap.String("type", colType.String()))
	return nil
}

func (w *Writer) writeColumnTop(col string, top int64) error {
	fd, err := w.ff.OpenRW(w.topPath(col))
	if err != nil {
		return err
	}
	defer w.ff.Close(fd)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(top))
	_, err = w.ff.WriteAt(fd, buf[:], 0)
	return err
}

func (w *Writer) Commit() error {
	return w.commit(0)
}

// CommitWithLag commits rows older than maxPendingTs-lagUs and keeps the
// young tail pending, amortising partition I/O for hot tables.
func (w *Writer) CommitWithLag(lagUs int64) error {
	return w.commit(lagUs)
}

func (w *Writer) commit(lagUs int64) error {
	if w.pendingRows == 0 {
		return nil
	}
	for _, cb := range w.columns {
		if err := w.openColumnFiles(cb); err != nil {
			return err
		}
		if cb.symbols != nil {
			if err := cb.symbols.flush(w.ff, symbolFileName(w.part, cb.meta.Name)); err != nil {
				return err
			}
		}
	}

	commitIdx, keepIdx := w.splitByLag(lagUs)
	if len(commitIdx) == 0 {
		return nil
	}

	inOrder := true
	last := w.maxTimestamp
	for _, i := range commitIdx {
		if w.pendingTs[i] < last {
			inOrder = false
			break
		}
		last = w.pendingTs[i]
	}

	var err error
	if inOrder {
		err = w.appendCommit(commitIdx)
	} else {
		err = w.mergeCommit(commitIdx)
	}
	if err != nil {
		return err
	}
	w.retainPending(keepIdx)
	return nil
}

// splitByLag partitions pending row indexes into those to commit now and
// those still inside the lag window.
func (w *Writer) splitByLag(lagUs int64) (commit, keep []int64) {
	if lagUs <= 0 {
		commit = make([]int64, w.pendingRows)
		for i := range commit {
			commit[i] = int64(i)
		}
		return commit, nil
	}
	maxTs := w.pendingTs[0]
	for _, ts := range w.pendingTs[1:] {
		if ts > maxTs {
			maxTs = ts
		}
	}
	cutoff := maxTs - lagUs
	for i := int64(0); i < w.pendingRows; i++ {
		if w.pendingTs[i] <= cutoff {
			commit = append(commit, i)
		} else {
			keep = append(keep, i)
		}
	}
	return commit, keep
}

// gather builds contiguous column data for the given pending row indexes.
func (cb *columnBuffer) gather(idx []int64) (fix, varData []byte) {
	if cb.meta.Type.IsVariableSize() {
		fix = make([]byte, 0, len(idx)*8)
		for _, i := range idx {
			start := cb.pendingOff[i]
			end := int64(len(cb.pendingVar))
			if int(i+1) < len(cb.pendingOff) {
				end = cb.pendingOff[i+1]
			}
			fix = binary.LittleEndian.AppendUint64(fix, uint64(len(varData)))
			varData = append(varData, cb.pendingVar[start:end]...)
		}
		return fix, varData
	}
	stride := int64(cb.stride())
	fix = make([]byte, 0, int64(len(idx))*stride)
	for _, i := range idx {
		fix = append(fix, cb.pendingFix[i*stride:(i+1)*stride]...)
	}
	return fix, nil
}

func (w *Writer) appendCommit(idx []int64) error {
	for _, cb := range w.columns {
		fix, varData := cb.gather(idx)
		if cb.meta.Type.IsVariableSize() {
			// rebase offsets onto the existing blob
			for i := 0; i < len(fix); i += 8 {
				rel := binary.LittleEndian.Uint64(fix[i:])
				binary.LittleEndian.PutUint64(fix[i:], rel+uint64(cb.varSize))
			}
			if _, err := w.ff.WriteAt(cb.varFd, varData, cb.varSize); err != nil {
				return err
			}
			cb.varSize += int64(len(varData))
		}
		if _, err := w.ff.WriteAt(cb.fixFd, fix, cb.fixSize); err != nil {
			return err
		}
		cb.fixSize += int64(len(fix))
	}
	w.rowCount += int64(len(idx))
	w.maxTimestamp = w.pendingTs[idx[len(idx)-1]]
	return nil
}

// mergeCommit sorts the commit set by timestamp and hands it to the merge
// pipeline, which rewrites the partition and swaps it in.
func (w *Writer) mergeCommit(idx []int64) error {
	sorted := make([]int64, len(idx))
	copy(sorted, idx)
	sort.SliceStable(sorted, func(a, b int) bool {
		return w.pendingTs[sorted[a]] < w.pendingTs[sorted[b]]
	})

	oooTs := make([]int64, len(sorted))
	for i, r := range sorted {
		oooTs[i] = w.pendingTs[r]
	}

	w.txn++
	req := w.buildMergeRequest(sorted, oooTs)

	tsFd := w.columns[w.meta.TimestampIndex].fixFd
	req.ActiveTimestamp = fileio.Borrowed(tsFd)

	err := w.merger.MergePartition(req)
	// partition files were swapped (or the merge failed); either way the
	// cached descriptors are stale
	w.closeColumnFiles()
	if err != nil {
		return fmt.Errorf("merge commit [table=%s, txn=%d]: %w", w.name, w.txn, err)
	}
	w.rowCount += int64(len(sorted))
	if last := oooTs[len(oooTs)-1]; last > w.maxTimestamp {
		w.maxTimestamp = last
	}
	for _, cb := range w.columns {
		cb.top = w.readColumnTop(cb.meta.Name)
		cb.symbols = nil
	}
	return nil
}

func (w *Writer) buildMergeRequest(sorted []int64, oooTs []int64) *MergeRequest {
	req := &MergeRequest{
		TableName:      w.name,
		PartitionDir:   w.part,
		Txn:            w.txn,
		SrcDataMax:     w.rowCount,
		OooCount:       int64(len(sorted)),
		OooTimestamps:  oooTs,
		TimestampIndex: w.meta.TimestampIndex,
		LastPartition:  true,
	}
	for _, cb := range w.columns {
		fix, varData := cb.gather(sorted)
		req.Columns = append(req.Columns, MergeColumn{
			Name:    cb.meta.Name,
			Type:    cb.meta.Type,
			Indexed: cb.meta.Indexed,
			Top:     cb.top,
			OooFix:  fix,
			OooVar:  varData,
		})
	}
	return req
}

// retainPending rebuilds the pending buffers from the kept row indexes.
func (w *Writer) retainPending(keep []int64) {
	if len(keep) == 0 {
		for _, cb := range w.columns {
			cb.pendingFix = cb.pendingFix[:0]
			cb.pendingVar = cb.pendingVar[:0]
			cb.pendingOff = cb.pendingOff[:0]
		}
		w.pendingTs = w.pendingTs[:0]
		w.pendingRows = 0
		return
	}
	for _, cb := range w.columns {
		fix, varData := cb.gather(keep)
		if cb.meta.Type.IsVariableSize() {
			off := make([]int64, len(keep))
			for i := range keep {
				off[i] = int64(binary.LittleEndian.Uint64(fix[i*8:]))
			}
			cb.pendingOff = off
			cb.pendingVar = varData
			cb.pendingFix = cb.pendingFix[:0]
		} else {
			cb.pendingFix = fix
			cb.pendingVar = cb.pendingVar[:0]
			cb.pendingOff = cb.pendingOff[:0]
		}
	}
	ts := make([]int64, len(keep))
	for i, r := range keep {
		ts[i] = w.pendingTs[r]
	}
	w.pendingTs = ts
	w.pendingRows = int64(len(keep))
}

func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.Commit()
	w.closeColumnFiles()
	w.catalog.releaseWriter(w.name)
	return err
}
