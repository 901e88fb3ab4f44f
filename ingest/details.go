package ingest

import (
	"sync/atomic"

	"github.com/gigapi/linepipe/table"
	"go.uber.org/zap"
)

// TableUpdateDetails is the per-table state shared between the catalog of
// the scheduler, the I/O workers' local caches and the owning writer thread.
type TableUpdateDetails struct {
	sched     *Scheduler
	tableName string

	// threadID is only modified by the scheduler under the catalog write
	// lock or by the "from" writer during a rebalance handshake.
	threadID atomic.Int32

	// nUpdates counts rows since the last rebalance. It is incremented by
	// multiple I/O workers without synchronisation; the rebalancer consumes
	// the racy value deliberately, it only picks candidates with it.
	nUpdates int64

	writer       *table.Writer
	nUncommitted int

	localDetails  []*ThreadLocalDetails
	assignedToJob bool

	lastMeasurementReceivedEpochMs atomic.Int64
	nNetworkIoWorkers              int
}

func newTableUpdateDetails(sched *Scheduler, tableName string, threadID int32) *TableUpdateDetails {
	t := &TableUpdateDetails{
		sched:     sched,
		tableName: tableName,
	}
	t.threadID.Store(threadID)
	t.lastMeasurementReceivedEpochMs.Store(int64(1<<63 - 1))
	t.localDetails = make([]*ThreadLocalDetails, len(sched.netIoJobs))
	for i, job := range sched.netIoJobs {
		t.localDetails[i] = newThreadLocalDetails(t, job.unusedSymbolCaches())
	}
	return t
}

func (t *TableUpdateDetails) Name() string { return t.tableName }

func (t *TableUpdateDetails) writerThreadID() int32 { return t.threadID.Load() }

func (t *TableUpdateDetails) getWriter() (*table.Writer, error) {
	if t.writer == nil {
		w, err := t.sched.engine.GetWriter(t.tableName)
		if err != nil {
			return nil, err
		}
		t.writer = w
	}
	return t.writer, nil
}

func (t *TableUpdateDetails) handleRowAppended() error {
	t.nUncommitted++
	if t.nUncommitted >= t.sched.maxUncommittedRows {
		t.nUncommitted = 0
		return t.writer.CommitWithLag(t.sched.commitLagUs)
	}
	return nil
}

func (t *TableUpdateDetails) handleWriterThreadMaintenance() error {
	if (t.nUncommitted > 0 || t.sched.commitLagUs > 0) && t.writer != nil {
		t.nUncommitted = 0
		return t.writer.Commit()
	}
	return nil
}

func (t *TableUpdateDetails) handleWriterRelease() error {
	if t.writer == nil {
		return nil
	}
	t.nUncommitted = 0
	err := t.writer.Close()
	t.writer = nil
	return err
}

// switchThreads is run by the "from" writer as its half of the rebalance
// handshake: commit, close, let the table be re-adopted.
func (t *TableUpdateDetails) switchThreads() error {
	t.assignedToJob = false
	return t.handleWriterRelease()
}

func (t *TableUpdateDetails) startNewMeasurementEvent(workerID int) *ThreadLocalDetails {
	t.lastMeasurementReceivedEpochMs.Store(t.sched.milliClock.Now().UnixMilli())
	return t.localDetails[workerID]
}

func (t *TableUpdateDetails) symbolIndex(local *ThreadLocalDetails, colIndex int, value []byte) int32 {
	if colIndex >= 0 {
		return local.symbolIndex(colIndex, value)
	}
	return table.SymbolNotFound
}

func (t *TableUpdateDetails) close() {
	if err := t.handleWriterRelease(); err != nil {
		t.sched.log.Error("could not close table writer",
			zap.String("table", t.tableName), zap.Error(err))
	}
	for _, local := range t.localDetails {
		local.clear()
	}
}

// ThreadLocalDetails is a single I/O worker's view of one table: column
// indexes and symbol caches, refreshed from catalog reader snapshots.
type ThreadLocalDetails struct {
	tab               *TableUpdateDetails
	columnIndexByName map[string]int
	symbolCaches      []*SymbolCache
	unused            *[]*SymbolCache
}

func newThreadLocalDetails(tab *TableUpdateDetails, unused *[]*SymbolCache) *ThreadLocalDetails {
	return &ThreadLocalDetails{
		tab:               tab,
		columnIndexByName: make(map[string]int),
		unused:            unused,
	}
}

func (d *ThreadLocalDetails) columnIndex(name []byte) int {
	if idx, ok := d.columnIndexByName[string(name)]; ok {
		return idx
	}
	reader, err := d.tab.sched.engine.GetReader(d.tab.tableName)
	if err != nil {
		return -1
	}
	meta := reader.Metadata()
	idx := meta.ColumnIndex(string(name))
	if idx < 0 {
		return -1
	}
	// re-cache all column names once
	clear(d.columnIndexByName)
	for i := 0; i < meta.ColumnCount(); i++ {
		d.columnIndexByName[meta.ColumnName(i)] = i
	}
	return idx
}

func (d *ThreadLocalDetails) symbolIndex(colIndex int, value []byte) int32 {
	for len(d.symbolCaches) <= colIndex {
		d.symbolCaches = append(d.symbolCaches, nil)
	}
	cache := d.symbolCaches[colIndex]
	if cache == nil {
		if n := len(*d.unused); n > 0 {
			cache = (*d.unused)[n-1]
			*d.unused = (*d.unused)[:n-1]
			cache.reset(d.tab, colIndex)
		} else {
			cache = newSymbolCache(d.tab, colIndex)
		}
		d.symbolCaches[colIndex] = cache
	}
	return cache.symIndex(value)
}

func (d *ThreadLocalDetails) clear() {
	clear(d.columnIndexByName)
	for _, cache := range d.symbolCaches {
		if cache != nil {
			*d.unused = append(*d.unused, cache)
		}
	}
	d.symbolCaches = d.symbolCaches[:0]
}

// SymbolCache resolves tag values against the committed symbol dictionary
// of one column. Misses reload the dictionary once before giving up, so a
// value committed by the writer thread becomes cacheable on the next line.
type SymbolCache struct {
	tab      *TableUpdateDetails
	colIndex int
	symbols  *table.SymbolTable
}

func newSymbolCache(tab *TableUpdateDetails, colIndex int) *SymbolCache {
	return &SymbolCache{tab: tab, colIndex: colIndex}
}

func (c *SymbolCache) reset(tab *TableUpdateDetails, colIndex int) {
	c.tab = tab
	c.colIndex = colIndex
	c.symbols = nil
}

func (c *SymbolCache) symIndex(value []byte) int32 {
	if c.symbols != nil {
		if idx := c.symbols.IndexOf(value); idx != table.SymbolNotFound {
			return idx
		}
	}
	reader, err := c.tab.sched.engine.GetReader(c.tab.tableName)
	if err != nil {
		return table.SymbolNotFound
	}
	symbols, err := reader.SymbolTable(c.colIndex)
	if err != nil {
		return table.SymbolNotFound
	}
	c.symbols = symbols
	return c.symbols.IndexOf(value)
}
