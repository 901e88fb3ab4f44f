package ingest

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/gigapi/linepipe/lineproto"
	"github.com/gigapi/linepipe/ring"
	"github.com/gigapi/linepipe/table"
	"go.uber.org/zap"
)

// WriterJob drains the dispatch queue on one pinned writer thread, applying
// data events for its tables and participating in rebalance handshakes.
type WriterJob struct {
	sched    *Scheduler
	workerID int32
	seq      *ring.SCSequence

	assignedTables    []*TableUpdateDetails
	lastMaintenanceMs int64
}

func newWriterJob(sched *Scheduler, workerID int, seq *ring.SCSequence) *WriterJob {
	return &WriterJob{
		sched:    sched,
		workerID: int32(workerID),
		seq:      seq,
	}
}

func (j *WriterJob) Run(workerID int) bool {
	busy := j.drainQueue()
	j.doMaintenance()
	return busy
}

func (j *WriterJob) Close() error {
	j.sched.log.Info("line protocol writer closing", zap.Int32("threadId", j.workerID))
	// finish the remaining queue depth before stopping
	for n := 0; n < j.sched.queue.Capacity(); n++ {
		if !j.Run(int(j.workerID)) {
			break
		}
	}
	for _, tab := range j.assignedTables {
		tab.close()
	}
	j.assignedTables = nil
	return nil
}

func (j *WriterJob) doMaintenance() {
	millis := j.sched.milliClock.Now().UnixMilli()
	if millis-j.lastMaintenanceMs < j.sched.maintenanceIntervalMs {
		return
	}
	j.lastMaintenanceMs = millis
	for _, tab := range j.assignedTables {
		if err := tab.handleWriterThreadMaintenance(); err != nil {
			j.sched.log.Error("maintenance commit failed",
				zap.String("table", tab.tableName), zap.Error(err))
		}
	}
}

func (j *WriterJob) drainQueue() bool {
	busy := false
	for {
		cursor, status := j.seq.Next()
		if status == ring.Empty {
			return busy
		}
		busy = true
		event := *j.sched.queue.Get(cursor)

		eventProcessed := true
		if event.ThreadID == j.workerID {
			tab := event.tab
			if !tab.assignedToJob {
				j.assignedTables = append(j.assignedTables, tab)
				tab.assignedToJob = true
				j.sched.log.Info("assigned table to writer thread",
					zap.String("table", tab.tableName),
					zap.Int32("threadId", j.workerID))
			}
			j.processMeasurementEvent(event)
		} else {
			switch event.ThreadID {
			case EventRebalance:
				eventProcessed = j.processRebalance(event)
			case EventReleaseWriter:
				eventProcessed = j.processReleaseWriter(event)
			}
		}

		// withholding the cursor forces the sequence to hand back the same
		// slot until the rebalance handshake completes
		if !eventProcessed {
			return false
		}
		j.seq.Done(cursor)
	}
}

func (j *WriterJob) processRebalance(event *Event) bool {
	if event.rebalanceTo == j.workerID {
		// this thread is the declared owner but only becomes the actual
		// owner once the old one is fully done; the handshake bit is the
		// release/acquire boundary between the two
		if event.releasedByFrom.Load() {
			j.sched.log.Info("rebalance cycle, new thread ready",
				zap.Int32("threadId", j.workerID),
				zap.String("table", event.tab.tableName))
			return true
		}
		return false
	}

	if event.rebalanceFrom == j.workerID {
		for i, tab := range j.assignedTables {
			if tab == event.tab {
				j.assignedTables = append(j.assignedTables[:i], j.assignedTables[i+1:]...)
				break
			}
		}
		if err := event.tab.switchThreads(); err != nil {
			j.sched.log.Error("rebalance commit failed",
				zap.String("table", event.tab.tableName), zap.Error(err))
		}
		j.sched.log.Info("rebalance cycle, old thread finished",
			zap.Int32("threadId", j.workerID),
			zap.String("table", event.tab.tableName))
		event.releasedByFrom.Store(true)
	}
	return true
}

func (j *WriterJob) processReleaseWriter(event *Event) bool {
	j.sched.tudLock.RLock()
	defer j.sched.tudLock.RUnlock()
	tab := event.tab
	if tab.writerThreadID() != j.workerID {
		return true
	}
	if j.sched.isActive(tab.tableName) {
		// the table was re-assigned to an IO thread before we got here
		return true
	}
	j.sched.log.Info("releasing writer",
		zap.String("table", tab.tableName),
		zap.Int64("idleSinceMs", tab.lastMeasurementReceivedEpochMs.Load()))
	if err := tab.handleWriterRelease(); err != nil {
		j.sched.log.Error("writer release failed",
			zap.String("table", tab.tableName), zap.Error(err))
	}
	return true
}

func (j *WriterJob) processMeasurementEvent(event *Event) {
	tab := event.tab
	writer, err := tab.getWriter()
	if err != nil {
		j.sched.log.Error("could not acquire table writer",
			zap.String("table", tab.tableName), zap.Error(err))
		return
	}
	if err := j.applyMeasurementEvent(event, tab, writer); err != nil {
		j.sched.log.Error("could not write line protocol measurement",
			zap.String("table", tab.tableName), zap.Error(err))
	}
}

// applyMeasurementEvent decodes the slot buffer and appends the row. A
// reference to an unknown column cancels the open row, creates the column
// and restarts the decode from the first entity at the same timestamp.
func (j *WriterJob) applyMeasurementEvent(event *Event, tab *TableUpdateDetails, writer *table.Writer) error {
	buf := event.buf[:event.n]
	timestamp := int64(binary.LittleEndian.Uint64(buf))
	if timestamp == lineproto.NullTimestamp {
		timestamp = j.sched.microClock.Now().UnixMicro()
	}
	nEntities := int(int32(binary.LittleEndian.Uint32(buf[8:])))
	firstEntityPos := 12

	row := writer.NewRow(timestamp)
	pos := firstEntityPos
	for nEntity := 0; nEntity < nEntities; nEntity++ {
		colIndex := int(int32(binary.LittleEndian.Uint32(buf[pos:])))
		pos += 4
		var entityType uint8
		if colIndex >= 0 {
			entityType = buf[pos]
			pos++
		} else {
			nameLen := -colIndex
			name := buf[pos : pos+nameLen]
			pos += nameLen
			entityType = buf[pos]
			pos++
			if !utf8.Valid(name) {
				row.Cancel()
				return fmt.Errorf("invalid UTF8 in column name %q", name)
			}
			colIndex = writer.Metadata().ColumnIndex(string(name))
			if colIndex < 0 {
				// cannot create a column with an open row; the writer pads
				// rows already pending in the commit window with nulls
				row.Cancel()
				if !table.IsValidColumnName(string(name)) {
					return fmt.Errorf("invalid column name [table=%s, columnName=%s]", writer.Name(), name)
				}
				if err := writer.AddColumn(string(name), table.DefaultColumnTypes[entityType]); err != nil {
					return err
				}
				// restart from the first entity
				pos = firstEntityPos
				nEntity = -1
				row = writer.NewRow(timestamp)
				continue
			}
		}

		colType := writer.Metadata().ColumnType(colIndex)
		var err error
		pos, err = applyEntity(row, buf, pos, entityType, colIndex, colType, writer)
		if err != nil {
			row.Cancel()
			return err
		}
	}
	row.Append()
	return tab.handleRowAppended()
}

func applyEntity(row *table.Row, buf []byte, pos int, entityType uint8, colIndex int, colType table.ColumnType, writer *table.Writer) (int, error) {
	switch entityType {
	case lineproto.EntityTag:
		l := int(binary.LittleEndian.Uint32(buf[pos:]))
		pos += 4
		value := buf[pos : pos+l]
		pos += l
		if colType != table.ColumnSymbol {
			return pos, fmt.Errorf("expected a line protocol tag [columnIndex=%d, type=%s]", colIndex, colType)
		}
		symIndex, err := writer.SymbolIndex(colIndex, value)
		if err != nil {
			return pos, err
		}
		row.PutSymIndex(colIndex, symIndex)

	case lineproto.EntityCachedTag:
		symIndex := int32(binary.LittleEndian.Uint32(buf[pos:]))
		pos += 4
		if colType != table.ColumnSymbol {
			return pos, fmt.Errorf("expected a line protocol tag [columnIndex=%d, type=%s]", colIndex, colType)
		}
		row.PutSymIndex(colIndex, symIndex)

	case lineproto.EntityInteger:
		v := int64(binary.LittleEndian.Uint64(buf[pos:]))
		pos += 8
		switch colType {
		case table.ColumnLong:
			row.PutLong(colIndex, v)
		case table.ColumnInt:
			if v < math.MinInt32 || v > math.MaxInt32 {
				return pos, fmt.Errorf("line protocol integer is out of int bounds [columnIndex=%d, v=%d]", colIndex, v)
			}
			row.PutInt(colIndex, int32(v))
		case table.ColumnShort:
			if v < math.MinInt16 || v > math.MaxInt16 {
				return pos, fmt.Errorf("line protocol integer is out of short bounds [columnIndex=%d, v=%d]", colIndex, v)
			}
			row.PutShort(colIndex, int16(v))
		case table.ColumnByte:
			if v < math.MinInt8 || v > math.MaxInt8 {
				return pos, fmt.Errorf("line protocol integer is out of byte bounds [columnIndex=%d, v=%d]", colIndex, v)
			}
			row.PutByte(colIndex, int8(v))
		case table.ColumnTimestamp:
			row.PutTimestamp(colIndex, v)
		case table.ColumnDate:
			row.PutDate(colIndex, v)
		default:
			return pos, fmt.Errorf("expected a line protocol integer [columnIndex=%d, type=%s]", colIndex, colType)
		}

	case lineproto.EntityFloat:
		v := math.Float64frombits(binary.LittleEndian.Uint64(buf[pos:]))
		pos += 8
		switch colType {
		case table.ColumnDouble:
			row.PutDouble(colIndex, v)
		case table.ColumnFloat:
			row.PutFloat(colIndex, float32(v))
		default:
			return pos, fmt.Errorf("expected a line protocol float [columnIndex=%d, type=%s]", colIndex, colType)
		}

	case lineproto.EntityBoolean:
		b := buf[pos]
		pos++
		if colType != table.ColumnBoolean {
			return pos, fmt.Errorf("expected a line protocol boolean [columnIndex=%d, type=%s]", colIndex, colType)
		}
		row.PutBool(colIndex, b == 1)

	case lineproto.EntityString:
		l := int(binary.LittleEndian.Uint32(buf[pos:]))
		pos += 4
		value := buf[pos : pos+l]
		pos += l
		if colType != table.ColumnString {
			return pos, fmt.Errorf("expected a line protocol string [columnIndex=%d, type=%s]", colIndex, colType)
		}
		row.PutStr(colIndex, value)

	case lineproto.EntityLong256:
		l := int(binary.LittleEndian.Uint32(buf[pos:]))
		pos += 4
		value := buf[pos : pos+l]
		pos += l
		if colType != table.ColumnLong256 {
			return pos, fmt.Errorf("expected a line protocol long256 [columnIndex=%d, type=%s]", colIndex, colType)
		}
		row.PutLong256(colIndex, value)

	default:
		return pos, fmt.Errorf("entity type %d is not implemented", entityType)
	}
	return pos, nil
}
