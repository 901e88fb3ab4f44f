package ingest

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"
	"unicode/utf8"

	"github.com/gigapi/linepipe/lineproto"
	"github.com/gigapi/linepipe/table"
)

// Event slot discriminants. A non-negative ThreadID addresses the writer
// that owns the carried row; the negative values are control events.
const (
	EventRebalance     int32 = -1
	EventIncomplete    int32 = -2
	EventReleaseWriter int32 = -3
)

// Event is one ring slot. Data events serialise the parsed row into a fixed
// native buffer: [int64 ts][int32 nEntities] then per entity
// [int32 colRef][uint8 type][payload]; a negative colRef -len is followed by
// the len-byte UTF-8 column name.
type Event struct {
	ThreadID int32

	tab *TableUpdateDetails
	buf []byte
	max int
	n   int

	rebalanceFrom  int32
	rebalanceTo    int32
	releasedByFrom atomic.Bool
}

func newEvent(maxMeasurementSize int) *Event {
	// worst case per entity: colRef + type + length header + payload
	size := maxMeasurementSize*2 + 64
	return &Event{
		ThreadID: EventIncomplete,
		buf:      make([]byte, 0, size),
		max:      size,
	}
}

func (e *Event) Table() *TableUpdateDetails { return e.tab }

func (e *Event) createRebalanceEvent(from, to int32, tab *TableUpdateDetails) {
	e.ThreadID = EventRebalance
	e.rebalanceFrom = from
	e.rebalanceTo = to
	e.tab = tab
	e.releasedByFrom.Store(false)
}

func (e *Event) createReleaseWriterEvent(tab *TableUpdateDetails) {
	e.ThreadID = EventReleaseWriter
	e.tab = tab
}

// createMeasurementEvent serialises a parsed line into the slot. Tags whose
// value resolves through the worker's symbol cache are rewritten as cached
// symbol indexes so the writer thread skips the dictionary lookup.
func (e *Event) createMeasurementEvent(
	tab *TableUpdateDetails,
	local *ThreadLocalDetails,
	m *lineproto.Measurement,
) error {
	e.ThreadID = EventIncomplete
	e.tab = tab
	e.buf = e.buf[:0]

	e.buf = binary.LittleEndian.AppendUint64(e.buf, uint64(m.Timestamp))
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(m.Entities)))

	for i := range m.Entities {
		ent := &m.Entities[i]
		colIndex := local.columnIndex(ent.Name)
		if colIndex < 0 {
			if !utf8.Valid(ent.Name) {
				return fmt.Errorf("invalid UTF8 in column name %q", ent.Name)
			}
			e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(-int32(len(ent.Name))))
			e.buf = append(e.buf, ent.Name...)
		} else {
			e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(colIndex))
		}

		switch ent.Type {
		case lineproto.EntityTag:
			if !utf8.Valid(ent.Value) {
				return fmt.Errorf("invalid UTF8 in value for %q", ent.Name)
			}
			symIndex := tab.symbolIndex(local, colIndex, ent.Value)
			if symIndex != table.SymbolNotFound {
				e.buf = append(e.buf, lineproto.EntityCachedTag)
				e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(symIndex))
			} else {
				e.buf = append(e.buf, lineproto.EntityTag)
				e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(ent.Value)))
				e.buf = append(e.buf, ent.Value...)
			}
		case lineproto.EntityCachedTag:
			e.buf = append(e.buf, lineproto.EntityCachedTag)
			e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(ent.SymIndex))
		case lineproto.EntityInteger:
			e.buf = append(e.buf, lineproto.EntityInteger)
			e.buf = binary.LittleEndian.AppendUint64(e.buf, uint64(ent.IntValue))
		case lineproto.EntityFloat:
			e.buf = append(e.buf, lineproto.EntityFloat)
			e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(ent.FloatValue))
		case lineproto.EntityBoolean:
			e.buf = append(e.buf, lineproto.EntityBoolean)
			if ent.BoolValue {
				e.buf = append(e.buf, 1)
			} else {
				e.buf = append(e.buf, 0)
			}
		case lineproto.EntityString, lineproto.EntityLong256:
			if !utf8.Valid(ent.Value) {
				return fmt.Errorf("invalid UTF8 in value for %q", ent.Name)
			}
			e.buf = append(e.buf, ent.Type)
			e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(ent.Value)))
			e.buf = append(e.buf, ent.Value...)
		default:
			return fmt.Errorf("unknown entity type %d for %q", ent.Type, ent.Name)
		}
		if len(e.buf) > e.max {
			return fmt.Errorf("measurement exceeds the event buffer [size=%d, max=%d]", len(e.buf), e.max)
		}
	}
	e.n = len(e.buf)
	e.ThreadID = tab.writerThreadID()
	return nil
}
