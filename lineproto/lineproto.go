package lineproto

import "math"

// Entity types produced by the parser. CachedTag never comes off the wire;
// the scheduler rewrites a Tag into a CachedTag when the symbol value is
// already known to the per-worker symbol cache.
const (
	EntityTag uint8 = iota + 1
	EntityFloat
	EntityInteger
	EntityString
	EntityBoolean
	EntityLong256
	EntityCachedTag
)

const NEntityTypes = int(EntityCachedTag) + 1

// NullTimestamp means the line carried no timestamp and the receiver clock
// should be substituted when the row is applied.
const NullTimestamp = math.MinInt64

type Entity struct {
	Name       []byte
	Type       uint8
	Value      []byte
	IntValue   int64
	FloatValue float64
	BoolValue  bool
	SymIndex   int32
}

// Measurement is one parsed line: a table name, a timestamp in microseconds
// (or NullTimestamp) and the tag/field entities in wire order.
type Measurement struct {
	Name      []byte
	Timestamp int64
	Entities  []Entity
}

// Parser is the contract the ingestion scheduler consumes. Implementations
// yield measurements one line at a time from whatever transport framing the
// receiver uses.
type Parser interface {
	// ParseLine parses a single line-protocol line. The returned measurement
	// aliases the parser's internal buffers and is only valid until the next
	// call.
	ParseLine(line []byte) (*Measurement, error)
}
