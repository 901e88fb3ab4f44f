package lineproto

import (
	"fmt"
	"time"

	"github.com/influxdata/influxdb/models"
)

// InfluxParser adapts the influxdb line-protocol parser to the entity model
// the scheduler serialises into queue slots.
type InfluxParser struct {
	precision string
	defaultTs time.Time
	m         Measurement
}

func NewInfluxParser(precision string) *InfluxParser {
	if precision == "" {
		precision = "ns"
	}
	// second-aligned so the parser's precision truncation leaves it intact
	return &InfluxParser{
		precision: precision,
		defaultTs: time.Unix(-9223372036, 0).UTC(),
	}
}

func (p *InfluxParser) ParseLine(line []byte) (*Measurement, error) {
	points, err := models.ParsePointsWithPrecision(line, p.defaultTs, p.precision)
	if err != nil {
		return nil, fmt.Errorf("error parsing line: %w", err)
	}
	if len(points) != 1 {
		return nil, fmt.Errorf("expected a single measurement, got %d", len(points))
	}
	point := points[0]

	p.m.Name = point.Name()
	p.m.Entities = p.m.Entities[:0]

	for _, t := range point.Tags() {
		p.m.Entities = append(p.m.Entities, Entity{
			Name:  t.Key,
			Type:  EntityTag,
			Value: t.Value,
		})
	}

	it := point.FieldIterator()
	for it.Next() {
		e := Entity{Name: it.FieldKey()}
		switch it.Type() {
		case models.Float:
			v, err := it.FloatValue()
			if err != nil {
				return nil, err
			}
			e.Type = EntityFloat
			e.FloatValue = v
		case models.Integer:
			v, err := it.IntegerValue()
			if err != nil {
				return nil, err
			}
			e.Type = EntityInteger
			e.IntValue = v
		case models.Unsigned:
			v, err := it.UnsignedValue()
			if err != nil {
				return nil, err
			}
			e.Type = EntityInteger
			e.IntValue = int64(v)
		case models.Boolean:
			v, err := it.BooleanValue()
			if err != nil {
				return nil, err
			}
			e.Type = EntityBoolean
			e.BoolValue = v
		case models.String:
			e.Type = EntityString
			e.Value = []byte(it.StringValue())
		default:
			return nil, fmt.Errorf("unsupported field type for %q", it.FieldKey())
		}
		p.m.Entities = append(p.m.Entities, e)
	}

	if point.Time().Equal(p.defaultTs) {
		p.m.Timestamp = NullTimestamp
	} else {
		p.m.Timestamp = point.Time().UnixNano() / 1000
	}
	return &p.m, nil
}
