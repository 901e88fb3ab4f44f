package lineproto

import (
	"testing"
)

func TestParseLineEntities(t *testing.T) {
	p := NewInfluxParser("u")
	m, err := p.ParseLine([]byte(`weather,loc=eu temp=21.5,hum=80i,label="wet",ok=true 1000`))
	if err != nil {
		t.Fatal(err)
	}
	if string(m.Name) != "weather" {
		t.Fatalf("expected measurement weather, got %q", m.Name)
	}
	if m.Timestamp != 1000 {
		t.Fatalf("expected timestamp 1000us, got %d", m.Timestamp)
	}
	if len(m.Entities) != 5 {
		t.Fatalf("expected 5 entities, got %d", len(m.Entities))
	}

	byName := map[string]*Entity{}
	for i := range m.Entities {
		byName[string(m.Entities[i].Name)] = &m.Entities[i]
	}

	if e := byName["loc"]; e == nil || e.Type != EntityTag || string(e.Value) != "eu" {
		t.Fatalf("unexpected tag entity: %+v", byName["loc"])
	}
	if e := byName["temp"]; e == nil || e.Type != EntityFloat || e.FloatValue != 21.5 {
		t.Fatalf("unexpected float entity: %+v", byName["temp"])
	}
	if e := byName["hum"]; e == nil || e.Type != EntityInteger || e.IntValue != 80 {
		t.Fatalf("unexpected integer entity: %+v", byName["hum"])
	}
	if e := byName["label"]; e == nil || e.Type != EntityString || string(e.Value) != "wet" {
		t.Fatalf("unexpected string entity: %+v", byName["label"])
	}
	if e := byName["ok"]; e == nil || e.Type != EntityBoolean || !e.BoolValue {
		t.Fatalf("unexpected boolean entity: %+v", byName["ok"])
	}
}

func TestParseLineNanosecondPrecision(t *testing.T) {
	p := NewInfluxParser("ns")
	m, err := p.ParseLine([]byte(`cpu usage=1.0 1000000`))
	if err != nil {
		t.Fatal(err)
	}
	if m.Timestamp != 1000 {
		t.Fatalf("expected 1000us, got %d", m.Timestamp)
	}
}

func TestParseLineMissingTimestamp(t *testing.T) {
	p := NewInfluxParser("ns")
	m, err := p.ParseLine([]byte(`cpu usage=1.0`))
	if err != nil {
		t.Fatal(err)
	}
	if m.Timestamp != NullTimestamp {
		t.Fatalf("expected the null timestamp sentinel, got %d", m.Timestamp)
	}
}

func TestParseLineInvalid(t *testing.T) {
	p := NewInfluxParser("ns")
	if _, err := p.ParseLine([]byte(`cpu usage= 1000`)); err == nil {
		t.Fatal("expected a parse error")
	}
}
