package table

import (
	"encoding/binary"
	"fmt"

	"github.com/gigapi/linepipe/fileio"
)

const metaFileName = "_meta"

type ColumnMeta struct {
	Name    string
	Type    ColumnType
	Indexed bool
}

// Metadata describes a table's columns. The designated timestamp column is
// always present and referenced by TimestampIndex.
type Metadata struct {
	Columns        []ColumnMeta
	TimestampIndex int
}

func (m *Metadata) ColumnCount() int { return len(m.Columns) }

func (m *Metadata) ColumnIndex(name string) int {
	for i := range m.Columns {
		if m.Columns[i].Name == name {
			return i
		}
	}
	return -1
}

func (m *Metadata) ColumnName(i int) string     { return m.Columns[i].Name }
func (m *Metadata) ColumnType(i int) ColumnType { return m.Columns[i].Type }

func (m *Metadata) encode() []byte {
	buf := make([]byte, 8, 64)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(m.Columns)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(m.TimestampIndex))
	for _, c := range m.Columns {
		var hdr [4]byte
		binary.LittleEndian.PutUint32(hdr[:], uint32(len(c.Name)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, c.Name...)
		buf = append(buf, byte(c.Type))
		if c.Indexed {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

func decodeMetadata(data []byte) (*Metadata, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("metadata too short: %d bytes", len(data))
	}
	count := int(binary.LittleEndian.Uint32(data[0:]))
	m := &Metadata{
		TimestampIndex: int(binary.LittleEndian.Uint32(data[4:])),
	}
	pos := 8
	for i := 0; i < count; i++ {
		if pos+4 > len(data) {
			return nil, fmt.Errorf("metadata truncated at column %d", i)
		}
		nameLen := int(binary.LittleEndian.Uint32(data[pos:]))
		pos += 4
		if pos+nameLen+2 > len(data) {
			return nil, fmt.Errorf("metadata truncated at column %d", i)
		}
		m.Columns = append(m.Columns, ColumnMeta{
			Name:    string(data[pos : pos+nameLen]),
			Type:    ColumnType(data[pos+nameLen]),
			Indexed: data[pos+nameLen+1] == 1,
		})
		pos += nameLen + 2
	}
	return m, nil
}

func writeMetadata(ff fileio.Facade, path string, m *Metadata) error {
	tmp := path + ".tmp"
	if err := ff.WriteFile(tmp, m.encode()); err != nil {
		return err
	}
	return ff.Rename(tmp, path)
}

func readMetadata(ff fileio.Facade, path string) (*Metadata, error) {
	data, err := ff.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeMetadata(data)
}
