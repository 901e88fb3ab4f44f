package table

import (
	"encoding/binary"
	"fmt"

	"github.com/gigapi/linepipe/fileio"
	"github.com/go-faster/city"
)

// SymbolNotFound is returned by lookups that did not resolve a value.
const SymbolNotFound = int32(-1)

// SymbolTable is a per-column string dictionary. Values are addressed by
// dense int32 indexes; lookups go through a city-hash bucket map so cached
// tag resolution stays allocation free on the hot path.
type SymbolTable struct {
	values    []string
	byHash    map[uint64][]int32
	persisted int
}

func NewSymbolTable(capacity int) *SymbolTable {
	return &SymbolTable{
		values: make([]string, 0, capacity),
		byHash: make(map[uint64][]int32, capacity),
	}
}

func (s *SymbolTable) Count() int { return len(s.values) }

func (s *SymbolTable) ValueOf(index int32) (string, bool) {
	if index < 0 || int(index) >= len(s.values) {
		return "", false
	}
	return s.values[index], true
}

func (s *SymbolTable) IndexOf(value []byte) int32 {
	h := city.CH64(value)
	for _, idx := range s.byHash[h] {
		if s.values[idx] == string(value) {
			return idx
		}
	}
	return SymbolNotFound
}

// Put adds the value if absent and returns its index either way.
func (s *SymbolTable) Put(value []byte) int32 {
	if idx := s.IndexOf(value); idx != SymbolNotFound {
		return idx
	}
	idx := int32(len(s.values))
	s.values = append(s.values, string(value))
	h := city.CH64(value)
	s.byHash[h] = append(s.byHash[h], idx)
	return idx
}

// symbolFileName is the on-disk dictionary: a sequence of
// [int32 len][bytes] records in index order.
func symbolFileName(dir, col string) string {
	return dir + "/" + col + ".c"
}

func (s *SymbolTable) load(ff fileio.Facade, path string) error {
	if !ff.Exists(path) {
		return nil
	}
	data, err := ff.ReadFile(path)
	if err != nil {
		return err
	}
	pos := 0
	for pos+4 <= len(data) {
		l := int(binary.LittleEndian.Uint32(data[pos:]))
		pos += 4
		if pos+l > len(data) {
			return fmt.Errorf("symbol file %q truncated", path)
		}
		s.Put(data[pos : pos+l])
		pos += l
	}
	s.persisted = len(s.values)
	return nil
}

// flush appends dictionary entries added since the last flush.
func (s *SymbolTable) flush(ff fileio.Facade, path string) error {
	if s.persisted == len(s.values) {
		return nil
	}
	fd, err := ff.OpenRW(path)
	if err != nil {
		return err
	}
	defer ff.Close(fd)
	size, err := ff.Length(fd)
	if err != nil {
		return err
	}
	var buf []byte
	for _, v := range s.values[s.persisted:] {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v)))
		buf = append(buf, v...)
	}
	if _, err := ff.WriteAt(fd, buf, size); err != nil {
		return err
	}
	s.persisted = len(s.values)
	return nil
}
