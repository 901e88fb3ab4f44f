package table

import "github.com/gigapi/linepipe/fileio"

// Reader is a point-in-time metadata snapshot used by symbol caches and the
// per-worker column-index caches. It holds no file descriptors.
type Reader struct {
	name      string
	meta      *Metadata
	dir       string
	partition string
	ff        fileio.Facade
}

func (r *Reader) Name() string        { return r.name }
func (r *Reader) Metadata() *Metadata { return r.meta }

// SymbolTable loads the dictionary of a symbol column.
func (r *Reader) SymbolTable(colIndex int) (*SymbolTable, error) {
	col := r.meta.Columns[colIndex]
	st := NewSymbolTable(64)
	if err := st.load(r.ff, symbolFileName(r.partition, col.Name)); err != nil {
		return nil, err
	}
	return st, nil
}

// SymbolColumnOrdinal maps a column index to its position among the table's
// symbol columns.
func (r *Reader) SymbolColumnOrdinal(colIndex int) int {
	ordinal := 0
	for i := 0; i < colIndex; i++ {
		if r.meta.Columns[i].Type == ColumnSymbol {
			ordinal++
		}
	}
	return ordinal
}
