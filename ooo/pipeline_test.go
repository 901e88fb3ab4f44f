package ooo

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/gigapi/linepipe/fileio"
	"github.com/gigapi/linepipe/table"
	"github.com/gigapi/linepipe/utils"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startCopyWorkers(p *Pipeline, n int) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	for w := 0; w < n; w++ {
		go func(id int) {
			job := p.CopyJob()
			for {
				select {
				case <-stop:
					done <- struct{}{}
					return
				default:
					job.Run(id)
				}
			}
		}(w)
	}
	return func() {
		close(stop)
		for i := 0; i < n; i++ {
			<-done
		}
	}
}

func testEngine(t *testing.T) (*table.Catalog, *Pipeline, func()) {
	t.Helper()
	ff := fileio.NewOS()
	pipeline := NewPipeline(ff, 128, 4, zap.NewNop())
	catalog := table.NewCatalog(t.TempDir(), ff, pipeline, zap.NewNop())
	stop := startCopyWorkers(pipeline, 2)
	return catalog, pipeline, stop
}

func readLongs(t *testing.T, path string) []int64 {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := make([]int64, len(data)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return out
}

func readStrings(t *testing.T, part, col string) []string {
	t.Helper()
	offsets := readLongs(t, filepath.Join(part, col+".i"))
	blob, err := os.ReadFile(filepath.Join(part, col+".d"))
	require.NoError(t, err)
	out := make([]string, len(offsets))
	for i, off := range offsets {
		l := int32(binary.LittleEndian.Uint32(blob[off:]))
		if l < 0 {
			out[i] = "<null>"
			continue
		}
		out[i] = string(blob[off+4 : off+4+int64(l)])
	}
	return out
}

func mergedTableStructure() *table.Structure {
	return &table.Structure{
		Name: "metrics",
		Columns: []table.ColumnMeta{
			{Name: "val", Type: table.ColumnLong},
			{Name: "name", Type: table.ColumnString},
			{Name: "timestamp", Type: table.ColumnTimestamp},
		},
		TimestampIndex: 2,
	}
}

func appendRow(w *table.Writer, ts, val int64, name string) {
	row := w.NewRow(ts)
	row.PutLong(0, val)
	row.PutStr(1, []byte(name))
	row.Append()
}

// S5: on-disk rows at [100, 200, 300], out-of-order batch [150, 250].
func TestMergeMidPartition(t *testing.T) {
	catalog, _, stop := testEngine(t)
	defer stop()

	require.NoError(t, catalog.CreateTable(mergedTableStructure()))
	w, err := catalog.GetWriter("metrics")
	require.NoError(t, err)

	appendRow(w, 100, 1, "a")
	appendRow(w, 200, 2, "b")
	appendRow(w, 300, 3, "c")
	require.NoError(t, w.Commit())

	appendRow(w, 150, 15, "x")
	appendRow(w, 250, 25, "y")
	require.NoError(t, w.Commit())

	part := filepath.Join(catalog.Root(), "metrics", "default")
	require.Equal(t, []int64{100, 150, 200, 250, 300}, readLongs(t, filepath.Join(part, "timestamp.d")))
	require.Equal(t, []int64{1, 15, 2, 25, 3}, readLongs(t, filepath.Join(part, "val.d")))
	require.Equal(t, []string{"a", "x", "b", "y", "c"}, readStrings(t, part, "name"))

	// the txn directory must be gone after the swap
	require.False(t, fileio.NewOS().Exists(part+".1"))

	// the writer keeps appending to the swapped partition
	appendRow(w, 400, 4, "d")
	require.NoError(t, w.Commit())
	require.Equal(t, []int64{100, 150, 200, 250, 300, 400}, readLongs(t, filepath.Join(part, "timestamp.d")))
	require.NoError(t, w.Close())
}

func TestMergeUnsortedFirstBatch(t *testing.T) {
	catalog, _, stop := testEngine(t)
	defer stop()

	require.NoError(t, catalog.CreateTable(mergedTableStructure()))
	w, err := catalog.GetWriter("metrics")
	require.NoError(t, err)

	appendRow(w, 300, 3, "c")
	appendRow(w, 100, 1, "a")
	appendRow(w, 200, 2, "b")
	require.NoError(t, w.Commit())
	require.NoError(t, w.Close())

	part := filepath.Join(catalog.Root(), "metrics", "default")
	require.Equal(t, []int64{100, 200, 300}, readLongs(t, filepath.Join(part, "timestamp.d")))
	require.Equal(t, []int64{1, 2, 3}, readLongs(t, filepath.Join(part, "val.d")))
}

func TestMergePrefixAndSuffixBlocks(t *testing.T) {
	catalog, _, stop := testEngine(t)
	defer stop()

	require.NoError(t, catalog.CreateTable(mergedTableStructure()))
	w, err := catalog.GetWriter("metrics")
	require.NoError(t, err)

	appendRow(w, 100, 1, "a")
	appendRow(w, 200, 2, "b")
	appendRow(w, 300, 3, "c")
	require.NoError(t, w.Commit())

	// 50 lands before everything, 400 after everything
	appendRow(w, 400, 40, "z")
	appendRow(w, 50, 5, "w")
	require.NoError(t, w.Commit())
	require.NoError(t, w.Close())

	part := filepath.Join(catalog.Root(), "metrics", "default")
	require.Equal(t, []int64{50, 100, 200, 300, 400}, readLongs(t, filepath.Join(part, "timestamp.d")))
	require.Equal(t, []int64{5, 1, 2, 3, 40}, readLongs(t, filepath.Join(part, "val.d")))
	require.Equal(t, []string{"w", "a", "b", "c", "z"}, readStrings(t, part, "name"))
}

// A column added mid-partition has a top; merging across the top region
// materialises nulls for the rows the column never saw.
func TestMergeAcrossColumnTop(t *testing.T) {
	catalog, _, stop := testEngine(t)
	defer stop()

	require.NoError(t, catalog.CreateTable(mergedTableStructure()))
	w, err := catalog.GetWriter("metrics")
	require.NoError(t, err)

	appendRow(w, 100, 1, "a")
	appendRow(w, 200, 2, "b")
	require.NoError(t, w.Commit())

	require.NoError(t, w.AddColumn("hum", table.ColumnLong))
	row := w.NewRow(300)
	row.PutLong(0, 3)
	row.PutStr(1, []byte("c"))
	row.PutLong(3, 55)
	row.Append()
	require.NoError(t, w.Commit())

	// 150 interleaves below the column top
	row = w.NewRow(150)
	row.PutLong(0, 15)
	row.PutStr(1, []byte("x"))
	row.PutLong(3, 77)
	row.Append()
	require.NoError(t, w.Commit())
	require.NoError(t, w.Close())

	part := filepath.Join(catalog.Root(), "metrics", "default")
	require.Equal(t, []int64{100, 150, 200, 300}, readLongs(t, filepath.Join(part, "timestamp.d")))
	require.Equal(t, []int64{1, 15, 2, 3}, readLongs(t, filepath.Join(part, "val.d")))
	require.Equal(t,
		[]int64{table.LongNull, 77, table.LongNull, 55},
		readLongs(t, filepath.Join(part, "hum.d")))
	// the top was materialised away
	require.False(t, fileio.NewOS().Exists(filepath.Join(part, "hum.top")))
}

// A prefix wholly above the column top keeps the top and shifts it into the
// rewritten partition instead of materialising nulls.
func TestMergeKeepsColumnTopUnderPrefix(t *testing.T) {
	catalog, _, stop := testEngine(t)
	defer stop()

	require.NoError(t, catalog.CreateTable(mergedTableStructure()))
	w, err := catalog.GetWriter("metrics")
	require.NoError(t, err)

	appendRow(w, 100, 1, "a")
	require.NoError(t, w.Commit())

	require.NoError(t, w.AddColumn("hum", table.ColumnLong))
	row := w.NewRow(200)
	row.PutLong(0, 2)
	row.PutStr(1, []byte("b"))
	row.PutLong(3, 55)
	row.Append()
	row = w.NewRow(300)
	row.PutLong(0, 3)
	row.PutStr(1, []byte("c"))
	row.PutLong(3, 66)
	row.Append()
	require.NoError(t, w.Commit())

	// 250 interleaves above the top boundary (prefix covers rows 100, 200)
	row = w.NewRow(250)
	row.PutLong(0, 25)
	row.PutStr(1, []byte("y"))
	row.PutLong(3, 77)
	row.Append()
	require.NoError(t, w.Commit())
	require.NoError(t, w.Close())

	part := filepath.Join(catalog.Root(), "metrics", "default")
	require.Equal(t, []int64{100, 200, 250, 300}, readLongs(t, filepath.Join(part, "timestamp.d")))
	require.Equal(t, []int64{1, 2, 25, 3}, readLongs(t, filepath.Join(part, "val.d")))
	require.Equal(t, []int64{1}, readLongs(t, filepath.Join(part, "hum.top")))
	require.Equal(t, []int64{55, 77, 66}, readLongs(t, filepath.Join(part, "hum.d")))
}

func TestSymbolDictionarySurvivesMerge(t *testing.T) {
	catalog, _, stop := testEngine(t)
	defer stop()

	require.NoError(t, catalog.CreateTable(&table.Structure{
		Name: "tagged",
		Columns: []table.ColumnMeta{
			{Name: "loc", Type: table.ColumnSymbol},
			{Name: "timestamp", Type: table.ColumnTimestamp},
		},
		TimestampIndex: 1,
	}))
	w, err := catalog.GetWriter("tagged")
	require.NoError(t, err)

	sym, err := w.SymbolIndex(0, []byte("eu"))
	require.NoError(t, err)
	row := w.NewRow(100)
	row.PutSymIndex(0, sym)
	row.Append()
	row = w.NewRow(300)
	row.PutSymIndex(0, sym)
	row.Append()
	require.NoError(t, w.Commit())

	sym2, err := w.SymbolIndex(0, []byte("us"))
	require.NoError(t, err)
	row = w.NewRow(200)
	row.PutSymIndex(0, sym2)
	row.Append()
	require.NoError(t, w.Commit())
	require.NoError(t, w.Close())

	reader, err := catalog.GetReader("tagged")
	require.NoError(t, err)
	symbols, err := reader.SymbolTable(0)
	require.NoError(t, err)
	require.Equal(t, 2, symbols.Count())
	require.Equal(t, int32(0), symbols.IndexOf([]byte("eu")))
	require.Equal(t, int32(1), symbols.IndexOf([]byte("us")))
}

// A full outbound queue must never drop or deadlock: the publisher runs the
// copy inline.
func TestPublishCopyTaskInlineFallback(t *testing.T) {
	ff := fileio.NewOS()
	p := NewPipeline(ff, 1, 1, zap.NewNop())

	// occupy the only slot; no copy worker is draining
	cursor, _ := p.pubSeq.Next()
	require.Equal(t, int64(0), cursor)
	blocked := &CopyTask{Column: &columnContext{latch: utils.NewCountDownLatch(1), ff: ff}}
	blocked.Column.parts.Store(1)
	*p.queue.Get(cursor) = blocked
	p.pubSeq.Done(cursor)

	latch := utils.NewCountDownLatch(1)
	latch.Add(1)
	cc := &columnContext{
		colType: table.ColumnLong,
		latch:   latch,
		ff:      ff,
		dstFix:  make([]byte, 16),
	}
	cc.parts.Store(1)
	src := make([]byte, 16)
	binary.LittleEndian.PutUint64(src[0:], 7)
	binary.LittleEndian.PutUint64(src[8:], 9)
	p.publishCopyTask(&CopyTask{
		Column:    cc,
		BlockType: BlockOO,
		SrcOooFix: src,
		SrcOooLo:  0,
		SrcOooHi:  1,
	})

	// the inline path already ran on this goroutine
	require.Equal(t, int64(7), int64(binary.LittleEndian.Uint64(cc.dstFix[0:])))
	require.Equal(t, int64(9), int64(binary.LittleEndian.Uint64(cc.dstFix[8:])))
	latch.CountDown(nil)
	require.NoError(t, latch.Wait())
	require.Equal(t, float64(1), testutil.ToFloat64(p.tasksInline))
}

func TestMergeLargeInterleave(t *testing.T) {
	catalog, _, stop := testEngine(t)
	defer stop()

	require.NoError(t, catalog.CreateTable(mergedTableStructure()))
	w, err := catalog.GetWriter("metrics")
	require.NoError(t, err)

	for ts := int64(0); ts < 100; ts += 2 {
		appendRow(w, ts, ts, "even")
	}
	require.NoError(t, w.Commit())

	for ts := int64(1); ts < 100; ts += 2 {
		appendRow(w, ts, ts, "odd")
	}
	require.NoError(t, w.Commit())
	require.NoError(t, w.Close())

	part := filepath.Join(catalog.Root(), "metrics", "default")
	got := readLongs(t, filepath.Join(part, "timestamp.d"))
	require.Len(t, got, 100)
	for i, ts := range got {
		require.Equal(t, int64(i), ts)
	}
	vals := readLongs(t, filepath.Join(part, "val.d"))
	for i, v := range vals {
		require.Equal(t, int64(i), v)
	}
}
