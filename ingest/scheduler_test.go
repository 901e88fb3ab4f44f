package ingest

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gigapi/linepipe/config"
	"github.com/gigapi/linepipe/fileio"
	"github.com/gigapi/linepipe/lineproto"
	"github.com/gigapi/linepipe/ooo"
	"github.com/gigapi/linepipe/pool"
	"github.com/gigapi/linepipe/table"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testDispatcher struct {
	queue []*ConnContext
}

func (d *testDispatcher) ProcessIOQueue(p RequestProcessor) bool {
	if len(d.queue) == 0 {
		return false
	}
	c := d.queue[0]
	d.queue = d.queue[1:]
	p(IORead, c)
	return true
}

func (d *testDispatcher) RegisterChannel(c *ConnContext, op IOOperation) {}
func (d *testDispatcher) Disconnect(c *ConnContext)                     {}

type harness struct {
	t       *testing.T
	sched   *Scheduler
	catalog *table.Catalog
	mock    *clock.Mock
	disp    *testDispatcher
	parser  *lineproto.InfluxParser
	root    string
	stop    func()
}

func newHarness(t *testing.T, writers int, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.IOWorkers = 1
	cfg.WriterWorkers = writers
	cfg.WriterQueueCapacity = 256
	cfg.MaxUncommittedRows = 1
	if mutate != nil {
		mutate(cfg)
	}

	ff := fileio.NewOS()
	pipeline := ooo.NewPipeline(ff, 128, 2, zap.NewNop())
	root := t.TempDir()
	catalog := table.NewCatalog(root, ff, pipeline, zap.NewNop())

	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	go func() {
		job := pipeline.CopyJob()
		for {
			select {
			case <-stopCh:
				close(doneCh)
				return
			default:
				job.Run(0)
			}
		}
	}()

	disp := &testDispatcher{}
	ioPool := pool.New("test-io", cfg.IOWorkers, zap.NewNop())
	writerPool := pool.New("test-writer", cfg.WriterWorkers, zap.NewNop())
	mock := clock.NewMock()
	sched := NewScheduler(cfg, catalog, ioPool, disp, writerPool, mock, zap.NewNop())

	h := &harness{
		t:       t,
		sched:   sched,
		catalog: catalog,
		mock:    mock,
		disp:    disp,
		parser:  lineproto.NewInfluxParser("u"),
		root:    root,
		stop: func() {
			close(stopCh)
			<-doneCh
		},
	}
	t.Cleanup(h.stop)
	return h
}

func (h *harness) publish(line string) bool {
	h.t.Helper()
	m, err := h.parser.ParseLine([]byte(line))
	require.NoError(h.t, err)
	return h.sched.TryCommitRow(h.sched.netIoJobs[0], m)
}

// drainWriters drives every writer job until a full round makes no
// progress, which resolves pending rebalance handshakes along the way.
func (h *harness) drainWriters() {
	h.t.Helper()
	for i := 0; i < 100000; i++ {
		busy := false
		for _, wj := range h.sched.writerJobs {
			if wj.drainQueue() {
				busy = true
			}
		}
		if !busy {
			return
		}
	}
	h.t.Fatal("writer jobs did not drain")
}

func (h *harness) partition(name string) string {
	return filepath.Join(h.root, name, "default")
}

func (h *harness) readLongs(path string) []int64 {
	h.t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(h.t, err)
	out := make([]int64, len(data)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return out
}

// S1: the first measurement creates the table with default column types.
func TestNewTableFromFirstMeasurement(t *testing.T) {
	h := newHarness(t, 1, nil)

	require.True(t, h.publish(`weather,loc=eu temp=21.5 1000`))
	h.drainWriters()

	reader, err := h.catalog.GetReader("weather")
	require.NoError(t, err)
	meta := reader.Metadata()
	require.Equal(t, 3, meta.ColumnCount())
	require.Equal(t, table.ColumnSymbol, meta.ColumnType(0))
	require.Equal(t, "loc", meta.ColumnName(0))
	require.Equal(t, table.ColumnDouble, meta.ColumnType(1))
	require.Equal(t, "temp", meta.ColumnName(1))
	require.Equal(t, table.ColumnTimestamp, meta.ColumnType(2))
	require.Equal(t, "timestamp", meta.ColumnName(2))

	part := h.partition("weather")
	require.Equal(t, []int64{1000}, h.readLongs(filepath.Join(part, "timestamp.d")))
	temps := h.readLongs(filepath.Join(part, "temp.d"))
	require.Equal(t, 21.5, math.Float64frombits(uint64(temps[0])))

	data, err := os.ReadFile(filepath.Join(part, "loc.d"))
	require.NoError(t, err)
	require.Equal(t, int32(0), int32(binary.LittleEndian.Uint32(data)))

	symbols, err := reader.SymbolTable(0)
	require.NoError(t, err)
	require.Equal(t, int32(0), symbols.IndexOf([]byte("eu")))
}

// S2: a new field mid-stream adds a column and the row still applies.
func TestAddColumnMidStream(t *testing.T) {
	h := newHarness(t, 1, nil)

	require.True(t, h.publish(`weather,loc=eu temp=21.5 1000`))
	h.drainWriters()
	require.True(t, h.publish(`weather,loc=eu temp=22.0,hum=80i 2000`))
	h.drainWriters()

	reader, err := h.catalog.GetReader("weather")
	require.NoError(t, err)
	meta := reader.Metadata()
	require.Equal(t, 4, meta.ColumnCount())
	require.Equal(t, "hum", meta.ColumnName(3))
	require.Equal(t, table.ColumnLong, meta.ColumnType(3))

	part := h.partition("weather")
	require.Equal(t, []int64{1000, 2000}, h.readLongs(filepath.Join(part, "timestamp.d")))
	require.Equal(t, []int64{1}, h.readLongs(filepath.Join(part, "hum.top")))
	require.Equal(t, []int64{80}, h.readLongs(filepath.Join(part, "hum.d")))
}

// S3: a hot writer sheds its least active table to the cold one.
func TestLoadRebalance(t *testing.T) {
	h := newHarness(t, 2, func(cfg *config.Config) {
		cfg.NUpdatesPerLoadRebalance = 50
		cfg.MaxLoadRatio = 2.0
	})

	require.True(t, h.publish(`a v=1i 1`))
	require.True(t, h.publish(`b v=1i 1`))
	require.True(t, h.publish(`c v=1i 1`))
	h.drainWriters()

	// least-loaded assignment: a takes writer 0, b the idle writer 1, and c
	// the first of the two equally loaded writers, writer 0
	h.sched.tudLock.RLock()
	require.Equal(t, int32(0), h.sched.tudByName["a"].writerThreadID())
	require.Equal(t, int32(1), h.sched.tudByName["b"].writerThreadID())
	require.Equal(t, int32(0), h.sched.tudByName["c"].writerThreadID())
	h.sched.tudLock.RUnlock()

	for i := 2; i <= 100; i++ {
		require.True(t, h.publish(fmt.Sprintf(`a v=1i %d`, i)))
		if i%16 == 0 {
			h.drainWriters()
		}
	}
	h.drainWriters()

	require.Equal(t, int64(1), h.sched.NRebalances())

	var moved *TableUpdateDetails
	h.sched.tudLock.RLock()
	for _, name := range []string{"b", "c"} {
		if tab := h.sched.tudByName[name]; tab.writerThreadID() == 1 {
			moved = tab
		}
	}
	require.Equal(t, int32(0), h.sched.tudByName["a"].writerThreadID())
	h.sched.tudLock.RUnlock()
	require.NotNil(t, moved, "one of b, c moved to writer 1")
	require.Equal(t, "c", moved.Name(), "c is the least active table on writer 0")

	// post-move rows are applied by writer 1 alone, in order
	for i := 2; i <= 11; i++ {
		require.True(t, h.publish(fmt.Sprintf(`%s v=1i %d`, moved.Name(), i)))
	}
	for i := 0; i < 1000 && h.sched.writerJobs[1].drainQueue(); i++ {
	}

	part := h.partition(moved.Name())
	ts := h.readLongs(filepath.Join(part, "timestamp.d"))
	require.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, ts)

	for _, tab := range h.sched.writerJobs[0].assignedTables {
		require.NotEqual(t, moved.Name(), tab.Name())
	}
	h.drainWriters()
}

// S4: an idle table's writer is released and reacquired on the next row.
func TestIdleWriterReleaseRoundTrip(t *testing.T) {
	h := newHarness(t, 1, func(cfg *config.Config) {
		cfg.MinIdleMsBeforeWriterRelease = 30000
		cfg.MaintenanceIntervalMs = 100
	})

	require.True(t, h.publish(`x v=1i 1000`))
	h.drainWriters()

	// not idle yet
	h.mock.Add(time.Second)
	h.sched.netIoJobs[0].Run(0)
	h.sched.tudLock.RLock()
	require.Contains(t, h.sched.tudByName, "x")
	h.sched.tudLock.RUnlock()

	h.mock.Add(31 * time.Second)
	h.sched.netIoJobs[0].Run(0)
	h.drainWriters()

	h.sched.tudLock.RLock()
	require.NotContains(t, h.sched.tudByName, "x")
	require.Contains(t, h.sched.idleTudByName, "x")
	h.sched.tudLock.RUnlock()

	// the writer handle is closed: it can be checked out externally
	w, err := h.catalog.GetWriter("x")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// a new measurement revives the idle table
	require.True(t, h.publish(`x v=2i 2000`))
	h.drainWriters()

	h.sched.tudLock.RLock()
	require.Contains(t, h.sched.tudByName, "x")
	h.sched.tudLock.RUnlock()

	part := h.partition("x")
	require.Equal(t, []int64{1000, 2000}, h.readLongs(filepath.Join(part, "timestamp.d")))
	require.Equal(t, []int64{1, 2}, h.readLongs(filepath.Join(part, "v.d")))
}

// S6: a full dispatch queue rejects the publish without corrupting slots.
func TestQueueFullBackpressure(t *testing.T) {
	h := newHarness(t, 1, func(cfg *config.Config) {
		cfg.WriterQueueCapacity = 4
	})

	for i := 1; i <= 4; i++ {
		require.True(t, h.publish(fmt.Sprintf(`q v=%di %d`, i, i)))
	}
	require.False(t, h.publish(`q v=5i 5`))

	h.drainWriters()
	require.True(t, h.publish(`q v=5i 5`))
	h.drainWriters()

	part := h.partition("q")
	require.Equal(t, []int64{1, 2, 3, 4, 5}, h.readLongs(filepath.Join(part, "timestamp.d")))
	require.Equal(t, []int64{1, 2, 3, 4, 5}, h.readLongs(filepath.Join(part, "v.d")))
}

// The writer-locked error path: retryable false without consuming the line.
func TestWriterLockedIsRetryable(t *testing.T) {
	h := newHarness(t, 1, nil)

	require.NoError(t, h.catalog.Lock("locked"))
	require.False(t, h.publish(`locked v=1i 1`))
	h.catalog.Unlock("locked")

	require.True(t, h.publish(`locked v=1i 1`))
	require.True(t, h.publish(`locked v=2i 2`))
	h.drainWriters()
	part := h.partition("locked")
	require.Equal(t, []int64{1, 2}, h.readLongs(filepath.Join(part, "timestamp.d")))
}

func TestClosedSchedulerRefusesPublishes(t *testing.T) {
	h := newHarness(t, 1, nil)
	require.True(t, h.publish(`t v=1i 1`))
	h.drainWriters()
	h.sched.Close()
	require.False(t, h.publish(`t v=2i 2`))
}

// No rows are lost and per-table order holds while tables bounce between
// writers.
func TestOrderingUnderRebalance(t *testing.T) {
	h := newHarness(t, 2, func(cfg *config.Config) {
		cfg.NUpdatesPerLoadRebalance = 20
		cfg.MaxLoadRatio = 1.5
	})

	for i := 1; i <= 100; i++ {
		require.True(t, h.publish(fmt.Sprintf(`left v=%di %d`, i, i)))
		require.True(t, h.publish(fmt.Sprintf(`right v=%di %d`, i, i)))
		if i%8 == 0 {
			h.drainWriters()
		}
	}
	h.drainWriters()

	for _, name := range []string{"left", "right"} {
		part := h.partition(name)
		ts := h.readLongs(filepath.Join(part, "timestamp.d"))
		require.Len(t, ts, 100, "table %s lost rows", name)
		for i, v := range ts {
			require.Equal(t, int64(i+1), v, "table %s out of order", name)
		}
		vals := h.readLongs(filepath.Join(part, "v.d"))
		for i, v := range vals {
			require.Equal(t, int64(i+1), v)
		}
	}
}

// Property 6: integers narrow into INT/SHORT/BYTE iff within bounds.
func TestIntegerNarrowingLaw(t *testing.T) {
	h := newHarness(t, 1, nil)
	require.NoError(t, h.catalog.CreateTable(&table.Structure{
		Name: "narrow",
		Columns: []table.ColumnMeta{
			{Name: "i", Type: table.ColumnInt},
			{Name: "s", Type: table.ColumnShort},
			{Name: "b", Type: table.ColumnByte},
			{Name: "timestamp", Type: table.ColumnTimestamp},
		},
		TimestampIndex: 3,
	}))
	w, err := h.catalog.GetWriter("narrow")
	require.NoError(t, err)
	defer w.Close()

	encode := func(v int64) []byte {
		return binary.LittleEndian.AppendUint64(nil, uint64(v))
	}
	cases := []struct {
		col     int
		colType table.ColumnType
		v       int64
		ok      bool
	}{
		{0, table.ColumnInt, math.MaxInt32, true},
		{0, table.ColumnInt, math.MaxInt32 + 1, false},
		{0, table.ColumnInt, math.MinInt32, true},
		{0, table.ColumnInt, math.MinInt32 - 1, false},
		{1, table.ColumnShort, math.MaxInt16, true},
		{1, table.ColumnShort, math.MaxInt16 + 1, false},
		{1, table.ColumnShort, math.MinInt16 - 1, false},
		{2, table.ColumnByte, math.MaxInt8, true},
		{2, table.ColumnByte, math.MaxInt8 + 1, false},
		{2, table.ColumnByte, math.MinInt8 - 1, false},
	}
	for _, tc := range cases {
		row := w.NewRow(1)
		_, err := applyEntity(row, encode(tc.v), 0, lineproto.EntityInteger, tc.col, tc.colType, w)
		if tc.ok {
			require.NoError(t, err, "v=%d into %s", tc.v, tc.colType)
		} else {
			require.Error(t, err, "v=%d into %s", tc.v, tc.colType)
		}
		row.Cancel()
	}
}

// A null wire timestamp takes the receiver's microsecond clock.
func TestNullTimestampUsesReceiverClock(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.mock.Add(42 * time.Second)

	require.True(t, h.publish(`clockless v=1i`))
	h.drainWriters()

	part := h.partition("clockless")
	ts := h.readLongs(filepath.Join(part, "timestamp.d"))
	require.Equal(t, []int64{42_000_000}, ts)
}
