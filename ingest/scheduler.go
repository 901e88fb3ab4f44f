package ingest

import (
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/gigapi/linepipe/config"
	"github.com/gigapi/linepipe/lineproto"
	"github.com/gigapi/linepipe/pool"
	"github.com/gigapi/linepipe/ring"
	"github.com/gigapi/linepipe/table"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Scheduler routes parsed measurements from I/O workers to writer threads
// with strict per-table affinity, and rebalances hot tables between writers.
type Scheduler struct {
	engine *table.Catalog
	log    *zap.Logger

	milliClock clock.Clock
	microClock clock.Clock

	queue  *ring.Queue[*Event]
	pubSeq *ring.MPSequence

	// guards the active/idle maps; the open flag is cleared under it on
	// shutdown so no publisher sequence is handed out afterwards
	tudLock       sync.RWMutex
	tudByName     map[string]*TableUpdateDetails
	idleTudByName map[string]*TableUpdateDetails
	open          bool

	loadByThread []int64

	netIoJobs  []*NetJob
	writerJobs []*WriterJob

	nUpdatesPerLoadRebalance int64
	maxLoadRatio             float64
	maxUncommittedRows       int
	maintenanceIntervalMs    int64
	minIdleMsBeforeRelease   int64
	commitLagUs              int64
	defaultSymbolCapacity    int

	nLoadCheckCycles int64
	nRebalances      int64

	rowsPublished prometheus.Counter
	queueFull     prometheus.Counter
	rebalances    prometheus.Counter
	loadChecks    prometheus.Counter
}

// NewScheduler wires the dispatch queue between the I/O pool and the writer
// pool. Jobs are assigned to their pools here; the pools are started by the
// caller.
func NewScheduler(
	cfg *config.Config,
	engine *table.Catalog,
	ioPool *pool.Pool,
	dispatcher Dispatcher,
	writerPool *pool.Pool,
	milliClock clock.Clock,
	log *zap.Logger,
) *Scheduler {
	s := &Scheduler{
		engine:                   engine,
		log:                      log,
		milliClock:               milliClock,
		microClock:               milliClock,
		tudByName:                make(map[string]*TableUpdateDetails),
		idleTudByName:            make(map[string]*TableUpdateDetails),
		open:                     true,
		loadByThread:             make([]int64, writerPool.Workers()),
		nUpdatesPerLoadRebalance: int64(cfg.NUpdatesPerLoadRebalance),
		maxLoadRatio:             cfg.MaxLoadRatio,
		maxUncommittedRows:       cfg.MaxUncommittedRows,
		maintenanceIntervalMs:    cfg.MaintenanceIntervalMs,
		minIdleMsBeforeRelease:   cfg.MinIdleMsBeforeWriterRelease,
		commitLagUs:              cfg.CommitLagUs,
		defaultSymbolCapacity:    cfg.DefaultSymbolCapacity,
		rowsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linepipe_rows_published_total",
			Help: "Rows handed to the writer dispatch queue.",
		}),
		queueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linepipe_queue_full_total",
			Help: "Publish attempts rejected because the dispatch queue was full.",
		}),
		rebalances: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linepipe_rebalances_total",
			Help: "Tables moved between writer threads.",
		}),
		loadChecks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linepipe_load_checks_total",
			Help: "Load rebalance cycles.",
		}),
	}

	maxMeasurementSize := cfg.MaxMeasurementSize
	queueCapacity := ring.CeilPow2(cfg.WriterQueueCapacity)
	s.queue = ring.NewQueue[*Event](queueCapacity, func(int) *Event {
		return newEvent(maxMeasurementSize)
	})
	s.pubSeq = ring.NewMPSequence(queueCapacity)

	for i := 0; i < ioPool.Workers(); i++ {
		job := newNetJob(s, dispatcher, i)
		s.netIoJobs = append(s.netIoJobs, job)
		ioPool.Assign(i, job)
	}

	nWriters := writerPool.Workers()
	if nWriters > 1 {
		fanOut := ring.NewFanOut(s.pubSeq, nWriters)
		for w := 0; w < nWriters; w++ {
			job := newWriterJob(s, w, fanOut.Sub(w))
			s.writerJobs = append(s.writerJobs, job)
			writerPool.Assign(w, job)
		}
	} else {
		sub := ring.NewSCSequence(s.pubSeq)
		s.pubSeq.FollowedBy(sub.Current)
		job := newWriterJob(s, 0, sub)
		s.writerJobs = append(s.writerJobs, job)
		writerPool.Assign(0, job)
	}
	return s
}

func (s *Scheduler) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.rowsPublished, s.queueFull, s.rebalances, s.loadChecks}
}

func (s *Scheduler) NRebalances() int64      { return s.nRebalances }
func (s *Scheduler) NLoadCheckCycles() int64 { return s.nLoadCheckCycles }

// LoadByThread returns a copy of the last computed per-writer load.
func (s *Scheduler) LoadByThread() []int64 {
	s.tudLock.RLock()
	defer s.tudLock.RUnlock()
	out := make([]int64, len(s.loadByThread))
	copy(out, s.loadByThread)
	return out
}

func (s *Scheduler) TableCounts() (active, idle int) {
	s.tudLock.RLock()
	defer s.tudLock.RUnlock()
	return len(s.tudByName), len(s.idleTudByName)
}

// TryCommitRow publishes one parsed line. A false return means the caller
// must retry later: either the dispatch queue is full or the table writer is
// locked by another process.
func (s *Scheduler) TryCommitRow(job *NetJob, m *lineproto.Measurement) bool {
	tab, err := s.startNewMeasurementEvent(job, m)
	if err != nil {
		if errors.Is(err, table.ErrEntryUnavailable) {
			s.log.Info("could not get table writer",
				zap.ByteString("table", m.Name), zap.Error(err))
			return false
		}
		s.log.Info("could not create table",
			zap.ByteString("table", m.Name), zap.Error(err))
		return true
	}

	seq, ok := s.nextPublisherEventSequence()
	if !ok {
		s.queueFull.Inc()
		return false
	}

	event := *s.queue.Get(seq)
	event.ThreadID = EventIncomplete
	local := tab.startNewMeasurementEvent(job.WorkerID())
	encodeErr := event.createMeasurementEvent(tab, local, m)
	if encodeErr != nil {
		// the slot was claimed; publish it as incomplete so consumers skip it
		s.log.Error("could not serialise measurement",
			zap.ByteString("table", m.Name), zap.Error(encodeErr))
	} else {
		s.rowsPublished.Inc()
	}
	s.pubSeq.Done(seq)

	tab.nUpdates++
	if tab.nUpdates > s.nUpdatesPerLoadRebalance {
		if s.tudLock.TryLock() {
			s.loadRebalance()
			s.tudLock.Unlock()
		}
	}
	return true
}

func (s *Scheduler) startNewMeasurementEvent(job *NetJob, m *lineproto.Measurement) (*TableUpdateDetails, error) {
	if tab := job.tableUpdateDetails(m.Name); tab != nil {
		return tab, nil
	}

	s.tudLock.Lock()
	defer s.tudLock.Unlock()

	name := string(m.Name)
	tab, ok := s.tudByName[name]
	if !ok {
		if s.engine.Status(name) != table.StatusExists {
			if err := s.engine.CreateTable(s.structureFor(name, m)); err != nil {
				return nil, err
			}
		}
		if idle, revived := s.idleTudByName[name]; revived {
			s.log.Info("idle table going active", zap.String("table", name))
			delete(s.idleTudByName, name)
			s.tudByName[name] = idle
			tab = idle
		} else {
			tab = s.assignTableToThread(name)
		}
	}

	// report a locked table before the row is serialised into a slot
	if err := s.engine.ProbeWriter(name); err != nil {
		return nil, err
	}

	job.addTableUpdateDetails(tab)
	return tab, nil
}

func (s *Scheduler) structureFor(name string, m *lineproto.Measurement) *table.Structure {
	st := &table.Structure{
		Name:           name,
		TimestampIndex: len(m.Entities),
		SymbolCapacity: s.defaultSymbolCapacity,
	}
	for i := range m.Entities {
		st.Columns = append(st.Columns, table.ColumnMeta{
			Name: string(m.Entities[i].Name),
			Type: table.DefaultColumnTypes[m.Entities[i].Type],
		})
	}
	st.Columns = append(st.Columns, table.ColumnMeta{Name: "timestamp", Type: table.ColumnTimestamp})
	return st
}

func (s *Scheduler) assignTableToThread(name string) *TableUpdateDetails {
	s.calcThreadLoad()
	leastLoad := int64(1<<63 - 1)
	threadID := int32(0)
	for t, load := range s.loadByThread {
		if load < leastLoad {
			leastLoad = load
			threadID = int32(t)
		}
	}
	tab := newTableUpdateDetails(s, name, threadID)
	s.tudByName[name] = tab
	s.log.Info("assigned table to writer thread",
		zap.String("table", name), zap.Int32("threadId", threadID))
	return tab
}

func (s *Scheduler) calcThreadLoad() {
	for i := range s.loadByThread {
		s.loadByThread[i] = 0
	}
	for _, tab := range s.tudByName {
		s.loadByThread[tab.writerThreadID()] += tab.nUpdates
	}
}

// nextPublisherEventSequence spins through contention; a full queue is
// reported to the caller.
func (s *Scheduler) nextPublisherEventSequence() (int64, bool) {
	s.tudLock.RLock()
	open := s.open
	s.tudLock.RUnlock()
	if !open {
		return 0, false
	}
	return s.claimPublisherSequence()
}

// nextPublisherEventSequenceLocked is the variant for callers already
// holding tudLock.
func (s *Scheduler) nextPublisherEventSequenceLocked() (int64, bool) {
	if !s.open {
		return 0, false
	}
	return s.claimPublisherSequence()
}

func (s *Scheduler) claimPublisherSequence() (int64, bool) {
	for {
		cursor, status := s.pubSeq.Next()
		switch status {
		case ring.OK:
			return cursor, true
		case ring.Empty:
			return 0, false
		}
		// contended; spin
	}
}

// loadRebalance runs under the catalog write lock. It moves the least
// active table off the most loaded writer when the load ratio crosses
// maxLoadRatio, and resets every activity counter regardless.
func (s *Scheduler) loadRebalance() {
	s.nLoadCheckCycles++
	s.loadChecks.Inc()
	s.calcThreadLoad()

	fromThreadID := int32(-1)
	toThreadID := int32(-1)
	var tableToMove *TableUpdateDetails
	maxLoad := int64(1<<63 - 1)

	for {
		highestLoad := int64(-1 << 63)
		highestThread := int32(-1)
		lowestLoad := int64(1<<63 - 1)
		lowestThread := int32(-1)
		for t, load := range s.loadByThread {
			if load >= maxLoad {
				continue
			}
			if load > highestLoad {
				highestLoad = load
				highestThread = int32(t)
			}
			if load < lowestLoad {
				lowestLoad = load
				lowestThread = int32(t)
			}
		}
		if highestThread == -1 || lowestThread == -1 || highestThread == lowestThread {
			break
		}
		if float64(highestLoad) < s.maxLoadRatio*float64(lowestLoad) {
			// load is not sufficiently unbalanced
			break
		}

		nTables := 0
		leastUpdates := int64(1<<63 - 1)
		var leastTable *TableUpdateDetails
		for _, tab := range s.tudByName {
			if tab.writerThreadID() == highestThread && tab.nUpdates > 0 {
				nTables++
				if tab.nUpdates < leastUpdates {
					leastUpdates = tab.nUpdates
					leastTable = tab
				}
			}
		}
		if nTables < 2 {
			// the hottest writer only serves one active table; look past it
			maxLoad = highestLoad
			continue
		}

		fromThreadID = highestThread
		toThreadID = lowestThread
		tableToMove = leastTable
		break
	}

	for _, tab := range s.tudByName {
		tab.nUpdates = 0
	}

	if tableToMove == nil {
		return
	}
	seq, ok := s.nextPublisherEventSequenceLocked()
	if !ok {
		return
	}
	event := *s.queue.Get(seq)
	event.createRebalanceEvent(fromThreadID, toThreadID, tableToMove)
	tableToMove.threadID.Store(toThreadID)
	s.nRebalances++
	s.rebalances.Inc()
	s.log.Info("rebalance cycle, requesting table move",
		zap.Int64("cycle", s.nLoadCheckCycles),
		zap.Int64("nRebalances", s.nRebalances),
		zap.String("table", tableToMove.tableName),
		zap.Int32("fromThreadId", fromThreadID),
		zap.Int32("toThreadId", toThreadID))
	s.pubSeq.Done(seq)
}

func (s *Scheduler) isActive(name string) bool {
	_, ok := s.tudByName[name]
	return ok
}

// Close refuses new publishes and releases tables that no writer job has
// adopted. Pools must have been closed first so writers drained the queue.
func (s *Scheduler) Close() {
	s.tudLock.Lock()
	defer s.tudLock.Unlock()
	if !s.open {
		return
	}
	s.open = false
	for _, tab := range s.tudByName {
		if !tab.assignedToJob {
			tab.close()
		}
	}
	for _, tab := range s.idleTudByName {
		tab.close()
	}
	s.tudByName = map[string]*TableUpdateDetails{}
	s.idleTudByName = map[string]*TableUpdateDetails{}
}
