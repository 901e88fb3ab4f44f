package ingest

import (
	"bytes"

	"github.com/gigapi/linepipe/lineproto"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type IOOperation int

const (
	IORead IOOperation = iota
	IOWrite
)

type IOResult int

const (
	NeedsRead IOResult = iota
	NeedsWrite
	QueueFull
	NeedsDisconnect
)

// RequestProcessor is invoked by the dispatcher for each ready connection.
type RequestProcessor func(op IOOperation, c *ConnContext)

// Dispatcher delivers readable connections to the I/O workers. The TCP
// implementation is TCPDispatcher (tcp.go); tests drive a synchronous double.
type Dispatcher interface {
	// ProcessIOQueue drains ready connections into the processor and
	// reports whether any work was done.
	ProcessIOQueue(p RequestProcessor) bool
	// RegisterChannel re-arms a connection for the given operation.
	RegisterChannel(c *ConnContext, op IOOperation)
	Disconnect(c *ConnContext)
}

// ConnContext buffers one client connection's bytes between dispatcher
// polls. Parsed lines are committed through the scheduler; when the
// dispatch queue is full the unconsumed bytes stay buffered and the
// connection parks on the worker's busy list.
type ConnContext struct {
	ID         uuid.UUID
	dispatcher Dispatcher
	parser     lineproto.Parser

	pending []byte
	eof     bool
	invalid bool
}

func NewConnContext(dispatcher Dispatcher, parser lineproto.Parser) *ConnContext {
	return &ConnContext{
		ID:         uuid.New(),
		dispatcher: dispatcher,
		parser:     parser,
	}
}

func (c *ConnContext) Dispatcher() Dispatcher { return c.dispatcher }
func (c *ConnContext) Invalid() bool          { return c.invalid }

// Feed appends received bytes; the dispatcher calls this from its read path.
func (c *ConnContext) Feed(data []byte) {
	c.pending = append(c.pending, data...)
}

func (c *ConnContext) CloseInbound() { c.eof = true }

// HandleIO parses complete lines out of the buffer and commits them. It
// stops at the first line the scheduler cannot take so byte order is
// preserved under backpressure.
func (c *ConnContext) HandleIO(job *NetJob) IOResult {
	for {
		nl := bytes.IndexByte(c.pending, '\n')
		if nl < 0 {
			if c.eof {
				if len(bytes.TrimSpace(c.pending)) > 0 {
					c.processLine(job, c.pending)
					c.pending = c.pending[:0]
				}
				return NeedsDisconnect
			}
			return NeedsRead
		}
		line := c.pending[:nl]
		if len(bytes.TrimSpace(line)) == 0 {
			c.pending = c.pending[nl+1:]
			continue
		}
		if !c.processLine(job, line) {
			return QueueFull
		}
		c.pending = c.pending[nl+1:]
	}
}

// processLine returns false only for the retryable queue-full case; parse
// failures drop the line.
func (c *ConnContext) processLine(job *NetJob, line []byte) bool {
	m, err := c.parser.ParseLine(line)
	if err != nil {
		job.sched.log.Error("could not parse line",
			zap.Int("worker", job.workerID), zap.Error(err))
		return true
	}
	return job.sched.TryCommitRow(job, m)
}

// NetJob drives the dispatcher on one I/O worker: retry parked connections,
// poll for new ones and release idle tables on a maintenance interval.
type NetJob struct {
	sched      *Scheduler
	dispatcher Dispatcher
	workerID   int

	busyContexts []*ConnContext
	localTud     map[string]*TableUpdateDetails
	unusedCaches []*SymbolCache

	lastMaintenanceMs int64
}

func newNetJob(sched *Scheduler, dispatcher Dispatcher, workerID int) *NetJob {
	return &NetJob{
		sched:      sched,
		dispatcher: dispatcher,
		workerID:   workerID,
		localTud:   make(map[string]*TableUpdateDetails),
	}
}

func (j *NetJob) WorkerID() int { return j.workerID }

func (j *NetJob) unusedSymbolCaches() *[]*SymbolCache { return &j.unusedCaches }

func (j *NetJob) tableUpdateDetails(name []byte) *TableUpdateDetails {
	return j.localTud[string(name)]
}

func (j *NetJob) addTableUpdateDetails(tab *TableUpdateDetails) {
	if _, ok := j.localTud[tab.tableName]; ok {
		return
	}
	j.localTud[tab.tableName] = tab
	tab.nNetworkIoWorkers++
	j.sched.log.Info("network IO thread using table",
		zap.Int("workerId", j.workerID),
		zap.String("table", tab.tableName),
		zap.Int("nNetworkIoWorkers", tab.nNetworkIoWorkers))
}

func (j *NetJob) removeTableUpdateDetails(tab *TableUpdateDetails) {
	tab.nNetworkIoWorkers--
	delete(j.localTud, tab.tableName)
	tab.localDetails[j.workerID].clear()
	j.sched.log.Info("network IO thread released table",
		zap.Int("workerId", j.workerID),
		zap.String("table", tab.tableName),
		zap.Int("nNetworkIoWorkers", tab.nNetworkIoWorkers))
}

func (j *NetJob) onRequest(op IOOperation, c *ConnContext) {
	if j.handleIO(c) {
		j.busyContexts = append(j.busyContexts, c)
		j.sched.log.Debug("context is waiting on a full queue",
			zap.String("conn", c.ID.String()))
	}
}

// handleIO returns true when the context must wait for queue capacity.
func (j *NetJob) handleIO(c *ConnContext) bool {
	if c.invalid {
		return false
	}
	switch c.HandleIO(j) {
	case NeedsRead:
		c.dispatcher.RegisterChannel(c, IORead)
	case NeedsWrite:
		c.dispatcher.RegisterChannel(c, IOWrite)
	case QueueFull:
		return true
	case NeedsDisconnect:
		c.invalid = true
		c.dispatcher.Disconnect(c)
	}
	return false
}

func (j *NetJob) Run(workerID int) bool {
	busy := false
	for len(j.busyContexts) > 0 {
		c := j.busyContexts[0]
		if j.handleIO(c) {
			break
		}
		j.sched.log.Debug("context is no longer waiting on a full queue",
			zap.String("conn", c.ID.String()))
		j.busyContexts = j.busyContexts[1:]
		busy = true
	}

	if j.dispatcher.ProcessIOQueue(j.onRequest) {
		busy = true
	}

	millis := j.sched.milliClock.Now().UnixMilli()
	if millis-j.lastMaintenanceMs > j.sched.maintenanceIntervalMs {
		if !j.doMaintenance(millis) {
			j.lastMaintenanceMs = millis
		} else {
			busy = true
		}
	}
	return busy
}

// doMaintenance releases tables this worker has not seen traffic for. Only
// one writer release is published per tick to bound tail latency.
func (j *NetJob) doMaintenance(millis int64) bool {
	for _, tab := range j.localTud {
		if millis-tab.lastMeasurementReceivedEpochMs.Load() < j.sched.minIdleMsBeforeRelease {
			continue
		}
		j.sched.tudLock.Lock()
		if tab.nNetworkIoWorkers == 1 {
			seq, ok := j.sched.nextPublisherEventSequenceLocked()
			if ok {
				event := *j.sched.queue.Get(seq)
				event.createReleaseWriterEvent(tab)
				j.removeTableUpdateDetails(tab)
				delete(j.sched.tudByName, tab.tableName)
				j.sched.idleTudByName[tab.tableName] = tab
				j.sched.pubSeq.Done(seq)
			}
			j.sched.tudLock.Unlock()
			return true
		}
		j.removeTableUpdateDetails(tab)
		remaining := len(j.localTud)
		j.sched.tudLock.Unlock()
		return remaining > 0
	}
	return false
}

func (j *NetJob) Close() error {
	j.unusedCaches = nil
	return nil
}
