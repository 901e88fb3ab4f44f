package ooo

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gigapi/linepipe/fileio"
	"github.com/gigapi/linepipe/ring"
	"github.com/gigapi/linepipe/table"
	"github.com/gigapi/linepipe/utils"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

type partitionContext struct {
	req    *table.MergeRequest
	plan   *Plan
	dir    string
	txnDir string
	latch  *utils.CountDownLatch
}

// Pipeline implements table.PartitionMerger. Copy tasks flow through a
// bounded ring to the copy workers; when the ring is full the publisher
// executes the copy inline so a commit can never deadlock on its own queue.
type Pipeline struct {
	ff     fileio.Facade
	log    *zap.Logger
	queue  *ring.Queue[*CopyTask]
	pubSeq *ring.MPSequence
	subSeq *ring.MCSequence

	openConcurrency int64

	tasksPublished prometheus.Counter
	tasksInline    prometheus.Counter
}

func NewPipeline(ff fileio.Facade, queueCapacity, openConcurrency int, log *zap.Logger) *Pipeline {
	queueCapacity = ring.CeilPow2(queueCapacity)
	pubSeq := ring.NewMPSequence(queueCapacity)
	p := &Pipeline{
		ff:              ff,
		log:             log,
		queue:           ring.NewQueue[*CopyTask](queueCapacity, nil),
		pubSeq:          pubSeq,
		subSeq:          ring.NewMCSequence(pubSeq),
		openConcurrency: int64(openConcurrency),
		tasksPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linepipe_ooo_copy_tasks_total",
			Help: "Copy tasks handed to the copy worker pool.",
		}),
		tasksInline: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linepipe_ooo_copy_inline_total",
			Help: "Copy tasks executed inline because the queue was full.",
		}),
	}
	return p
}

func (p *Pipeline) Collectors() []prometheus.Collector {
	return []prometheus.Collector{p.tasksPublished, p.tasksInline}
}

// CopyJob returns the pool job that drains the copy queue on a worker.
func (p *Pipeline) CopyJob() *CopyJob {
	return &CopyJob{p: p}
}

type CopyJob struct {
	p *Pipeline
}

func (j *CopyJob) Run(workerID int) bool {
	cursor, status := j.p.subSeq.Next()
	switch status {
	case ring.Empty:
		return false
	case ring.Contended:
		return true
	}
	task := *j.p.queue.Get(cursor)
	j.p.subSeq.Done(cursor)
	task.Column.finishPart(executeCopy(task))
	return true
}

func (j *CopyJob) Close() error { return nil }

// publishCopyTask hands a task to the copy workers, retrying contended
// claims and falling back to an inline copy when the queue is full.
func (p *Pipeline) publishCopyTask(task *CopyTask) {
	for {
		cursor, status := p.pubSeq.Next()
		switch status {
		case ring.Contended:
			continue
		case ring.Empty:
			p.tasksInline.Inc()
			task.Column.finishPart(executeCopy(task))
			return
		}
		*p.queue.Get(cursor) = task
		p.pubSeq.Done(cursor)
		p.tasksPublished.Inc()
		return
	}
}

// MergePartition plans one out-of-order commit, fans the per-column open
// work out, waits for every copy task and swaps the rewritten partition in.
func (p *Pipeline) MergePartition(req *table.MergeRequest) error {
	dataTs, err := p.readPartitionTimestamps(req)
	if err != nil {
		return err
	}
	plan := PlanPartition(dataTs, req.OooTimestamps, req.LastPartition)

	ctx := &partitionContext{
		req:   req,
		plan:  plan,
		dir:   req.PartitionDir,
		latch: utils.NewCountDownLatch(1),
	}
	switch plan.Mode {
	case OpenNewPartitionForAppend:
		if err := p.ff.MkdirAll(ctx.dir); err != nil {
			return err
		}
	case OpenMidPartitionForMerge, OpenLastPartitionForMerge:
		ctx.txnDir = fmt.Sprintf("%s.%d", req.PartitionDir, req.Txn)
		if err := p.ff.MkdirAll(ctx.txnDir); err != nil {
			return err
		}
	}

	p.log.Debug("ooo commit planned",
		zap.String("table", req.TableName),
		zap.Int8("mode", int8(plan.Mode)),
		zap.String("prefix", plan.Prefix.Type.String()),
		zap.String("merge", plan.MergeType.String()),
		zap.String("suffix", plan.Suffix.Type.String()),
		zap.Int64("oooRows", req.OooCount),
		zap.Int64("dataRows", req.SrcDataMax))

	group := errgroup.Group{}
	sem := semaphore.NewWeighted(p.openConcurrency)
	for i := range req.Columns {
		col := &req.Columns[i]
		isTimestamp := i == req.TimestampIndex
		group.Go(func() error {
			if err := sem.Acquire(context.Background(), 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return p.openColumn(ctx, col, isTimestamp)
		})
	}
	openErr := group.Wait()
	ctx.latch.CountDown(openErr)
	if err := ctx.latch.Wait(); err != nil {
		if ctx.txnDir != "" {
			p.ff.RemoveAll(ctx.txnDir)
		}
		return err
	}

	if ctx.txnDir != "" {
		if err := p.swapPartition(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) readPartitionTimestamps(req *table.MergeRequest) ([]int64, error) {
	if req.SrcDataMax == 0 {
		return nil, nil
	}
	fd := req.ActiveTimestamp.FD
	closeFd := false
	if fd < 0 {
		tsName := req.Columns[req.TimestampIndex].Name
		var err error
		fd, err = p.ff.OpenRW(filepath.Join(req.PartitionDir, tsName+fixFileSuffix))
		if err != nil {
			return nil, err
		}
		closeFd = true
	}
	buf := make([]byte, req.SrcDataMax*8)
	_, err := p.ff.ReadAt(fd, buf, 0)
	if closeFd {
		p.ff.Close(fd)
	}
	if err != nil {
		return nil, fmt.Errorf("read partition timestamps: %w", err)
	}
	ts := make([]int64, req.SrcDataMax)
	for i := range ts {
		ts[i] = int64(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return ts, nil
}

// swapPartition finalises a merge: symbol dictionaries are carried over,
// then the txn directory atomically replaces the live one.
func (p *Pipeline) swapPartition(ctx *partitionContext) error {
	names, err := p.ff.ReadDir(ctx.dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		if !strings.HasSuffix(name, ".c") {
			continue
		}
		data, err := p.ff.ReadFile(filepath.Join(ctx.dir, name))
		if err != nil {
			return err
		}
		if err := p.ff.WriteFile(filepath.Join(ctx.txnDir, name), data); err != nil {
			return err
		}
	}
	gcDir := fmt.Sprintf("%s.gc.%d", ctx.dir, ctx.req.Txn)
	if err := p.ff.Rename(ctx.dir, gcDir); err != nil {
		return err
	}
	if err := p.ff.Rename(ctx.txnDir, ctx.dir); err != nil {
		// put the original partition back
		p.ff.Rename(gcDir, ctx.dir)
		return err
	}
	if err := p.ff.RemoveAll(gcDir); err != nil {
		p.log.Warn("could not remove stale partition",
			zap.String("dir", gcDir), zap.Error(err))
	}
	p.log.Info("partition swapped",
		zap.String("table", ctx.req.TableName),
		zap.Uint64("txn", ctx.req.Txn),
		zap.Int64("rows", ctx.req.SrcDataMax+ctx.req.OooCount))
	return nil
}
