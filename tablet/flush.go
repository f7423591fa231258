package tablet

import (
	"sync"
	"time"

	"github.com/columnar-incubator/tinytablet/kv/util/engine_util"
	"github.com/columnar-incubator/tinytablet/kv/util/worker"
	"github.com/ngaut/log"
)

// FlushTask asks the flush worker to freeze one DMS into a delta file.
type FlushTask struct {
	DMS    *DeltaMemStore
	FileID uint64

	// OnFlushed is invoked from the flush worker once the task settles. On
	// success it receives an open reader over the new file.
	OnFlushed func(reader *DeltaFileReader, err error)
}

// FlushManager runs DMS flushes on a background worker, one at a time, in
// submission order.
type FlushManager struct {
	engines *engine_util.Engines
	worker  *worker.Worker
}

func NewFlushManager(engines *engine_util.Engines, wg *sync.WaitGroup) *FlushManager {
	return &FlushManager{
		engines: engines,
		worker:  worker.NewWorker("dms-flush", wg),
	}
}

func (fm *FlushManager) Start() {
	fm.worker.Start(&flushTaskHandler{engines: fm.engines})
}

func (fm *FlushManager) Stop() {
	fm.worker.Stop()
}

func (fm *FlushManager) Submit(task *FlushTask) {
	fm.worker.Sender() <- task
}

type flushTaskHandler struct {
	engines *engine_util.Engines
}

func (h *flushTaskHandler) Handle(t worker.Task) {
	task, ok := t.(*FlushTask)
	if !ok {
		log.Errorf("flush worker received unexpected task %T", t)
		return
	}
	start := time.Now()
	writer := NewDeltaFileWriter(h.engines, task.FileID)
	err := task.DMS.FlushToFile(writer)
	if err != nil {
		// The DMS keeps its WAL anchor; the caller may retry the flush.
		log.Errorf("failed to flush DMS %d to delta file %d: %v", task.DMS.ID(), task.FileID, err)
		dmsFlushesTotal.WithLabelValues("error").Inc()
		if task.OnFlushed != nil {
			task.OnFlushed(nil, err)
		}
		return
	}
	dmsFlushesTotal.WithLabelValues("success").Inc()
	dmsFlushDuration.Observe(time.Since(start).Seconds())

	reader, err := OpenDeltaFileReader(h.engines, task.FileID)
	if err != nil {
		log.Errorf("flushed delta file %d but cannot reopen it: %v", task.FileID, err)
		if task.OnFlushed != nil {
			task.OnFlushed(nil, err)
		}
		return
	}
	log.Infof("flushed DMS %d (%d deltas) to delta file %d in %v",
		task.DMS.ID(), task.DMS.Count(), task.FileID, time.Since(start))
	if task.OnFlushed != nil {
		task.OnFlushed(reader, nil)
	}
}
