package endpoint

import (
	"time"

	"github.com/veloxdb/veloxdb/pkg/vlog"
	"github.com/veloxdb/veloxdb/pkg/vmetrics"
)

// worker is one member of the fixed pool: it dequeues Invoke
// jobs FIFO across every connection and pins itself to exactly one
// in-flight operation until the handler returns, so a single slow
// connection never monopolizes the pool beyond its own work.
func (e *Endpoint) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case j := <-e.jobCh:
			e.runJob(j)
		}
	}
}

func (e *Endpoint) runJob(j *job) {
	vmetrics.EndpointBacklogDepth.Dec()

	c := j.conn
	c.setState(stateDispatching)
	start := time.Now()

	result, err := e.disp.Invoke(c.ctx, j.body.APIName, j.body.OpName, j.body.Args)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	vmetrics.OperationDuration.WithLabelValues(j.body.APIName, j.body.OpName).Observe(time.Since(start).Seconds())
	vmetrics.OperationsTotal.WithLabelValues(j.body.APIName, j.body.OpName, outcome).Inc()

	var writeErr error
	if err != nil {
		writeErr = c.writeError(j.requestID, err)
	} else {
		writeErr = c.writeResult(j.requestID, result)
	}
	if writeErr != nil {
		vlog.WithConn(c.id).Debug().Err(writeErr).Msg("failed to write response, closing connection")
		c.close()
	}

	e.buffers.Release(j.bodyWeight)
	<-c.inFlight
}
