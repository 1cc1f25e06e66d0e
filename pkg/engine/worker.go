package engine

import (
	"context"

	"github.com/mnemo-db/mnemo/pkg/core"
)

// opType discriminates the operations the single-writer worker serializes.
// Nearly every call that mutates in-memory engine state (the window, the
// tool chain, per-session accounting) or writes to the store goes through
// this queue, so two concurrent writers never race on the store. The
// exceptions are ClearCoAccessWindow and Recall's recalled-set update,
// which take stateMu directly, and EmbedPending's embedding writes.
type opType int

const (
	opRecord opType = iota
	opRecordError
	opResolveError
	opSeedNeuron
	opSeedSynapse
	opAppendContext
	opClearWindow
	opFileChange
	opNotifyIdle
	opReextractSnippets
	opDecay
	opConsolidate
	opAntiRecall
	opPredictNext
	opTagProject
	opSetIntent
	opCaptureSessionContext
)

// operation is one queued unit of work. payload is cast by processOp to
// the concrete request type; result/err are delivered back on buffered
// channels so submit can block without holding the worker itself.
type operation struct {
	kind    opType
	payload any
	result  chan any
	err     chan error
}

// run is the worker's sole goroutine: every mutating engine call is
// processed one at a time here, in submission order.
func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			e.drain()
			return
		case op := <-e.ops:
			e.processOp(op)
		}
	}
}

// drain processes any operations still queued at shutdown rather than
// leaving callers blocked on submit forever.
func (e *Engine) drain() {
	for {
		select {
		case op := <-e.ops:
			e.processOp(op)
		default:
			return
		}
	}
}

// submit queues an operation and blocks for its result.
func (e *Engine) submit(ctx context.Context, kind opType, payload any) (any, error) {
	op := &operation{kind: kind, payload: payload, result: make(chan any, 1), err: make(chan error, 1)}
	select {
	case e.ops <- op:
	case <-e.ctx.Done():
		return nil, core.ErrEngineClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-op.result:
		return res, <-op.err
	case <-e.ctx.Done():
		return nil, core.ErrEngineClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) processOp(op *operation) {
	var result any
	var err error

	switch op.kind {
	case opRecord:
		req := op.payload.(recordRequest)
		result, err = e.doRecord(req)
	case opRecordError:
		req := op.payload.(recordErrorRequest)
		result, err = e.doRecordError(req)
	case opResolveError:
		req := op.payload.(resolveErrorRequest)
		err = e.doResolveError(req)
	case opSeedNeuron:
		req := op.payload.(seedNeuronRequest)
		result, err = e.doSeedNeuron(req)
	case opSeedSynapse:
		req := op.payload.(seedSynapseRequest)
		err = e.doSeedSynapse(req)
	case opAppendContext:
		req := op.payload.(appendContextRequest)
		err = e.doAppendContext(req)
	case opClearWindow:
		e.stateMu.Lock()
		e.clearWindow()
		e.stateMu.Unlock()
	case opFileChange:
		req := op.payload.(fileChangeRequest)
		err = e.doFileChange(req)
	case opNotifyIdle:
		req := op.payload.(notifyIdleRequest)
		result, err = e.doNotifyIdle(req)
	case opReextractSnippets:
		req := op.payload.(string)
		err = e.doMaybeReextractSnippets(req)
	case opDecay:
		result, err = e.doDecay(op.payload.(context.Context))
	case opConsolidate:
		result, err = e.doConsolidate(op.payload.(context.Context))
	case opAntiRecall:
		req := op.payload.(antiRecallRequest)
		err = e.doAntiRecall(req)
	case opPredictNext:
		result, err = e.doPredictNext(op.payload.(context.Context))
	case opTagProject:
		req := op.payload.(tagProjectRequest)
		result, err = e.doTagProject(req)
	case opSetIntent:
		req := op.payload.(setIntentRequest)
		err = e.doSetIntent(req)
	case opCaptureSessionContext:
		err = e.doCaptureSessionContext(op.payload.(context.Context))
	}

	op.result <- result
	op.err <- err
}
