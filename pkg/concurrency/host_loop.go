// Package concurrency runs the host tick: one goroutine that polls every
// attached connection manager and serves operations queued by other
// goroutines, so scene access from the servers, the HTTP API and the
// daemons is serialized.
package concurrency

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Operation types for the loop
type OpType int

const (
	OpCommand  OpType = iota // Dispatch a command line outside a TCP session
	OpMode                   // Change the runtime mode
	OpSnapshot               // Capture the scene for persistence
	OpPreset                 // Preset save/load from a non-TCP surface
	OpQuery                  // Read-only scene access
	OpShutdown               // Stop the loop
)

func (t OpType) String() string {
	switch t {
	case OpCommand:
		return "command"
	case OpMode:
		return "mode"
	case OpSnapshot:
		return "snapshot"
	case OpPreset:
		return "preset"
	case OpQuery:
		return "query"
	case OpShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Operation represents a queued operation. Run executes on the loop
// goroutine.
type Operation struct {
	Type   OpType
	Run    func() (any, error)
	Result chan any
	Error  chan error
}

// Poller is polled once per tick. Poll must not block.
type Poller interface {
	Poll()
}

// HostLoop is the single goroutine that owns scene access.
type HostLoop struct {
	interval time.Duration
	pollers  []Poller

	// Operation queue
	ops chan *Operation

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Stats
	ticks        uint64
	opsProcessed uint64
	opsByType    map[OpType]uint64
	lastOp       time.Time

	logger *zap.Logger
	mu     sync.RWMutex
}

// NewHostLoop creates and starts a loop ticking every interval. It stops
// when parent is cancelled or Stop is called.
func NewHostLoop(parent context.Context, interval time.Duration, queueSize int, logger *zap.Logger) *HostLoop {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)

	h := &HostLoop{
		interval:  interval,
		ops:       make(chan *Operation, queueSize),
		ctx:       ctx,
		cancel:    cancel,
		opsByType: make(map[OpType]uint64),
		lastOp:    time.Now(),
		logger:    logger,
	}

	h.wg.Add(1)
	go h.run()

	return h
}

// Attach adds a poller; it is polled from the next tick on.
func (h *HostLoop) Attach(p Poller) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pollers = append(h.pollers, p)
}

// Detach removes a poller.
func (h *HostLoop) Detach(p Poller) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, cur := range h.pollers {
		if cur == p {
			h.pollers = append(h.pollers[:i], h.pollers[i+1:]...)
			return
		}
	}
}

// run is the main loop
func (h *HostLoop) run() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			// Drain remaining operations
			h.drainOps()
			return

		case <-ticker.C:
			h.pollAll()

		case op := <-h.ops:
			h.processOp(op)
		}
	}
}

func (h *HostLoop) pollAll() {
	h.mu.Lock()
	h.ticks++
	pollers := make([]Poller, len(h.pollers))
	copy(pollers, h.pollers)
	h.mu.Unlock()

	for _, p := range pollers {
		p.Poll()
	}
}

// processOp handles a single operation
func (h *HostLoop) processOp(op *Operation) {
	h.mu.Lock()
	h.opsProcessed++
	h.opsByType[op.Type]++
	h.lastOp = time.Now()
	h.mu.Unlock()

	if op.Type == OpShutdown {
		h.cancel()
		h.reply(op, nil, nil)
		return
	}

	var result any
	var err error
	if op.Run != nil {
		result, err = op.Run()
	}
	if err != nil {
		h.logger.Debug("host op failed", zap.String("op", op.Type.String()), zap.Error(err))
	}
	h.reply(op, result, err)
}

func (h *HostLoop) reply(op *Operation, result any, err error) {
	if op.Result != nil {
		op.Result <- result
	}
	if op.Error != nil {
		op.Error <- err
	}
}

// drainOps processes remaining operations before shutdown
func (h *HostLoop) drainOps() {
	for {
		select {
		case op := <-h.ops:
			if op.Type == OpShutdown {
				h.reply(op, nil, nil)
				continue
			}
			h.processOp(op)
		default:
			return
		}
	}
}

// Submit queues an operation and waits for its result
func (h *HostLoop) Submit(op *Operation) (any, error) {
	op.Result = make(chan any, 1)
	op.Error = make(chan error, 1)

	select {
	case h.ops <- op:
	case <-h.ctx.Done():
		return nil, context.Canceled
	}

	select {
	case result := <-op.Result:
		err := <-op.Error
		return result, err
	case <-h.ctx.Done():
		return nil, context.Canceled
	}
}

// Do runs fn on the loop goroutine and returns its result.
func (h *HostLoop) Do(typ OpType, fn func() (any, error)) (any, error) {
	return h.Submit(&Operation{Type: typ, Run: fn})
}

// SubmitAsync queues an operation without waiting. It reports false when
// the queue is full.
func (h *HostLoop) SubmitAsync(op *Operation) bool {
	select {
	case h.ops <- op:
		return true
	default:
		h.logger.Warn("host queue full, operation dropped", zap.String("op", op.Type.String()))
		return false
	}
}

// Stop gracefully stops the loop
func (h *HostLoop) Stop() {
	h.cancel()
	h.wg.Wait()
}

// Done is closed once the loop has been asked to stop.
func (h *HostLoop) Done() <-chan struct{} {
	return h.ctx.Done()
}

// Stats returns loop stats
func (h *HostLoop) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	byType := make(map[string]uint64, len(h.opsByType))
	for t, n := range h.opsByType {
		byType[t.String()] = n
	}
	return map[string]any{
		"interval":       h.interval.String(),
		"pollers":        len(h.pollers),
		"ticks":          h.ticks,
		"ops_processed":  h.opsProcessed,
		"ops_by_type":    byType,
		"last_op":        h.lastOp,
		"queue_length":   len(h.ops),
		"queue_capacity": cap(h.ops),
	}
}
