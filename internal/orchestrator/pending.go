package orchestrator

import (
	"sync"

	"instrument-gateway/internal/monitor"
)

// pendingRequest 等待设备确认的下发任务
type pendingRequest struct {
	seq    uint16
	points []Point
	done   chan struct{}
}

// pendingTracker 按报文序列号登记待确认任务，每个序列号至多一条
type pendingTracker struct {
	mu    sync.Mutex
	items map[uint16]*pendingRequest
}

func newPendingTracker() *pendingTracker {
	return &pendingTracker{items: make(map[uint16]*pendingRequest)}
}

func (t *pendingTracker) register(seq uint16, points []Point) (*pendingRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[seq]; ok {
		return nil, ErrDuplicateSequence
	}
	req := &pendingRequest{
		seq:    seq,
		points: points,
		done:   make(chan struct{}),
	}
	t.items[seq] = req
	monitor.PendingRequests.Set(float64(len(t.items)))
	return req, nil
}

// resolve 完成等待并移除，序列号不存在时返回 false
func (t *pendingTracker) resolve(seq uint16) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.items[seq]
	if !ok {
		return nil, false
	}
	delete(t.items, seq)
	close(req.done)
	monitor.PendingRequests.Set(float64(len(t.items)))
	return req, true
}

// remove 超时或发送失败时移除，已完成的请求不受影响
func (t *pendingTracker) remove(req *pendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.items[req.seq]; ok && cur == req {
		delete(t.items, req.seq)
		monitor.PendingRequests.Set(float64(len(t.items)))
	}
}

func (t *pendingTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}
