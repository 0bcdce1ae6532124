package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrUnknownWork = errors.New("orchestrator: no transport params for work order")

// Registry 内存中的通信参数表，由任务指令写入
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]TransportParams
	fallback *TransportParams
}

// NewRegistry fallback 为空时未登记的工单返回 ErrUnknownWork
func NewRegistry(fallback *TransportParams) *Registry {
	return &Registry{
		entries:  make(map[string]TransportParams),
		fallback: fallback,
	}
}

func registryKey(workID, subWorkID string) string {
	return workID + "/" + subWorkID
}

// Set 登记工单的通信参数，覆盖已有记录
func (r *Registry) Set(workID, subWorkID string, p TransportParams) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[registryKey(workID, subWorkID)] = cloneParams(p)
}

// Delete 移除工单记录
func (r *Registry) Delete(workID, subWorkID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, registryKey(workID, subWorkID))
}

// Params 先精确匹配子工单，再匹配仅含工单号的记录，最后使用默认参数
func (r *Registry) Params(_ context.Context, workID, subWorkID string) (TransportParams, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.entries[registryKey(workID, subWorkID)]; ok {
		return cloneParams(p), nil
	}
	if p, ok := r.entries[registryKey(workID, "")]; ok {
		return cloneParams(p), nil
	}
	if r.fallback != nil {
		return cloneParams(*r.fallback), nil
	}
	return TransportParams{}, fmt.Errorf("%w: %s/%s", ErrUnknownWork, workID, subWorkID)
}

// RecordFile 记录已接收的文件，之后同一检测点的同名文件将被跳过
func (r *Registry) RecordFile(workID, subWorkID, pointBase, timestamp string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey(workID, subWorkID)
	p, ok := r.entries[key]
	if !ok {
		return
	}
	if p.FileNames == nil {
		p.FileNames = make(map[string][]string)
	}
	p.FileNames[pointBase] = append(p.FileNames[pointBase], timestamp)
	r.entries[key] = p
}

func cloneParams(p TransportParams) TransportParams {
	out := p
	if p.WorkStatus != nil {
		s := *p.WorkStatus
		out.WorkStatus = &s
	}
	if p.FileNames != nil {
		out.FileNames = make(map[string][]string, len(p.FileNames))
		for k, v := range p.FileNames {
			out.FileNames[k] = append([]string(nil), v...)
		}
	}
	return out
}
