// Package memstore 提供一个不持久化的内存 saga.Store 实现，仅用于开发
// 和测试。Clone-on-read/write 的做法借鉴自
// saga.MemorySagaStateStore（旧版按单一 sagaID 索引），这里额外维护了
// 一个按 (sagaName, correlationId) 的二级索引，并强制乐观并发版本校验，
// 对应 Store 接口的 CAS 契约。
package memstore

import (
	"context"
	"sync"

	"sagarun/saga"
)

type key struct {
	sagaName string
	sagaID   string
}

type corrKey struct {
	sagaName      string
	correlationID string
}

// Store 是并发安全的内存状态存储；进程重启后数据丢失。
type Store struct {
	mu    sync.RWMutex
	byID  map[key]*saga.State
	byCor map[corrKey]key
}

// New 创建一个空的内存存储。
func New() *Store {
	return &Store{
		byID:  make(map[key]*saga.State),
		byCor: make(map[corrKey]key),
	}
}

// LoadByCorrelation 按 (sagaName, correlationId) 查找；未命中返回 (nil, nil)。
func (s *Store) LoadByCorrelation(ctx context.Context, sagaName, correlationID string) (*saga.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.byCor[corrKey{sagaName: sagaName, correlationID: correlationID}]
	if !ok {
		return nil, nil
	}
	st, ok := s.byID[k]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

// LoadByID 按 (sagaName, sagaId) 查找；未命中返回 (nil, nil)。
func (s *Store) LoadByID(ctx context.Context, sagaName, sagaID string) (*saga.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.byID[key{sagaName: sagaName, sagaID: sagaID}]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

// Insert 创建新实例；(sagaName, sagaId) 已存在时返回 saga.ErrAlreadyExists。
func (s *Store) Insert(ctx context.Context, state *saga.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{sagaName: state.SagaName, sagaID: state.SagaID}
	if _, exists := s.byID[k]; exists {
		return saga.ErrAlreadyExists
	}

	ck := corrKey{sagaName: state.SagaName, correlationID: state.CorrelationID}
	if existingKey, exists := s.byCor[ck]; exists && existingKey != k {
		return saga.ErrAlreadyExists
	}

	s.byID[k] = state.Clone()
	s.byCor[ck] = k
	return nil
}

// Update 以乐观并发方式更新；expectedVersion 不匹配时返回
// saga.ErrConcurrencyConflict，记录不存在时返回 saga.ErrNotFound。
func (s *Store) Update(ctx context.Context, state *saga.State, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{sagaName: state.SagaName, sagaID: state.SagaID}
	current, ok := s.byID[k]
	if !ok {
		return saga.ErrNotFound
	}
	if current.Metadata.Version != expectedVersion {
		return saga.NewConcurrencyConflictError(state.SagaName, state.SagaID, expectedVersion, current.Metadata.Version)
	}

	s.byID[k] = state.Clone()
	return nil
}

// Delete 删除实例；幂等。
func (s *Store) Delete(ctx context.Context, sagaName, sagaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{sagaName: sagaName, sagaID: sagaID}
	st, ok := s.byID[k]
	if !ok {
		return nil
	}
	delete(s.byID, k)
	delete(s.byCor, corrKey{sagaName: sagaName, correlationID: st.CorrelationID})
	return nil
}

// SweepTimeouts 返回某个 Saga 类型下所有尚未完成、且设置了超时截止时间的
// 实例，供 Bus 启动时重建调度器队列。
func (s *Store) SweepTimeouts(ctx context.Context, sagaName string) ([]*saga.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*saga.State
	for k, st := range s.byID {
		if k.sagaName != sagaName {
			continue
		}
		if st.Metadata.IsCompleted || st.Metadata.TimeoutAt == nil {
			continue
		}
		out = append(out, st.Clone())
	}
	return out, nil
}

var _ saga.Store = (*Store)(nil)
var _ saga.SweepableStore = (*Store)(nil)
