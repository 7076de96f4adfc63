package saga

import "context"

// Store 是运行时消费的外部持久化契约（§6）。具体后端
// （Postgres/MySQL/SQLite/Mongo/DynamoDB/Redis/内存）都实现这个接口，
// 核心只依赖接口本身。
type Store interface {
	// LoadByCorrelation 按 (sagaName, correlationId) 查找状态；不存在返回
	// (nil, nil)，调用方通过 nil 判断未命中，而不是通过哨兵错误——因为
	// "找不到" 在这里是预期路径（Step 2 的路由决策），不是异常。
	LoadByCorrelation(ctx context.Context, sagaName, correlationID string) (*State, error)

	// LoadByID 按 (sagaName, sagaId) 查找状态；语义同上。
	LoadByID(ctx context.Context, sagaName, sagaID string) (*State, error)

	// Insert 创建新实例；若 (sagaName, sagaId) 已存在，返回 ErrAlreadyExists。
	Insert(ctx context.Context, state *State) error

	// Update 以乐观并发方式更新；expectedVersion 必须等于存储中的当前
	// version，否则返回 ErrConcurrencyConflict；记录不存在时返回
	// ErrNotFound。
	Update(ctx context.Context, state *State, expectedVersion uint64) error

	// Delete 删除实例，幂等（删除不存在的记录不是错误）。
	Delete(ctx context.Context, sagaName, sagaID string) error
}

// SweepableStore 是 Store 可选实现的能力接口：支持列出某个 Saga 类型下
// 尚未完成、且带有超时截止时间的实例。Bus 在启动时用它重建进程内调度器
// 的优先队列（§4.E "reconstructed at bus start from a sweep of the
// store"）；不支持的 Store 后端简单地跳过重建，已持久化的 timeoutAt
// 只有在下一次该实例被处理时才会被重新登记。
type SweepableStore interface {
	SweepTimeouts(ctx context.Context, sagaName string) ([]*State, error)
}
