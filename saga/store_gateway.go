package saga

import "context"

// storeGateway 是 Orchestrator 触达持久化的唯一路径（§4.B）。它不做
// 缓存也不做重试——重试是 Orchestrator 的职责——也不做版本算术（版本号
// 由 Orchestrator 在提交前设置），只把底层 Store 的任意错误翻译成运行时的
// 错误分类法。
type storeGateway struct {
	store Store
}

func newStoreGateway(store Store) *storeGateway {
	return &storeGateway{store: store}
}

func (g *storeGateway) loadByCorrelation(ctx context.Context, sagaName, correlationID string) (*State, error) {
	st, err := g.store.LoadByCorrelation(ctx, sagaName, correlationID)
	if err != nil {
		return nil, NewStoreUnavailableError("loadByCorrelation", err)
	}
	return st, nil
}

func (g *storeGateway) loadByID(ctx context.Context, sagaName, sagaID string) (*State, error) {
	st, err := g.store.LoadByID(ctx, sagaName, sagaID)
	if err != nil {
		return nil, NewStoreUnavailableError("loadById", err)
	}
	return st, nil
}

func (g *storeGateway) insert(ctx context.Context, state *State) error {
	if err := g.store.Insert(ctx, state); err != nil {
		if IsAlreadyExists(err) {
			return err
		}
		return NewStoreUnavailableError("insert", err)
	}
	return nil
}

func (g *storeGateway) update(ctx context.Context, state *State, expectedVersion uint64) error {
	if err := g.store.Update(ctx, state, expectedVersion); err != nil {
		if IsConcurrencyConflict(err) || IsNotFound(err) {
			return err
		}
		return NewStoreUnavailableError("update", err)
	}
	return nil
}
