package saga

import "github.com/google/uuid"

// NewSagaID 生成运行时分配的 Saga 实例标识。
func NewSagaID() string { return uuid.NewString() }

// NewMessageID 生成消息 id，供发布方在未指定时使用。
func NewMessageID() string { return uuid.NewString() }
