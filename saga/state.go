package saga

import (
	"encoding/json"
	"time"
)

// Metadata 是每个 Saga 实例的运行时元数据（§3）。
type Metadata struct {
	SagaID            string            `json:"sagaId"`
	Version           uint64            `json:"version"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
	IsCompleted       bool              `json:"isCompleted"`
	TimeoutAt         *time.Time        `json:"timeoutAt,omitempty"`
	TimeoutDurationMs int64             `json:"timeoutDurationMs,omitempty"`
	Annotations       map[string]string `json:"annotations,omitempty"`
}

func (m Metadata) clone() Metadata {
	out := m
	if m.TimeoutAt != nil {
		t := *m.TimeoutAt
		out.TimeoutAt = &t
	}
	if m.Annotations != nil {
		out.Annotations = make(map[string]string, len(m.Annotations))
		for k, v := range m.Annotations {
			out.Annotations[k] = v
		}
	}
	return out
}

// State 是持久化的完整记录：关联信息 + 元数据 + 用户状态（序列化为 Data）。
//
// Data 在 Store Gateway 的边界上是不透明的 JSON blob（见 §6 的持久化布局
// 表），任何 Store 后端都只需要搬运字节；Orchestrator 在 handler 调用
// 前后负责按用户类型 Unmarshal/Marshal。
type State struct {
	SagaName      string          `json:"sagaName"`
	SagaID        string          `json:"sagaId"`
	CorrelationID string          `json:"correlationId"`
	Metadata      Metadata        `json:"metadata"`
	Data          json.RawMessage `json:"data"`
}

// Clone 返回状态的深拷贝，Store 实现应在读写边界上使用它以避免别名共享。
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	data := make(json.RawMessage, len(s.Data))
	copy(data, s.Data)
	return &State{
		SagaName:      s.SagaName,
		SagaID:        s.SagaID,
		CorrelationID: s.CorrelationID,
		Metadata:      s.Metadata.clone(),
		Data:          data,
	}
}

// DecodeInto 将 Data 反序列化到调用方提供的用户状态结构体中。
func (s *State) DecodeInto(v any) error {
	if len(s.Data) == 0 {
		return nil
	}
	return json.Unmarshal(s.Data, v)
}

// EncodeFrom 将用户状态结构体序列化进 Data。
func (s *State) EncodeFrom(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.Data = data
	return nil
}
