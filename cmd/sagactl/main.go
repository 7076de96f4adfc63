// sagactl 是一个最小化的诊断命令：装配一个样例 Saga 定义、启动总线、
// 打印 Registry 内省结果，然后优雅退出。它不解析任何配置文件或命令行
// 参数——生命周期的几个阶段（待启动、初始化、运行、停止）照搬自
// server/lifecycle.go 的 State 序列，只是把"启动 HTTP 服务"换成了
// "启动 saga 总线并打印一份内省报告"。
package main

import (
	"context"
	"fmt"
	"log"

	"sagarun/logging"
	"sagarun/saga"
	"sagarun/saga/bus"
	"sagarun/saga/sagadef"
	"sagarun/saga/store/memstore"
	"sagarun/saga/transport/synctransport"
)

// state 对应 server.State 的一个收窄子集：不保留 Prepared 和 Error，
// 只保留诊断流程用得到的几个阶段。
type state int

const (
	statePending state = iota
	stateInitializing
	stateRunning
	stateStopped
)

func (s state) String() string {
	switch s {
	case statePending:
		return "Pending"
	case stateInitializing:
		return "Initializing"
	case stateRunning:
		return "Running"
	case stateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

func main() {
	log.SetPrefix("[sagactl] ")
	logger := logging.NewStdLogger("sagactl")
	ctx := context.Background()

	st := statePending
	fmt.Printf("state=%s\n", st)

	st = stateInitializing
	fmt.Printf("state=%s\n", st)

	registry := saga.NewRegistry()
	def := sampleDefinition()
	if err := registry.Register(def); err != nil {
		log.Fatalf("register definition %q: %v", def.Name, err)
	}

	b := bus.New(synctransport.New(), memstore.New(), registry, bus.WithLogger(logger))
	if err := b.Start(ctx); err != nil {
		log.Fatalf("start bus: %v", err)
	}
	st = stateRunning
	fmt.Printf("state=%s\n", st)

	printReport(b.Registry())

	if err := b.Stop(ctx); err != nil {
		log.Fatalf("stop bus: %v", err)
	}
	st = stateStopped
	fmt.Printf("state=%s\n", st)
}

// printReport 打印 Registry 内省结果：已注册定义及其关联规则数、以及
// 总线启动时会订阅的全部消息类型。
func printReport(registry *saga.Registry) {
	fmt.Println("--- registry report ---")
	for _, def := range registry.Definitions() {
		fmt.Printf("definition=%q rules=%d handlers=%d\n", def.Name, len(def.CorrelationRules), len(def.Handlers))
	}
	types := registry.HandledTypes()
	fmt.Printf("handledTypes=%d\n", len(types))
	for _, t := range types {
		fmt.Printf("  - %s\n", t)
	}
}

// orderPlaced / orderShipped 是样例消息负载，只用于让诊断报告里有
// 真实存在的关联规则可看。
type orderPlaced struct {
	OrderID string
	Total   int
}

type orderShipped struct {
	OrderID   string
	CarrierID string
}

type orderState struct {
	Status string
	Total  int
}

// sampleDefinition 构造一个两步（下单 -> 发货）Saga 定义，演示
// sagadef.Builder 的用法，同时给 sagactl 的报告提供非空输出。
func sampleDefinition() *saga.Definition {
	return sagadef.New("order", func() any { return &orderState{} }).
		StartsOn("OrderPlaced", func(ctx context.Context, env saga.Envelope) (string, bool) {
			p, ok := env.Payload.(orderPlaced)
			if !ok {
				return "", false
			}
			return p.OrderID, true
		}).
		ContinuesOn("OrderShipped", func(ctx context.Context, env saga.Envelope) (string, bool) {
			p, ok := env.Payload.(orderShipped)
			if !ok {
				return "", false
			}
			return p.OrderID, true
		}).
		InitialFactory(func(ctx context.Context, env saga.Envelope) (any, error) {
			p := env.Payload.(orderPlaced)
			return &orderState{Status: "placed", Total: p.Total}, nil
		}).
		Handle("OrderPlaced", func(ctx context.Context, sc *saga.SagaContext, payload any, userState any) (any, error) {
			return userState, nil
		}).
		Handle("OrderShipped", func(ctx context.Context, sc *saga.SagaContext, payload any, userState any) (any, error) {
			s := userState.(*orderState)
			s.Status = "shipped"
			sc.Complete()
			return s, nil
		}).
		Build()
}
