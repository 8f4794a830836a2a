package routing

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "EasyCash-Core/internal/errors"
	"EasyCash-Core/internal/protocol"
)

// ChainPair 标识一条 (源链, 目标链) 通道。
type ChainPair struct {
	Source protocol.ChainID
	Target protocol.ChainID
}

// StaticAgent 描述静态传输中注册的一个模拟代理。
type StaticAgent struct {
	ID            string
	Cost          string
	Latency       time.Duration
	SecurityScore float64
	QuoteTTL      time.Duration
	Assets        []string
	Pairs         []ChainPair
	Hops          []string
	// RejectSubmit 令该代理拒绝所有提交，用于演练终态失败路径。
	RejectSubmit bool
}

// supports 判断代理是否覆盖给定的资产与链路。
func (a StaticAgent) supports(criteria QuoteCriteria) bool {
	assetOK := len(a.Assets) == 0
	for _, asset := range a.Assets {
		if asset == criteria.Asset {
			assetOK = true
			break
		}
	}
	if !assetOK {
		return false
	}
	if len(a.Pairs) == 0 {
		return true
	}
	for _, pair := range a.Pairs {
		if pair.Source == criteria.SourceChain && pair.Target == criteria.TargetChain {
			return true
		}
	}
	return false
}

// StaticTransport 是进程内的代理网络实现，开发网和测试使用。
type StaticTransport struct {
	mu     sync.RWMutex
	agents []StaticAgent
	now    func() time.Time
}

// NewStaticTransport 创建一个静态传输并注册给定代理。
func NewStaticTransport(agents ...StaticAgent) *StaticTransport {
	return &StaticTransport{agents: agents, now: time.Now}
}

// AddAgent 注册一个新的模拟代理。
func (t *StaticTransport) AddAgent(agent StaticAgent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.agents = append(t.agents, agent)
}

// Quotes 为支持该请求的每个代理生成一条报价。
func (t *StaticTransport) Quotes(ctx context.Context, criteria QuoteCriteria) (<-chan protocol.Quote, error) {
	t.mu.RLock()
	agents := make([]StaticAgent, len(t.agents))
	copy(agents, t.agents)
	t.mu.RUnlock()

	stream := make(chan protocol.Quote)
	go func() {
		defer close(stream)
		now := t.now()
		for _, agent := range agents {
			if !agent.supports(criteria) {
				continue
			}
			cost, err := decimal.NewFromString(agent.Cost)
			if err != nil {
				continue
			}
			ttl := agent.QuoteTTL
			if ttl == 0 {
				ttl = 30 * time.Second
			}
			quote := protocol.Quote{
				AgentID:       agent.ID,
				Cost:          cost,
				Latency:       agent.Latency,
				SecurityScore: agent.SecurityScore,
				ExpiresAt:     now.Add(ttl),
				Hops:          agent.Hops,
			}
			select {
			case stream <- quote:
			case <-ctx.Done():
				return
			}
		}
	}()
	return stream, nil
}

// Submit 模拟执行并返回确定性的交易回执。
func (t *StaticTransport) Submit(ctx context.Context, sub Submission) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, agent := range t.agents {
		if agent.ID != sub.Route.Quote.AgentID {
			continue
		}
		if agent.RejectSubmit {
			return nil, xerrors.New(CodeSubmitRejected,
				fmt.Sprintf("代理 %s 拒绝执行交易", agent.ID),
				xerrors.WithMetadata("reference_id", sub.Request.ReferenceID),
			)
		}
		id := uuid.New()
		return &Receipt{
			TxHash:      "0x" + hex.EncodeToString(id[:]),
			BlockHeight: uint64(t.now().UnixMilli()),
			AgentID:     agent.ID,
		}, nil
	}
	return nil, xerrors.New(CodeAgentUnreachable,
		fmt.Sprintf("代理 %s 已离线", sub.Route.Quote.AgentID))
}

// Close 实现 Transport 接口，静态传输无资源可释放。
func (t *StaticTransport) Close() error { return nil }
