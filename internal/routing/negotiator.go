package routing

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"time"

	xerrors "EasyCash-Core/internal/errors"
	"EasyCash-Core/internal/protocol"
	"EasyCash-Core/pkg/logger"
)

// 路由协商错误码。
const (
	// CodeNoQuotesAvailable 表示协商窗口内没有任何代理响应。
	CodeNoQuotesAvailable = "NO_QUOTES_AVAILABLE"
	// CodeAllQuotesExpired 表示收到的报价在评分前已全部过期。
	CodeAllQuotesExpired = "ALL_QUOTES_EXPIRED"
)

func init() {
	xerrors.Register(CodeNoQuotesAvailable, xerrors.Attributes{
		Message:   "协商窗口内没有代理报价",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeAllQuotesExpired, xerrors.Attributes{
		Message:   "所有代理报价均已过期",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// Weights 控制报价评分中成本、速度与安全性三个维度的权重。
type Weights struct {
	Cost     float64 `yaml:"cost" json:"cost"`
	Speed    float64 `yaml:"speed" json:"speed"`
	Security float64 `yaml:"security" json:"security"`
}

// DefaultWeights 返回三个维度等权的默认配置。
func DefaultWeights() Weights {
	return Weights{Cost: 1, Speed: 1, Security: 1}
}

// normalized 将权重归一化为总和为 1 的比例，非法权重回落到等权。
func (w Weights) normalized() Weights {
	if w.Cost < 0 || w.Speed < 0 || w.Security < 0 {
		return Weights{Cost: 1.0 / 3, Speed: 1.0 / 3, Security: 1.0 / 3}
	}
	total := w.Cost + w.Speed + w.Security
	if total <= 0 {
		return Weights{Cost: 1.0 / 3, Speed: 1.0 / 3, Security: 1.0 / 3}
	}
	return Weights{Cost: w.Cost / total, Speed: w.Speed / total, Security: w.Security / total}
}

// Negotiator 向代理网络广播报价请求并挑选最优路由。
type Negotiator struct {
	transport Transport
	weights   Weights
	window    time.Duration
	now       func() time.Time
	log       *slog.Logger
}

// Option 定义可选的 Negotiator 配置。
type Option func(*Negotiator)

// defaultWindow 是协商窗口的默认时长。
const defaultWindow = 3 * time.Second

// WithWeights 设置报价评分权重。
func WithWeights(w Weights) Option {
	return func(n *Negotiator) {
		n.weights = w
	}
}

// WithWindow 设置协商窗口时长。
func WithWindow(window time.Duration) Option {
	return func(n *Negotiator) {
		if window > 0 {
			n.window = window
		}
	}
}

// WithClock 替换时间源，仅用于测试。
func WithClock(now func() time.Time) Option {
	return func(n *Negotiator) {
		if now != nil {
			n.now = now
		}
	}
}

// NewNegotiator 创建一个路由协商器。
func NewNegotiator(transport Transport, opts ...Option) *Negotiator {
	n := &Negotiator{
		transport: transport,
		weights:   DefaultWeights(),
		window:    defaultWindow,
		now:       time.Now,
		log:       logger.Named("routing"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

// Negotiate 收集报价并返回评分最高的路由。
//
// 协商在所有代理响应完毕或窗口超时后结束；过期报价在评分前被丢弃。
func (n *Negotiator) Negotiate(ctx context.Context, req protocol.NormalizedRequest) (*protocol.Route, error) {
	ctx, cancel := context.WithTimeout(ctx, n.window)
	defer cancel()

	stream, err := n.transport.Quotes(ctx, CriteriaOf(req))
	if err != nil {
		return nil, xerrors.Wrap(CodeAgentUnreachable, err, "广播报价请求失败")
	}

	// 收集报价直到流关闭或窗口超时。
	var quotes []protocol.Quote
collect:
	for {
		select {
		case quote, ok := <-stream:
			if !ok {
				break collect
			}
			quotes = append(quotes, quote)
		case <-ctx.Done():
			break collect
		}
	}

	if len(quotes) == 0 {
		return nil, xerrors.New(CodeNoQuotesAvailable, "协商窗口内未收到任何报价",
			xerrors.WithMetadata("asset", req.Asset),
			xerrors.WithMetadata("source_chain", string(req.SourceChain)),
		)
	}

	// 评分前丢弃已过期的报价。
	now := n.now()
	alive := quotes[:0]
	for _, quote := range quotes {
		if quote.Expired(now) {
			continue
		}
		alive = append(alive, quote)
	}
	if len(alive) == 0 {
		return nil, xerrors.New(CodeAllQuotesExpired, "收到的报价均已过期",
			xerrors.WithMetadata("quote_count", strconv.Itoa(len(quotes))),
		)
	}

	best := n.selectBest(alive)
	n.log.Debug("route selected",
		slog.String("agent_id", best.AgentID),
		slog.String("cost", best.Cost.String()),
		slog.Int("candidates", len(alive)),
	)

	route := &protocol.Route{
		Quote:      best,
		Fee:        best.Cost,
		Hops:       best.Hops,
		ResolvedAt: now,
	}
	return route, nil
}

// Close 释放底层传输资源。
func (n *Negotiator) Close() error {
	return n.transport.Close()
}

// selectBest 对存活报价做 min-max 归一化加权评分并返回最优者。
func (n *Negotiator) selectBest(quotes []protocol.Quote) protocol.Quote {
	weights := n.weights.normalized()
	scores := scoreQuotes(quotes, weights)

	// 评分相同时按安全分、延迟、代理标识依次决出全序。
	bestIdx := 0
	for i := 1; i < len(quotes); i++ {
		if quoteLess(quotes[i], scores[i], quotes[bestIdx], scores[bestIdx]) {
			bestIdx = i
		}
	}
	return quotes[bestIdx]
}

// scoreQuotes 计算每个报价的加权得分，值越大越优。
func scoreQuotes(quotes []protocol.Quote, weights Weights) []float64 {
	minCost, maxCost := quotes[0].Cost, quotes[0].Cost
	minLat, maxLat := quotes[0].Latency, quotes[0].Latency
	for _, quote := range quotes[1:] {
		if quote.Cost.LessThan(minCost) {
			minCost = quote.Cost
		}
		if quote.Cost.GreaterThan(maxCost) {
			maxCost = quote.Cost
		}
		if quote.Latency < minLat {
			minLat = quote.Latency
		}
		if quote.Latency > maxLat {
			maxLat = quote.Latency
		}
	}

	costSpan := maxCost.Sub(minCost)
	latSpan := maxLat - minLat

	scores := make([]float64, len(quotes))
	for i, quote := range quotes {
		normCost := 0.0
		if costSpan.IsPositive() {
			normCost, _ = quote.Cost.Sub(minCost).Div(costSpan).Float64()
		}
		normLat := 0.0
		if latSpan > 0 {
			normLat = float64(quote.Latency-minLat) / float64(latSpan)
		}
		scores[i] = weights.Cost*(1-normCost) + weights.Speed*(1-normLat) + weights.Security*quote.SecurityScore
	}
	return scores
}

// quoteLess 判定报价 a 是否优于报价 b。
func quoteLess(a protocol.Quote, scoreA float64, b protocol.Quote, scoreB float64) bool {
	if scoreA != scoreB {
		return scoreA > scoreB
	}
	if a.SecurityScore != b.SecurityScore {
		return a.SecurityScore > b.SecurityScore
	}
	if a.Latency != b.Latency {
		return a.Latency < b.Latency
	}
	return a.AgentID < b.AgentID
}

// RankQuotes 按优劣对报价排序，最优者在前。对外暴露便于诊断接口展示候选集。
func RankQuotes(quotes []protocol.Quote, weights Weights) []protocol.Quote {
	if len(quotes) == 0 {
		return nil
	}
	type scored struct {
		quote protocol.Quote
		score float64
	}
	scores := scoreQuotes(quotes, weights.normalized())
	entries := make([]scored, len(quotes))
	for i, quote := range quotes {
		entries[i] = scored{quote: quote, score: scores[i]}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return quoteLess(entries[i].quote, entries[i].score, entries[j].quote, entries[j].score)
	})
	ranked := make([]protocol.Quote, len(entries))
	for i, entry := range entries {
		ranked[i] = entry.quote
	}
	return ranked
}
