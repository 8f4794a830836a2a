package monitoring

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"EasyCash-Core/internal/protocol"
)

// Outcome 是一次交易请求的最终结果分类。
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// feeKey 标识一组 (资产, 链) 费用聚合。
type feeKey struct {
	asset string
	chain protocol.ChainID
}

// histogram 以固定边界桶统计请求延迟，单位秒。
type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// 超出最后一个桶的取值只计入 +Inf 桶，由 h.count 体现。
}

// quantile 利用桶边界估算给定分位数的延迟，单位秒。
func (h *histogram) quantile(q float64) float64 {
	if h.count == 0 {
		return 0
	}
	rank := uint64(q * float64(h.count))
	if rank == 0 {
		rank = 1
	}
	for idx, cumulative := range h.counts {
		if cumulative >= rank {
			return h.buckets[idx]
		}
	}
	return h.buckets[len(h.buckets)-1]
}

// FeeAggregate 是单个 (资产, 链) 组合的费用总计。
type FeeAggregate struct {
	Asset string           `json:"asset"`
	Chain protocol.ChainID `json:"chain"`
	Total string           `json:"total"`
}

// Snapshot 是某一时刻的指标一致性视图。
type Snapshot struct {
	TotalTransactions      uint64            `json:"total_transactions"`
	SuccessfulTransactions uint64            `json:"successful_transactions"`
	FailedTransactions     uint64            `json:"failed_transactions"`
	SuccessRate            float64           `json:"success_rate"`
	AverageLatencyMS       float64           `json:"average_latency_ms"`
	P95LatencyMS           float64           `json:"p95_latency_ms"`
	FeeTotals              []FeeAggregate    `json:"fee_totals"`
	FailuresByCode         map[string]uint64 `json:"failures_by_code,omitempty"`
}

// Aggregator 汇总进程内的交易执行指标，所有方法可被任意并发调用。
type Aggregator struct {
	mu         sync.Mutex
	disabled   bool
	total      uint64
	successful uint64
	failed     uint64
	latency    *histogram
	fees       map[feeKey]decimal.Decimal
	byCode     map[string]uint64
}

// NewAggregator 创建一个空的指标聚合器。
func NewAggregator() *Aggregator {
	return &Aggregator{
		latency: newHistogram(),
		fees:    make(map[feeKey]decimal.Decimal),
		byCode:  make(map[string]uint64),
	}
}

// Disabled 返回一个不采集任何数据的聚合器，指标开关关闭时使用。
// 快照与导出端点保持可用，只是始终为零值。
func Disabled() *Aggregator {
	a := NewAggregator()
	a.disabled = true
	return a
}

// RecordSuccess 记录一次成功执行及其费用与延迟。
func (a *Aggregator) RecordSuccess(asset string, chain protocol.ChainID, fee decimal.Decimal, latency time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disabled {
		return
	}
	a.total++
	a.successful++
	a.latency.observe(latency.Seconds())
	key := feeKey{asset: asset, chain: chain}
	a.fees[key] = a.fees[key].Add(fee)
}

// RecordFailure 记录一次终态失败，code 为失败错误码。
func (a *Aggregator) RecordFailure(code string, latency time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disabled {
		return
	}
	a.total++
	a.failed++
	a.latency.observe(latency.Seconds())
	if code != "" {
		a.byCode[code]++
	}
}

// Snapshot 返回当前指标的一致性快照。
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		TotalTransactions:      a.total,
		SuccessfulTransactions: a.successful,
		FailedTransactions:     a.failed,
	}
	if a.total > 0 {
		snap.SuccessRate = float64(a.successful) / float64(a.total)
		snap.AverageLatencyMS = a.latency.sum / float64(a.latency.count) * 1000
		snap.P95LatencyMS = a.latency.quantile(0.95) * 1000
	}

	if len(a.byCode) > 0 {
		snap.FailuresByCode = make(map[string]uint64, len(a.byCode))
		for code, count := range a.byCode {
			snap.FailuresByCode[code] = count
		}
	}

	snap.FeeTotals = make([]FeeAggregate, 0, len(a.fees))
	for key, total := range a.fees {
		snap.FeeTotals = append(snap.FeeTotals, FeeAggregate{
			Asset: key.asset,
			Chain: key.chain,
			Total: total.String(),
		})
	}
	sort.Slice(snap.FeeTotals, func(i, j int) bool {
		if snap.FeeTotals[i].Asset == snap.FeeTotals[j].Asset {
			return snap.FeeTotals[i].Chain < snap.FeeTotals[j].Chain
		}
		return snap.FeeTotals[i].Asset < snap.FeeTotals[j].Asset
	})
	return snap
}

// Reset 清空全部指标，仅用于测试。
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total, a.successful, a.failed = 0, 0, 0
	a.latency = newHistogram()
	a.fees = make(map[feeKey]decimal.Decimal)
	a.byCode = make(map[string]uint64)
}
