package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"EasyCash-Core/internal/cache"
	"EasyCash-Core/internal/crypto"
	xerrors "EasyCash-Core/internal/errors"
	"EasyCash-Core/internal/monitoring"
	"EasyCash-Core/internal/observability/alerting"
	"EasyCash-Core/internal/protocol"
	"EasyCash-Core/internal/ratelimit"
	"EasyCash-Core/internal/routing"
	"EasyCash-Core/internal/settlement"
	"EasyCash-Core/internal/validator"
	"EasyCash-Core/internal/zk"
	"EasyCash-Core/pkg/logger"
)

// 流水线阶段名称，用于日志、告警与阶段耗时统计。
const (
	StageValidating     = "validating"
	StageFingerprinting = "fingerprinting"
	StageRouteResolving = "route_resolving"
	StageProving        = "proving"
	StageExecuting      = "executing"
)

// Config 约束编排器的重试与超时行为。
type Config struct {
	// MaxRetries 是单个可重试阶段的最大尝试次数。
	MaxRetries int
	// RetryBackoff 是首次重试前的退避时长，之后逐次翻倍。
	RetryBackoff time.Duration
	// NegotiationTimeout 约束单次路由协商。
	NegotiationTimeout time.Duration
	// ProverTimeout 约束单次证明生成。
	ProverTimeout time.Duration
	// SubmitTimeout 约束单次交易提交。
	SubmitTimeout time.Duration
	// RouteCacheTTL 是路由缓存的存活时长，0 表示不缓存。
	RouteCacheTTL time.Duration
	// ProofCacheTTL 是证明缓存的存活时长，0 表示不缓存。
	ProofCacheTTL time.Duration
	// EnableZKProofs 关闭时拒绝屏蔽交易。
	EnableZKProofs bool
}

// applyDefaults 填充未设置的配置项。
func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = 5 * time.Second
	}
	if c.ProverTimeout <= 0 {
		c.ProverTimeout = 10 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 15 * time.Second
	}
}

// RouteResolver 抽象路由协商，便于在测试中替换。
type RouteResolver interface {
	Negotiate(ctx context.Context, req protocol.NormalizedRequest) (*protocol.Route, error)
}

// Orchestrator 将校验、指纹、协商、证明与执行组合成端到端流水线。
type Orchestrator struct {
	cfg        Config
	resolver   RouteResolver
	transport  routing.Transport
	prover     zk.Prover
	signer     *crypto.Signer
	metrics    *monitoring.Aggregator
	ledger     settlement.Ledger
	events     settlement.Sink
	alerts     alerting.Dispatcher
	limiter    *ratelimit.Limiter
	routeCache *cache.Cache[protocol.Route]
	proofCache *cache.Cache[zk.Proof]
	log        *slog.Logger

	// sleep 可在测试中替换以避免真实退避等待。
	sleep func(ctx context.Context, d time.Duration) error
}

// Deps 聚合编排器的全部协作组件。
type Deps struct {
	Resolver  RouteResolver
	Transport routing.Transport
	Prover    zk.Prover
	Signer    *crypto.Signer
	Metrics   *monitoring.Aggregator
	Ledger    settlement.Ledger
	Events    settlement.Sink
	Alerts    alerting.Dispatcher
	Limiter   *ratelimit.Limiter
	Store     cache.Store
}

// New 创建编排器。Resolver、Transport 与 Signer 为必选组件。
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	cfg.applyDefaults()
	if deps.Resolver == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置路由协商器")
	}
	if deps.Transport == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置代理传输层")
	}
	if deps.Signer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置交易签名器")
	}

	store := deps.Store
	if store == nil {
		store = cache.NewMemoryStore()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = monitoring.NewAggregator()
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = ratelimit.Disabled()
	}

	o := &Orchestrator{
		cfg:        cfg,
		resolver:   deps.Resolver,
		transport:  deps.Transport,
		prover:     deps.Prover,
		signer:     deps.Signer,
		metrics:    metrics,
		ledger:     deps.Ledger,
		events:     deps.Events,
		alerts:     deps.Alerts,
		limiter:    limiter,
		routeCache: cache.New[protocol.Route]("route", store),
		proofCache: cache.New[zk.Proof]("proof", store),
		log:        logger.Named("orchestrator"),
		sleep:      sleepCtx,
	}
	if cfg.EnableZKProofs && o.prover == nil {
		o.prover = zk.NewLocalProver("")
	}
	return o, nil
}

// Execute 是编排器的唯一入口，按状态机推进一笔交易。
func (o *Orchestrator) Execute(ctx context.Context, req protocol.TransactionRequest) (*protocol.TransactionResponse, error) {
	start := time.Now()

	if err := o.limiter.Allow(); err != nil {
		return nil, err
	}

	// Validating: 校验失败不重试，直接终态。
	validateStart := time.Now()
	normalized, err := validator.Validate(&req)
	if err != nil {
		o.finishFailure(ctx, protocol.NormalizedRequest{ReferenceID: req.ReferenceID}, "", StageValidating, 1, err, start)
		return nil, err
	}
	timings := protocol.StageTimings{ValidateMS: time.Since(validateStart).Milliseconds()}

	// Fingerprinting: 纯函数，不会失败。
	fp := protocol.FingerprintOf(normalized)

	// RouteResolving: 同指纹的并发请求只协商一次。
	routeStart := time.Now()
	route, attempts, err := o.resolveRoute(ctx, *normalized, fp)
	if err != nil {
		o.finishFailure(ctx, *normalized, fp, StageRouteResolving, attempts, err, start)
		return nil, err
	}
	timings.RouteMS = time.Since(routeStart).Milliseconds()

	// Proving: 仅屏蔽交易进入，证明缓存键同为指纹。
	var proofRef string
	if normalized.Shielded {
		proofStart := time.Now()
		proof, attempts, err := o.resolveProof(ctx, *normalized, fp)
		if err != nil {
			o.finishFailure(ctx, *normalized, fp, StageProving, attempts, err, start)
			return nil, err
		}
		proofRef = proof.Ref
		timings.ProofMS = time.Since(proofStart).Milliseconds()
	}

	// Executing: 签名并提交，复用已解析的路由与证明。
	executeStart := time.Now()
	receipt, attempts, err := o.execute(ctx, *normalized, *route, proofRef)
	if err != nil {
		o.finishFailure(ctx, *normalized, fp, StageExecuting, attempts, err, start)
		return nil, err
	}
	timings.ExecuteMS = time.Since(executeStart).Milliseconds()
	timings.TotalMS = time.Since(start).Milliseconds()

	resp := &protocol.TransactionResponse{
		TxHash:      receipt.TxHash,
		Status:      protocol.StatusConfirmed,
		BlockHeight: receipt.BlockHeight,
		AgentID:     receipt.AgentID,
		FeeUsed:     route.Fee.String(),
		Hops:        route.Hops,
		ProofRef:    proofRef,
		Timings:     timings,
	}
	o.finishSuccess(ctx, *normalized, fp, resp, start)
	return resp, nil
}

// Metrics 返回当前指标快照。
func (o *Orchestrator) Metrics() monitoring.Snapshot {
	return o.metrics.Snapshot()
}

// Aggregator 暴露底层聚合器，供指标导出接口使用。
func (o *Orchestrator) Aggregator() *monitoring.Aggregator {
	return o.metrics
}

// InvalidateRoute 移除指纹对应的路由缓存。
func (o *Orchestrator) InvalidateRoute(ctx context.Context, fp protocol.Fingerprint) error {
	return o.routeCache.Invalidate(ctx, string(fp))
}

// Close 释放编排器持有的下游资源。
func (o *Orchestrator) Close() error {
	var firstErr error
	if o.transport != nil {
		if err := o.transport.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if o.ledger != nil {
		if err := o.ledger.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if o.events != nil {
		if err := o.events.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// resolveRoute 经缓存与单飞机制调用路由协商。
func (o *Orchestrator) resolveRoute(ctx context.Context, req protocol.NormalizedRequest, fp protocol.Fingerprint) (*protocol.Route, int, error) {
	var route protocol.Route
	attempts, err := o.withRetry(ctx, StageRouteResolving, req.ReferenceID, func(ctx context.Context) error {
		resolved, err := o.routeCache.GetOrCompute(ctx, string(fp), o.cfg.RouteCacheTTL, func(ctx context.Context) (protocol.Route, error) {
			negotiateCtx, cancel := context.WithTimeout(ctx, o.cfg.NegotiationTimeout)
			defer cancel()
			r, err := o.resolver.Negotiate(negotiateCtx, req)
			if err != nil {
				return protocol.Route{}, err
			}
			return *r, nil
		})
		if err != nil {
			return err
		}
		route = resolved
		return nil
	})
	if err != nil {
		return nil, attempts, err
	}
	return &route, attempts, nil
}

// resolveProof 经缓存与单飞机制生成屏蔽证明。
func (o *Orchestrator) resolveProof(ctx context.Context, req protocol.NormalizedRequest, fp protocol.Fingerprint) (*zk.Proof, int, error) {
	if !o.cfg.EnableZKProofs || o.prover == nil {
		return nil, 0, xerrors.New(xerrors.CodeInvalidRequest, "屏蔽交易需要启用零知识证明")
	}

	var proof zk.Proof
	attempts, err := o.withRetry(ctx, StageProving, req.ReferenceID, func(ctx context.Context) error {
		resolved, err := o.proofCache.GetOrCompute(ctx, string(fp), o.cfg.ProofCacheTTL, func(ctx context.Context) (zk.Proof, error) {
			proveCtx, cancel := context.WithTimeout(ctx, o.cfg.ProverTimeout)
			defer cancel()
			p, err := o.prover.Prove(proveCtx, req, fp)
			if err != nil {
				return zk.Proof{}, err
			}
			return *p, nil
		})
		if err != nil {
			return err
		}
		proof = resolved
		return nil
	})
	if err != nil {
		return nil, attempts, err
	}
	return &proof, attempts, nil
}

// execute 对执行材料签名并提交给选定代理。
func (o *Orchestrator) execute(ctx context.Context, req protocol.NormalizedRequest, route protocol.Route, proofRef string) (*routing.Receipt, int, error) {
	payload, err := signingPayload(req, route, proofRef)
	if err != nil {
		return nil, 1, err
	}
	signature, err := o.signer.Sign(payload)
	if err != nil {
		return nil, 1, err
	}

	var receipt *routing.Receipt
	attempts, err := o.withRetry(ctx, StageExecuting, req.ReferenceID, func(ctx context.Context) error {
		submitCtx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
		defer cancel()
		r, err := o.transport.Submit(submitCtx, routing.Submission{
			Request:   req,
			Route:     route,
			ProofRef:  proofRef,
			Signature: signature,
		})
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		return nil, attempts, err
	}
	return receipt, attempts, nil
}

// withRetry 执行一个阶段并按指数退避重试可重试失败。
//
// 退避序列为 backoff, 2*backoff, 4*backoff ...，仅作用于当前阶段。
// 返回值包含实际执行的尝试次数，供失败告警上报真实的重试状态。
func (o *Orchestrator) withRetry(ctx context.Context, stage, referenceID string, fn func(ctx context.Context) error) (int, error) {
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= o.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempts, xerrors.Wrap(xerrors.CodeCancelled, err, "流水线被取消")
		}

		attempts = attempt
		lastErr = fn(ctx)
		if lastErr == nil {
			return attempts, nil
		}
		if !xerrors.RetryableError(lastErr) {
			return attempts, lastErr
		}
		if attempt == o.cfg.MaxRetries {
			break
		}

		backoff := o.cfg.RetryBackoff << (attempt - 1)
		o.log.Warn("stage failed, retrying",
			slog.String("stage", stage),
			slog.String("reference_id", referenceID),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", lastErr.Error()),
		)
		if err := o.sleep(ctx, backoff); err != nil {
			return attempts, xerrors.Wrap(xerrors.CodeCancelled, err, "退避等待被取消")
		}
	}
	return attempts, xerrors.Wrap(xerrors.CodeRetriesExhausted, lastErr,
		fmt.Sprintf("阶段 %s 在 %d 次尝试后仍然失败", stage, o.cfg.MaxRetries))
}

// finishSuccess 记录成功结果并广播结算事件。
func (o *Orchestrator) finishSuccess(ctx context.Context, req protocol.NormalizedRequest, fp protocol.Fingerprint, resp *protocol.TransactionResponse, start time.Time) {
	latency := time.Since(start)
	o.metrics.RecordSuccess(req.Asset, req.DestinationChain(), mustDecimal(resp.FeeUsed), latency)

	if o.ledger != nil {
		if err := o.ledger.Append(ctx, settlement.RecordOf(req, fp, resp, "", latency)); err != nil {
			o.log.Error("append execution ledger failed", slog.String("reference_id", req.ReferenceID), slog.String("error", err.Error()))
		}
	}
	o.publishEvent(ctx, req, resp, "")

	o.log.Info("transaction confirmed",
		slog.String("reference_id", req.ReferenceID),
		slog.String("tx_hash", resp.TxHash),
		slog.String("agent_id", resp.AgentID),
		slog.Int64("total_ms", resp.Timings.TotalMS),
	)
	logger.Audit().Info("transaction",
		slog.String("reference_id", req.ReferenceID),
		slog.String("fingerprint", fp.Short()),
		slog.String("outcome", "succeeded"),
		slog.String("tx_hash", resp.TxHash),
	)
}

// finishFailure 记录终态失败，写流水、发事件并按需告警。
func (o *Orchestrator) finishFailure(ctx context.Context, req protocol.NormalizedRequest, fp protocol.Fingerprint, stage string, attempts int, cause error, start time.Time) {
	latency := time.Since(start)
	code := string(xerrors.CodeOf(cause))
	o.metrics.RecordFailure(code, latency)

	if o.ledger != nil && req.Asset != "" {
		if err := o.ledger.Append(ctx, settlement.RecordOf(req, fp, nil, code, latency)); err != nil {
			o.log.Error("append execution ledger failed", slog.String("reference_id", req.ReferenceID), slog.String("error", err.Error()))
		}
	}
	if req.Asset != "" {
		o.publishEvent(ctx, req, nil, code)
	}

	if o.alerts != nil {
		if event, ok := alerting.FromError(req.ReferenceID, stage, attempts, o.cfg.MaxRetries, cause); ok {
			if err := o.alerts.Notify(ctx, event); err != nil {
				o.log.Error("dispatch alert failed", slog.String("error", err.Error()))
			}
		}
	}

	o.log.Warn("transaction failed",
		slog.String("reference_id", req.ReferenceID),
		slog.String("stage", stage),
		slog.String("code", code),
		slog.String("error", cause.Error()),
	)
}

// publishEvent 投递结算事件，失败仅记录日志不影响交易结果。
func (o *Orchestrator) publishEvent(ctx context.Context, req protocol.NormalizedRequest, resp *protocol.TransactionResponse, errCode string) {
	if o.events == nil {
		return
	}
	event := settlement.Event{
		ReferenceID: req.ReferenceID,
		Asset:       req.Asset,
		Amount:      req.AmountText,
		SourceChain: string(req.SourceChain),
		TargetChain: string(req.TargetChain),
		Outcome:     settlement.RecordFailed,
		ErrorCode:   errCode,
		OccurredAt:  time.Now().Unix(),
	}
	if resp != nil {
		event.Outcome = settlement.RecordSucceeded
		event.TxHash = resp.TxHash
		event.AgentID = resp.AgentID
		event.ErrorCode = ""
	}
	if err := o.events.Publish(ctx, event); err != nil {
		o.log.Error("publish settlement event failed",
			slog.String("reference_id", req.ReferenceID),
			slog.String("error", err.Error()),
		)
	}
}

// signingPayload 构造待签名的规范化载荷。
func signingPayload(req protocol.NormalizedRequest, route protocol.Route, proofRef string) ([]byte, error) {
	payload := struct {
		ReferenceID string `json:"reference_id"`
		Intent      string `json:"intent"`
		Asset       string `json:"asset"`
		Amount      string `json:"amount"`
		Recipient   string `json:"recipient,omitempty"`
		SourceChain string `json:"source_chain"`
		TargetChain string `json:"target_chain"`
		AgentID     string `json:"agent_id"`
		Fee         string `json:"fee"`
		ProofRef    string `json:"proof_ref,omitempty"`
	}{
		ReferenceID: req.ReferenceID,
		Intent:      string(req.Intent),
		Asset:       req.Asset,
		Amount:      req.AmountText,
		Recipient:   req.Recipient,
		SourceChain: string(req.SourceChain),
		TargetChain: string(req.DestinationChain()),
		AgentID:     route.Quote.AgentID,
		Fee:         route.Fee.String(),
		ProofRef:    proofRef,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidRequest, err, "序列化签名载荷失败")
	}
	return encoded, nil
}

// sleepCtx 在尊重取消信号的前提下等待给定时长。
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// mustDecimal 解析内部生成的十进制字符串。
func mustDecimal(value string) decimal.Decimal {
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero
	}
	return parsed
}
