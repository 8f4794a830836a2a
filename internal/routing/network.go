package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	xerrors "EasyCash-Core/internal/errors"
	"EasyCash-Core/internal/protocol"
	"EasyCash-Core/pkg/logger"
)

// apiKeyHeader 是代理网络认证使用的请求头。
const apiKeyHeader = "X-Ecash-Api-Key"

// NetworkTransportConfig 描述真实代理网络的接入参数。
type NetworkTransportConfig struct {
	// Endpoint 是代理网络的 HTTP 基地址，例如 https://agents.ecash.dev。
	Endpoint string
	APIKey   string
	// SubmitTimeout 约束单次提交请求的时长。
	SubmitTimeout time.Duration
}

// NetworkTransport 通过 WebSocket 订阅报价流，通过 HTTP 提交交易。
type NetworkTransport struct {
	endpoint      string
	apiKey        string
	httpClient    *http.Client
	dialer        *websocket.Dialer
	submitTimeout time.Duration
}

// NewNetworkTransport 创建一个接入真实代理网络的传输层。
func NewNetworkTransport(cfg NetworkTransportConfig) (*NetworkTransport, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "代理网络地址不能为空")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "代理网络地址不合法")
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = 15 * time.Second
	}
	return &NetworkTransport{
		endpoint:      endpoint,
		apiKey:        cfg.APIKey,
		httpClient:    &http.Client{Timeout: submitTimeout},
		dialer:        websocket.DefaultDialer,
		submitTimeout: submitTimeout,
	}, nil
}

// quoteFrame 是报价流上的单条消息。
type quoteFrame struct {
	// Kind 为 quote 时携带报价，为 done 时表示所有代理已响应。
	Kind  string          `json:"kind"`
	Quote *protocol.Quote `json:"quote,omitempty"`
}

// Quotes 与代理网络建立 WebSocket 连接并转发报价流。
func (t *NetworkTransport) Quotes(ctx context.Context, criteria QuoteCriteria) (<-chan protocol.Quote, error) {
	wsURL := websocketURL(t.endpoint) + "/api/v1/quotes/stream"
	header := http.Header{}
	if t.apiKey != "" {
		header.Set(apiKeyHeader, t.apiKey)
	}

	conn, resp, err := t.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, xerrors.Wrap(CodeAgentUnreachable, err, "连接报价流失败")
	}
	if resp != nil {
		resp.Body.Close()
	}

	if err := conn.WriteJSON(criteria); err != nil {
		conn.Close()
		return nil, xerrors.Wrap(CodeAgentUnreachable, err, "发送报价筛选条件失败")
	}

	stream := make(chan protocol.Quote)
	go func() {
		defer close(stream)
		defer conn.Close()

		// 请求取消时主动断开连接，令读循环退出。
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-done:
			}
		}()

		log := logger.Named("routing.network")
		for {
			var frame quoteFrame
			if err := conn.ReadJSON(&frame); err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Warn("quote stream interrupted", "error", err)
				}
				return
			}
			switch frame.Kind {
			case "quote":
				if frame.Quote == nil {
					continue
				}
				select {
				case stream <- *frame.Quote:
				case <-ctx.Done():
					return
				}
			case "done":
				return
			}
		}
	}()
	return stream, nil
}

// Submit 通过 HTTP 将签名后的交易提交给选定代理。
//
// 网络故障与 5xx 响应视为瞬时错误，4xx 响应视为终态拒绝。
func (t *NetworkTransport) Submit(ctx context.Context, sub Submission) (*Receipt, error) {
	payload, err := json.Marshal(submitBody{
		ReferenceID: sub.Request.ReferenceID,
		AgentID:     sub.Route.Quote.AgentID,
		Intent:      sub.Request.Intent,
		Asset:       sub.Request.Asset,
		Amount:      sub.Request.AmountText,
		Recipient:   sub.Request.Recipient,
		SourceChain: sub.Request.SourceChain,
		TargetChain: sub.Request.DestinationChain(),
		Shielded:    sub.Request.Shielded,
		ProofRef:    sub.ProofRef,
		Signature:   sub.Signature,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidRequest, err, "序列化提交请求失败")
	}

	ctx, cancel := context.WithTimeout(ctx, t.submitTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.endpoint+"/api/v1/transactions/submit", bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidRequest, err, "构造提交请求失败")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		httpReq.Header.Set(apiKeyHeader, t.apiKey)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(CodeAgentUnreachable, err, "提交交易失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, xerrors.Wrap(CodeAgentUnreachable, err, "读取提交响应失败")
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, xerrors.New(CodeAgentUnreachable,
			fmt.Sprintf("代理网络返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, xerrors.New(CodeSubmitRejected,
			fmt.Sprintf("代理网络返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithMetadata("reference_id", sub.Request.ReferenceID),
		)
	}

	var receipt Receipt
	if err := json.Unmarshal(body, &receipt); err != nil {
		return nil, xerrors.Wrap(CodeAgentUnreachable, err, "解析提交回执失败")
	}
	if receipt.TxHash == "" {
		return nil, xerrors.New(CodeAgentUnreachable, "提交回执缺少交易哈希")
	}
	return &receipt, nil
}

// Close 实现 Transport 接口。
func (t *NetworkTransport) Close() error {
	t.httpClient.CloseIdleConnections()
	return nil
}

// submitBody 是提交接口的请求载荷。
type submitBody struct {
	ReferenceID string              `json:"reference_id"`
	AgentID     string              `json:"agent_id"`
	Intent      protocol.IntentType `json:"intent"`
	Asset       string              `json:"asset"`
	Amount      string              `json:"amount"`
	Recipient   string              `json:"recipient,omitempty"`
	SourceChain protocol.ChainID    `json:"source_chain"`
	TargetChain protocol.ChainID    `json:"target_chain"`
	Shielded    bool                `json:"shielded"`
	ProofRef    string              `json:"proof_ref,omitempty"`
	Signature   string              `json:"signature"`
}

// websocketURL 将 http(s) 基地址转换为 ws(s) 协议。
func websocketURL(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	default:
		return endpoint
	}
}
