package settlement

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"EasyCash-Core/deploy/migrations"
	xerrors "EasyCash-Core/internal/errors"
	"EasyCash-Core/internal/protocol"
)

// Record 是一笔交易执行的落库结构。
type Record struct {
	ReferenceID string
	Fingerprint string
	Intent      string
	Asset       string
	Amount      string
	SourceChain string
	TargetChain string
	Shielded    bool
	AgentID     string
	TxHash      string
	Fee         string
	Outcome     string
	ErrorCode   string
	LatencyMS   int64
	CreatedAt   int64
}

// RecordOutcome 的取值。
const (
	RecordSucceeded = "succeeded"
	RecordFailed    = "failed"
)

// Ledger 抽象执行流水的持久化接口。
type Ledger interface {
	Append(ctx context.Context, record Record) error
	ListLatest(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// MemoryLedger 在内存中保存执行流水，开发网和测试使用。
type MemoryLedger struct {
	mu      sync.RWMutex
	records []Record
	cap     int
}

// NewMemoryLedger 创建一个最多保留 cap 条记录的内存流水。
func NewMemoryLedger(capacity int) *MemoryLedger {
	if capacity <= 0 {
		capacity = 512
	}
	return &MemoryLedger{cap: capacity}
}

// Append 记录一笔执行结果，最新的排在最前。
func (m *MemoryLedger) Append(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append([]Record{record}, m.records...)
	if len(m.records) > m.cap {
		m.records = m.records[:m.cap]
	}
	return nil
}

// ListLatest 返回最近的执行记录，按时间倒序排列。
func (m *MemoryLedger) ListLatest(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]Record, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// Close 实现 Ledger 接口。
func (m *MemoryLedger) Close() error { return nil }

// SQLLedger 使用 MySQL 持久化执行流水。
type SQLLedger struct {
	db *sql.DB
}

// NewSQLLedger 创建连接池并初始化流水表。
func NewSQLLedger(dsn string) (*SQLLedger, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	ledger := &SQLLedger{db: db}
	if err := ledger.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return ledger, nil
}

// initSchema 按文件名顺序执行 deploy/migrations 内嵌的迁移脚本。
func (s *SQLLedger) initSchema() error {
	names, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "枚举迁移脚本失败")
	}
	sort.Strings(names)

	for _, name := range names {
		stmt, err := migrations.Files.ReadFile(name)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取迁移脚本 %s 失败", name))
		}
		if _, err := s.db.Exec(string(stmt)); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("执行迁移脚本 %s 失败", name))
		}
	}
	return nil
}

// Append 将执行记录写入 MySQL。
func (s *SQLLedger) Append(ctx context.Context, record Record) error {
	const stmt = `INSERT INTO executions
        (reference_id, fingerprint, intent, asset, amount, source_chain, target_chain,
         shielded, agent_id, tx_hash, fee, outcome, error_code, latency_ms, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		record.ReferenceID,
		record.Fingerprint,
		record.Intent,
		record.Asset,
		record.Amount,
		record.SourceChain,
		record.TargetChain,
		record.Shielded,
		record.AgentID,
		record.TxHash,
		record.Fee,
		record.Outcome,
		record.ErrorCode,
		record.LatencyMS,
		record.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入执行流水失败")
	}
	return nil
}

// ListLatest 查询最近的若干条执行记录。
func (s *SQLLedger) ListLatest(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT reference_id, fingerprint, intent, asset, amount,
        source_chain, target_chain, shielded, agent_id, tx_hash, fee, outcome, error_code, latency_ms, created_at
        FROM executions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行流水失败")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var record Record
		if err := rows.Scan(&record.ReferenceID, &record.Fingerprint, &record.Intent, &record.Asset,
			&record.Amount, &record.SourceChain, &record.TargetChain, &record.Shielded, &record.AgentID,
			&record.TxHash, &record.Fee, &record.Outcome, &record.ErrorCode, &record.LatencyMS, &record.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行流水失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行流水失败")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLLedger) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordOf 根据请求与执行结果构造一条流水记录。
func RecordOf(req protocol.NormalizedRequest, fp protocol.Fingerprint, resp *protocol.TransactionResponse, errCode string, latency time.Duration) Record {
	record := Record{
		ReferenceID: req.ReferenceID,
		Fingerprint: string(fp),
		Intent:      string(req.Intent),
		Asset:       req.Asset,
		Amount:      req.AmountText,
		SourceChain: string(req.SourceChain),
		TargetChain: string(req.TargetChain),
		Shielded:    req.Shielded,
		Outcome:     RecordFailed,
		ErrorCode:   errCode,
		LatencyMS:   latency.Milliseconds(),
		CreatedAt:   time.Now().Unix(),
	}
	if resp != nil {
		record.Outcome = RecordSucceeded
		record.AgentID = resp.AgentID
		record.TxHash = resp.TxHash
		record.Fee = resp.FeeUsed
		record.ErrorCode = ""
	}
	return record
}
