package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"approvalscan/internal/config"
	"approvalscan/pkg/models"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// SQLStore 基于database/sql的存储
type SQLStore struct {
	db      *sql.DB
	dialect *dialect
	logger  *logrus.Logger
}

// NewSQLStore 连接数据库，AutoMigrate时自动建表
func NewSQLStore(ctx context.Context, cfg *config.StorageConfig, logger *logrus.Logger) (*SQLStore, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	dsn := cfg.DSN
	if cfg.Driver == "mysql" {
		if dsn, err = mysqlDSN(dsn); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.Driver == "sqlite3" {
		// sqlite同一时刻只允许一个写连接
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	s := &SQLStore{db: db, dialect: d, logger: logger}
	if cfg.AutoMigrate {
		if err := s.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	logger.Infof("已连接 %s 存储", cfg.Driver)
	return s, nil
}

// mysqlDSN 时间列需要parseTime，UPDATE按匹配行数计数
func mysqlDSN(dsn string) (string, error) {
	c, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("解析MySQL DSN失败: %w", err)
	}
	c.ParseTime = true
	c.ClientFoundRows = true
	c.Loc = time.UTC
	return c.FormatDSN(), nil
}

// EnsureSchema 建表
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("初始化表结构失败: %w", err)
		}
	}
	return nil
}

// DB 底层连接
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) exec(ctx context.Context, q execer, query string, args ...interface{}) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const walletColumns = `id, address, chain_id, total_scans, first_scanned_at, last_scanned_at`

func (s *SQLStore) GetOrCreateWallet(ctx context.Context, address string, chainID int64) (*models.Wallet, error) {
	address = strings.ToLower(address)
	if _, err := s.exec(ctx, s.db, s.dialect.insertWallet, uuid.NewString(), address, chainID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("创建钱包失败: %w", err)
	}

	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+walletColumns+` FROM wallets WHERE address = ? AND chain_id = ?`), address, chainID)
	w := &models.Wallet{}
	var last sql.NullTime
	if err := row.Scan(&w.ID, &w.Address, &w.ChainID, &w.TotalScans, &w.FirstScannedAt, &last); err != nil {
		return nil, fmt.Errorf("读取钱包失败: %w", err)
	}
	if last.Valid {
		t := last.Time
		w.LastScannedAt = &t
	}
	return w, nil
}

func (s *SQLStore) IncrementWalletScans(ctx context.Context, walletID string, at time.Time) error {
	res, err := s.exec(ctx, s.db, `UPDATE wallets SET total_scans = total_scans + 1, last_scanned_at = ? WHERE id = ?`, at.UTC(), walletID)
	if err != nil {
		return fmt.Errorf("更新钱包扫描次数失败: %w", err)
	}
	return requireAffected(res)
}

const scanColumns = `id, wallet_id, wallet_address, chain_id, status, total_approvals, total_risk_score,
	risk_level, high_risk_count, critical_risk_count, started_at, completed_at, error_message`

func (s *SQLStore) CreateScan(ctx context.Context, scan *models.Scan) error {
	if scan.ID == "" {
		scan.ID = uuid.NewString()
	}
	if scan.RiskLevel == "" {
		scan.RiskLevel = models.RiskLevelLow
	}
	_, err := s.exec(ctx, s.db, `INSERT INTO scans (`+scanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		scan.ID, scan.WalletID, scan.WalletAddress, scan.ChainID, string(scan.Status), scan.TotalApprovals, scan.TotalRiskScore,
		string(scan.RiskLevel), scan.HighRiskCount, scan.CriticalRiskCount, scan.StartedAt.UTC(), nullTime(scan.CompletedAt), scan.ErrorMessage)
	if err != nil {
		return fmt.Errorf("创建扫描记录失败: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateScan(ctx context.Context, scan *models.Scan) error {
	return s.updateScan(ctx, s.db, scan)
}

func (s *SQLStore) updateScan(ctx context.Context, q execer, scan *models.Scan) error {
	res, err := s.exec(ctx, q, `UPDATE scans SET wallet_id = ?, status = ?, total_approvals = ?, total_risk_score = ?, risk_level = ?,
		high_risk_count = ?, critical_risk_count = ?, started_at = ?, completed_at = ?, error_message = ? WHERE id = ?`,
		scan.WalletID, string(scan.Status), scan.TotalApprovals, scan.TotalRiskScore, string(scan.RiskLevel),
		scan.HighRiskCount, scan.CriticalRiskCount, scan.StartedAt.UTC(), nullTime(scan.CompletedAt), scan.ErrorMessage, scan.ID)
	if err != nil {
		return fmt.Errorf("更新扫描记录失败: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLStore) GetScan(ctx context.Context, id string) (*models.Scan, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+scanColumns+` FROM scans WHERE id = ?`), id)

	scan := &models.Scan{}
	var status, level string
	var completed sql.NullTime
	var errMsg sql.NullString
	err := row.Scan(&scan.ID, &scan.WalletID, &scan.WalletAddress, &scan.ChainID, &status, &scan.TotalApprovals,
		&scan.TotalRiskScore, &level, &scan.HighRiskCount, &scan.CriticalRiskCount, &scan.StartedAt, &completed, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取扫描记录失败: %w", err)
	}

	scan.Status = models.ScanStatus(status)
	scan.RiskLevel = models.RiskLevel(level)
	scan.ErrorMessage = errMsg.String
	if completed.Valid {
		t := completed.Time
		scan.CompletedAt = &t
	}
	return scan, nil
}

const approvalColumns = `id, scan_id, position, token_address, token_type, spender_address, approved_amount,
	is_unlimited, is_operator, risk_points, risk_level, risk_reasons, block_number, transaction_hash, created_at`

func (s *SQLStore) SaveScanResults(ctx context.Context, scan *models.Scan, records []*models.ApprovalRecord) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.updateScan(ctx, tx, scan); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, s.dialect.rebind(`INSERT INTO approvals (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("准备授权写入语句失败: %w", err)
	}
	defer stmt.Close()

	for i, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.ScanID = scan.ID

		reasons, mErr := json.Marshal(nonNilReasons(r.RiskReasons))
		if mErr != nil {
			return fmt.Errorf("编码风险原因失败: %w", mErr)
		}
		_, err = stmt.ExecContext(ctx, r.ID, r.ScanID, i, r.TokenAddress, string(r.TokenType), r.SpenderAddress,
			encodeAmount(r.ApprovedAmount), r.IsUnlimited, r.IsOperator, r.RiskPoints, string(r.RiskLevel),
			string(reasons), nullBlock(r.BlockNumber), r.TransactionHash, r.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("写入授权记录失败: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

func (s *SQLStore) ListApprovals(ctx context.Context, scanID string) ([]*models.ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`SELECT `+approvalColumns+` FROM approvals WHERE scan_id = ? ORDER BY position`), scanID)
	if err != nil {
		return nil, fmt.Errorf("查询授权记录失败: %w", err)
	}
	defer rows.Close()

	var out []*models.ApprovalRecord
	for rows.Next() {
		r := &models.ApprovalRecord{}
		var position int
		var tokenType, level, reasons string
		var amount sql.NullString
		var block sql.NullInt64
		var txHash sql.NullString
		err := rows.Scan(&r.ID, &r.ScanID, &position, &r.TokenAddress, &tokenType, &r.SpenderAddress, &amount,
			&r.IsUnlimited, &r.IsOperator, &r.RiskPoints, &level, &reasons, &block, &txHash, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("读取授权记录失败: %w", err)
		}

		r.TokenType = models.TokenType(tokenType)
		r.RiskLevel = models.RiskLevel(level)
		r.TransactionHash = txHash.String
		if r.ApprovedAmount, err = decodeAmount(amount); err != nil {
			return nil, err
		}
		if block.Valid {
			b := uint64(block.Int64)
			r.BlockNumber = &b
		}
		if err := json.Unmarshal([]byte(reasons), &r.RiskReasons); err != nil {
			return nil, fmt.Errorf("解析风险原因失败: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const blacklistColumns = `address, category, severity, name, source, notes, is_active, added_at`

func (s *SQLStore) ActiveBlacklist(ctx context.Context) ([]*models.BlacklistEntry, error) {
	return s.queryBlacklist(ctx, `SELECT `+blacklistColumns+` FROM blacklist_entries WHERE is_active = ? ORDER BY address`, true)
}

func (s *SQLStore) ListBlacklist(ctx context.Context) ([]*models.BlacklistEntry, error) {
	return s.queryBlacklist(ctx, `SELECT `+blacklistColumns+` FROM blacklist_entries ORDER BY address`)
}

func (s *SQLStore) queryBlacklist(ctx context.Context, query string, args ...interface{}) ([]*models.BlacklistEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("查询黑名单失败: %w", err)
	}
	defer rows.Close()

	var out []*models.BlacklistEntry
	for rows.Next() {
		e := &models.BlacklistEntry{}
		var category string
		var notes sql.NullString
		if err := rows.Scan(&e.Address, &category, &e.Severity, &e.Name, &e.Source, &notes, &e.IsActive, &e.AddedAt); err != nil {
			return nil, fmt.Errorf("读取黑名单失败: %w", err)
		}
		e.Category = models.BlacklistCategory(category)
		e.Notes = notes.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpsertBlacklistEntry(ctx context.Context, entry *models.BlacklistEntry) error {
	added := entry.AddedAt
	if added.IsZero() {
		added = time.Now()
	}
	_, err := s.exec(ctx, s.db, s.dialect.upsertBlacklist,
		strings.ToLower(entry.Address), string(entry.Category), entry.Severity, entry.Name, entry.Source, entry.Notes,
		entry.IsActive, added.UTC())
	if err != nil {
		return fmt.Errorf("写入黑名单失败: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteScansBefore(ctx context.Context, cutoff time.Time, dryRun bool) (n int, err error) {
	cutoff = cutoff.UTC()
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT COUNT(*) FROM scans WHERE started_at < ?`), cutoff)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("统计过期扫描失败: %w", err)
	}
	if dryRun || n == 0 {
		return n, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = s.exec(ctx, tx, `DELETE FROM approvals WHERE scan_id IN (SELECT id FROM scans WHERE started_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("删除过期授权记录失败: %w", err)
	}
	res, err := s.exec(ctx, tx, `DELETE FROM scans WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("删除过期扫描失败: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("提交事务失败: %w", err)
	}

	if affected, aErr := res.RowsAffected(); aErr == nil {
		n = int(affected)
	}
	s.logger.Infof("已删除 %d 条过期扫描", n)
	return n, nil
}

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullBlock(b *uint64) sql.NullInt64 {
	if b == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*b), Valid: true}
}

// encodeAmount uint256超出数据库整数范围，按十进制字符串保存
func encodeAmount(amount *big.Int) sql.NullString {
	if amount == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: decimal.NewFromBigInt(amount, 0).String(), Valid: true}
}

func decodeAmount(s sql.NullString) (*big.Int, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, fmt.Errorf("解析授权数量失败: %w", err)
	}
	return d.BigInt(), nil
}

func nonNilReasons(r []string) []string {
	if r == nil {
		return []string{}
	}
	return r
}
