package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// dialect 不同数据库之间的SQL差异
type dialect struct {
	name            string
	numbered        bool   // 占位符为 $1, $2 ...
	timestamp       string // 时间列类型
	boolean         string
	textKey         string // 可建索引的字符串列类型
	insertWallet    string
	upsertBlacklist string
}

func dialectFor(driver string) (*dialect, error) {
	switch driver {
	case "postgres", "pgx":
		return &dialect{
			name:      "postgres",
			numbered:  true,
			timestamp: "TIMESTAMPTZ",
			boolean:   "BOOLEAN",
			textKey:   "VARCHAR",
			insertWallet: `INSERT INTO wallets (id, address, chain_id, total_scans, first_scanned_at)
				VALUES (?, ?, ?, 0, ?) ON CONFLICT (address, chain_id) DO NOTHING`,
			upsertBlacklist: `INSERT INTO blacklist_entries (address, category, severity, name, source, notes, is_active, added_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (address) DO UPDATE SET category = EXCLUDED.category, severity = EXCLUDED.severity,
				name = EXCLUDED.name, source = EXCLUDED.source, notes = EXCLUDED.notes, is_active = EXCLUDED.is_active`,
		}, nil
	case "sqlite3":
		return &dialect{
			name:      "sqlite3",
			timestamp: "TIMESTAMP",
			boolean:   "BOOLEAN",
			textKey:   "VARCHAR",
			insertWallet: `INSERT INTO wallets (id, address, chain_id, total_scans, first_scanned_at)
				VALUES (?, ?, ?, 0, ?) ON CONFLICT (address, chain_id) DO NOTHING`,
			upsertBlacklist: `INSERT INTO blacklist_entries (address, category, severity, name, source, notes, is_active, added_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (address) DO UPDATE SET category = excluded.category, severity = excluded.severity,
				name = excluded.name, source = excluded.source, notes = excluded.notes, is_active = excluded.is_active`,
		}, nil
	case "mysql":
		return &dialect{
			name:      "mysql",
			timestamp: "DATETIME(6)",
			boolean:   "BOOLEAN",
			textKey:   "VARCHAR",
			insertWallet: `INSERT IGNORE INTO wallets (id, address, chain_id, total_scans, first_scanned_at)
				VALUES (?, ?, ?, 0, ?)`,
			upsertBlacklist: `INSERT INTO blacklist_entries (address, category, severity, name, source, notes, is_active, added_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON DUPLICATE KEY UPDATE category = VALUES(category), severity = VALUES(severity),
				name = VALUES(name), source = VALUES(source), notes = VALUES(notes), is_active = VALUES(is_active)`,
		}, nil
	default:
		return nil, fmt.Errorf("不支持的SQL驱动: %s", driver)
	}
}

// rebind 将 ? 占位符转换为目标数据库格式
func (d *dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// schema 建表语句，逐条执行
func (d *dialect) schema() []string {
	ts := d.timestamp
	str := func(n int) string { return fmt.Sprintf("%s(%d)", d.textKey, n) }

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS wallets (
			id ` + str(36) + ` PRIMARY KEY,
			address ` + str(42) + ` NOT NULL,
			chain_id BIGINT NOT NULL,
			total_scans INTEGER NOT NULL DEFAULT 0,
			first_scanned_at ` + ts + ` NOT NULL,
			last_scanned_at ` + ts + ` NULL,
			UNIQUE (address, chain_id)
		)`,
		`CREATE TABLE IF NOT EXISTS scans (
			id ` + str(36) + ` PRIMARY KEY,
			wallet_id ` + str(36) + ` NOT NULL,
			wallet_address ` + str(42) + ` NOT NULL,
			chain_id BIGINT NOT NULL,
			status ` + str(16) + ` NOT NULL,
			total_approvals INTEGER NOT NULL DEFAULT 0,
			total_risk_score INTEGER NOT NULL DEFAULT 0,
			risk_level ` + str(16) + ` NOT NULL DEFAULT 'LOW',
			high_risk_count INTEGER NOT NULL DEFAULT 0,
			critical_risk_count INTEGER NOT NULL DEFAULT 0,
			started_at ` + ts + ` NOT NULL,
			completed_at ` + ts + ` NULL,
			error_message TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id ` + str(36) + ` PRIMARY KEY,
			scan_id ` + str(36) + ` NOT NULL,
			position INTEGER NOT NULL,
			token_address ` + str(42) + ` NOT NULL,
			token_type ` + str(16) + ` NOT NULL,
			spender_address ` + str(42) + ` NOT NULL,
			approved_amount ` + str(80) + ` NULL,
			is_unlimited ` + d.boolean + ` NOT NULL,
			is_operator ` + d.boolean + ` NOT NULL,
			risk_points INTEGER NOT NULL,
			risk_level ` + str(16) + ` NOT NULL,
			risk_reasons TEXT NOT NULL,
			block_number BIGINT NULL,
			transaction_hash ` + str(66) + ` NOT NULL DEFAULT '',
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS blacklist_entries (
			address ` + str(42) + ` PRIMARY KEY,
			category ` + str(16) + ` NOT NULL,
			severity INTEGER NOT NULL DEFAULT 50,
			name ` + str(255) + ` NOT NULL DEFAULT '',
			source ` + str(100) + ` NOT NULL DEFAULT '',
			notes TEXT,
			is_active ` + d.boolean + ` NOT NULL,
			added_at ` + ts + ` NOT NULL
		)`,
	}

	// MySQL不支持 CREATE INDEX IF NOT EXISTS
	if d.name != "mysql" {
		stmts = append(stmts,
			`CREATE INDEX IF NOT EXISTS idx_scans_wallet ON scans (wallet_id, started_at)`,
			`CREATE INDEX IF NOT EXISTS idx_scans_started ON scans (started_at)`,
			`CREATE INDEX IF NOT EXISTS idx_approvals_scan ON approvals (scan_id, position)`,
		)
	}
	return stmts
}
