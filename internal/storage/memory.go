package storage

import (
	"context"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"approvalscan/pkg/models"

	"github.com/google/uuid"
)

// MemoryStore 进程内存储
type MemoryStore struct {
	mu        sync.RWMutex
	wallets   map[string]*models.Wallet // key: address:chain
	scans     map[string]*models.Scan
	approvals map[string][]*models.ApprovalRecord
	blacklist map[string]*models.BlacklistEntry
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:   make(map[string]*models.Wallet),
		scans:     make(map[string]*models.Scan),
		approvals: make(map[string][]*models.ApprovalRecord),
		blacklist: make(map[string]*models.BlacklistEntry),
	}
}

func walletKey(address string, chainID int64) string {
	return strings.ToLower(address) + ":" + strconv.FormatInt(chainID, 10)
}

func (m *MemoryStore) GetOrCreateWallet(ctx context.Context, address string, chainID int64) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := walletKey(address, chainID)
	if w, ok := m.wallets[key]; ok {
		return cloneWallet(w), nil
	}
	w := &models.Wallet{
		ID:             uuid.NewString(),
		Address:        strings.ToLower(address),
		ChainID:        chainID,
		FirstScannedAt: time.Now().UTC(),
	}
	m.wallets[key] = w
	return cloneWallet(w), nil
}

func (m *MemoryStore) IncrementWalletScans(ctx context.Context, walletID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.wallets {
		if w.ID == walletID {
			w.TotalScans++
			t := at.UTC()
			w.LastScannedAt = &t
			return nil
		}
	}
	return ErrNotFound
}

// Wallet 按地址读取钱包
func (m *MemoryStore) Wallet(address string, chainID int64) (*models.Wallet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[walletKey(address, chainID)]
	if !ok {
		return nil, false
	}
	return cloneWallet(w), true
}

func (m *MemoryStore) CreateScan(ctx context.Context, scan *models.Scan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if scan.ID == "" {
		scan.ID = uuid.NewString()
	}
	m.scans[scan.ID] = scan.Clone()
	return nil
}

func (m *MemoryStore) UpdateScan(ctx context.Context, scan *models.Scan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.scans[scan.ID]; !ok {
		return ErrNotFound
	}
	m.scans[scan.ID] = scan.Clone()
	return nil
}

func (m *MemoryStore) GetScan(ctx context.Context, id string) (*models.Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.scans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// ScanCount 扫描记录数
func (m *MemoryStore) ScanCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.scans)
}

func (m *MemoryStore) SaveScanResults(ctx context.Context, scan *models.Scan, records []*models.ApprovalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.scans[scan.ID]; !ok {
		return ErrNotFound
	}

	rows := make([]*models.ApprovalRecord, 0, len(records))
	for _, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.ScanID = scan.ID
		rows = append(rows, cloneRecord(r))
	}
	m.scans[scan.ID] = scan.Clone()
	m.approvals[scan.ID] = append(m.approvals[scan.ID], rows...)
	return nil
}

func (m *MemoryStore) ListApprovals(ctx context.Context, scanID string) ([]*models.ApprovalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.approvals[scanID]
	out := make([]*models.ApprovalRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, cloneRecord(r))
	}
	return out, nil
}

func (m *MemoryStore) ActiveBlacklist(ctx context.Context) ([]*models.BlacklistEntry, error) {
	all, _ := m.ListBlacklist(ctx)
	out := all[:0]
	for _, e := range all {
		if e.IsActive {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListBlacklist(ctx context.Context) ([]*models.BlacklistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.BlacklistEntry, 0, len(m.blacklist))
	for _, e := range m.blacklist {
		copied := *e
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (m *MemoryStore) UpsertBlacklistEntry(ctx context.Context, entry *models.BlacklistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *entry
	copied.Address = strings.ToLower(entry.Address)
	if copied.AddedAt.IsZero() {
		copied.AddedAt = time.Now().UTC()
	}
	m.blacklist[copied.Address] = &copied
	return nil
}

func (m *MemoryStore) DeleteScansBefore(ctx context.Context, cutoff time.Time, dryRun bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, s := range m.scans {
		if s.StartedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	if !dryRun {
		for _, id := range ids {
			delete(m.scans, id)
			delete(m.approvals, id)
		}
	}
	return len(ids), nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func cloneWallet(w *models.Wallet) *models.Wallet {
	c := *w
	if w.LastScannedAt != nil {
		t := *w.LastScannedAt
		c.LastScannedAt = &t
	}
	return &c
}

func cloneRecord(r *models.ApprovalRecord) *models.ApprovalRecord {
	c := *r
	if r.ApprovedAmount != nil {
		c.ApprovedAmount = new(big.Int).Set(r.ApprovedAmount)
	}
	if r.BlockNumber != nil {
		b := *r.BlockNumber
		c.BlockNumber = &b
	}
	c.RiskReasons = append([]string(nil), r.RiskReasons...)
	return &c
}
