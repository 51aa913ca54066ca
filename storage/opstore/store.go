// Package opstore is the relational operations store: earmarks, rebalance
// operations with their embedded per-chain transaction entries, and the
// global pause flags. gorm maps the camelCase model fields to snake_case
// columns at this boundary; payload casing never leaks into SQL.
package opstore

import (
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/jinzhu/gorm"
	"github.com/pkg/errors"

	"github.com/everclear/mark/core"
	"github.com/everclear/mark/log"
)

var logger = log.NewModuleLogger("opstore")

var (
	ErrNotFound         = errors.New("opstore: not found")
	ErrDuplicateEarmark = errors.New("opstore: active earmark exists for invoice")
	ErrBadTransition    = errors.New("opstore: illegal status transition")
)

// Pause flag keys.
const (
	FlagRebalance = "rebalance"
	FlagOnDemand  = "ondemand"
	FlagPurchase  = "purchase"
)

// MaxListLimit caps list queries.
const MaxListLimit = 1000

// PauseFlag is one row of the pause_flags table.
type PauseFlag struct {
	Name      string `gorm:"primary_key;size:32"`
	Paused    bool
	UpdatedAt time.Time
}

// Store wraps the gorm handle.
type Store struct {
	db *gorm.DB
}

// Open connects with the given dialect ("mysql" in production) and runs the
// schema migration.
func Open(dialect, dsn string) (*Store, error) {
	db, err := gorm.Open(dialect, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open operations store")
	}
	db.LogMode(false)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle; the caller owns its lifecycle.
func NewWithDB(db *gorm.DB) (*Store, error) {
	s := &Store{db: db}
	return s, s.migrate()
}

func (s *Store) migrate() error {
	return errors.Wrap(
		s.db.AutoMigrate(&core.Earmark{}, &core.RebalanceOperation{}, &PauseFlag{}).Error,
		"migrate operations store")
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// --- Earmarks ---

// CreateEarmark inserts a pending earmark for the invoice. At most one
// non-terminal earmark may exist per invoice; a concurrent winner surfaces
// as ErrDuplicateEarmark.
func (s *Store) CreateEarmark(invoiceID string, chain core.ChainID, tickerHash, minAmount string) (*core.Earmark, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	e := &core.Earmark{
		ID:                      id,
		InvoiceID:               invoiceID,
		DesignatedPurchaseChain: chain,
		TickerHash:              tickerHash,
		MinAmount:               minAmount,
		Status:                  core.EarmarkPending,
	}
	tx := s.db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	var count int
	if err := tx.Model(&core.Earmark{}).
		Where("invoice_id = ? AND status IN (?)", invoiceID, activeStatuses()).
		Count(&count).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if count > 0 {
		tx.Rollback()
		return nil, ErrDuplicateEarmark
	}
	if err := tx.Create(e).Error; err != nil {
		tx.Rollback()
		return nil, errors.Wrap(err, "create earmark")
	}
	return e, tx.Commit().Error
}

// GetEarmark fetches an earmark by id.
func (s *Store) GetEarmark(id string) (*core.Earmark, error) {
	var e core.Earmark
	err := s.db.Where("id = ?", id).First(&e).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, ErrNotFound
	}
	return &e, err
}

// GetActiveEarmarkForInvoice returns the single non-terminal earmark for the
// invoice, ErrNotFound when none exists.
func (s *Store) GetActiveEarmarkForInvoice(invoiceID string) (*core.Earmark, error) {
	var e core.Earmark
	err := s.db.Where("invoice_id = ? AND status IN (?)", invoiceID, activeStatuses()).First(&e).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, ErrNotFound
	}
	return &e, err
}

// UpdateEarmarkStatus advances an earmark along the transition DAG.
func (s *Store) UpdateEarmarkStatus(id string, to core.EarmarkStatus) error {
	e, err := s.GetEarmark(id)
	if err != nil {
		return err
	}
	if !e.Status.CanTransition(to) {
		return errors.Wrapf(ErrBadTransition, "earmark %s: %s -> %s", id, e.Status, to)
	}
	return s.db.Model(&core.Earmark{}).Where("id = ? AND status = ?", id, e.Status).
		Update("status", to).Error
}

// EarmarkFilter narrows ListEarmarks.
type EarmarkFilter struct {
	Status    core.EarmarkStatus
	InvoiceID string
	Limit     int
	Offset    int
}

// ListEarmarks pages through earmarks, newest first.
func (s *Store) ListEarmarks(f EarmarkFilter) ([]core.Earmark, error) {
	q := s.db.Model(&core.Earmark{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.InvoiceID != "" {
		q = q.Where("invoice_id = ?", f.InvoiceID)
	}
	var out []core.Earmark
	err := q.Order("created_at desc").Limit(clampLimit(f.Limit)).Offset(f.Offset).Find(&out).Error
	return out, err
}

// CancelEarmark moves the earmark to cancelled and flips isOrphaned on its
// still-live operations. Their statuses are untouched so the engine keeps
// driving them; it just never marks the cancelled earmark ready.
func (s *Store) CancelEarmark(id string) error {
	e, err := s.GetEarmark(id)
	if err != nil {
		return err
	}
	if !e.Status.CanTransition(core.EarmarkCancelled) {
		return errors.Wrapf(ErrBadTransition, "earmark %s: %s -> cancelled", id, e.Status)
	}
	tx := s.db.Begin()
	if tx.Error != nil {
		return tx.Error
	}
	if err := tx.Model(&core.Earmark{}).Where("id = ?", id).
		Update("status", core.EarmarkCancelled).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Model(&core.RebalanceOperation{}).
		Where("earmark_id = ? AND status IN (?)", id, liveOperationStatuses()).
		Update("is_orphaned", true).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return err
	}
	logger.Infow("earmark cancelled, live operations orphaned", "earmarkId", id, "invoiceId", e.InvoiceID)
	return nil
}

// ExpireStaleEarmarks expires pending earmarks older than ttl and returns
// how many were flipped.
func (s *Store) ExpireStaleEarmarks(ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)
	res := s.db.Model(&core.Earmark{}).
		Where("status = ? AND created_at < ?", core.EarmarkPending, cutoff).
		Update("status", core.EarmarkExpired)
	return int(res.RowsAffected), res.Error
}

// CancelEarmarksForInvoice cancels any active earmark for the invoice;
// emitted when the hub no longer knows the invoice.
func (s *Store) CancelEarmarksForInvoice(invoiceID string) error {
	e, err := s.GetActiveEarmarkForInvoice(invoiceID)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return s.CancelEarmark(e.ID)
}

// --- Rebalance operations ---

// CreateOperation persists a freshly-submitted operation. The caller has
// already created the earmark row when earmarkID is set: earmark before
// operations, always.
func (s *Store) CreateOperation(op *core.RebalanceOperation) error {
	if op.ID == "" {
		id, err := uuid.GenerateUUID()
		if err != nil {
			return err
		}
		op.ID = id
	}
	if op.Status == "" {
		op.Status = core.OperationPending
	}
	if op.Transactions == nil {
		op.Transactions = core.TransactionMap{}
	}
	return s.db.Create(op).Error
}

// GetOperation fetches an operation by id.
func (s *Store) GetOperation(id string) (*core.RebalanceOperation, error) {
	var op core.RebalanceOperation
	err := s.db.Where("id = ?", id).First(&op).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, ErrNotFound
	}
	return &op, err
}

// UpdateOperationStatus advances an operation along the transition DAG.
func (s *Store) UpdateOperationStatus(id string, to core.OperationStatus) error {
	op, err := s.GetOperation(id)
	if err != nil {
		return err
	}
	if !op.Status.CanTransition(to) {
		return errors.Wrapf(ErrBadTransition, "operation %s: %s -> %s", id, op.Status, to)
	}
	return s.db.Model(&core.RebalanceOperation{}).Where("id = ? AND status = ?", id, op.Status).
		Update("status", to).Error
}

// RecordTransaction attaches a transaction entry to the operation, keyed by
// chain.
func (s *Store) RecordTransaction(id string, chain core.ChainID, entry core.TransactionEntry) error {
	op, err := s.GetOperation(id)
	if err != nil {
		return err
	}
	if op.Transactions == nil {
		op.Transactions = core.TransactionMap{}
	}
	op.Transactions[chain] = entry
	return s.db.Model(&core.RebalanceOperation{}).Where("id = ?", id).
		Update("transactions", op.Transactions).Error
}

// OperationFilter narrows ListOperations.
type OperationFilter struct {
	Statuses  []core.OperationStatus
	ChainID   core.ChainID // matches origin or destination
	EarmarkID string
	Limit     int
	Offset    int
}

// ListOperations pages through operations, newest first.
func (s *Store) ListOperations(f OperationFilter) ([]core.RebalanceOperation, error) {
	q := s.db.Model(&core.RebalanceOperation{})
	if len(f.Statuses) > 0 {
		q = q.Where("status IN (?)", statusStrings(f.Statuses))
	}
	if f.ChainID != 0 {
		q = q.Where("origin_chain_id = ? OR destination_chain_id = ?", f.ChainID, f.ChainID)
	}
	if f.EarmarkID != "" {
		q = q.Where("earmark_id = ?", f.EarmarkID)
	}
	var out []core.RebalanceOperation
	err := q.Order("created_at desc").Limit(clampLimit(f.Limit)).Offset(f.Offset).Find(&out).Error
	return out, err
}

// LiveOperations returns every operation the callback phase must drive,
// oldest first so multi-leg chains advance in creation order.
func (s *Store) LiveOperations() ([]core.RebalanceOperation, error) {
	var out []core.RebalanceOperation
	err := s.db.Where("status IN (?)", liveOperationStatuses()).
		Order("created_at asc").Find(&out).Error
	return out, err
}

// OperationsForEarmark returns all operations linked to the earmark.
func (s *Store) OperationsForEarmark(earmarkID string) ([]core.RebalanceOperation, error) {
	var out []core.RebalanceOperation
	err := s.db.Where("earmark_id = ?", earmarkID).Order("created_at asc").Find(&out).Error
	return out, err
}

// CancelOperation transitions an operation to cancelled.
func (s *Store) CancelOperation(id string) error {
	return s.UpdateOperationStatus(id, core.OperationCancelled)
}

// --- Pause flags ---

// SetPauseFlag upserts a pause flag.
func (s *Store) SetPauseFlag(name string, paused bool) error {
	now := time.Now().UTC()
	var flag PauseFlag
	err := s.db.Where("name = ?", name).First(&flag).Error
	if gorm.IsRecordNotFoundError(err) {
		return s.db.Create(&PauseFlag{Name: name, Paused: paused, UpdatedAt: now}).Error
	}
	if err != nil {
		return err
	}
	return s.db.Model(&PauseFlag{}).Where("name = ?", name).
		Updates(map[string]interface{}{"paused": paused, "updated_at": now}).Error
}

// GetPauseFlag reads a pause flag; missing flags read as unpaused. Callers
// re-read per tick, never cache.
func (s *Store) GetPauseFlag(name string) (bool, error) {
	var flag PauseFlag
	err := s.db.Where("name = ?", name).First(&flag).Error
	if gorm.IsRecordNotFoundError(err) {
		return false, nil
	}
	return flag.Paused, err
}

func activeStatuses() []string {
	out := make([]string, len(core.ActiveEarmarkStatuses))
	for i, s := range core.ActiveEarmarkStatuses {
		out[i] = string(s)
	}
	return out
}

func liveOperationStatuses() []string {
	return []string{string(core.OperationPending), string(core.OperationAwaitingCallback)}
}

func statusStrings(in []core.OperationStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
