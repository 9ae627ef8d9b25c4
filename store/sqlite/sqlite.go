/*
Package sqlite provides the SQLite-backed implementation of billing.TxStore.

PURPOSE:
  Persists the ledger tables (invoices, line_items, adjustments, expenses,
  audit_log) plus the order read model and the price book. In production,
  the same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

APPEND-ONLY ENFORCEMENT:
  line_items, adjustments, and audit_log have INSERT and SELECT paths
  only. expenses additionally allow setting their invoice link once, at
  invoice generation. No DELETE exists for any ledger table.

UNIQUENESS:
  invoices.order_id carries a UNIQUE constraint: at most one invoice per
  order, enforced by the database regardless of racing generators.

STATUS GUARD:
  UpdateInvoice issues UPDATE ... WHERE id = ? AND status = ?. A zero
  row count means the status moved under the caller and the write is
  rejected with billing.ErrConcurrentModification.

TRANSACTIONS:
  WithTx wraps a database transaction. Every operation inside WithTx,
  including the list queries that recompute totals, runs on the same
  *sql.Tx, so derived totals always see the row that was just appended.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := billing.NewService(store, logger)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/dentalab/billing-engine/billing"
)

// Store implements billing.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier abstracts *sql.DB and *sql.Tx so every operation can run either
// standalone or inside WithTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database exists per connection; keep the pool at one
	// so every query sees the same database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Order read model (synced from the order subsystem)
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		clinic_id TEXT NOT NULL DEFAULT '',
		restoration_type TEXT NOT NULL,
		unit_count INTEGER NOT NULL,
		urgent BOOLEAN NOT NULL DEFAULT FALSE,
		delivered_at TEXT,
		delivery_confirmed_at TEXT
	);

	-- Price book: lab overrides and platform templates
	CREATE TABLE IF NOT EXISTS prices (
		scope TEXT NOT NULL,
		restoration_type TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (scope, restoration_type)
	);

	-- Single-row urgency surcharge rule
	CREATE TABLE IF NOT EXISTS surcharge_rule (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		mode TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Collision-free invoice number sequence
	CREATE TABLE IF NOT EXISTS invoice_sequence (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		next_number INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO invoice_sequence (id, next_number) VALUES (1, 1);

	-- Invoices: one per order, enforced by the UNIQUE constraint
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		invoice_number TEXT NOT NULL UNIQUE,
		order_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		subtotal TEXT NOT NULL,
		adjustments_total TEXT NOT NULL,
		expenses_total TEXT NOT NULL,
		final_total TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		due_date TEXT,
		generated_at TEXT NOT NULL,
		locked_at TEXT,
		finalized_at TEXT,
		disputed_at TEXT,
		payment_received_at TEXT,
		dispute_reason TEXT NOT NULL DEFAULT '',
		pre_dispute_status TEXT NOT NULL DEFAULT '',
		dispute_resolution TEXT NOT NULL DEFAULT '',
		resolution_notes TEXT NOT NULL DEFAULT '',
		resolved_by TEXT NOT NULL DEFAULT '',
		resolved_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(status);
	CREATE INDEX IF NOT EXISTS idx_invoices_payment_status ON invoices(payment_status);

	-- Line items (append-only)
	CREATE TABLE IF NOT EXISTS line_items (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		description TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		unit_price TEXT NOT NULL,
		total_price TEXT NOT NULL,
		source_kind TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_line_items_invoice ON line_items(invoice_id);

	-- Adjustments (append-only)
	CREATE TABLE IF NOT EXISTS adjustments (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		type TEXT NOT NULL,
		amount TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_by TEXT NOT NULL,
		source_ref TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_adjustments_invoice ON adjustments(invoice_id);

	-- Expenses (append-only; invoice link set at most once)
	CREATE TABLE IF NOT EXISTS expenses (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		invoice_id TEXT,
		type TEXT NOT NULL,
		amount TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		recorded_by TEXT NOT NULL,
		receipt_ref TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_expenses_invoice ON expenses(invoice_id) WHERE invoice_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_expenses_order ON expenses(order_id);

	-- Audit log (append-only, immutable)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		action TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		before_json TEXT NOT NULL DEFAULT '{}',
		after_json TEXT NOT NULL DEFAULT '{}',
		reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_invoice ON audit_log(invoice_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ORDER READ MODEL
// =============================================================================

func (s *Store) SaveOrder(ctx context.Context, o billing.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveOrder(ctx, s.db, o)
}

func saveOrder(ctx context.Context, q querier, o billing.Order) error {
	query := `
		INSERT INTO orders (id, clinic_id, restoration_type, unit_count, urgent, delivered_at, delivery_confirmed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			clinic_id = excluded.clinic_id,
			restoration_type = excluded.restoration_type,
			unit_count = excluded.unit_count,
			urgent = excluded.urgent,
			delivered_at = excluded.delivered_at,
			delivery_confirmed_at = excluded.delivery_confirmed_at
	`
	_, err := q.ExecContext(ctx, query,
		o.ID, o.ClinicID, o.RestorationType, o.UnitCount, o.Urgent,
		nullTime(o.DeliveredAt), nullTime(o.DeliveryConfirmedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id billing.OrderID) (*billing.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getOrder(ctx, s.db, id)
}

func getOrder(ctx context.Context, q querier, id billing.OrderID) (*billing.Order, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, clinic_id, restoration_type, unit_count, urgent, delivered_at, delivery_confirmed_at
		 FROM orders WHERE id = ?`, id)

	var o billing.Order
	var delivered, confirmed sql.NullString
	err := row.Scan(&o.ID, &o.ClinicID, &o.RestorationType, &o.UnitCount, &o.Urgent, &delivered, &confirmed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	o.DeliveredAt = parseNullTime(delivered)
	o.DeliveryConfirmedAt = parseNullTime(confirmed)
	return &o, nil
}

func (s *Store) ListEligibleOrders(ctx context.Context) ([]billing.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listEligibleOrders(ctx, s.db)
}

func listEligibleOrders(ctx context.Context, q querier) ([]billing.Order, error) {
	query := `
		SELECT o.id, o.clinic_id, o.restoration_type, o.unit_count, o.urgent, o.delivered_at, o.delivery_confirmed_at
		FROM orders o
		LEFT JOIN invoices i ON i.order_id = o.id
		WHERE o.delivered_at IS NOT NULL
		  AND o.delivery_confirmed_at IS NOT NULL
		  AND i.id IS NULL
		ORDER BY o.id ASC
	`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible orders: %w", err)
	}
	defer rows.Close()

	var orders []billing.Order
	for rows.Next() {
		var o billing.Order
		var delivered, confirmed sql.NullString
		if err := rows.Scan(&o.ID, &o.ClinicID, &o.RestorationType, &o.UnitCount, &o.Urgent, &delivered, &confirmed); err != nil {
			return nil, err
		}
		o.DeliveredAt = parseNullTime(delivered)
		o.DeliveryConfirmedAt = parseNullTime(confirmed)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// =============================================================================
// PRICE BOOK
// =============================================================================

func (s *Store) SavePrice(ctx context.Context, p billing.Price) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return savePrice(ctx, s.db, p)
}

func savePrice(ctx context.Context, q querier, p billing.Price) error {
	query := `
		INSERT INTO prices (scope, restoration_type, unit_price, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, restoration_type) DO UPDATE SET
			unit_price = excluded.unit_price,
			updated_at = excluded.updated_at
	`
	_, err := q.ExecContext(ctx, query,
		p.Scope, p.RestorationType, p.UnitPrice.String(), p.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save price: %w", err)
	}
	return nil
}

func (s *Store) GetPrice(ctx context.Context, scope billing.PriceScope, restorationType string) (*billing.Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPrice(ctx, s.db, scope, restorationType)
}

func getPrice(ctx context.Context, q querier, scope billing.PriceScope, restorationType string) (*billing.Price, error) {
	row := q.QueryRowContext(ctx,
		`SELECT scope, restoration_type, unit_price, updated_at FROM prices
		 WHERE scope = ? AND restoration_type = ?`, scope, restorationType)

	var p billing.Price
	var price, updatedAt string
	err := row.Scan(&p.Scope, &p.RestorationType, &price, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan price: %w", err)
	}
	p.UnitPrice = mustDecimal(price)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

func (s *Store) SaveSurchargeRule(ctx context.Context, r billing.SurchargeRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveSurchargeRule(ctx, s.db, r)
}

func saveSurchargeRule(ctx context.Context, q querier, r billing.SurchargeRule) error {
	query := `
		INSERT INTO surcharge_rule (id, mode, value, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mode = excluded.mode,
			value = excluded.value,
			updated_at = excluded.updated_at
	`
	_, err := q.ExecContext(ctx, query, r.Mode, r.Value.String(), r.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save surcharge rule: %w", err)
	}
	return nil
}

func (s *Store) GetSurchargeRule(ctx context.Context) (*billing.SurchargeRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSurchargeRule(ctx, s.db)
}

func getSurchargeRule(ctx context.Context, q querier) (*billing.SurchargeRule, error) {
	row := q.QueryRowContext(ctx, `SELECT mode, value, updated_at FROM surcharge_rule WHERE id = 1`)

	var r billing.SurchargeRule
	var value, updatedAt string
	err := row.Scan(&r.Mode, &value, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan surcharge rule: %w", err)
	}
	r.Value = mustDecimal(value)
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &r, nil
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `id, invoice_number, order_id, status, payment_status,
	subtotal, adjustments_total, expenses_total, final_total, amount_paid,
	due_date, generated_at, locked_at, finalized_at, disputed_at, payment_received_at,
	dispute_reason, pre_dispute_status, dispute_resolution, resolution_notes,
	resolved_by, resolved_at, created_at, updated_at`

func (s *Store) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createInvoice(ctx, s.db, inv)
}

func createInvoice(ctx context.Context, q querier, inv *billing.Invoice) error {
	query := `
		INSERT INTO invoices (` + invoiceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		inv.ID, inv.InvoiceNumber, inv.OrderID, inv.Status, inv.PaymentStatus,
		inv.Subtotal.String(), inv.AdjustmentsTotal.String(), inv.ExpensesTotal.String(),
		inv.FinalTotal.String(), inv.AmountPaid.String(),
		nullTime(inv.DueDate), inv.GeneratedAt.UTC().Format(time.RFC3339),
		nullTime(inv.LockedAt), nullTime(inv.FinalizedAt), nullTime(inv.DisputedAt),
		nullTime(inv.PaymentReceivedAt),
		inv.DisputeReason, string(inv.PreDisputeStatus), string(inv.DisputeResolution),
		inv.ResolutionNotes, inv.ResolvedBy, nullTime(inv.ResolvedAt),
		inv.CreatedAt.UTC().Format(time.RFC3339), inv.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("order %s: %w", inv.OrderID, billing.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

func (s *Store) GetInvoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getInvoice(ctx, s.db, id)
}

func getInvoice(ctx context.Context, q querier, id billing.InvoiceID) (*billing.Invoice, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOneInvoice(rows)
}

func (s *Store) GetInvoiceByOrder(ctx context.Context, orderID billing.OrderID) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getInvoiceByOrder(ctx, s.db, orderID)
}

func getInvoiceByOrder(ctx context.Context, q querier, orderID billing.OrderID) (*billing.Invoice, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE order_id = ?`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOneInvoice(rows)
}

func (s *Store) ListInvoices(ctx context.Context, status *billing.InvoiceStatus) ([]*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listInvoices(ctx, s.db, status)
}

func listInvoices(ctx context.Context, q querier, status *billing.InvoiceStatus) ([]*billing.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	var args []any
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (s *Store) UpdateInvoice(ctx context.Context, inv *billing.Invoice, expect billing.InvoiceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateInvoice(ctx, s.db, inv, expect)
}

func updateInvoice(ctx context.Context, q querier, inv *billing.Invoice, expect billing.InvoiceStatus) error {
	query := `
		UPDATE invoices SET
			status = ?, payment_status = ?,
			subtotal = ?, adjustments_total = ?, expenses_total = ?, final_total = ?, amount_paid = ?,
			due_date = ?, locked_at = ?, finalized_at = ?, disputed_at = ?, payment_received_at = ?,
			dispute_reason = ?, pre_dispute_status = ?, dispute_resolution = ?,
			resolution_notes = ?, resolved_by = ?, resolved_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := q.ExecContext(ctx, query,
		inv.Status, inv.PaymentStatus,
		inv.Subtotal.String(), inv.AdjustmentsTotal.String(), inv.ExpensesTotal.String(),
		inv.FinalTotal.String(), inv.AmountPaid.String(),
		nullTime(inv.DueDate), nullTime(inv.LockedAt), nullTime(inv.FinalizedAt),
		nullTime(inv.DisputedAt), nullTime(inv.PaymentReceivedAt),
		inv.DisputeReason, string(inv.PreDisputeStatus), string(inv.DisputeResolution),
		inv.ResolutionNotes, inv.ResolvedBy, nullTime(inv.ResolvedAt),
		inv.UpdatedAt.UTC().Format(time.RFC3339),
		inv.ID, expect,
	)
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		existing, err := getInvoice(ctx, q, inv.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("invoice %s: %w", inv.ID, billing.ErrNotFound)
		}
		return fmt.Errorf("invoice %s status is %s, expected %s: %w",
			inv.ID, existing.Status, expect, billing.ErrConcurrentModification)
	}
	return nil
}

func (s *Store) NextInvoiceNumber(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nextInvoiceNumber(ctx, s.db)
}

func nextInvoiceNumber(ctx context.Context, q querier) (string, error) {
	var n int64
	err := q.QueryRowContext(ctx, `
		UPDATE invoice_sequence SET next_number = next_number + 1
		WHERE id = 1
		RETURNING next_number - 1
	`).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("failed to advance invoice sequence: %w", err)
	}
	return fmt.Sprintf("INV-%06d", n), nil
}

func scanOneInvoice(rows *sql.Rows) (*billing.Invoice, error) {
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanInvoice(rows)
}

func scanInvoice(rows *sql.Rows) (*billing.Invoice, error) {
	var (
		inv                                                      billing.Invoice
		subtotal, adjTotal, expTotal, finalTotal, amountPaid     string
		dueDate, lockedAt, finalizedAt, disputedAt, paymentRecAt sql.NullString
		resolvedAt                                               sql.NullString
		generatedAt, createdAt, updatedAt                        string
		preDispute, resolution                                   string
	)

	err := rows.Scan(
		&inv.ID, &inv.InvoiceNumber, &inv.OrderID, &inv.Status, &inv.PaymentStatus,
		&subtotal, &adjTotal, &expTotal, &finalTotal, &amountPaid,
		&dueDate, &generatedAt, &lockedAt, &finalizedAt, &disputedAt, &paymentRecAt,
		&inv.DisputeReason, &preDispute, &resolution, &inv.ResolutionNotes,
		&inv.ResolvedBy, &resolvedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan invoice: %w", err)
	}

	inv.Subtotal = mustDecimal(subtotal)
	inv.AdjustmentsTotal = mustDecimal(adjTotal)
	inv.ExpensesTotal = mustDecimal(expTotal)
	inv.FinalTotal = mustDecimal(finalTotal)
	inv.AmountPaid = mustDecimal(amountPaid)
	inv.DueDate = parseNullTime(dueDate)
	inv.GeneratedAt, _ = time.Parse(time.RFC3339, generatedAt)
	inv.LockedAt = parseNullTime(lockedAt)
	inv.FinalizedAt = parseNullTime(finalizedAt)
	inv.DisputedAt = parseNullTime(disputedAt)
	inv.PaymentReceivedAt = parseNullTime(paymentRecAt)
	inv.PreDisputeStatus = billing.InvoiceStatus(preDispute)
	inv.DisputeResolution = billing.DisputeAction(resolution)
	inv.ResolvedAt = parseNullTime(resolvedAt)
	inv.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	inv.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &inv, nil
}

// =============================================================================
// LINE ITEMS
// =============================================================================

func (s *Store) AddLineItems(ctx context.Context, items []billing.LineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addLineItems(ctx, s.db, items)
}

func addLineItems(ctx context.Context, q querier, items []billing.LineItem) error {
	query := `
		INSERT INTO line_items (id, invoice_id, description, quantity, unit_price, total_price, source_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, it := range items {
		if _, err := q.ExecContext(ctx, query,
			it.ID, it.InvoiceID, it.Description, it.Quantity,
			it.UnitPrice.String(), it.TotalPrice.String(), it.SourceKind,
			it.CreatedAt.UTC().Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("failed to insert line item: %w", err)
		}
	}
	return nil
}

func (s *Store) ListLineItems(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listLineItems(ctx, s.db, invoiceID)
}

func listLineItems(ctx context.Context, q querier, invoiceID billing.InvoiceID) ([]billing.LineItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, invoice_id, description, quantity, unit_price, total_price, source_kind, created_at
		FROM line_items WHERE invoice_id = ? ORDER BY created_at ASC, id ASC
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query line items: %w", err)
	}
	defer rows.Close()

	var items []billing.LineItem
	for rows.Next() {
		var it billing.LineItem
		var unitPrice, totalPrice, createdAt string
		if err := rows.Scan(&it.ID, &it.InvoiceID, &it.Description, &it.Quantity,
			&unitPrice, &totalPrice, &it.SourceKind, &createdAt); err != nil {
			return nil, err
		}
		it.UnitPrice = mustDecimal(unitPrice)
		it.TotalPrice = mustDecimal(totalPrice)
		it.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		items = append(items, it)
	}
	return items, rows.Err()
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

func (s *Store) AddAdjustment(ctx context.Context, a billing.Adjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addAdjustment(ctx, s.db, a)
}

func addAdjustment(ctx context.Context, q querier, a billing.Adjustment) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO adjustments (id, invoice_id, type, amount, reason, created_by, source_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.InvoiceID, a.Type, a.Amount.String(), a.Reason, a.CreatedBy, a.SourceRef,
		a.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert adjustment: %w", err)
	}
	return nil
}

func (s *Store) ListAdjustments(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.Adjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAdjustments(ctx, s.db, invoiceID)
}

func listAdjustments(ctx context.Context, q querier, invoiceID billing.InvoiceID) ([]billing.Adjustment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, invoice_id, type, amount, reason, created_by, source_ref, created_at
		FROM adjustments WHERE invoice_id = ? ORDER BY created_at ASC, id ASC
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query adjustments: %w", err)
	}
	defer rows.Close()

	var adjustments []billing.Adjustment
	for rows.Next() {
		var a billing.Adjustment
		var amount, createdAt string
		if err := rows.Scan(&a.ID, &a.InvoiceID, &a.Type, &amount, &a.Reason,
			&a.CreatedBy, &a.SourceRef, &createdAt); err != nil {
			return nil, err
		}
		a.Amount = mustDecimal(amount)
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		adjustments = append(adjustments, a)
	}
	return adjustments, rows.Err()
}

// =============================================================================
// EXPENSES
// =============================================================================

func (s *Store) AddExpense(ctx context.Context, e billing.Expense) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addExpense(ctx, s.db, e)
}

func addExpense(ctx context.Context, q querier, e billing.Expense) error {
	var invoiceID any
	if e.InvoiceID != "" {
		invoiceID = string(e.InvoiceID)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO expenses (id, order_id, invoice_id, type, amount, description, recorded_by, receipt_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.OrderID, invoiceID, e.Type, e.Amount.String(), e.Description,
		e.RecordedBy, e.ReceiptRef, e.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert expense: %w", err)
	}
	return nil
}

func (s *Store) ListExpensesByInvoice(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listExpenses(ctx, s.db, `invoice_id = ?`, string(invoiceID))
}

func (s *Store) ListExpensesByOrder(ctx context.Context, orderID billing.OrderID) ([]billing.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listExpenses(ctx, s.db, `order_id = ?`, string(orderID))
}

func listExpenses(ctx context.Context, q querier, where string, arg any) ([]billing.Expense, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, invoice_id, type, amount, description, recorded_by, receipt_ref, created_at
		FROM expenses WHERE `+where+` ORDER BY created_at ASC, id ASC
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query expenses: %w", err)
	}
	defer rows.Close()

	var expenses []billing.Expense
	for rows.Next() {
		var e billing.Expense
		var invoiceID sql.NullString
		var amount, createdAt string
		if err := rows.Scan(&e.ID, &e.OrderID, &invoiceID, &e.Type, &amount,
			&e.Description, &e.RecordedBy, &e.ReceiptRef, &createdAt); err != nil {
			return nil, err
		}
		e.InvoiceID = billing.InvoiceID(invoiceID.String)
		e.Amount = mustDecimal(amount)
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

func (s *Store) LinkOrderExpenses(ctx context.Context, orderID billing.OrderID, invoiceID billing.InvoiceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return linkOrderExpenses(ctx, s.db, orderID, invoiceID)
}

func linkOrderExpenses(ctx context.Context, q querier, orderID billing.OrderID, invoiceID billing.InvoiceID) error {
	_, err := q.ExecContext(ctx,
		`UPDATE expenses SET invoice_id = ? WHERE order_id = ? AND invoice_id IS NULL`,
		invoiceID, orderID)
	if err != nil {
		return fmt.Errorf("failed to link expenses: %w", err)
	}
	return nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e billing.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendAudit(ctx, s.db, e)
}

func appendAudit(ctx context.Context, q querier, e billing.AuditEntry) error {
	beforeJSON, err := json.Marshal(e.Before)
	if err != nil {
		return fmt.Errorf("failed to marshal audit before state: %w", err)
	}
	afterJSON, err := json.Marshal(e.After)
	if err != nil {
		return fmt.Errorf("failed to marshal audit after state: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO audit_log (id, invoice_id, action, actor_id, actor_role, before_json, after_json, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.InvoiceID, e.Action, e.ActorID, e.ActorRole,
		string(beforeJSON), string(afterJSON), e.Reason, e.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAudit(ctx, s.db, invoiceID)
}

func listAudit(ctx context.Context, q querier, invoiceID billing.InvoiceID) ([]billing.AuditEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, invoice_id, action, actor_id, actor_role, before_json, after_json, reason, created_at
		FROM audit_log WHERE invoice_id = ? ORDER BY created_at ASC, id ASC
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []billing.AuditEntry
	for rows.Next() {
		var e billing.AuditEntry
		var beforeJSON, afterJSON, createdAt string
		if err := rows.Scan(&e.ID, &e.InvoiceID, &e.Action, &e.ActorID, &e.ActorRole,
			&beforeJSON, &afterJSON, &e.Reason, &createdAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(beforeJSON), &e.Before)
		json.Unmarshal([]byte(afterJSON), &e.After)
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction. Every store call made
// through the passed billing.Store runs on the same *sql.Tx, so reads
// inside the transaction observe its own uncommitted writes.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore routes every Store operation through a single *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) SaveOrder(ctx context.Context, o billing.Order) error {
	return saveOrder(ctx, ts.tx, o)
}
func (ts *txStore) GetOrder(ctx context.Context, id billing.OrderID) (*billing.Order, error) {
	return getOrder(ctx, ts.tx, id)
}
func (ts *txStore) ListEligibleOrders(ctx context.Context) ([]billing.Order, error) {
	return listEligibleOrders(ctx, ts.tx)
}
func (ts *txStore) SavePrice(ctx context.Context, p billing.Price) error {
	return savePrice(ctx, ts.tx, p)
}
func (ts *txStore) GetPrice(ctx context.Context, scope billing.PriceScope, restorationType string) (*billing.Price, error) {
	return getPrice(ctx, ts.tx, scope, restorationType)
}
func (ts *txStore) SaveSurchargeRule(ctx context.Context, r billing.SurchargeRule) error {
	return saveSurchargeRule(ctx, ts.tx, r)
}
func (ts *txStore) GetSurchargeRule(ctx context.Context) (*billing.SurchargeRule, error) {
	return getSurchargeRule(ctx, ts.tx)
}
func (ts *txStore) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	return createInvoice(ctx, ts.tx, inv)
}
func (ts *txStore) GetInvoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	return getInvoice(ctx, ts.tx, id)
}
func (ts *txStore) GetInvoiceByOrder(ctx context.Context, orderID billing.OrderID) (*billing.Invoice, error) {
	return getInvoiceByOrder(ctx, ts.tx, orderID)
}
func (ts *txStore) ListInvoices(ctx context.Context, status *billing.InvoiceStatus) ([]*billing.Invoice, error) {
	return listInvoices(ctx, ts.tx, status)
}
func (ts *txStore) UpdateInvoice(ctx context.Context, inv *billing.Invoice, expect billing.InvoiceStatus) error {
	return updateInvoice(ctx, ts.tx, inv, expect)
}
func (ts *txStore) NextInvoiceNumber(ctx context.Context) (string, error) {
	return nextInvoiceNumber(ctx, ts.tx)
}
func (ts *txStore) AddLineItems(ctx context.Context, items []billing.LineItem) error {
	return addLineItems(ctx, ts.tx, items)
}
func (ts *txStore) ListLineItems(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.LineItem, error) {
	return listLineItems(ctx, ts.tx, invoiceID)
}
func (ts *txStore) AddAdjustment(ctx context.Context, a billing.Adjustment) error {
	return addAdjustment(ctx, ts.tx, a)
}
func (ts *txStore) ListAdjustments(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.Adjustment, error) {
	return listAdjustments(ctx, ts.tx, invoiceID)
}
func (ts *txStore) AddExpense(ctx context.Context, e billing.Expense) error {
	return addExpense(ctx, ts.tx, e)
}
func (ts *txStore) ListExpensesByInvoice(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.Expense, error) {
	return listExpenses(ctx, ts.tx, `invoice_id = ?`, string(invoiceID))
}
func (ts *txStore) ListExpensesByOrder(ctx context.Context, orderID billing.OrderID) ([]billing.Expense, error) {
	return listExpenses(ctx, ts.tx, `order_id = ?`, string(orderID))
}
func (ts *txStore) LinkOrderExpenses(ctx context.Context, orderID billing.OrderID, invoiceID billing.InvoiceID) error {
	return linkOrderExpenses(ctx, ts.tx, orderID, invoiceID)
}
func (ts *txStore) AppendAudit(ctx context.Context, e billing.AuditEntry) error {
	return appendAudit(ctx, ts.tx, e)
}
func (ts *txStore) ListAudit(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.AuditEntry, error) {
	return listAudit(ctx, ts.tx, invoiceID)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
