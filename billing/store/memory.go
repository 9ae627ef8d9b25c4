// Package store provides the in-memory billing.TxStore used by tests and dev.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dentalab/billing-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	orders        map[billing.OrderID]billing.Order
	prices        map[priceKey]billing.Price
	surcharge     *billing.SurchargeRule
	invoices      map[billing.InvoiceID]*billing.Invoice
	invoiceByOrd  map[billing.OrderID]billing.InvoiceID
	lineItems     map[billing.InvoiceID][]billing.LineItem
	adjustments   map[billing.InvoiceID][]billing.Adjustment
	expenses      []billing.Expense
	audit         map[billing.InvoiceID][]billing.AuditEntry
	numberCounter int64
	insertSeq     []billing.InvoiceID
}

type priceKey struct {
	Scope           billing.PriceScope
	RestorationType string
}

func NewMemory() *Memory {
	return &Memory{
		orders:       make(map[billing.OrderID]billing.Order),
		prices:       make(map[priceKey]billing.Price),
		invoices:     make(map[billing.InvoiceID]*billing.Invoice),
		invoiceByOrd: make(map[billing.OrderID]billing.InvoiceID),
		lineItems:    make(map[billing.InvoiceID][]billing.LineItem),
		adjustments:  make(map[billing.InvoiceID][]billing.Adjustment),
		audit:        make(map[billing.InvoiceID][]billing.AuditEntry),
	}
}

// ---- Orders ----

func (m *Memory) SaveOrder(_ context.Context, o billing.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	return nil
}

func (m *Memory) GetOrder(_ context.Context, id billing.OrderID) (*billing.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getOrderLocked(id)
}

func (m *Memory) getOrderLocked(id billing.OrderID) (*billing.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, nil
	}
	cp := o
	return &cp, nil
}

func (m *Memory) ListEligibleOrders(_ context.Context) ([]billing.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.Order
	for id, o := range m.orders {
		if !o.Eligible() {
			continue
		}
		if _, invoiced := m.invoiceByOrd[id]; invoiced {
			continue
		}
		result = append(result, o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ---- Price book ----

func (m *Memory) SavePrice(_ context.Context, p billing.Price) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[priceKey{p.Scope, p.RestorationType}] = p
	return nil
}

func (m *Memory) GetPrice(_ context.Context, scope billing.PriceScope, restorationType string) (*billing.Price, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prices[priceKey{scope, restorationType}]
	if !ok {
		return nil, nil
	}
	cp := p
	return &cp, nil
}

func (m *Memory) SaveSurchargeRule(_ context.Context, r billing.SurchargeRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.surcharge = &r
	return nil
}

func (m *Memory) GetSurchargeRule(_ context.Context) (*billing.SurchargeRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.surcharge == nil {
		return nil, nil
	}
	cp := *m.surcharge
	return &cp, nil
}

// ---- Invoices ----

func (m *Memory) CreateInvoice(_ context.Context, inv *billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createInvoiceLocked(inv)
}

func (m *Memory) createInvoiceLocked(inv *billing.Invoice) error {
	if _, exists := m.invoiceByOrd[inv.OrderID]; exists {
		return fmt.Errorf("order %s: %w", inv.OrderID, billing.ErrAlreadyExists)
	}
	cp := *inv
	m.invoices[inv.ID] = &cp
	m.invoiceByOrd[inv.OrderID] = inv.ID
	m.insertSeq = append(m.insertSeq, inv.ID)
	return nil
}

func (m *Memory) GetInvoice(_ context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getInvoiceLocked(id)
}

func (m *Memory) getInvoiceLocked(id billing.InvoiceID) (*billing.Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return nil, nil
	}
	cp := *inv
	return &cp, nil
}

func (m *Memory) GetInvoiceByOrder(_ context.Context, orderID billing.OrderID) (*billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getInvoiceByOrderLocked(orderID)
}

func (m *Memory) getInvoiceByOrderLocked(orderID billing.OrderID) (*billing.Invoice, error) {
	id, ok := m.invoiceByOrd[orderID]
	if !ok {
		return nil, nil
	}
	return m.getInvoiceLocked(id)
}

func (m *Memory) ListInvoices(_ context.Context, status *billing.InvoiceStatus) ([]*billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listInvoicesLocked(status)
}

func (m *Memory) listInvoicesLocked(status *billing.InvoiceStatus) ([]*billing.Invoice, error) {
	var result []*billing.Invoice
	// Newest first.
	for i := len(m.insertSeq) - 1; i >= 0; i-- {
		inv := m.invoices[m.insertSeq[i]]
		if status != nil && inv.Status != *status {
			continue
		}
		cp := *inv
		result = append(result, &cp)
	}
	return result, nil
}

func (m *Memory) UpdateInvoice(_ context.Context, inv *billing.Invoice, expect billing.InvoiceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateInvoiceLocked(inv, expect)
}

func (m *Memory) updateInvoiceLocked(inv *billing.Invoice, expect billing.InvoiceStatus) error {
	current, ok := m.invoices[inv.ID]
	if !ok {
		return fmt.Errorf("invoice %s: %w", inv.ID, billing.ErrNotFound)
	}
	// Compare-and-swap on the status the caller read.
	if current.Status != expect {
		return fmt.Errorf("invoice %s status is %s, expected %s: %w",
			inv.ID, current.Status, expect, billing.ErrConcurrentModification)
	}
	cp := *inv
	m.invoices[inv.ID] = &cp
	return nil
}

func (m *Memory) NextInvoiceNumber(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextInvoiceNumberLocked()
}

func (m *Memory) nextInvoiceNumberLocked() (string, error) {
	m.numberCounter++
	return fmt.Sprintf("INV-%06d", m.numberCounter), nil
}

// ---- Line items ----

func (m *Memory) AddLineItems(_ context.Context, items []billing.LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLineItemsLocked(items)
}

func (m *Memory) addLineItemsLocked(items []billing.LineItem) error {
	for _, it := range items {
		m.lineItems[it.InvoiceID] = append(m.lineItems[it.InvoiceID], it)
	}
	return nil
}

func (m *Memory) ListLineItems(_ context.Context, invoiceID billing.InvoiceID) ([]billing.LineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]billing.LineItem(nil), m.lineItems[invoiceID]...), nil
}

// ---- Adjustments ----

func (m *Memory) AddAdjustment(_ context.Context, a billing.Adjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addAdjustmentLocked(a)
}

func (m *Memory) addAdjustmentLocked(a billing.Adjustment) error {
	m.adjustments[a.InvoiceID] = append(m.adjustments[a.InvoiceID], a)
	return nil
}

func (m *Memory) ListAdjustments(_ context.Context, invoiceID billing.InvoiceID) ([]billing.Adjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listAdjustmentsLocked(invoiceID)
}

func (m *Memory) listAdjustmentsLocked(invoiceID billing.InvoiceID) ([]billing.Adjustment, error) {
	return append([]billing.Adjustment(nil), m.adjustments[invoiceID]...), nil
}

// ---- Expenses ----

func (m *Memory) AddExpense(_ context.Context, e billing.Expense) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addExpenseLocked(e)
}

func (m *Memory) addExpenseLocked(e billing.Expense) error {
	m.expenses = append(m.expenses, e)
	return nil
}

func (m *Memory) ListExpensesByInvoice(_ context.Context, invoiceID billing.InvoiceID) ([]billing.Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listExpensesByInvoiceLocked(invoiceID)
}

func (m *Memory) listExpensesByInvoiceLocked(invoiceID billing.InvoiceID) ([]billing.Expense, error) {
	var result []billing.Expense
	for _, e := range m.expenses {
		if e.InvoiceID == invoiceID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *Memory) ListExpensesByOrder(_ context.Context, orderID billing.OrderID) ([]billing.Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []billing.Expense
	for _, e := range m.expenses {
		if e.OrderID == orderID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *Memory) LinkOrderExpenses(_ context.Context, orderID billing.OrderID, invoiceID billing.InvoiceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linkOrderExpensesLocked(orderID, invoiceID)
}

func (m *Memory) linkOrderExpensesLocked(orderID billing.OrderID, invoiceID billing.InvoiceID) error {
	for i := range m.expenses {
		if m.expenses[i].OrderID == orderID && m.expenses[i].InvoiceID == "" {
			m.expenses[i].InvoiceID = invoiceID
		}
	}
	return nil
}

// ---- Audit log ----

func (m *Memory) AppendAudit(_ context.Context, e billing.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendAuditLocked(e)
}

func (m *Memory) appendAuditLocked(e billing.AuditEntry) error {
	m.audit[e.InvoiceID] = append(m.audit[e.InvoiceID], e)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, invoiceID billing.InvoiceID) ([]billing.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]billing.AuditEntry(nil), m.audit[invoiceID]...), nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support. WithTx holds the write
// lock for the whole function, so the memory store never sees interleaved
// writers inside a transaction; rollback restores a snapshot.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

func (tm *TxMemory) WithTx(_ context.Context, fn func(billing.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	orders        map[billing.OrderID]billing.Order
	prices        map[priceKey]billing.Price
	surcharge     *billing.SurchargeRule
	invoices      map[billing.InvoiceID]*billing.Invoice
	invoiceByOrd  map[billing.OrderID]billing.InvoiceID
	lineItems     map[billing.InvoiceID][]billing.LineItem
	adjustments   map[billing.InvoiceID][]billing.Adjustment
	expenses      []billing.Expense
	audit         map[billing.InvoiceID][]billing.AuditEntry
	numberCounter int64
	insertSeq     []billing.InvoiceID
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		orders:        make(map[billing.OrderID]billing.Order, len(tm.orders)),
		prices:        make(map[priceKey]billing.Price, len(tm.prices)),
		invoices:      make(map[billing.InvoiceID]*billing.Invoice, len(tm.invoices)),
		invoiceByOrd:  make(map[billing.OrderID]billing.InvoiceID, len(tm.invoiceByOrd)),
		lineItems:     make(map[billing.InvoiceID][]billing.LineItem, len(tm.lineItems)),
		adjustments:   make(map[billing.InvoiceID][]billing.Adjustment, len(tm.adjustments)),
		expenses:      append([]billing.Expense(nil), tm.expenses...),
		audit:         make(map[billing.InvoiceID][]billing.AuditEntry, len(tm.audit)),
		numberCounter: tm.numberCounter,
		insertSeq:     append([]billing.InvoiceID(nil), tm.insertSeq...),
	}
	for k, v := range tm.orders {
		s.orders[k] = v
	}
	for k, v := range tm.prices {
		s.prices[k] = v
	}
	if tm.surcharge != nil {
		cp := *tm.surcharge
		s.surcharge = &cp
	}
	for k, v := range tm.invoices {
		cp := *v
		s.invoices[k] = &cp
	}
	for k, v := range tm.invoiceByOrd {
		s.invoiceByOrd[k] = v
	}
	for k, v := range tm.lineItems {
		s.lineItems[k] = append([]billing.LineItem(nil), v...)
	}
	for k, v := range tm.adjustments {
		s.adjustments[k] = append([]billing.Adjustment(nil), v...)
	}
	for k, v := range tm.audit {
		s.audit[k] = append([]billing.AuditEntry(nil), v...)
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.orders = s.orders
	tm.prices = s.prices
	tm.surcharge = s.surcharge
	tm.invoices = s.invoices
	tm.invoiceByOrd = s.invoiceByOrd
	tm.lineItems = s.lineItems
	tm.adjustments = s.adjustments
	tm.expenses = s.expenses
	tm.audit = s.audit
	tm.numberCounter = s.numberCounter
	tm.insertSeq = s.insertSeq
}

// txMemoryView routes store calls to the locked parent. The parent's write
// lock is already held by WithTx.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) SaveOrder(_ context.Context, o billing.Order) error {
	tv.parent.orders[o.ID] = o
	return nil
}

func (tv *txMemoryView) GetOrder(_ context.Context, id billing.OrderID) (*billing.Order, error) {
	return tv.parent.getOrderLocked(id)
}

func (tv *txMemoryView) ListEligibleOrders(ctx context.Context) ([]billing.Order, error) {
	var result []billing.Order
	for id, o := range tv.parent.orders {
		if !o.Eligible() {
			continue
		}
		if _, invoiced := tv.parent.invoiceByOrd[id]; invoiced {
			continue
		}
		result = append(result, o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (tv *txMemoryView) SavePrice(_ context.Context, p billing.Price) error {
	tv.parent.prices[priceKey{p.Scope, p.RestorationType}] = p
	return nil
}

func (tv *txMemoryView) GetPrice(_ context.Context, scope billing.PriceScope, restorationType string) (*billing.Price, error) {
	p, ok := tv.parent.prices[priceKey{scope, restorationType}]
	if !ok {
		return nil, nil
	}
	cp := p
	return &cp, nil
}

func (tv *txMemoryView) SaveSurchargeRule(_ context.Context, r billing.SurchargeRule) error {
	tv.parent.surcharge = &r
	return nil
}

func (tv *txMemoryView) GetSurchargeRule(_ context.Context) (*billing.SurchargeRule, error) {
	if tv.parent.surcharge == nil {
		return nil, nil
	}
	cp := *tv.parent.surcharge
	return &cp, nil
}

func (tv *txMemoryView) CreateInvoice(_ context.Context, inv *billing.Invoice) error {
	return tv.parent.createInvoiceLocked(inv)
}

func (tv *txMemoryView) GetInvoice(_ context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	return tv.parent.getInvoiceLocked(id)
}

func (tv *txMemoryView) GetInvoiceByOrder(_ context.Context, orderID billing.OrderID) (*billing.Invoice, error) {
	return tv.parent.getInvoiceByOrderLocked(orderID)
}

func (tv *txMemoryView) ListInvoices(_ context.Context, status *billing.InvoiceStatus) ([]*billing.Invoice, error) {
	return tv.parent.listInvoicesLocked(status)
}

func (tv *txMemoryView) UpdateInvoice(_ context.Context, inv *billing.Invoice, expect billing.InvoiceStatus) error {
	return tv.parent.updateInvoiceLocked(inv, expect)
}

func (tv *txMemoryView) NextInvoiceNumber(_ context.Context) (string, error) {
	return tv.parent.nextInvoiceNumberLocked()
}

func (tv *txMemoryView) AddLineItems(_ context.Context, items []billing.LineItem) error {
	return tv.parent.addLineItemsLocked(items)
}

func (tv *txMemoryView) ListLineItems(_ context.Context, invoiceID billing.InvoiceID) ([]billing.LineItem, error) {
	return append([]billing.LineItem(nil), tv.parent.lineItems[invoiceID]...), nil
}

func (tv *txMemoryView) AddAdjustment(_ context.Context, a billing.Adjustment) error {
	return tv.parent.addAdjustmentLocked(a)
}

func (tv *txMemoryView) ListAdjustments(_ context.Context, invoiceID billing.InvoiceID) ([]billing.Adjustment, error) {
	return tv.parent.listAdjustmentsLocked(invoiceID)
}

func (tv *txMemoryView) AddExpense(_ context.Context, e billing.Expense) error {
	return tv.parent.addExpenseLocked(e)
}

func (tv *txMemoryView) ListExpensesByInvoice(_ context.Context, invoiceID billing.InvoiceID) ([]billing.Expense, error) {
	return tv.parent.listExpensesByInvoiceLocked(invoiceID)
}

func (tv *txMemoryView) ListExpensesByOrder(_ context.Context, orderID billing.OrderID) ([]billing.Expense, error) {
	var result []billing.Expense
	for _, e := range tv.parent.expenses {
		if e.OrderID == orderID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (tv *txMemoryView) LinkOrderExpenses(_ context.Context, orderID billing.OrderID, invoiceID billing.InvoiceID) error {
	return tv.parent.linkOrderExpensesLocked(orderID, invoiceID)
}

func (tv *txMemoryView) AppendAudit(_ context.Context, e billing.AuditEntry) error {
	return tv.parent.appendAuditLocked(e)
}

func (tv *txMemoryView) ListAudit(_ context.Context, invoiceID billing.InvoiceID) ([]billing.AuditEntry, error) {
	return append([]billing.AuditEntry(nil), tv.parent.audit[invoiceID]...), nil
}
