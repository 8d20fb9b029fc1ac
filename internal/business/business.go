// Package business defines the back-office data surface the agent's
// tools query: partners, products, sale orders, leads. Manager is the
// boundary; MemoryManager is a self-contained implementation with
// demo inventory so the agent runs without a backing ERP.
package business

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Partner is a customer or company contact.
type Partner struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	City    string `json:"city,omitempty"`
	Company bool   `json:"is_company"`
}

// Product is a sellable item with live stock.
type Product struct {
	ID        int     `json:"id"`
	SKU       string  `json:"sku,omitempty"`
	Name      string  `json:"name"`
	Category  string  `json:"category,omitempty"`
	ListPrice float64 `json:"list_price"`
	Stock     float64 `json:"qty_available"`
}

// OrderLine is one product position on a sale order.
type OrderLine struct {
	ProductID int     `json:"product_id"`
	Product   string  `json:"product"`
	Quantity  float64 `json:"quantity"`
	Subtotal  float64 `json:"subtotal"`
}

// SaleOrder is a confirmed or draft customer order.
type SaleOrder struct {
	ID        int         `json:"id"`
	Name      string      `json:"name"`
	PartnerID int         `json:"partner_id"`
	Date      time.Time   `json:"date_order"`
	State     string      `json:"state"`
	Total     float64     `json:"amount_total"`
	Lines     []OrderLine `json:"lines,omitempty"`
}

// Invoice is a customer invoice.
type Invoice struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	PartnerID int       `json:"partner_id"`
	Amount    float64   `json:"amount_total"`
	Residual  float64   `json:"amount_residual"`
	DueDate   time.Time `json:"due_date"`
	State     string    `json:"state"` // draft, posted, paid
}

// Pending reports whether the invoice still has an amount to pay.
func (i Invoice) Pending() bool {
	return i.State == "posted" && i.Residual > 0
}

// ProductSales aggregates sold quantity for one product over a period.
type ProductSales struct {
	ProductID int     `json:"product_id"`
	Product   string  `json:"product"`
	Quantity  float64 `json:"quantity"`
	Revenue   float64 `json:"revenue"`
}

// Lead is a CRM opportunity opened from a chat conversation.
type Lead struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	PartnerID   int    `json:"partner_id,omitempty"`
	Email       string `json:"email_from,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Description string `json:"description,omitempty"`
}

// Manager is the back-office query and mutation surface tools run
// against. Lookups return nil (not an error) when nothing matches.
type Manager interface {
	PartnerByEmail(email string) (*Partner, error)
	PartnersByName(name string) ([]Partner, error)
	CreatePartner(p Partner) (*Partner, error)

	ProductByName(name string) (*Product, error)
	ProductBySKU(sku string) (*Product, error)
	AllProducts() ([]Product, error)
	ProductsByCategory(category string) ([]Product, error)
	ProductsBelowStock(threshold float64) ([]Product, error)

	OrdersByPartner(partnerID int) ([]SaleOrder, error)
	TopProductBetween(from, to time.Time) (*ProductSales, error)

	PendingInvoices() ([]Invoice, error)

	CreateLead(l Lead) (*Lead, error)
}

// MemoryManager is an in-memory Manager. Safe for concurrent use.
type MemoryManager struct {
	mu       sync.RWMutex
	partners map[int]*Partner
	products map[int]*Product
	orders   map[int]*SaleOrder
	invoices map[int]*Invoice
	leads    map[int]*Lead
	nextID   int
}

// NewMemoryManager returns an empty manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		partners: make(map[int]*Partner),
		products: make(map[int]*Product),
		orders:   make(map[int]*SaleOrder),
		invoices: make(map[int]*Invoice),
		leads:    make(map[int]*Lead),
		nextID:   1,
	}
}

// NewDemoManager returns a manager seeded with a small hardware-store
// inventory, a few contacts and their order history.
func NewDemoManager() *MemoryManager {
	m := NewMemoryManager()

	ana, _ := m.CreatePartner(Partner{Name: "Ana Fuentes", Email: "ana@acme.example", Phone: "+34 600 111 222", City: "Sevilla"})
	acme, _ := m.CreatePartner(Partner{Name: "ACME Construcciones SL", Email: "compras@acme.example", City: "Sevilla", Company: true})
	m.CreatePartner(Partner{Name: "Bruno Díaz", Email: "bruno@reformas.example", Phone: "+34 600 333 444", City: "Madrid"})

	tornillo := m.addProduct(Product{SKU: "TOR-001", Name: "Tornillo rosca madera 4x40", Category: "Tornillería", ListPrice: 0.08, Stock: 1240})
	taladro := m.addProduct(Product{SKU: "TAL-300", Name: "Taladro percutor 750W", Category: "Herramienta eléctrica", ListPrice: 89.90, Stock: 6})
	m.addProduct(Product{SKU: "LIJ-120", Name: "Lija grano 120 (pack 10)", Category: "Abrasivos", ListPrice: 4.50, Stock: 0})
	m.addProduct(Product{SKU: "PIN-BL5", Name: "Pintura plástica blanca 5L", Category: "Pintura", ListPrice: 21.75, Stock: 48})

	m.addOrder(SaleOrder{Name: "S00041", PartnerID: ana.ID, Date: date(2026, 7, 12), State: "sale", Total: 99.82, Lines: []OrderLine{
		{ProductID: taladro.ID, Product: taladro.Name, Quantity: 1, Subtotal: 89.90},
		{ProductID: tornillo.ID, Product: tornillo.Name, Quantity: 124, Subtotal: 9.92},
	}})
	m.addOrder(SaleOrder{Name: "S00057", PartnerID: acme.ID, Date: date(2026, 8, 3), State: "sale", Total: 435.00, Lines: []OrderLine{
		{ProductID: tornillo.ID, Product: tornillo.Name, Quantity: 5000, Subtotal: 400.00},
	}})

	m.addInvoice(Invoice{Name: "FAC/2026/0107", PartnerID: ana.ID, Amount: 99.82, Residual: 0, DueDate: date(2026, 8, 11), State: "paid"})
	m.addInvoice(Invoice{Name: "FAC/2026/0112", PartnerID: acme.ID, Amount: 435.00, Residual: 435.00, DueDate: date(2026, 9, 2), State: "posted"})
	m.addInvoice(Invoice{Name: "FAC/2026/0118", PartnerID: acme.ID, Amount: 120.00, Residual: 60.00, DueDate: date(2026, 8, 20), State: "posted"})

	return m
}

func date(y int, mo time.Month, d int) time.Time {
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

func (m *MemoryManager) id() int {
	id := m.nextID
	m.nextID++
	return id
}

func (m *MemoryManager) addProduct(p Product) *Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.id()
	m.products[p.ID] = &p
	return &p
}

func (m *MemoryManager) addOrder(o SaleOrder) *SaleOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = m.id()
	m.orders[o.ID] = &o
	return &o
}

func (m *MemoryManager) addInvoice(i Invoice) *Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	i.ID = m.id()
	m.invoices[i.ID] = &i
	return &i
}

// PartnerByEmail finds the partner with an exact (case-insensitive)
// email match.
func (m *MemoryManager) PartnerByEmail(email string) (*Partner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.partners {
		if strings.EqualFold(p.Email, email) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

// PartnersByName finds partners whose name contains the query,
// case-insensitive.
func (m *MemoryManager) PartnersByName(name string) ([]Partner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Partner
	q := strings.ToLower(name)
	for _, p := range m.partners {
		if strings.Contains(strings.ToLower(p.Name), q) {
			out = append(out, *p)
		}
	}
	return out, nil
}

// CreatePartner registers a new partner. An existing partner with the
// same email is returned instead of creating a duplicate.
func (m *MemoryManager) CreatePartner(p Partner) (*Partner, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("partner requires a name")
	}
	if p.Email != "" {
		if existing, _ := m.PartnerByEmail(p.Email); existing != nil {
			return existing, nil
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.id()
	m.partners[p.ID] = &p
	cp := p
	return &cp, nil
}

// ProductByName finds the first product whose name contains the
// query, case-insensitive.
func (m *MemoryManager) ProductByName(name string) (*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q := strings.ToLower(name)
	for _, p := range m.sortedProducts() {
		if strings.Contains(strings.ToLower(p.Name), q) {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

// ProductBySKU finds the product with an exact SKU match.
func (m *MemoryManager) ProductBySKU(sku string) (*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.products {
		if strings.EqualFold(p.SKU, sku) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

// AllProducts returns the full catalogue ordered by id.
func (m *MemoryManager) AllProducts() ([]Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedProducts(), nil
}

// ProductsByCategory returns products whose category contains the
// query, case-insensitive.
func (m *MemoryManager) ProductsByCategory(category string) ([]Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q := strings.ToLower(category)
	var out []Product
	for _, p := range m.sortedProducts() {
		if strings.Contains(strings.ToLower(p.Category), q) {
			out = append(out, p)
		}
	}
	return out, nil
}

// ProductsBelowStock returns products with stock strictly below the
// threshold, ordered by id.
func (m *MemoryManager) ProductsBelowStock(threshold float64) ([]Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Product
	for _, p := range m.sortedProducts() {
		if p.Stock < threshold {
			out = append(out, p)
		}
	}
	return out, nil
}

// OrdersByPartner returns the partner's sale orders ordered by id.
func (m *MemoryManager) OrdersByPartner(partnerID int) ([]SaleOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SaleOrder
	for id := range m.nextID {
		if o, ok := m.orders[id]; ok && o.PartnerID == partnerID {
			out = append(out, *o)
		}
	}
	return out, nil
}

// TopProductBetween returns the most-sold product across confirmed
// orders dated in [from, to], by quantity. Nil when no order line
// falls inside the period.
func (m *MemoryManager) TopProductBetween(from, to time.Time) (*ProductSales, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := make(map[int]*ProductSales)
	for _, o := range m.orders {
		if o.State != "sale" || o.Date.Before(from) || o.Date.After(to) {
			continue
		}
		for _, line := range o.Lines {
			agg, ok := totals[line.ProductID]
			if !ok {
				agg = &ProductSales{ProductID: line.ProductID, Product: line.Product}
				totals[line.ProductID] = agg
			}
			agg.Quantity += line.Quantity
			agg.Revenue += line.Subtotal
		}
	}

	var top *ProductSales
	for _, agg := range totals {
		if top == nil || agg.Quantity > top.Quantity ||
			(agg.Quantity == top.Quantity && agg.ProductID < top.ProductID) {
			top = agg
		}
	}
	if top == nil {
		return nil, nil
	}
	cp := *top
	return &cp, nil
}

// PendingInvoices returns posted invoices with an open residual,
// ordered by id.
func (m *MemoryManager) PendingInvoices() ([]Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Invoice
	for id := range m.nextID {
		if i, ok := m.invoices[id]; ok && i.Pending() {
			out = append(out, *i)
		}
	}
	return out, nil
}

// CreateLead opens a CRM opportunity.
func (m *MemoryManager) CreateLead(l Lead) (*Lead, error) {
	if strings.TrimSpace(l.Name) == "" {
		return nil, fmt.Errorf("lead requires a name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ID = m.id()
	m.leads[l.ID] = &l
	cp := l
	return &cp, nil
}

// Leads returns all recorded leads ordered by id. Used by hosts and
// tests to inspect what the agent created.
func (m *MemoryManager) Leads() []Lead {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Lead
	for id := range m.nextID {
		if l, ok := m.leads[id]; ok {
			out = append(out, *l)
		}
	}
	return out
}

// sortedProducts returns products ordered by id. Caller holds m.mu.
func (m *MemoryManager) sortedProducts() []Product {
	out := make([]Product, 0, len(m.products))
	for id := range m.nextID {
		if p, ok := m.products[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}
