package business

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/solano/gestor-agent/internal/llm"
	"github.com/solano/gestor-agent/internal/tools"
)

// dateLayout is the date format the model is told to use for
// period arguments.
const dateLayout = "2006-01-02"

// notFound is what the model reads back when a lookup matches
// nothing. Plain domain text, so the model can phrase the answer
// instead of inventing data.
const notFound = "No se encontró ningún resultado."

// RegisterTools adds the back-office tool pack to a registry. Every
// handler resolves the Manager from its invocation, so one registry
// serves any number of business backends.
func RegisterTools(reg *tools.Registry) {
	reg.Register(&tools.Tool{
		Name:        "get_partner_by_email",
		Description: "Busca un cliente por su dirección de correo exacta.",
		Parameters: objectSchema(map[string]any{
			"email": map[string]any{"type": "string", "description": "Correo del cliente."},
		}, "email"),
		Handler: func(_ context.Context, inv tools.Invocation) (string, error) {
			mgr, err := manager(inv)
			if err != nil {
				return "", err
			}
			p, err := mgr.PartnerByEmail(stringArg(inv, "email"))
			if err != nil {
				return "", err
			}
			return renderJSON(p)
		},
	})

	reg.Register(&tools.Tool{
		Name:        "get_partner_by_name",
		Description: "Busca clientes cuyo nombre contenga el texto indicado.",
		Parameters: objectSchema(map[string]any{
			"name": map[string]any{"type": "string", "description": "Nombre o parte del nombre."},
		}, "name"),
		Handler: func(_ context.Context, inv tools.Invocation) (string, error) {
			mgr, err := manager(inv)
			if err != nil {
				return "", err
			}
			ps, err := mgr.PartnersByName(stringArg(inv, "name"))
			if err != nil {
				return "", err
			}
			return renderJSONList(len(ps), ps)
		},
	})

	reg.Register(&tools.Tool{
		Name:        "create_partner",
		Description: "Da de alta un cliente nuevo. Si el correo ya existe devuelve el cliente existente.",
		Parameters: objectSchema(map[string]any{
			"name":  map[string]any{"type": "string", "description": "Nombre completo."},
			"email": map[string]any{"type": "string", "description": "Correo de contacto."},
			"phone": map[string]any{"type": "string", "description": "Teléfono de contacto."},
		}, "name"),
		Handler: func(_ context.Context, inv tools.Invocation) (string, error) {
			mgr, err := manager(inv)
			if err != nil {
				return "", err
			}
			p, err := mgr.CreatePartner(Partner{
				Name:  stringArg(inv, "name"),
				Email: stringArg(inv, "email"),
				Phone: stringArg(inv, "phone"),
			})
			if err != nil {
				return "", err
			}
			return renderJSON(p)
		},
	})

	reg.Register(&tools.Tool{
		Name:        "get_product",
		Description: "Busca un producto por nombre o por referencia (SKU) y devuelve precio y stock.",
		Parameters: objectSchema(map[string]any{
			"name": map[string]any{"type": "string", "description": "Nombre o parte del nombre del producto."},
			"sku":  map[string]any{"type": "string", "description": "Referencia interna exacta."},
		}),
		Handler: func(_ context.Context, inv tools.Invocation) (string, error) {
			mgr, err := manager(inv)
			if err != nil {
				return "", err
			}
			var p *Product
			if sku := stringArg(inv, "sku"); sku != "" {
				p, err = mgr.ProductBySKU(sku)
			} else if name := stringArg(inv, "name"); name != "" {
				p, err = mgr.ProductByName(name)
			} else {
				return "", fmt.Errorf("get_product requires name or sku")
			}
			if err != nil {
				return "", err
			}
			return renderJSON(p)
		},
	})

	reg.Register(&tools.Tool{
		Name:        "product_stock",
		Description: "Devuelve las unidades en stock de un producto buscado por nombre.",
		Parameters: objectSchema(map[string]any{
			"name": map[string]any{"type": "string", "description": "Nombre o parte del nombre del producto."},
		}, "name"),
		Handler: func(_ context.Context, inv tools.Invocation) (string, error) {
			mgr, err := manager(inv)
			if err != nil {
				return "", err
			}
			p, err := mgr.ProductByName(stringArg(inv, "name"))
			if err != nil {
				return "", err
			}
			if p == nil {
				return notFound, nil
			}
			return renderJSON(map[string]any{
				"product":       p.Name,
				"sku":           p.SKU,
				"qty_available": p.Stock,
			})
		},
	})

	reg.Register(&tools.Tool{
		Name:        "get_all_products",
		Description: "Devuelve el catálogo completo de productos con precio y stock.",
		Parameters:  objectSchema(map[string]any{}),
		Handler: func(_ context.Context, inv tools.Invocation) (string, error) {
			mgr, err := manager(inv)
			if err != nil {
				return "", err
			}
			ps, err := mgr.AllProducts()
			if err != nil {
				return "", err
			}
			return renderJSONList(len(ps), ps)
		},
	})

	reg.Register(&tools.Tool{
		Name:        "get_products_by_category",
		Description: "Lista los productos de una categoría.",
		Parameters: objectSchema(map[string]any{
			"category": map[string]any{"type": "string", "description": "Nombre de la categoría."},
		}, "category"),
		Handler: func(_ context.Context, inv tools.Invocation) (string, error) {
			mgr, err := manager(inv)
			if err != nil {
				return "", err
			}
			ps, err := mgr.ProductsByCategory(stringArg(inv, "category"))
			if err != nil {
				return "", err
			}
			return renderJSONList(len(ps), ps)
		},
	})

	reg.Register(&tools.Tool{
		Name:        "products_low_stock",
		Description: "Lista los productos con stock por debajo de un umbral.",
		Parameters: objectSchema(map[string]any{
			"threshold": map[string]any{"type": "number", "description": "Umbral de unidades. Por defecto 10."},
		}),
		Handler: func(_ context.Context, inv tools.Invocation) (string, error) {
			mgr, err := manager(inv)
			if err != nil {
				return "", err
			}
			threshold := floatArg(inv, "threshold")
			if threshold <= 0 {
				threshold = 10
			}
			ps, err := mgr.ProductsBelowStock(threshold)
			if err != nil {
				return "", err
			}
			return renderJSONList(len(ps), ps)
		},
	})

	reg.Register(&tools.Tool{
		Name:        "get_orders_by_partner",
		Description: "Devuelve los pedidos de venta de un cliente identificado por su correo.",
		Parameters: objectSchema(map[string]any{
			"email": map[string]any{"type": "string", "description": "Correo del cliente."},
		}, "email"),
		Handler: func(_ context.Context, inv tools.Invocation) (string, error) {
			mgr, err := manager(inv)
			if err != nil {
				return "", err
			}
			p, err := mgr.PartnerByEmail(stringArg(inv, "email"))
			if err != nil {
				return "", err
			}
			if p == nil {
				return notFound, nil
			}
			orders, err := mgr.OrdersByPartner(p.ID)
			if err != nil {
				return "", err
			}
			return renderJSONList(len(orders), orders)
		},
	})

	reg.Register(&tools.Tool{
		Name:        "pending_invoices_to_pay",
		Description: "Lista las facturas emitidas que siguen pendientes de cobro.",
		Parameters:  objectSchema(map[string]any{}),
		Handler: func(_ context.Context, inv tools.Invocation) (string, error) {
			mgr, err := manager(inv)
			if err != nil {
				return "", err
			}
			invoices, err := mgr.PendingInvoices()
			if err != nil {
				return "", err
			}
			return renderJSONList(len(invoices), invoices)
		},
	})

	reg.Register(&tools.Tool{
		Name:        "top_product_by_dates",
		Description: "Devuelve el producto más vendido entre dos fechas (formato AAAA-MM-DD), con unidades e ingresos.",
		Parameters: objectSchema(map[string]any{
			"start_date": map[string]any{"type": "string", "description": "Fecha inicial, AAAA-MM-DD."},
			"end_date":   map[string]any{"type": "string", "description": "Fecha final, AAAA-MM-DD."},
		}, "start_date", "end_date"),
		Handler: func(_ context.Context, inv tools.Invocation) (string, error) {
			mgr, err := manager(inv)
			if err != nil {
				return "", err
			}
			from, err := time.Parse(dateLayout, stringArg(inv, "start_date"))
			if err != nil {
				return "", fmt.Errorf("start_date: %w", err)
			}
			to, err := time.Parse(dateLayout, stringArg(inv, "end_date"))
			if err != nil {
				return "", fmt.Errorf("end_date: %w", err)
			}
			top, err := mgr.TopProductBetween(from, to)
			if err != nil {
				return "", err
			}
			if top == nil {
				return notFound, nil
			}
			return renderJSON(top)
		},
	})

	reg.Register(&tools.Tool{
		Name:        "create_lead",
		Description: "Crea una oportunidad comercial a partir de la conversación actual. Úsala cuando el cliente muestre interés de compra.",
		Parameters: objectSchema(map[string]any{
			"partner_name": map[string]any{"type": "string", "description": "Nombre del cliente interesado."},
			"email":        map[string]any{"type": "string", "description": "Correo del cliente, si se conoce."},
			"resume":       map[string]any{"type": "string", "description": "Resumen breve del interés del cliente."},
		}, "partner_name", "resume"),
		// The lead description carries the raw chat transcript so a
		// salesperson can read the whole exchange.
		WantTranscript: true,
		Handler: func(_ context.Context, inv tools.Invocation) (string, error) {
			mgr, err := manager(inv)
			if err != nil {
				return "", err
			}
			name := stringArg(inv, "partner_name")
			email := stringArg(inv, "email")

			lead := Lead{
				Name:        fmt.Sprintf("Chat - %s", name),
				Email:       email,
				Description: leadDescription(stringArg(inv, "resume"), inv.Transcript),
			}
			if email != "" {
				if p, err := mgr.PartnerByEmail(email); err == nil && p != nil {
					lead.PartnerID = p.ID
					lead.Phone = p.Phone
				}
			}
			created, err := mgr.CreateLead(lead)
			if err != nil {
				return "", err
			}
			return renderJSON(created)
		},
	})
}

// leadDescription appends the rendered chat transcript to the model's
// resume so a salesperson can read the whole exchange. System messages
// are left out.
func leadDescription(resume string, transcript []llm.Message) string {
	var b strings.Builder
	b.WriteString(resume)
	wrote := false
	for _, m := range transcript {
		if m.Role != llm.RoleUser && m.Role != llm.RoleAssistant {
			continue
		}
		if m.Content == "" {
			continue
		}
		if !wrote {
			b.WriteString("\n\n--- Conversación ---")
			wrote = true
		}
		fmt.Fprintf(&b, "\n%s: %s", m.Role, m.Content)
	}
	return b.String()
}

// manager extracts the typed Manager from an invocation.
func manager(inv tools.Invocation) (Manager, error) {
	mgr, ok := inv.Manager.(Manager)
	if !ok || mgr == nil {
		return nil, fmt.Errorf("invocation carries no business manager")
	}
	return mgr, nil
}

func stringArg(inv tools.Invocation, key string) string {
	s, _ := inv.Args[key].(string)
	return s
}

func floatArg(inv tools.Invocation, key string) float64 {
	switch v := inv.Args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// renderJSON encodes a lookup result, mapping nil to the not-found
// text.
func renderJSON(v any) (string, error) {
	if isNil(v) {
		return notFound, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}

func renderJSONList(n int, v any) (string, error) {
	if n == 0 {
		return notFound, nil
	}
	return renderJSON(v)
}

func isNil(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case *Partner:
		return t == nil
	case *Product:
		return t == nil
	case *Lead:
		return t == nil
	}
	return false
}

// objectSchema builds the JSON-schema parameter spec for a tool.
func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
