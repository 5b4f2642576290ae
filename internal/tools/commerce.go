package tools

import (
	"context"
	"errors"
	"strings"

	"support-agent/internal/domain"
	"support-agent/internal/integrations/commerce"
)

// Names of the built-in lookups.
const (
	OrderStatus         = "order_status"
	ProductInfo         = "product_info"
	ShippingEligibility = "shipping_eligibility"
)

// Commerce is the backend the built-in tools read from.
type Commerce interface {
	Order(ctx context.Context, brandID, orderID string) (commerce.Order, error)
	Product(ctx context.Context, brandID, productID string) (commerce.Product, error)
	Zone(ctx context.Context, brandID, postalCode string) (commerce.Zone, error)
}

// RegisterCommerce registers order_status, product_info and
// shipping_eligibility over backend.
func RegisterCommerce(r *Registry, backend Commerce) error {
	if r == nil || backend == nil {
		return errors.New("tools: registry and commerce backend must not be nil")
	}
	defs := []Tool{
		{
			Name:        OrderStatus,
			Description: "Look up the status, carrier and delivery estimate of an order.",
			Schema: Schema{Fields: []Field{
				{Name: "order_id", Type: TypeString, Required: true, Pattern: `[A-Za-z0-9-]{3,32}`},
			}},
			Exec: func(ctx context.Context, s Scope, args map[string]any) (map[string]any, error) {
				o, err := backend.Order(ctx, s.BrandID, args["order_id"].(string))
				if err != nil {
					return nil, classify(err)
				}
				return orderResult(o), nil
			},
		},
		{
			Name:        ProductInfo,
			Description: "Look up price, stock, sizes and colours of a product.",
			Schema: Schema{Fields: []Field{
				{Name: "product_id", Type: TypeString, Required: true, Pattern: `[A-Za-z0-9-]{2,32}`},
			}},
			Exec: func(ctx context.Context, s Scope, args map[string]any) (map[string]any, error) {
				p, err := backend.Product(ctx, s.BrandID, args["product_id"].(string))
				if err != nil {
					return nil, classify(err)
				}
				currency := p.Currency
				if currency == "" {
					currency = s.Policies.Currency
				}
				return map[string]any{
					"product_id": p.ID,
					"name":       p.Name,
					"price":      p.Price,
					"currency":   currency,
					"in_stock":   p.InStock,
					"sizes":      strings.Join(p.Sizes, ", "),
					"colors":     strings.Join(p.Colors, ", "),
				}, nil
			},
		},
		{
			Name:        ShippingEligibility,
			Description: "Check delivery to a postal code and the shipping charge for an order value.",
			Schema: Schema{Fields: []Field{
				{Name: "postal_code", Type: TypeString, Required: true, Pattern: `\d{5,6}`},
				{Name: "order_value", Type: TypeNumber},
			}},
			Exec: func(ctx context.Context, s Scope, args map[string]any) (map[string]any, error) {
				code := args["postal_code"].(string)
				value, _ := args["order_value"].(float64)
				z, err := backend.Zone(ctx, s.BrandID, code)
				if errors.Is(err, commerce.ErrNotFound) {
					return map[string]any{"postal_code": code, "serviceable": false}, nil
				}
				if err != nil {
					return nil, classify(err)
				}
				return shippingResult(z, value, s), nil
			},
		},
	}
	for _, t := range defs {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func orderResult(o commerce.Order) map[string]any {
	out := map[string]any{
		"order_id": o.ID,
		"status":   o.Status,
		"shipped":  o.Shipped,
		"total":    o.Total,
	}
	if o.Carrier != "" {
		out["carrier"] = o.Carrier
	}
	if o.TrackingNumber != "" {
		out["tracking_number"] = o.TrackingNumber
	}
	if o.EstimatedDelivery != "" {
		out["estimated_delivery"] = o.EstimatedDelivery
	}
	if len(o.Items) > 0 {
		out["items"] = strings.Join(o.Items, ", ")
	}
	return out
}

func shippingResult(z commerce.Zone, value float64, s Scope) map[string]any {
	out := map[string]any{
		"postal_code":             z.PostalCode,
		"serviceable":             z.Serviceable,
		"free_shipping_threshold": s.Policies.FreeShippingThreshold,
	}
	if !z.Serviceable {
		return out
	}
	free := value >= s.Policies.FreeShippingThreshold
	cost := s.Policies.StandardShippingFee
	if free {
		cost = 0
	}
	out["city"] = z.City
	out["delivery_days"] = z.DeliveryDays
	out["cod_available"] = z.CODAvailable
	out["free_shipping"] = free
	out["shipping_cost"] = cost
	if value > 0 {
		out["order_value"] = value
	}
	return out
}

func classify(err error) error {
	switch {
	case errors.Is(err, commerce.ErrNotFound):
		return NotFound(err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	case commerce.IsTransient(err):
		return Upstream(err)
	default:
		return &Error{Reason: domain.ReasonUpstream, Err: err}
	}
}
