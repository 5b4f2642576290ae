// Package commerce talks to a brand's order, product and shipping data.
package commerce

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNotFound is returned when the backend has no such order, product or
// postal zone.
var ErrNotFound = errors.New("commerce: not found")

// Order is the subset of an order the agent may talk about.
type Order struct {
	ID                string    `json:"id" yaml:"id"`
	Status            string    `json:"status" yaml:"status"`
	Shipped           bool      `json:"shipped" yaml:"shipped"`
	Carrier           string    `json:"carrier,omitempty" yaml:"carrier"`
	TrackingNumber    string    `json:"tracking_number,omitempty" yaml:"tracking_number"`
	EstimatedDelivery string    `json:"estimated_delivery,omitempty" yaml:"estimated_delivery"`
	Total             float64   `json:"total" yaml:"total"`
	Items             []string  `json:"items,omitempty" yaml:"items"`
	PlacedAt          time.Time `json:"placed_at" yaml:"placed_at"`
}

// Product is catalogue data for one item.
type Product struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Price    float64  `json:"price" yaml:"price"`
	Currency string   `json:"currency,omitempty" yaml:"currency"`
	InStock  bool     `json:"in_stock" yaml:"in_stock"`
	Sizes    []string `json:"sizes,omitempty" yaml:"sizes"`
	Colors   []string `json:"colors,omitempty" yaml:"colors"`
}

// Zone describes delivery to one postal code.
type Zone struct {
	PostalCode   string `json:"postal_code" yaml:"postal_code"`
	City         string `json:"city,omitempty" yaml:"city"`
	Serviceable  bool   `json:"serviceable" yaml:"serviceable"`
	DeliveryDays string `json:"delivery_days,omitempty" yaml:"delivery_days"`
	CODAvailable bool   `json:"cod_available" yaml:"cod_available"`
}

// StatusError captures non-2xx responses from the commerce API.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("commerce: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Transient reports whether retrying the request may succeed.
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsTransient reports whether err is worth one retry. Anything that is not a
// definite answer from the backend counts as transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	return true
}
