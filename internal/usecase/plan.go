package usecase

import (
	"strings"

	"support-agent/internal/domain"
	"support-agent/internal/textmatch"
	"support-agent/internal/tools"
)

var (
	orderIntent = textmatch.MustCompile([]string{
		"order", "status", "track", "tracking", "where is my", "where's my",
		"shipped", "package", "parcel", "arrive", "arriving", "delivered",
	})
	productIntent = textmatch.MustCompile([]string{
		"size", "sizes", "stock", "in stock", "available", "price", "cost",
		"colour", "colours", "color", "colors", "product", "sku",
	})
	shippingIntent = textmatch.MustCompile([]string{
		"ship to", "deliver to", "delivery to", "pincode", "pin code",
		"postal code", "zip", "serviceable", "cod", "cash on delivery",
	})
	policyTerms = textmatch.MustCompile([]string{
		"policy", "return", "returns", "exchange", "warranty", "shipping",
		"delivery", "payment", "coupon", "gift card", "size chart", "how",
		"can i", "do you",
	})
	smallTalk = textmatch.MustCompile([]string{
		"hi", "hello", "hey", "thanks", "thank you", "ok", "okay", "bye",
		"good morning", "good evening", "cheers",
	})
)

const askOrderNumber = "Could you share your order number so I can look that up?"

type plannedCall struct {
	name string
	args map[string]any
}

// plan is what a turn needs gathered before generation.
type plan struct {
	retrieve      bool
	calls         []plannedCall
	needsEvidence bool
	// clarify, when set, is the reply; nothing is gathered or generated.
	clarify string
}

// planTurn picks tool calls and retrieval for the latest customer text.
// Facts stated in this turn (Seq == seq) override intent keywords, and
// slate facts from earlier turns fill in arguments the customer refers to.
func planTurn(text string, facts domain.FactSlate, seq int) plan {
	fresh := func(key string) bool {
		f, ok := facts[key]
		return ok && f.Seq == seq
	}

	if isSmallTalk(text) {
		return plan{}
	}

	var p plan
	wantsOrder := orderIntent.Any(text) || fresh("order_id")
	switch orderID := facts.Value("order_id"); {
	case wantsOrder && orderID != "":
		p.calls = append(p.calls, plannedCall{name: tools.OrderStatus, args: map[string]any{"order_id": orderID}})
	case wantsOrder && !policyTerms.Any(text) && !productIntent.Any(text):
		return plan{clarify: askOrderNumber}
	}

	if productID := facts.Value("product_id"); productID != "" && (fresh("product_id") || productIntent.Any(text)) {
		p.calls = append(p.calls, plannedCall{name: tools.ProductInfo, args: map[string]any{"product_id": productID}})
	}
	if code := facts.Value("postal_code"); code != "" && (fresh("postal_code") || shippingIntent.Any(text)) {
		p.calls = append(p.calls, plannedCall{name: tools.ShippingEligibility, args: map[string]any{"postal_code": code}})
	}

	p.retrieve = len(p.calls) == 0 || policyTerms.Any(text)
	p.needsEvidence = true
	return p
}

func isSmallTalk(text string) bool {
	words := strings.Fields(text)
	return len(words) <= 4 && smallTalk.Any(text) && !strings.Contains(text, "?")
}
