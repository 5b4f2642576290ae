package brand

// DefaultTriggers are used for every category a brand leaves empty.
func DefaultTriggers() Triggers {
	return Triggers{
		Legal: []string{
			"lawyer", "attorney", "legal action", "legal notice", "sue", "suing",
			"take you to court", "see you in court", "consumer court", "consumer forum",
			"file a complaint", "file complaint",
		},
		Abuse: []string{
			"fuck", "fucking", "shit", "bastard", "bitch", "idiot", "stupid bot", "moron",
		},
		Refund: []string{
			"want a refund", "want my refund", "need a refund", "get a refund", "give me a refund",
			"refund me", "refund my", "issue a refund", "process my refund", "process a refund",
			"money back", "reimburse me", "chargeback", "dispute the charge", "dispute charge",
		},
		Cancellation: []string{
			"cancel my order", "cancel the order", "cancel order", "cancel my shipped order",
			"cancel this order", "cancel it", "want to cancel", "cancel the shipment",
		},
		Shipped: []string{
			"shipped", "dispatched", "in transit", "out for delivery",
		},
		HumanRequest: []string{
			"speak to a human", "speak to human", "talk to a person", "talk to a human",
			"real person", "human agent", "live agent", "speak to a manager", "supervisor",
		},
		StrongFrustration: []string{
			"ridiculous", "unacceptable", "disgusting", "horrible", "worst", "terrible",
			"pathetic", "useless",
		},
	}
}

func (t Triggers) withDefaults() Triggers {
	d := DefaultTriggers()
	if len(t.Legal) == 0 {
		t.Legal = d.Legal
	}
	if len(t.Abuse) == 0 {
		t.Abuse = d.Abuse
	}
	if len(t.Refund) == 0 {
		t.Refund = d.Refund
	}
	if len(t.Cancellation) == 0 {
		t.Cancellation = d.Cancellation
	}
	if len(t.Shipped) == 0 {
		t.Shipped = d.Shipped
	}
	if len(t.HumanRequest) == 0 {
		t.HumanRequest = d.HumanRequest
	}
	if len(t.StrongFrustration) == 0 {
		t.StrongFrustration = d.StrongFrustration
	}
	return t
}

// DefaultFactPatterns extract the slate keys the orchestrator plans with.
func DefaultFactPatterns() []FactPattern {
	return []FactPattern{
		{Key: "order_id", Pattern: `(?i)(?:\border(?:\s+(?:id|number|no\.?))?(?:\s+is)?\s*[:#]?\s*|#)(\d{4,12})\b`, Group: 1},
		{Key: "product_id", Pattern: `(?i)\b(?:product|sku|item)(?:\s+(?:id|code))?\s*[:#]?\s*([a-z]{0,4}-?\d[a-z0-9-]{2,})\b`, Group: 1},
		{Key: "postal_code", Pattern: `(?i)\b(?:pin\s*code|pincode|postal\s*code|zip(?:\s*code)?)\s*(?:is\s*)?[:#]?\s*(\d{5,6})\b`, Group: 1},
		{Key: "open_issue", Pattern: `(?i)\b(?:damaged|broken|torn|defective)\b`, Value: "damaged_item"},
		{Key: "open_issue", Pattern: `(?i)\b(?:wrong\s+size|size\s+exchange|exchange\s+(?:for|the)\s+(?:a\s+)?(?:size|bigger|smaller))\b`, Value: "size_exchange"},
		{Key: "open_issue", Pattern: `(?i)\b(?:late|delayed|not\s+(?:yet\s+)?(?:arrived|delivered)|still\s+waiting)\b`, Value: "delivery_delay"},
		{Key: "open_issue", Pattern: `(?i)\bwrong\s+(?:item|product|colou?r)\b`, Value: "wrong_item"},
	}
}
