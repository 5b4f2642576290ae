package escalation

import "support-agent/internal/brand"

var handoffMessages = map[string]string{
	ReasonRefundRequest:             "I understand you'd like a refund. Let me connect you with our support team who can help process that for you right away.",
	ReasonCancellationRequest:       "I understand you need to cancel your order. Let me connect you with our team who can assist with that immediately.",
	ReasonCancellationAfterShipping: "I understand you'd like to cancel an order that is already on its way. Let me connect you with our team who can look at the options for you.",
	ReasonLegalThreat:               "I understand your concerns. Let me connect you with our customer relations team who can address this matter properly.",
	ReasonAbusiveLanguage:           "I'm here to help, but I need us to communicate respectfully. Let me connect you with a team member who can assist you.",
	ReasonHumanRequest:              "Of course! Let me connect you with a team member right away.",
	ReasonExtremeFrustration:        "I completely understand your frustration, and I apologize for the inconvenience. Let me connect you with our support team who can resolve this for you.",
	ReasonRepeatedFrustration:       "I can see this has been frustrating for you, and I apologize for that. Let me connect you with our support team who can give this the attention it deserves.",
	ReasonGenerationFailed:          "I'm sorry, I'm having trouble putting an answer together right now. Let me connect you with a team member who can help you directly.",
	ReasonRepeatedToolFailure:       "I'm having trouble accessing our systems right now. Let me connect you with our support team who can assist you directly.",
	ReasonOrderNotFoundRepeated:     "I still can't find that order in our system. Let me connect you with a team member who can look into it with you.",
	ReasonInsufficientEvidence:      "I want to make sure you get accurate information. Let me connect you with a specialist who can help you better.",
}

const fallbackHandoff = "Let me connect you with our support team who can assist you better."

// AlreadyEscalatedMessage answers customers writing into a session a human
// already owns.
const AlreadyEscalatedMessage = "Thanks for your message. A member of our team has your conversation and will reply here shortly."

// HandoffMessage returns the brand's message for reason, falling back to the
// built-in text.
func HandoffMessage(cfg brand.Config, reason string) string {
	if m := cfg.HandoffMessage(reason); m != "" {
		return m
	}
	if m, ok := handoffMessages[reason]; ok {
		return m
	}
	return fallbackHandoff
}
