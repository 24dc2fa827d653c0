package processor

import "strings"

var eventCategories = map[string]string{
	"user_login":     "authentication",
	"user_logout":    "authentication",
	"password_reset": "authentication",
	"purchase":       "transaction",
	"refund":         "transaction",
	"payment":        "transaction",
	"page_view":      "analytics",
	"click":          "analytics",
	"search":         "analytics",
	"error":          "system",
	"warning":        "system",
}

func CategorizeEvent(eventType string) string {
	if c, ok := eventCategories[strings.ToLower(eventType)]; ok {
		return c
	}
	return "other"
}

func CategorizeAmount(amount float64) string {
	switch {
	case amount < 10:
		return "micro"
	case amount < 100:
		return "small"
	case amount < 1000:
		return "medium"
	case amount < 10000:
		return "large"
	default:
		return "enterprise"
	}
}
