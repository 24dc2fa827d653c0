package cel

// FieldExpressionExamples are expressions suitable for expression processors.
// Each value is written to the field named by the key.
var FieldExpressionExamples = map[string]string{
	"is_high_value":    `has(payload.amount) && payload.amount >= 1000.0`,
	"currency_upper":   `has(payload.currency) ? payload.currency.upperAscii() : "USD"`,
	"status_active":    `payload.status in ["active", "pending", "processing"]`,
	"amount_with_tax":  `payload.amount * (1.0 + payload.tax_rate / 100.0)`,
	"customer_tier":    `has(payload.user) && has(payload.user.tier) ? payload.user.tier : "standard"`,
	"source_topic":     `topic`,
	"email_local_part": `payload.email.substring(0, payload.email.indexOf("@"))`,
	"line_count":       `size(payload.items)`,
	"is_cdc_delete":    `has(payload.op) && payload.op == "d"`,
	"routing_key":      `topic + ":" + string(payload.id)`,
}
