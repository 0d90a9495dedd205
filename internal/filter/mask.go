package filter

import "regexp"

// Sensitive-data types reported by DetectAndMaskSensitiveData.
const (
	SensitiveNationalID  = "national_id"
	SensitiveCreditCard  = "credit_card"
	SensitivePhone       = "phone"
	SensitiveAPIKey      = "api_key"
	SensitiveEmail       = "email"
	SensitiveBankAccount = "bank_account"
)

// MaskResult is the outcome of DetectAndMaskSensitiveData.
type MaskResult struct {
	Detected bool     `json:"detected"`
	Types    []string `json:"types,omitempty"`
	Masked   string   `json:"masked"`
}

type maskRule struct {
	typ     string
	pattern *regexp.Regexp
	mask    string
}

// Ordered: national id before phone before bank account, so the widest
// pattern claims its text first. Mask literals contain no digits or address
// characters, which keeps re-masking a no-op.
var maskRules = []maskRule{
	{SensitiveNationalID, regexp.MustCompile(`\b\d{6}-[1-4]\d{6}\b`), "******-*******"},
	{SensitiveCreditCard, regexp.MustCompile(`\b\d{4}[- ]\d{4}[- ]\d{4}[- ]\d{4}\b|\b\d{16}\b`), "****-****-****-****"},
	{SensitivePhone, regexp.MustCompile(`\b01[016789][- ]?\d{3,4}[- ]?\d{4}\b`), "010-****-****"},
	{SensitiveAPIKey, regexp.MustCompile(`\b(?:sk|pk|rk)[-_][A-Za-z0-9_-]{16,}\b|\b(?i:api[-_]?key|token|bearer)[-_=:\s]+[A-Za-z0-9_-]{16,}\b`), "[API_KEY]"},
	{SensitiveEmail, regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), "***@***.***"},
	{SensitiveBankAccount, regexp.MustCompile(`\b\d{3,6}-\d{2,6}-\d{4,8}\b`), "[ACCOUNT]"},
}

// DetectAndMaskSensitiveData replaces PII in text with fixed mask literals.
// The masked copy is what gets persisted; the AI still sees the original.
// Idempotent: masking a masked string changes nothing.
func DetectAndMaskSensitiveData(text string) MaskResult {
	masked := text
	types := make([]string, 0, 2)

	for _, rule := range maskRules {
		if rule.pattern.MatchString(masked) {
			types = append(types, rule.typ)
			masked = rule.pattern.ReplaceAllString(masked, rule.mask)
		}
	}

	return MaskResult{
		Detected: len(types) > 0,
		Types:    types,
		Masked:   masked,
	}
}
