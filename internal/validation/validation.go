package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"purchasekit/internal/models"
)

// Product identifiers follow the reverse-DNS convention of store
// catalogs: dot-separated alphanumeric segments, underscores allowed.
var productIDRegex = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

func ValidateProductID(id string) error {
	if id == "" {
		return &ValidationError{Field: "product_id", Message: "is required"}
	}

	id = SanitizeString(id)

	if len(id) > 128 {
		return &ValidationError{Field: "product_id", Message: "cannot exceed 128 characters"}
	}

	if !productIDRegex.MatchString(id) {
		return &ValidationError{
			Field:   "product_id",
			Message: "must contain only letters, digits, underscores and dots",
		}
	}

	return nil
}

func ValidateTransactionID(id string) error {
	if id == "" {
		return &ValidationError{Field: "transaction_id", Message: "is required"}
	}

	id = SanitizeString(id)

	if len(id) > 128 {
		return &ValidationError{Field: "transaction_id", Message: "cannot exceed 128 characters"}
	}

	return nil
}

func ValidateAPIKey(key string) error {
	if key == "" {
		return &ValidationError{Field: "api_key", Message: "is required"}
	}

	if len(key) < 8 {
		return &ValidationError{Field: "api_key", Message: "must be at least 8 characters"}
	}

	return nil
}

// ValidateConfirmRequest checks the wire payload for a purchase
// confirmation before it is accepted by the backend.
func ValidateConfirmRequest(req models.ConfirmPurchaseRequest) error {
	if err := ValidateTransactionID(req.TransactionID); err != nil {
		return err
	}

	if err := ValidateProductID(req.ProductID); err != nil {
		return err
	}

	if req.PurchasedAt.IsZero() {
		return &ValidationError{Field: "purchased_at", Message: "is required"}
	}

	maxFutureTime := time.Now().Add(1 * time.Hour)
	if req.PurchasedAt.After(maxFutureTime) {
		return &ValidationError{
			Field:   "purchased_at",
			Message: "cannot be more than 1 hour in the future",
		}
	}

	return nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}
