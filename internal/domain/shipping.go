package domain

import (
	"regexp"
	"strings"
)

// ShippingInfo is the delivery address collected at checkout. AddressLine2
// and Email are optional; everything else is required.
type ShippingInfo struct {
	FullName     string `firestore:"fullName" json:"fullName"`
	Address      string `firestore:"address" json:"address"`
	AddressLine2 string `firestore:"addressLine2,omitempty" json:"addressLine2,omitempty"`
	City         string `firestore:"city" json:"city"`
	State        string `firestore:"state" json:"state"`
	PostalCode   string `firestore:"postalCode" json:"postalCode"`
	Phone        string `firestore:"phone" json:"phone"`
	Country      string `firestore:"country" json:"country"`
	Email        string `firestore:"email,omitempty" json:"email,omitempty"`
}

var phonePattern = regexp.MustCompile(`^\d{10}$`)

// ShippingFieldError reports the first invalid shipping field. Validation
// stops at the first failure so callers surface one message at a time.
type ShippingFieldError struct {
	Field   string
	Message string
}

func (e *ShippingFieldError) Error() string {
	return e.Field + ": " + e.Message
}

// Validate checks the shipping fields in display order and returns the
// first failure, or nil when all fields pass.
func (s ShippingInfo) Validate() *ShippingFieldError {
	checks := []struct {
		field   string
		ok      bool
		message string
	}{
		{"fullName", strings.TrimSpace(s.FullName) != "", "full name is required"},
		{"address", strings.TrimSpace(s.Address) != "", "address is required"},
		{"city", strings.TrimSpace(s.City) != "", "city is required"},
		{"state", strings.TrimSpace(s.State) != "", "state is required"},
		{"postalCode", strings.TrimSpace(s.PostalCode) != "", "postal code is required"},
		{"phone", phonePattern.MatchString(s.Phone), "phone must be a 10-digit number"},
		{"country", strings.TrimSpace(s.Country) != "", "country code is required"},
	}
	for _, c := range checks {
		if !c.ok {
			return &ShippingFieldError{Field: c.field, Message: c.message}
		}
	}
	return nil
}
