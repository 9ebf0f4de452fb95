package domain

import (
	"fmt"
	"strings"
	"time"
)

// Contact is a campaign recipient.
type Contact struct {
	ID     string
	UserID string

	Email     string
	FirstName string
	LastName  string
	Company   string
	Title     string

	// Attributes holds user-defined personalization fields.
	Attributes map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c *Contact) Validate() error {
	if strings.TrimSpace(c.Email) == "" {
		return fmt.Errorf("%w: contact email is required", ErrValidation)
	}
	if !strings.Contains(c.Email, "@") {
		return fmt.Errorf("%w: invalid contact email %q", ErrValidation, c.Email)
	}
	return nil
}

// Domain returns the recipient domain, lowercased.
func (c *Contact) Domain() string {
	return EmailDomain(c.Email)
}

// EmailDomain extracts the domain part of an address, lowercased. Returns ""
// for malformed addresses.
func EmailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
