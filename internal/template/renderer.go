// Package template renders {{variable}} placeholders in email subjects and
// bodies from a contact record. Rendering is a pure function; unknown
// variables render as empty strings so a missing field never leaks template
// syntax into an outbound email.
package template

import (
	"regexp"
	"strings"

	"github.com/outboundhq/sequence-engine/internal/domain"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Render substitutes {{variable}} placeholders with contact fields. Built-in
// variables: first_name, last_name, full_name, email, company, title. Custom
// attributes on the contact are matched by key and take precedence over
// built-ins.
func Render(tpl string, contact *domain.Contact) string {
	if tpl == "" || contact == nil {
		return tpl
	}

	return placeholderPattern.ReplaceAllStringFunc(tpl, func(match string) string {
		key := strings.ToLower(placeholderPattern.FindStringSubmatch(match)[1])

		if contact.Attributes != nil {
			if v, ok := contact.Attributes[key]; ok {
				return v
			}
		}

		switch key {
		case "first_name":
			return contact.FirstName
		case "last_name":
			return contact.LastName
		case "full_name":
			return strings.TrimSpace(contact.FirstName + " " + contact.LastName)
		case "email":
			return contact.Email
		case "company":
			return contact.Company
		case "title":
			return contact.Title
		}
		return ""
	})
}
