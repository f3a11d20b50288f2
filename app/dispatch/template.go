package dispatch

import (
	"math/rand/v2"
	"strings"

	"github.com/mercatorhq/herald/models"
)

// Placeholder tokens recognized in message bodies.
const (
	placeholderName     = "{name}"
	placeholderCity     = "{city}"
	placeholderNickname = "{nickname}"
)

// RenderTemplate substitutes contact fields into a message body using plain
// token replacement. A token whose value is blank for this contact, and any
// token the engine does not recognize, stays in the text verbatim. Operators
// read the delivery log, so an unfilled {nickname} is more useful than a
// silently dropped one.
func RenderTemplate(body string, contact *models.Contact) string {
	if contact == nil {
		return body
	}
	out := body
	if contact.Name != "" {
		out = strings.ReplaceAll(out, placeholderName, contact.Name)
	}
	if contact.City != "" {
		out = strings.ReplaceAll(out, placeholderCity, contact.City)
	}
	if contact.Nickname != nil && *contact.Nickname != "" {
		out = strings.ReplaceAll(out, placeholderNickname, *contact.Nickname)
	}
	return out
}

// pickUniform selects a variation index uniformly across the body and every
// stored variation. Index 0 is the body itself.
func pickUniform(m *models.Message) int {
	n := m.VariantCount()
	if n <= 1 {
		return 0
	}
	return rand.IntN(n)
}
