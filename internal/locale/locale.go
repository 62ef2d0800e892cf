// Package locale renders the canned status strings that get appended to
// chat logs. Lookups are cosmetic: a missing key falls back to the key
// itself so control flow never depends on the catalog.
package locale

import (
	"fmt"
	"strings"
)

const DefaultLocale = "en"

// Catalog maps locale -> message key -> template. Templates use positional
// placeholders {0}, {1}, ...
type Catalog struct {
	messages map[string]map[string]string
}

func NewCatalog() *Catalog {
	return &Catalog{
		messages: map[string]map[string]string{
			"en": {
				"chat.status.operator.dead":       "The operator has connection problems, we have moved you to a priority queue. Sorry for keeping you waiting.",
				"chat.status.user.dead":           "Visitor closed chat window",
				"chat.status.user.reopenedthread": "Visitor re-entered chat",
				"chat.status.operator.joined":     "Operator {0} joined the chat",
				"chat.status.operator.changed":    "Operator {0} changed operator {1}",
				"chat.status.operator.returned":   "Operator {0} is back",
				"chat.status.operator.left":       "Operator {0} left the chat",
				"chat.status.operator.redirect":   "Operator {0} redirected you to another operator, please wait a while",
				"chat.status.user.left":           "Visitor {0} left the chat",
				"chat.status.user.changedname":    "Visitor changed their name {0} to {1}",
			},
		},
	}
}

// Lookup renders the message for key in the given locale, substituting the
// positional params. Unknown locales fall back to en; unknown keys render
// as the key so a missing translation is visible but harmless.
func (c *Catalog) Lookup(key string, params []string, loc string) string {
	byKey, ok := c.messages[loc]
	if !ok {
		byKey = c.messages[DefaultLocale]
	}
	template, ok := byKey[key]
	if !ok {
		if loc != DefaultLocale {
			template, ok = c.messages[DefaultLocale][key]
		}
		if !ok {
			return key
		}
	}
	for i, param := range params {
		template = strings.ReplaceAll(template, fmt.Sprintf("{%d}", i), param)
	}
	return template
}
