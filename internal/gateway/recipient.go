package gateway

import (
	"context"
	"strings"
)

// DefaultCountryCode is prepended to numbers without one
const DefaultCountryCode = "27"

const jidSuffix = "@s.whatsapp.net"

// NormalizeRecipient turns a local or international phone number into a
// WhatsApp JID. Recipients that already contain '@' (JIDs, group IDs) are
// returned unchanged.
func NormalizeRecipient(recipient, countryCode string) string {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" || strings.Contains(recipient, "@") {
		return recipient
	}
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}

	number := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.', '+':
			return -1
		}
		return r
	}, recipient)

	if !strings.HasPrefix(number, countryCode) {
		if strings.HasPrefix(number, "0") {
			number = countryCode + number[1:]
		} else {
			number = countryCode + number
		}
	}
	return number + jidSuffix
}

// Normalizing wraps a gateway and rewrites recipients before sending
type Normalizing struct {
	next        Gateway
	countryCode string
}

// NewNormalizing returns a gateway that normalizes recipients for next
func NewNormalizing(next Gateway, countryCode string) *Normalizing {
	return &Normalizing{next: next, countryCode: countryCode}
}

// Send normalizes the recipient and forwards the message
func (n *Normalizing) Send(ctx context.Context, recipient, text string) (*Receipt, error) {
	return n.next.Send(ctx, NormalizeRecipient(recipient, n.countryCode), text)
}

// Status forwards to the wrapped gateway when it supports probing
func (n *Normalizing) Status(ctx context.Context) (*Status, error) {
	if sc, ok := n.next.(StatusChecker); ok {
		return sc.Status(ctx)
	}
	return &Status{Type: "unknown"}, nil
}
