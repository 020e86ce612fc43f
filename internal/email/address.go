package email

import (
	"net/mail"
	"strings"
)

// senderDomain returns the lowercased domain of the From address, used for
// Message-ID generation. Addresses without a usable domain map to localhost.
func senderDomain(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		from = addr.Address
	}
	at := strings.LastIndex(from, "@")
	if at <= 0 || at == len(from)-1 {
		return "localhost"
	}
	return strings.ToLower(from[at+1:])
}

func formatAddress(name, address string) string {
	if name == "" {
		return address
	}
	return (&mail.Address{Name: name, Address: address}).String()
}
