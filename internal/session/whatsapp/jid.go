package whatsapp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ttacon/libphonenumber"
	"go.mau.fi/whatsmeow/types"
)

// ErrInvalidPhone is returned when a recipient cannot be turned into a JID.
var ErrInvalidPhone = errors.New("invalid phone number")

// RecipientJID converts a phone number in any common notation into a user
// JID. Numbers without a leading "+" are read in defaultRegion first and fall
// back to international form. Values that already contain a server part are
// parsed as JIDs.
func RecipientJID(recipient, defaultRegion string) (types.JID, error) {
	recipient = strings.TrimSpace(recipient)
	if strings.Contains(recipient, "@") {
		jid, err := types.ParseJID(recipient)
		if err != nil {
			return types.JID{}, fmt.Errorf("%w: %v", ErrInvalidPhone, err)
		}
		return jid, nil
	}

	digits := onlyDigits(recipient)
	if digits == "" {
		return types.JID{}, fmt.Errorf("%w: %q", ErrInvalidPhone, recipient)
	}

	e164, err := toE164(digits, strings.HasPrefix(recipient, "+"), defaultRegion)
	if err != nil {
		return types.JID{}, fmt.Errorf("%w: %v", ErrInvalidPhone, err)
	}
	return types.NewJID(strings.TrimPrefix(e164, "+"), types.DefaultUserServer), nil
}

func toE164(digits string, international bool, region string) (string, error) {
	if !international && region != "" {
		num, err := libphonenumber.Parse(digits, region)
		if err == nil && libphonenumber.IsValidNumber(num) {
			return libphonenumber.Format(num, libphonenumber.E164), nil
		}
	}

	num, err := libphonenumber.Parse("+"+digits, "")
	if err != nil {
		return "", err
	}
	return libphonenumber.Format(num, libphonenumber.E164), nil
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
