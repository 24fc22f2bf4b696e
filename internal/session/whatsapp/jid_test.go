package whatsapp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/types"
)

func TestRecipientJID(t *testing.T) {
	tests := []struct {
		name      string
		recipient string
		wantUser  string
		wantSrv   string
	}{
		{name: "international digits", recipient: "5527999999999", wantUser: "5527999999999", wantSrv: types.DefaultUserServer},
		{name: "plus prefix", recipient: "+5527999999999", wantUser: "5527999999999", wantSrv: types.DefaultUserServer},
		{name: "formatted", recipient: "+55 (27) 99999-9999", wantUser: "5527999999999", wantSrv: types.DefaultUserServer},
		{name: "existing user jid", recipient: "5527999999999@s.whatsapp.net", wantUser: "5527999999999", wantSrv: types.DefaultUserServer},
		{name: "group jid", recipient: "120363025246125486@g.us", wantUser: "120363025246125486", wantSrv: types.GroupServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jid, err := RecipientJID(tt.recipient, "BR")
			require.NoError(t, err)
			assert.Equal(t, tt.wantUser, jid.User)
			assert.Equal(t, tt.wantSrv, jid.Server)
		})
	}
}

func TestRecipientJID_Invalid(t *testing.T) {
	for _, recipient := range []string{"", "abc", "   "} {
		_, err := RecipientJID(recipient, "BR")
		assert.ErrorIs(t, err, ErrInvalidPhone, recipient)
	}
}
