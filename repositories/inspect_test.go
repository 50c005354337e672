package repositories

import (
	"testing"

	"chat-gateway/security"

	"github.com/stretchr/testify/require"
)

func Test_Describe_Records(t *testing.T) {
	req := require.New(t)
	cipher, err := security.NewContentCipher("passphrase for tests", "inspect-salt")
	req.NoError(err)

	m := newMessage("general", "alice", "top secret plans", epoch)
	sealed, err := encodeMessage(m, cipher)
	req.NoError(err)

	// Without the key the content stays hidden
	row := Describe(string(messageKey(m)), sealed, nil)
	req.Equal("MESSAGE", row.Kind)
	req.Equal("general", row.Scope)
	req.Equal("alice: <sealed>", row.Detail)

	// With the key it is shown
	row = Describe(string(messageKey(m)), sealed, cipher)
	req.Equal("alice: top secret plans", row.Detail)

	req.Equal("MEMBER", Describe("member:general:bob", nil, nil).Kind)
	req.Equal("bob", Describe("member:general:bob", nil, nil).Detail)
	req.Equal("BANNED", Describe("blacklist:spam", nil, nil).Kind)
	req.Equal("RAW", Describe("unknown", []byte("xyz"), nil).Kind)
}
