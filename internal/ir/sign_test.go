package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyHeader(t *testing.T) {
	author, priv := testKey(7)
	entry := Entry{Kind: EntryApp, Content: Object{"title": Str("hi")}}

	sh, err := SignHeader(priv, createHeader(author, 1, "prev", entry))
	require.NoError(t, err)
	require.NoError(t, VerifyHeader(sh))

	tampered := sh
	tampered.Header.Timestamp++
	assert.ErrorIs(t, VerifyHeader(tampered), ErrBadSignature)

	garbage := sh
	garbage.Signature = "zz"
	assert.ErrorIs(t, VerifyHeader(garbage), ErrBadSignature)
}

func TestVerifyHeaderWrongAuthor(t *testing.T) {
	author, _ := testKey(7)
	_, otherPriv := testKey(8)
	entry := Entry{Kind: EntryApp, Content: Object{}}

	sh, err := SignHeader(otherPriv, createHeader(author, 1, "prev", entry))
	require.NoError(t, err)
	assert.ErrorIs(t, VerifyHeader(sh), ErrBadSignature)
}

func TestAgentKeyPublicKey(t *testing.T) {
	_, err := AgentKey("not-hex").PublicKey()
	assert.Error(t, err)
	_, err = AgentKey("abcd").PublicKey()
	assert.Error(t, err)

	author, priv := testKey(2)
	pub, err := author.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, priv.Public(), pub)
}
