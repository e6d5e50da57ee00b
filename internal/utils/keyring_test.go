package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyring_SealOpen(t *testing.T) {
	key, err := NewRandomKey()
	require.NoError(t, err)
	k, err := NewKeyring(key)
	require.NoError(t, err)

	ref, err := k.Seal(`{"access_token":"at-1"}`)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "sb1:"))

	plain, err := k.Open(ref)
	require.NoError(t, err)
	assert.Equal(t, `{"access_token":"at-1"}`, plain)
}

func TestKeyring_OpenWithWrongKeyFails(t *testing.T) {
	k1key, _ := NewRandomKey()
	k2key, _ := NewRandomKey()
	k1, _ := NewKeyring(k1key)
	k2, _ := NewKeyring(k2key)

	ref, err := k1.Seal("secret")
	require.NoError(t, err)
	_, err = k2.Open(ref)
	assert.ErrorIs(t, err, ErrSealedSecret)

	_, err = k1.Open("plaintext-token")
	assert.ErrorIs(t, err, ErrSealedSecret)
	_, err = k1.Open("sb1:AAAA")
	assert.ErrorIs(t, err, ErrSealedSecret)
}

func TestNewKeyring_RejectsShortKey(t *testing.T) {
	_, err := NewKeyring("c2hvcnQ=")
	assert.Error(t, err)
}
