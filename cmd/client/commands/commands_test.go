package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wc_sign/internal/model"
)

func TestRequiredNamespaces(t *testing.T) {
	got, err := requiredNamespaces([]string{"eip155:1", "eip155:10", "solana:mainnet"}, []string{"personal_sign"}, []string{"chainChanged"})
	require.NoError(t, err)
	assert.Equal(t, []string{"eip155:1", "eip155:10"}, got["eip155"].Chains)
	assert.Equal(t, []string{"solana:mainnet"}, got["solana"].Chains)
	assert.Equal(t, []string{"personal_sign"}, got["solana"].Methods)

	_, err = requiredNamespaces([]string{"mainnet"}, nil, nil)
	assert.Error(t, err)
}

func TestGrant(t *testing.T) {
	required := model.RequiredNamespaces{
		"eip155": {Chains: []string{"eip155:1"}, Methods: []string{"personal_sign"}, Events: []string{"chainChanged"}},
	}
	got := grant(required, []string{
		"eip155:1:0xab16a96D359eC26a11e2C2b3d8f8B8942d5Bfcdb",
		"eip155:10:0xab16a96D359eC26a11e2C2b3d8f8B8942d5Bfcdb",
	})
	ns := got["eip155"]
	assert.Equal(t, []string{"eip155:1:0xab16a96D359eC26a11e2C2b3d8f8B8942d5Bfcdb"}, ns.Accounts)
	assert.Equal(t, []string{"personal_sign"}, ns.Methods)
	assert.Equal(t, "eip155:1", accountChain(ns.Accounts[0]))
	assert.Empty(t, accountChain("nope"))
}
