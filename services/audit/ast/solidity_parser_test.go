// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vaultSol = `// SPDX-License-Identifier: MIT
pragma solidity ^0.8.0;

interface IERC20 {
    function transfer(address to, uint256 amount) external returns (bool);
}

contract Vault {
    mapping(address => uint256) public balances;
    // function ghost() public {}

    constructor() {
        owner = msg.sender;
    }

    function deposit() external payable nonReentrant {
        balances[msg.sender] += msg.value;
    }

    function withdraw(uint256 amount) public onlyOwner whenNotPaused(1) returns (bool) {
        string memory s = "}";
        _send(msg.sender, amount);
        return true;
    }

    function _send(address to, uint256 amount) internal view {
        if (amount > 0) { to; }
    }
}
`

func parseSol(t *testing.T, src string) map[string]*Function {
	t.Helper()
	funcs, err := NewSolidityParser().Parse(context.Background(), []byte(src), "Vault.sol")
	require.NoError(t, err)
	byName := make(map[string]*Function, len(funcs))
	for _, fn := range funcs {
		byName[fn.Name] = fn
	}
	return byName
}

func TestSolidityParser_ExtractsFunctions(t *testing.T) {
	funcs := parseSol(t, vaultSol)

	require.Len(t, funcs, 4, "interface declarations and commented code are skipped")
	assert.Contains(t, funcs, "Vault.constructor")
	assert.Contains(t, funcs, "Vault.deposit")
	assert.Contains(t, funcs, "Vault.withdraw")
	assert.Contains(t, funcs, "Vault._send")
	assert.NotContains(t, funcs, "Vault.ghost")
}

func TestSolidityParser_SignatureAttributes(t *testing.T) {
	funcs := parseSol(t, vaultSol)

	deposit := funcs["Vault.deposit"]
	assert.Equal(t, VisibilityExternal, deposit.Visibility)
	assert.Equal(t, "payable", deposit.StateMutability)
	assert.Equal(t, []string{"nonReentrant"}, deposit.Modifiers)

	withdraw := funcs["Vault.withdraw"]
	assert.Equal(t, VisibilityPublic, withdraw.Visibility)
	assert.Equal(t, []string{"onlyOwner", "whenNotPaused"}, withdraw.Modifiers)
	assert.True(t, withdraw.IsEntryVisible())

	send := funcs["Vault._send"]
	assert.Equal(t, VisibilityInternal, send.Visibility)
	assert.Equal(t, "view", send.StateMutability)
	assert.False(t, send.IsEntryVisible())
}

func TestSolidityParser_BodiesAndLines(t *testing.T) {
	funcs := parseSol(t, vaultSol)

	withdraw := funcs["Vault.withdraw"]
	assert.True(t, strings.HasPrefix(withdraw.Content, "function withdraw"))
	assert.True(t, strings.HasSuffix(withdraw.Content, "}"))
	assert.Contains(t, withdraw.Content, `"}"`, "braces in strings do not end the body")
	assert.Contains(t, withdraw.Content, "return true;")
	assert.Equal(t, 20, withdraw.StartLine)
	assert.Equal(t, 24, withdraw.EndLine)

	assert.Equal(t, "Vault", withdraw.ContractName)
	assert.True(t, strings.HasPrefix(withdraw.ContractCode, "contract Vault"))
	assert.Equal(t, LanguageSolidity, withdraw.Language)
}

func TestSolidityParser_Empty(t *testing.T) {
	funcs, err := NewSolidityParser().Parse(context.Background(), []byte("pragma solidity ^0.8.0;"), "a.sol")
	require.NoError(t, err)
	assert.Empty(t, funcs)
}

func TestSolidityParser_RejectsInvalidUTF8(t *testing.T) {
	_, err := NewSolidityParser().Parse(context.Background(), []byte{0xff, 0xfe}, "a.sol")
	assert.ErrorIs(t, err, ErrInvalidContent)
}

func TestSolidityParser_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSolidityParser().Parse(ctx, []byte(vaultSol), "a.sol")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseSoliditySignature(t *testing.T) {
	tests := []struct {
		name      string
		signature string
		fn        string
		vis       Visibility
		mut       string
		mods      []string
	}{
		{"default visibility", "function f(uint a)", "f", VisibilityDefault, "", nil},
		{"override list", "function f() public override(A, B) returns (uint)", "f", VisibilityPublic, "", nil},
		{"receive", "receive() payable", "receive", VisibilityExternal, "payable", nil},
		{"virtual view", "function f() external view virtual", "f", VisibilityExternal, "view", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vis, mut, mods := parseSoliditySignature(tt.signature, tt.fn)
			assert.Equal(t, tt.vis, vis)
			assert.Equal(t, tt.mut, mut)
			assert.Equal(t, tt.mods, mods)
		})
	}
}
