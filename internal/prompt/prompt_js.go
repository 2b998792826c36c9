// Copyright (c) 2015-2021 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package prompt

import (
	"bufio"
	"fmt"
	"strings"
)

func Mnemonic(_ *bufio.Reader) (string, error) {
	return "", fmt.Errorf("prompt not supported in WebAssembly")
}

func NormalizeMnemonic(mnemonic string) string {
	return strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
}

func Confirm(_ *bufio.Reader, _ string, _ string) (bool, error) {
	return false, fmt.Errorf("prompt not supported in WebAssembly")
}

func Passphrase(_ *bufio.Reader, _ string, _ bool) (string, error) {
	return "", fmt.Errorf("prompt not supported in WebAssembly")
}
