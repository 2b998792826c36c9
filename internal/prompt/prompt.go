// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

//go:build !js
// +build !js

// Package prompt reads secrets and confirmations from the terminal.
package prompt

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/term"
)

// stdinIsTerminal reports whether secrets can be read without echo.
var stdinIsTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// out receives the prompts.
var out io.Writer = os.Stdout

// readSecret reads one line of input, hiding it when stdin is a terminal.
func readSecret(reader *bufio.Reader) ([]byte, error) {
	if stdinIsTerminal() {
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprint(out, "\n")
		return secret, err
	}

	line, err := reader.ReadBytes('\n')
	if err == io.EOF && len(line) > 0 {
		err = nil
	}
	return line, err
}

// Mnemonic prompts the user for a BIP 39 mnemonic.  The prompt is repeated
// until the user enters a mnemonic with a valid checksum.
func Mnemonic(reader *bufio.Reader) (string, error) {
	for {
		fmt.Fprint(out, "Enter the wallet mnemonic: ")
		secret, err := readSecret(reader)
		if err != nil {
			return "", err
		}

		mnemonic := NormalizeMnemonic(string(secret))
		if mnemonic == "" {
			continue
		}
		if !bip39.IsMnemonicValid(mnemonic) {
			fmt.Fprintln(out, "Invalid mnemonic.  Check the words "+
				"and their order.")
			continue
		}

		return mnemonic, nil
	}
}

// NormalizeMnemonic lowercases a mnemonic and collapses the whitespace
// between its words.
func NormalizeMnemonic(mnemonic string) string {
	return strings.TrimSpace(collapseSpace(strings.ToLower(mnemonic)))
}

// promptList prompts the user with the given prefix, list of valid responses,
// and default list entry to use.  The function will repeat the prompt to the
// user until they enter a valid response.
func promptList(reader *bufio.Reader, prefix string, validResponses []string,
	defaultEntry string) (string, error) {

	// Setup the prompt according to the parameters.
	validStrings := strings.Join(validResponses, "/")
	var prompt string
	if defaultEntry != "" {
		prompt = fmt.Sprintf("%s (%s) [%s]: ", prefix, validStrings,
			defaultEntry)
	} else {
		prompt = fmt.Sprintf("%s (%s): ", prefix, validStrings)
	}

	// Prompt the user until one of the valid responses is given.
	for {
		fmt.Fprint(out, prompt)
		reply, err := reader.ReadString('\n')
		if err != nil && (err != io.EOF || reply == "") {
			return "", err
		}
		reply = strings.TrimSpace(strings.ToLower(reply))
		if reply == "" {
			reply = defaultEntry
		}

		for _, validResponse := range validResponses {
			if reply == validResponse {
				return reply, nil
			}
		}
	}
}

// Confirm prompts the user for a boolean (yes/no) with the given prefix.
// The function will repeat the prompt to the user until they enter a valid
// response.
func Confirm(reader *bufio.Reader, prefix string,
	defaultEntry string) (bool, error) {

	// Setup the valid responses.
	valid := []string{"n", "no", "y", "yes"}
	response, err := promptList(reader, prefix, valid, defaultEntry)
	if err != nil {
		return false, err
	}
	return response == "yes" || response == "y", nil
}

// Passphrase prompts the user for a passphrase with the given prefix.  When
// confirm is set the user enters it twice, and the prompts repeat until both
// entries match.  An empty passphrase is allowed.
func Passphrase(reader *bufio.Reader, prefix string,
	confirm bool) (string, error) {

	prompt := fmt.Sprintf("%s: ", prefix)
	for {
		fmt.Fprint(out, prompt)
		pass, err := readSecret(reader)
		if err != nil {
			return "", err
		}
		pass = bytes.TrimRight(pass, "\r\n")

		if !confirm {
			return string(pass), nil
		}

		fmt.Fprint(out, "Confirm passphrase: ")
		again, err := readSecret(reader)
		if err != nil {
			return "", err
		}
		again = bytes.TrimRight(again, "\r\n")
		if !bytes.Equal(pass, again) {
			fmt.Fprintln(out, "The entered passphrases do not match")
			continue
		}

		return string(pass), nil
	}
}

// collapseSpace takes a string and replaces any repeated areas of whitespace
// with a single space character.
func collapseSpace(in string) string {
	var (
		whiteSpace bool
		b          strings.Builder
	)
	for _, c := range in {
		if unicode.IsSpace(c) {
			if !whiteSpace {
				b.WriteRune(' ')
			}
			whiteSpace = true
		} else {
			b.WriteRune(c)
			whiteSpace = false
		}
	}
	return b.String()
}
