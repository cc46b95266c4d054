package app

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// PassphraseEnv names the variable checked before prompting.
const PassphraseEnv = "ARTISYNC_PASSPHRASE"

// ReadPassphrase returns $ARTISYNC_PASSPHRASE when set, otherwise prompts on
// the terminal without echo.
func ReadPassphrase(prompt string) (string, error) {
	if p := os.Getenv(PassphraseEnv); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal: set %s", PassphraseEnv)
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

// ReadNewPassphrase prompts twice and requires both entries to match.
func ReadNewPassphrase() (string, error) {
	if p := os.Getenv(PassphraseEnv); p != "" {
		return p, nil
	}
	first, err := ReadPassphrase("New passphrase: ")
	if err != nil {
		return "", err
	}
	second, err := ReadPassphrase("Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passphrases do not match")
	}
	return first, nil
}
