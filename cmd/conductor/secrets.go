package main

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"conductor/pkg/config"
)

// passphraseEnv lets non-interactive environments skip the prompt.
const passphraseEnv = "CONDUCTOR_PASSPHRASE"

// loadSecrets decrypts the secrets file, if present, and exports its
// values into the environment for the providers to read.
func loadSecrets(cfg *config.Config) error {
	if !config.SecretsFileExists(cfg.StateDir) {
		return nil
	}
	passphrase, err := readPassphrase("Secrets passphrase: ")
	if err != nil {
		return err
	}
	secrets, err := config.DecryptSecretsFile(cfg.StateDir, passphrase)
	if err != nil {
		return err
	}
	return config.ExportSecrets(secrets)
}

func runSecrets(cfg *config.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: conductor secrets <init|set KEY>")
		return 2
	}

	switch args[0] {
	case "init":
		if config.SecretsFileExists(cfg.StateDir) {
			fmt.Fprintf(os.Stderr, "Secrets file already exists at %s\n", config.SecretsPath(cfg.StateDir))
			return 1
		}
		passphrase, err := newPassphrase()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		if err := config.EncryptSecretsFile(cfg.StateDir, passphrase, map[string]string{}); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		fmt.Printf("Created %s\n", config.SecretsPath(cfg.StateDir))
		return 0

	case "set":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "Usage: conductor secrets set <KEY>")
			return 2
		}
		key := args[1]

		passphrase, err := readPassphrase("Secrets passphrase: ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		secrets := map[string]string{}
		if config.SecretsFileExists(cfg.StateDir) {
			if secrets, err = config.DecryptSecretsFile(cfg.StateDir, passphrase); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				return 1
			}
		}
		value, err := readPassphrase(fmt.Sprintf("Value for %s: ", key))
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		secrets[key] = value
		if err := config.EncryptSecretsFile(cfg.StateDir, passphrase, secrets); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		fmt.Printf("Stored %s (%d secret(s) total)\n", key, len(secrets))
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown secrets command %q\n", args[0])
		return 2
	}
}

// readPassphrase reads without echo from the terminal, or from
// CONDUCTOR_PASSPHRASE when set.
func readPassphrase(prompt string) (string, error) {
	if pw := os.Getenv(passphraseEnv); pw != "" {
		return pw, nil
	}
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(raw), nil
}

func newPassphrase() (string, error) {
	first, err := readPassphrase("New passphrase: ")
	if err != nil {
		return "", err
	}
	if os.Getenv(passphraseEnv) != "" {
		return first, nil
	}
	second, err := readPassphrase("Confirm passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passphrases do not match")
	}
	return first, nil
}
