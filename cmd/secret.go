package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-digest/config"
	"github.com/dhcgn/mail-digest/credential"
)

// NewSecretCommand manages the passwords and API keys kept in the system
// keyring.
func NewSecretCommand() *cobra.Command {
	secretCmd := &cobra.Command{
		Use:   "secret",
		Short: "Store or remove credentials in the system keyring",
	}

	keys := strings.Join(credential.Keys, ", ")

	setCmd := &cobra.Command{
		Use:   "set <key>",
		Short: "Read a secret from stdin and store it (keys: " + keys + ")",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			store, err := openStore(args[0])
			if err != nil {
				return err
			}
			value, err := readSecret(c.InOrStdin())
			if err != nil {
				return err
			}
			if err := store.Set(args[0], value); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "Stored %s\n", args[0])
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a stored secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			store, err := openStore(args[0])
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show which secrets are stored",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			store, err := credential.Open(config.CredentialDir())
			if err != nil {
				return err
			}
			for _, key := range credential.Keys {
				status := "-"
				if _, ok := store.Lookup(key); ok {
					status = "set"
				}
				fmt.Fprintf(c.OutOrStdout(), "%-14s %s\n", key, status)
			}
			return nil
		},
	}

	secretCmd.AddCommand(setCmd, deleteCmd, listCmd)
	return secretCmd
}

func openStore(key string) (*credential.Store, error) {
	if !credential.Known(key) {
		return nil, fmt.Errorf("unknown secret %q, expected one of: %s", key, strings.Join(credential.Keys, ", "))
	}
	return credential.Open(config.CredentialDir())
}

// readSecret takes the first line of r.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read secret: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("secret is empty")
	}
	return line, nil
}
