package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"crypta.vault/internal/crypto"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
)

const defaultPassphraseEnv = "CRYPTA_SEAL_PASSPHRASE"

var passphraseEnv string

var kekCmd = &cobra.Command{
	Use:   "kek",
	Short: "Generate and protect key encryption keys",
}

var kekGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Print a new random KEK, base64 encoded",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kek, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		defer memguard.WipeBytes(kek)
		fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(kek))
		return nil
	},
}

var kekSealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Seal data read from stdin with a passphrase",
	Long: `Reads a value (usually a base64 KEK) from stdin and writes a JSON envelope
sealed with a passphrase taken from the environment.`,
	Example: `  crypta kek generate | CRYPTA_SEAL_PASSPHRASE=... crypta kek seal > kek.json`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase, err := readPassphrase()
		if err != nil {
			return err
		}
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		defer memguard.WipeBytes(data)

		env, err := crypto.SealWithPassphrase(bytes.TrimRight(data, "\r\n"), passphrase, crypto.DefaultArgon2Params())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(env)
	},
}

var kekOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a sealed JSON envelope read from stdin",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase, err := readPassphrase()
		if err != nil {
			return err
		}
		var env crypto.PassphraseEnvelope
		if err := json.NewDecoder(cmd.InOrStdin()).Decode(&env); err != nil {
			return fmt.Errorf("parsing envelope: %w", err)
		}

		plaintext, err := crypto.OpenWithPassphrase(&env, passphrase)
		if err != nil {
			return err
		}
		defer memguard.WipeBytes(plaintext)
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(plaintext))
		return err
	},
}

func init() {
	kekCmd.PersistentFlags().StringVar(&passphraseEnv, "passphrase-env", defaultPassphraseEnv, "environment variable holding the passphrase")

	kekCmd.AddCommand(kekGenerateCmd)
	kekCmd.AddCommand(kekSealCmd)
	kekCmd.AddCommand(kekOpenCmd)
}

func readPassphrase() (string, error) {
	p := os.Getenv(passphraseEnv)
	if p == "" {
		return "", errors.New(passphraseEnv + " is not set")
	}
	return p, nil
}
