package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"crosslend/cmd/internal/passphrase"
	"crosslend/crypto"
)

func runKeygen(args []string, _ io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	path := fs.String("keystore", "intent.keystore", "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	light := fs.Bool("light", false, "Use light scrypt parameters (development keys only)")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*force {
		if _, err := os.Stat(*path); err == nil {
			return fmt.Errorf("keystore %s already exists; pass -force to overwrite", *path)
		}
	}
	pass, err := passphrase.NewSource(*passEnv, "").WithConfirm().Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	params := crypto.StandardScrypt
	if *light {
		params = crypto.LightScrypt
	}
	if err := crypto.SaveToKeystoreWithParams(*path, key, pass, params); err != nil {
		return err
	}
	fmt.Fprintln(stdout, key.Address().Hex())
	return nil
}

func runAddress(args []string, _ io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	path := fs.String("keystore", "intent.keystore", "Keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := loadKey(*path, *passEnv)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, key.Address().Hex())
	return nil
}

func loadKey(path, passEnv string) (*crypto.PrivateKey, error) {
	if path == "" {
		return nil, errors.New("keystore path required")
	}
	pass, err := passphrase.NewSource(passEnv, "").Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}
