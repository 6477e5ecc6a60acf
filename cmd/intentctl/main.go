// Command intentctl manages intent signing keys, signs supply and borrow
// intents for a network and submits them to a spoke relay.
package main

import (
	"fmt"
	"io"
	"os"
)

const defaultPassEnv = "CROSSLEND_KEY_PASS"

type command struct {
	name    string
	summary string
	run     func(args []string, stdin io.Reader, stdout io.Writer) error
}

var commands = []command{
	{"keygen", "create a new signing keystore", runKeygen},
	{"address", "print the address of a keystore", runAddress},
	{"sign", "sign a supply or borrow intent", runSign},
	{"submit", "post a signed relay request to a spoke", runSubmit},
	{"nonce", "query the next hub nonce for a user", runNonce},
	{"status", "query the hub status of an intent", runStatus},
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	for _, cmd := range commands {
		if cmd.name != os.Args[1] {
			continue
		}
		if err := cmd.run(os.Args[2:], os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	usage(os.Stderr)
	os.Exit(1)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: intentctl <command> [flags]")
	fmt.Fprintln(w)
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", cmd.name, cmd.summary)
	}
}
