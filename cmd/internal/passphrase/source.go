package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrEmpty is returned for blank passphrases from any origin.
var ErrEmpty = errors.New("passphrase: empty passphrase")

// Prompter reads a passphrase without echo.
type Prompter interface {
	Interactive() bool
	ReadSecret(prompt string) (string, error)
}

type stdinTerminal struct{ out io.Writer }

func (t stdinTerminal) Interactive() bool { return term.IsTerminal(int(os.Stdin.Fd())) }

func (t stdinTerminal) ReadSecret(prompt string) (string, error) {
	fmt.Fprint(t.out, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(t.out)
	return string(raw), err
}

// Source resolves a keystore passphrase once, in order: the environment
// variable, a file named by <envVar>_FILE, then a terminal prompt.
type Source struct {
	envVar  string
	label   string
	confirm bool
	prompt  Prompter

	once  sync.Once
	value string
	err   error
}

// NewSource returns a Source that prompts on stderr. label names the key in
// prompts and errors.
func NewSource(envVar, label string) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "intent signing key"
	}
	return &Source{
		envVar: strings.TrimSpace(envVar),
		label:  label,
		prompt: stdinTerminal{out: os.Stderr},
	}
}

// WithConfirm makes an interactive prompt ask twice. Used when creating keys.
func (s *Source) WithConfirm() *Source {
	s.confirm = true
	return s
}

// WithPrompter replaces the terminal prompter.
func (s *Source) WithPrompter(p Prompter) *Source {
	if p != nil {
		s.prompt = p
	}
	return s
}

// Get returns the cached passphrase, resolving it on first use.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%w: %s is set but blank", ErrEmpty, s.envVar)
			}
			return value, nil
		}
		if path := strings.TrimSpace(os.Getenv(s.envVar + "_FILE")); path != "" {
			raw, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("passphrase: read %s_FILE: %w", s.envVar, err)
			}
			value := strings.TrimRight(string(raw), "\r\n")
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%w: %s is blank", ErrEmpty, path)
			}
			return value, nil
		}
	}

	if !s.prompt.Interactive() {
		if s.envVar != "" {
			return "", fmt.Errorf("passphrase: %s required; set %s or run interactively", s.label, s.envVar)
		}
		return "", fmt.Errorf("passphrase: %s required and no terminal available", s.label)
	}
	value, err := s.prompt.ReadSecret(fmt.Sprintf("Enter %s passphrase: ", s.label))
	if err != nil {
		return "", fmt.Errorf("passphrase: read: %w", err)
	}
	if strings.TrimSpace(value) == "" {
		return "", ErrEmpty
	}
	if s.confirm {
		again, err := s.prompt.ReadSecret(fmt.Sprintf("Repeat %s passphrase: ", s.label))
		if err != nil {
			return "", fmt.Errorf("passphrase: read: %w", err)
		}
		if again != value {
			return "", errors.New("passphrase: entries do not match")
		}
	}
	return value, nil
}
