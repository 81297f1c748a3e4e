package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Wizard prompts for the settings most installs change.
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and prompting on out.
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run walks through the prompts starting from base. Empty answers keep the
// current value.
func (w *Wizard) Run(base *Config) (*Config, error) {
	cfg := *base
	validator := NewValidator()

	fmt.Fprintln(w.out, "=== mudra configuration ===")
	fmt.Fprintln(w.out)

	var err error
	if cfg.PluginsDir, err = w.ask("Plugins directory", cfg.PluginsDir, nil); err != nil {
		return nil, err
	}
	if cfg.Gateway.Host, err = w.ask("Gateway host", cfg.Gateway.Host, nil); err != nil {
		return nil, err
	}

	port, err := w.ask("Gateway port", strconv.Itoa(cfg.Gateway.Port), func(s string) error {
		p, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("port must be a number")
		}
		return validator.ValidatePort(p)
	})
	if err != nil {
		return nil, err
	}
	cfg.Gateway.Port, _ = strconv.Atoi(port)

	if cfg.Gateway.SharedSecret, err = w.ask("Gateway shared secret (empty for none)", cfg.Gateway.SharedSecret, nil); err != nil {
		return nil, err
	}
	if cfg.Runtime.CompanionURL, err = w.ask("Companion URL (ws://...)", cfg.Runtime.CompanionURL, validator.ValidateCompanionURL); err != nil {
		return nil, err
	}

	level, err := w.ask("Log level", cfg.Logging.Level, validator.ValidateLogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Logging.Level = level

	return &cfg, nil
}

// ask prompts until validate accepts the answer.
func (w *Wizard) ask(prompt, current string, validate func(string) error) (string, error) {
	for {
		if current != "" {
			fmt.Fprintf(w.out, "%s [%s]: ", prompt, current)
		} else {
			fmt.Fprintf(w.out, "%s: ", prompt)
		}

		answer, err := w.readLine()
		if err != nil {
			return "", err
		}
		if answer == "" {
			answer = current
		}
		if validate != nil && answer != "" {
			if err := validate(answer); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
		}
		return answer, nil
	}
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
