// Package cli provides interactive terminal prompt helpers for setup wizards.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter reads answers from In and writes questions to Out.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	lines *bufio.Scanner
}

// DefaultPrompter returns a Prompter on stdin and stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// line returns the next trimmed input line, or "" at EOF.
func (p *Prompter) line() string {
	if p.lines == nil {
		p.lines = bufio.NewScanner(p.In)
	}
	if !p.lines.Scan() {
		return ""
	}
	return strings.TrimSpace(p.lines.Text())
}

// Ask reads one answer. An empty answer selects def.
func (p *Prompter) Ask(question, def string) string {
	if def != "" {
		p.printf("%s [%s]: ", question, def)
	} else {
		p.printf("%s: ", question)
	}
	if ans := p.line(); ans != "" {
		return ans
	}
	return def
}

// AskSecret reads an API key or password without echo when In is a
// terminal. An empty answer keeps current, which is shown masked.
func (p *Prompter) AskSecret(question, current string) string {
	if current != "" {
		p.printf("%s [%s]: ", question, Mask(current))
	} else {
		p.printf("%s: ", question)
	}

	var ans string
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			ans = strings.TrimSpace(string(b))
		}
	} else {
		ans = p.line()
	}

	if ans == "" {
		return current
	}
	return ans
}

// AskAmount reads a non-negative integer such as a credit balance or a
// price in cents, re-asking until the answer parses. At EOF it returns def.
func (p *Prompter) AskAmount(question string, def int64) int64 {
	for attempts := 0; ; attempts++ {
		ans := p.Ask(question, strconv.FormatInt(def, 10))
		n, err := strconv.ParseInt(ans, 10, 64)
		if err == nil && n >= 0 {
			return n
		}
		if attempts >= 10 {
			return def
		}
		p.printf("  %q is not a whole number of zero or more.\n", ans)
	}
}

// Choose lists options and returns the chosen one. def is the index used
// for an empty answer.
func (p *Prompter) Choose(question string, options []string, def int) string {
	p.printf("%s\n", question)
	for i, opt := range options {
		cursor := "  "
		if i == def {
			cursor = "> "
		}
		p.printf("%s%d) %s\n", cursor, i+1, opt)
	}

	for attempts := 0; ; attempts++ {
		ans := p.Ask("Choice", strconv.Itoa(def+1))
		if n, err := strconv.Atoi(ans); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		// Accept the option text itself too.
		for _, opt := range options {
			if strings.EqualFold(ans, opt) {
				return opt
			}
		}
		if attempts >= 10 {
			return options[def]
		}
		p.printf("  Enter 1-%d.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	switch strings.ToLower(p.Ask(question+" ["+hint+"]", "")) {
	case "":
		return defaultYes
	case "y", "yes":
		return true
	default:
		return false
	}
}

// Mask hides all but the last four characters of a secret.
func Mask(secret string) string {
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return strings.Repeat("*", 8) + secret[len(secret)-4:]
}
