package console

import (
	"errors"
	"io"
	"strings"

	"github.com/chzyer/readline"
)

// Confirm asks a yes/no question. An empty answer means yes.
func Confirm(question string) (bool, error) {
	rl, err := readline.New(question + " [Y/n]:")
	if err != nil {
		return false, err
	}
	defer rl.Close()
	answer, err := rl.Readline()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "", "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// Lines calls fn with every line typed at prompt until EOF or ctrl-c.
func Lines(prompt string, fn func(line string) error) error {
	rl, err := readline.New(prompt)
	if err != nil {
		return err
	}
	defer rl.Close()
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
}
