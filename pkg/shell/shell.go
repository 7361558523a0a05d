// Package shell is the interactive operator console.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/core-tools/hsu-powerguard/pkg/domain"
	"github.com/core-tools/hsu-powerguard/pkg/errors"
	"github.com/core-tools/hsu-powerguard/pkg/logging"
	"github.com/core-tools/hsu-powerguard/pkg/render"
)

const (
	Prompt = "manager> "

	infoStarting  = "Starting check cycle."
	infoStopping  = "Stopping check cycle."
	infoReloading = "Reloading config. Please start the check cycle manually."

	errSuffix         = " Type help for a list of commands."
	errUnknownCommand = "The command you've entered does not exist."
	errInvalidUsage   = "Invalid command usage."
	errTooFewArgs     = "Not enough arguments."
	errTooManyArgs    = "Too many arguments."
	errNotFound       = "Server with given ID not found."
	errPDUUnreachable = "PDU of server %s unreachable."
)

type Shell struct {
	contract domain.Contract
	out      io.Writer
	logger   logging.Logger
}

func NewShell(contract domain.Contract, out io.Writer, logger logging.Logger) *Shell {
	return &Shell{
		contract: contract,
		out:      out,
		logger:   logger,
	}
}

// Run reads commands until QUIT, end of input or ctx cancellation
func (s *Shell) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		fmt.Fprint(s.out, Prompt)

		select {
		case <-ctx.Done():
			fmt.Fprintln(s.out)
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(s.out)
				select {
				case err := <-readErr:
					if err != nil {
						return errors.NewIOError("failed to read command", err)
					}
				default:
				}
				return nil
			}
			if s.Execute(ctx, line) {
				return nil
			}
		}
	}
}

// Execute runs one command line and reports whether the operator asked to quit
func (s *Shell) Execute(ctx context.Context, line string) bool {
	tokens, err := tokenize(line)
	if err != nil {
		s.usageError(errInvalidUsage)
		return false
	}
	if len(tokens) == 0 {
		return false
	}

	switch strings.ToUpper(tokens[0]) {
	case "L", "LIST":
		s.list(ctx)
	case "S", "STATUS":
		s.status(ctx, tokens[1:])
	case "A", "ACTIVATE":
		s.activate(ctx)
	case "D", "DEACTIVATE":
		s.deactivate(ctx)
	case "RESTART":
		s.restart(ctx, tokens[1:])
	case "RELOAD":
		s.reload(ctx)
	case "H", "HELP":
		s.help()
	case "Q", "QUIT":
		if err := s.contract.Deactivate(ctx); err != nil {
			s.logger.Errorf("Failed to stop checks on quit, error: %v", err)
		}
		return true
	default:
		s.usageError(errUnknownCommand)
	}
	return false
}

func (s *Shell) list(ctx context.Context) {
	units, err := s.contract.List(ctx)
	if err != nil {
		s.commandError(err, "")
		return
	}
	if err := render.List(s.out, units); err != nil {
		s.logger.Errorf("Failed to render list, error: %v", err)
	}
}

func (s *Shell) status(ctx context.Context, args []string) {
	if !s.argCount(args, 1) {
		return
	}

	detail, err := s.contract.Status(ctx, args[0])
	if err != nil {
		s.commandError(err, args[0])
		return
	}
	if err := render.Status(s.out, detail); err != nil {
		s.logger.Errorf("Failed to render status, error: %v", err)
	}
}

func (s *Shell) activate(ctx context.Context) {
	s.info(infoStarting)
	if err := s.contract.Activate(ctx); err != nil {
		s.commandError(err, "")
	}
}

func (s *Shell) deactivate(ctx context.Context) {
	s.info(infoStopping)
	if err := s.contract.Deactivate(ctx); err != nil {
		s.commandError(err, "")
	}
}

// restart accepts RESTART <id>, RESTART <id> -h and RESTART -h <id>
func (s *Shell) restart(ctx context.Context, args []string) {
	var id string
	hard := false

	switch len(args) {
	case 0:
		s.usageError(errTooFewArgs)
		return
	case 1:
		id = args[0]
	case 2:
		switch {
		case strings.EqualFold(args[0], "-h"):
			id = args[1]
		case strings.EqualFold(args[1], "-h"):
			id = args[0]
		default:
			s.usageError(errInvalidUsage)
			return
		}
		hard = true
	default:
		s.usageError(errTooManyArgs)
		return
	}

	outcome, err := s.contract.Restart(ctx, id, hard)
	if err != nil {
		s.commandError(err, id)
		return
	}
	if err := render.Restart(s.out, outcome); err != nil {
		s.logger.Errorf("Failed to render restart, error: %v", err)
	}
}

func (s *Shell) reload(ctx context.Context) {
	s.info(infoReloading)
	if err := s.contract.Reload(ctx); err != nil {
		s.commandError(err, "")
	}
}

func (s *Shell) help() {
	fmt.Fprintln(s.out, "Watches the servers listed in the configuration file and restarts them when their "+
		"power draw stays below the configured minimum.")
	fmt.Fprintln(s.out, "Available commands:")
	commands := [][3]string{
		{"LIST", "", "Prints the loaded servers."},
		{"STATUS", "<ID>", "Prints the status and power usage of the given server."},
		{"ACTIVATE", "", "Activates the server status checker."},
		{"DEACTIVATE", "", "Deactivates the server status checker."},
		{"RESTART", "<ID> [-h]", "Soft restarts the server, -h hard restarts it through the PDU."},
		{"RELOAD", "", "Deactivates the server status checker and reloads the config."},
		{"HELP", "", "Prints this help."},
		{"QUIT", "", "Quits the program."},
	}
	for _, command := range commands {
		fmt.Fprintf(s.out, "%-10s %-15s %s\n", command[0], command[1], command[2])
	}
	fmt.Fprintln(s.out, "IDs containing spaces must be quoted.")
}

func (s *Shell) argCount(args []string, expected int) bool {
	switch {
	case len(args) < expected:
		s.usageError(errTooFewArgs)
	case len(args) > expected:
		s.usageError(errTooManyArgs)
	default:
		return true
	}
	return false
}

func (s *Shell) info(message string) {
	s.logger.Infof("%s", message)
	fmt.Fprintln(s.out, message)
}

func (s *Shell) usageError(message string) {
	fmt.Fprintln(s.out, message+errSuffix)
}

// commandError prints a failed command in operator terms
func (s *Shell) commandError(err error, id string) {
	switch {
	case errors.IsNotFoundError(err):
		fmt.Fprintln(s.out, errNotFound)
	case errors.IsPduUnreachableError(err):
		s.logger.Errorf(errPDUUnreachable, id)
		fmt.Fprintf(s.out, errPDUUnreachable+"\n", id)
	default:
		s.logger.Errorf("Command failed, error: %v", err)
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
}

// tokenize splits a line shell-style; quotes group words and are dropped.
// Unquoted command separators such as ';' or '|' are rejected.
func tokenize(line string) ([]string, error) {
	parser := shellwords.NewParser()
	tokens, err := parser.Parse(line)
	if err != nil {
		return nil, errors.NewValidationError("malformed command line", err)
	}
	if parser.Position != -1 {
		return nil, errors.NewValidationError("unsupported character in command line", nil).
			WithContext("position", parser.Position)
	}
	if len(tokens) == 0 {
		return nil, nil
	}
	return tokens, nil
}
