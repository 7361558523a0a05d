// Package remoteshell dispatches the reboot command to a host over SSH.
package remoteshell

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/core-tools/hsu-powerguard/pkg/errors"
	"github.com/core-tools/hsu-powerguard/pkg/logging"
)

const (
	DefaultPort           = 22
	DefaultConnectTimeout = 10 * time.Second
	RebootCommand         = "sudo shutdown -r now"
)

// Outcome tells the caller whether the reboot command reached the host
type Outcome string

const (
	// OutcomeDispatched means the session was established and the command sent
	OutcomeDispatched Outcome = "dispatched"
	// OutcomeUnreachable means no session could be established
	OutcomeUnreachable Outcome = "unreachable"
)

// Result of a soft restart attempt; Err carries the remote_shell cause when unreachable
type Result struct {
	Outcome Outcome
	Err     error
}

func (r Result) Dispatched() bool {
	return r.Outcome == OutcomeDispatched
}

// Shell runs the fixed reboot command on one host
type Shell interface {
	Reboot(ctx context.Context) Result
}

// Credentials authenticate the SSH session
type Credentials struct {
	User string
	// Passphrase is the password, or the key passphrase when KeyFile is set
	Passphrase string
	KeyFile    string
}

type Options struct {
	Port           int
	ConnectTimeout time.Duration
	Command        string
}

func DefaultOptions() Options {
	return Options{
		Port:           DefaultPort,
		ConnectTimeout: DefaultConnectTimeout,
		Command:        RebootCommand,
	}
}

type sshShell struct {
	host        string
	credentials Credentials
	options     Options
	auth        []ssh.AuthMethod
	logger      logging.Logger
}

// NewSSHShell prepares a Shell for host. A configured key file is read and parsed up front so
// a bad key or passphrase is reported at load time rather than at the first restart.
func NewSSHShell(host string, credentials Credentials, options Options, logger logging.Logger) (Shell, error) {
	defaults := DefaultOptions()
	if options.Port <= 0 {
		options.Port = defaults.Port
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = defaults.ConnectTimeout
	}
	if options.Command == "" {
		options.Command = defaults.Command
	}

	auth, err := authMethods(credentials)
	if err != nil {
		return nil, err
	}

	return &sshShell{
		host:        host,
		credentials: credentials,
		options:     options,
		auth:        auth,
		logger:      logger,
	}, nil
}

func authMethods(credentials Credentials) ([]ssh.AuthMethod, error) {
	if credentials.KeyFile != "" {
		signer, err := loadSigner(credentials.KeyFile, credentials.Passphrase)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	if credentials.Passphrase != "" {
		return []ssh.AuthMethod{ssh.Password(credentials.Passphrase)}, nil
	}

	// Neither key nor password: the agent is dialed per session
	return nil, nil
}

func loadSigner(keyFile, passphrase string) (ssh.Signer, error) {
	pem, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, errors.NewIOError("failed to read SSH key file", err).WithContext("key_file", keyFile)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pem)
	}
	if err != nil {
		return nil, errors.NewValidationError("invalid SSH key file or passphrase", err).WithContext("key_file", keyFile)
	}
	return signer, nil
}

// agentAuth connects to the running SSH agent; the connection must stay open until the handshake ends
func agentAuth() (ssh.AuthMethod, func(), error) {
	authSock := os.Getenv("SSH_AUTH_SOCK")
	if authSock == "" {
		return nil, nil, fmt.Errorf("no password, no key file and SSH agent not running")
	}
	conn, err := net.Dial("unix", authSock)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot connect to SSH agent at %s: %w", authSock, err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), func() { conn.Close() }, nil
}

func (s *sshShell) Reboot(ctx context.Context) Result {
	address := net.JoinHostPort(s.host, strconv.Itoa(s.options.Port))
	s.logger.Infof("Soft restarting, address: %s", address)

	if err := s.dispatch(ctx, address); err != nil {
		s.logger.Infof("Host doesn't respond, address: %s, error: %v", address, err)
		return Result{Outcome: OutcomeUnreachable, Err: err}
	}

	s.logger.Infof("Reboot command dispatched, address: %s", address)
	return Result{Outcome: OutcomeDispatched}
}

func (s *sshShell) dispatch(ctx context.Context, address string) error {
	auth := s.auth
	if len(auth) == 0 {
		method, closeAgent, err := agentAuth()
		if err != nil {
			return errors.NewRemoteShellError("SSH authentication unavailable", err).WithContext("address", address)
		}
		defer closeAgent()
		auth = []ssh.AuthMethod{method}
	}

	// Host keys are not verified, any key is accepted
	clientConfig := &ssh.ClientConfig{
		User:            s.credentials.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.options.ConnectTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.options.ConnectTimeout)
	defer cancel()

	dialer := net.Dialer{Timeout: s.options.ConnectTimeout}
	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return wrapSSHError(err, address)
	}

	// bound the handshake by the same deadline as the dial
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		conn.Close()
		return wrapSSHError(err, address)
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(clientConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return errors.NewRemoteShellError("failed to open SSH session", err).WithContext("address", address)
	}
	defer session.Close()

	// Start only dispatches; the host going down is expected to cut the session
	if err := session.Start(s.options.Command); err != nil {
		return errors.NewRemoteShellError("failed to dispatch reboot command", err).WithContext("address", address)
	}
	return nil
}

// wrapSSHError classifies common dial and handshake failures
func wrapSSHError(err error, address string) error {
	errStr := err.Error()

	var message string
	switch {
	case strings.Contains(errStr, "unable to authenticate") || strings.Contains(errStr, "no supported methods remain"):
		message = "SSH authentication failed"
	case strings.Contains(errStr, "i/o timeout") || strings.Contains(errStr, "deadline exceeded") || strings.Contains(errStr, "connection timed out"):
		message = "SSH connection timed out"
	case strings.Contains(errStr, "connection refused"):
		message = "SSH connection refused"
	default:
		message = "SSH connection failed"
	}
	return errors.NewRemoteShellError(message, err).WithContext("address", address)
}
