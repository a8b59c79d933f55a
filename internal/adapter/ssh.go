package adapter

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/artemis/spotmigrate/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// SSHCommander is the RemoteCommander backed by golang.org/x/crypto/ssh. It
// dials once per call rather than pooling connections, since a migration's
// remote commands are infrequent and sequential (CHECKPOINTING, VALIDATING,
// RESTORING).
type SSHCommander struct {
	signer     ssh.Signer
	user       string
	port       int
	timeout    time.Duration
	hostKeyCb  ssh.HostKeyCallback
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewSSHCommander builds a commander that authenticates with the given
// private key bytes (PEM). hostKeyCallback should come from a known_hosts
// file in production; ssh.InsecureIgnoreHostKey() is accepted for
// environments that provision ephemeral hosts with no prior key record.
func NewSSHCommander(privateKeyPEM []byte, user string, port int, hostKeyCb ssh.HostKeyCallback, logger *observability.Logger, metrics *observability.Metrics) (*SSHCommander, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("adapter: failed to parse ssh private key: %w", err)
	}
	if port == 0 {
		port = 22
	}
	if hostKeyCb == nil {
		hostKeyCb = ssh.InsecureIgnoreHostKey()
	}
	return &SSHCommander{
		signer:    signer,
		user:      user,
		port:      port,
		timeout:   DefaultRemoteTimeout,
		hostKeyCb: hostKeyCb,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// Run dials host, opens a session, and runs command, returning combined
// stdout+stderr. It honors ctx's deadline, reporting ErrRemoteTimeout when
// the command does not complete in time.
func (c *SSHCommander) Run(ctx context.Context, host, command string) (string, error) {
	deadline := c.timeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < deadline {
			deadline = remaining
		}
	}

	start := time.Now()
	output, err := c.run(host, command, deadline)
	duration := time.Since(start)

	if c.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		c.metrics.RecordStep("remote_command", outcome, duration.Seconds())
	}

	if err != nil {
		c.logger.Error("remote command failed",
			zap.String("host", host),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return output, err
	}
	return output, nil
}

func (c *SSHCommander) run(host, command string, timeout time.Duration) (string, error) {
	config := &ssh.ClientConfig{
		User:            c.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(c.signer)},
		HostKeyCallback: c.hostKeyCb,
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", c.port))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return "", fmt.Errorf("%w: dial %s: %v", ErrRemoteFailure, addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: open session: %v", ErrRemoteFailure, err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err := <-done:
		if err != nil {
			return out.String(), fmt.Errorf("%w: command %q: %v", ErrRemoteFailure, command, err)
		}
		return out.String(), nil
	case <-time.After(timeout):
		session.Signal(ssh.SIGKILL)
		return out.String(), fmt.Errorf("%w: command %q exceeded %s", ErrRemoteTimeout, command, timeout)
	}
}
