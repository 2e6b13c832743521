package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// cliConn runs command sequences on a CLI-only vendor over SSH.
//
// A whole sequence is one logical operation: these CLIs have no transaction
// support and no partial rollback, so on mid-sequence failure the caller
// gets the captured transcript and must reconcile device state with a
// subsequent GetStatus.
type cliConn struct {
	addr    string
	creds   Credentials
	timeout time.Duration
}

// run dials the device, executes cmds in a single interactive shell, and
// returns the combined transcript.
func (c *cliConn) run(ctx context.Context, op string, cmds []string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.dial(ctx, op, timeout)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", &ConnectionError{Op: op, Err: fmt.Errorf("open session: %w", err)}
	}
	defer session.Close()

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("vt100", 80, 200, modes); err != nil {
		return "", &ConnectionError{Op: op, Err: fmt.Errorf("request pty: %w", err)}
	}

	var transcript bytes.Buffer
	session.Stdout = &transcript
	session.Stderr = &transcript

	stdin, err := session.StdinPipe()
	if err != nil {
		return "", &ConnectionError{Op: op, Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	if err := session.Shell(); err != nil {
		return "", &ConnectionError{Op: op, Err: fmt.Errorf("start shell: %w", err)}
	}

	go func() {
		defer stdin.Close()
		for _, cmd := range cmds {
			fmt.Fprintf(stdin, "%s\n", cmd)
		}
	}()

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err := <-done:
		out := transcript.String()
		var exitErr *ssh.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			// A reboot drops the connection mid-session; the caller
			// decides whether that counts as acknowledged.
			return out, &ConnectionError{Op: op, Err: err}
		}
		return out, nil
	case <-ctx.Done():
		client.Close()
		return transcript.String(), &TimeoutError{Op: op, After: timeout}
	}
}

func (c *cliConn) dial(ctx context.Context, op string, timeout time.Duration) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            c.creds.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(c.creds.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // keys managed out of band
		Timeout:         timeout,
	}

	addr := c.addr
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "22")
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Op: op, After: timeout}
		}
		return nil, &ConnectionError{Op: op, Err: err}
	}

	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, &ConnectionError{Op: op, Err: err}
	}
	return ssh.NewClient(sc, chans, reqs), nil
}

// droppedByReboot reports whether err looks like the device closing the
// connection while executing a reboot, which counts as an acknowledgement.
func droppedByReboot(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
