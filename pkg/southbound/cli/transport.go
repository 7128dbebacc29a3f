package cli

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Legacy algorithm sets. MA5800-family firmwares frequently offer only the
// older diffie-hellman groups and CBC ciphers, so the client has to advertise
// them or the handshake never completes.
var (
	legacyKeyExchanges = []string{
		"diffie-hellman-group-exchange-sha256",
		"diffie-hellman-group14-sha256",
		"diffie-hellman-group14-sha1",
		"diffie-hellman-group-exchange-sha1",
		"diffie-hellman-group1-sha1",
	}

	legacyCiphers = []string{
		"aes128-ctr", "aes192-ctr", "aes256-ctr",
		"aes128-cbc", "aes192-cbc", "aes256-cbc",
		"3des-cbc",
	}
)

// Config holds SSH connection configuration for an OLT.
type Config struct {
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	Username string        `json:"username"`
	Password string        `json:"password"`
	Hostname string        `json:"hostname,omitempty"` // expected prompt hostname, optional
	Timeout  time.Duration `json:"timeout"`            // per-command timeout

	ReadyTimeout      time.Duration `json:"ready_timeout"`
	KeepaliveInterval time.Duration `json:"keepalive_interval"`
	SettleWindow      time.Duration `json:"settle_window"`
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 10 * time.Second
	}
	if c.SettleWindow == 0 {
		c.SettleWindow = settleWindow
	}
}

// Transport owns the SSH connection and the interactive shell channel.
// It hands the shell byte stream to the Session and keeps the connection
// alive; it performs no CLI interpretation of its own.
type Transport struct {
	cfg    Config
	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
}

// Dial opens the SSH connection, requests a vt100 PTY and starts the remote
// shell. Failures are classified into TransportError kinds.
func Dial(cfg Config) (*Transport, error) {
	cfg.applyDefaults()

	// Some OLT firmwares answer password auth with keyboard-interactive
	// prompts instead; answer every question with the password.
	keyboardInteractiveAuth := ssh.KeyboardInteractive(
		func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range questions {
				answers[i] = cfg.Password
			}
			return answers, nil
		},
	)

	sshConfig := &ssh.ClientConfig{
		User: cfg.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(cfg.Password),
			keyboardInteractiveAuth,
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // User-controlled equipment
		Timeout:         cfg.ReadyTimeout,
		Config: ssh.Config{
			KeyExchanges: legacyKeyExchanges,
			Ciphers:      legacyCiphers,
		},
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, NewTransportError(classifyDialError(err), addr, err)
	}

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, NewTransportError(TransportClosed, addr, err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("vt100", 480, 160, modes); err != nil {
		sess.Close()
		client.Close()
		return nil, NewTransportError(TransportClosed, addr, fmt.Errorf("pty request: %w", err))
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, NewTransportError(TransportClosed, addr, err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, NewTransportError(TransportClosed, addr, err)
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		client.Close()
		return nil, NewTransportError(TransportClosed, addr, fmt.Errorf("shell request: %w", err))
	}

	t := &Transport{
		cfg:    cfg,
		client: client,
		sess:   sess,
		stdin:  stdin,
		stdout: stdout,
		stop:   make(chan struct{}),
	}
	go t.keepalive()

	return t, nil
}

// keepalive pings the server so NAT/firewall state and the OLT's own idle
// timer do not silently drop the session between operator actions.
func (t *Transport) keepalive() {
	ticker := time.NewTicker(t.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if _, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				return
			}
		}
	}
}

// Stdin returns the shell input stream.
func (t *Transport) Stdin() io.WriteCloser { return t.stdin }

// Stdout returns the shell output stream.
func (t *Transport) Stdout() io.Reader { return t.stdout }

// Config returns the transport configuration.
func (t *Transport) Config() Config { return t.cfg }

// Wait blocks until the remote shell exits.
func (t *Transport) Wait() error {
	return t.sess.Wait()
}

// Alive reports whether Close has been called.
func (t *Transport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Close tears down the shell channel and the SSH connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.stop)
	t.mu.Unlock()

	var errs []error
	if err := t.sess.Close(); err != nil && !errors.Is(err, io.EOF) {
		errs = append(errs, err)
	}
	if err := t.client.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

func classifyDialError(err error) TransportKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "password"):
		return TransportAuth
	case isNetTimeout(err), strings.Contains(msg, "timeout"):
		return TransportTimeout
	default:
		return TransportUnreachable
	}
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
