package cli

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	expect "github.com/google/goexpect"
)

// Prompt grammar. MA5800/MA5801 prompts look like "MA5801-GP08>" before
// enable, "MA5801-GP08#" after, and "MA5801-GP08(config)#" or
// "MA5801-GP08(config-if-gpon-0/1)#" deeper in. The parenthesised mode is
// captured so the session can track where the shell currently is.
const (
	pagerPattern  = `----\s*More[^\r\n]*?----|--More--`
	paramPattern  = `\{\s*<cr>[^{}]*\}\s*:`
	promptPattern = `(?:^|[\r\n])([\w\-.]+(\([^)]*\))?[#>])[ \t]*$`
)

var (
	// stepRE drives the dispatcher read loop: group 1 pager marker,
	// group 2 parameter-completion sub-prompt, group 3 clean prompt,
	// group 4 the prompt line, group 5 the parenthesised mode.
	stepRE = regexp.MustCompile(`(?m)(` + pagerPattern + `)|(` + paramPattern + `)|(` + promptPattern + `)`)

	pagerRE  = regexp.MustCompile(pagerPattern)
	promptRE = regexp.MustCompile(`(?m)` + promptPattern)

	// Device-side rejection strings. A command whose output carries one of
	// these failed even though the shell returned to a clean prompt.
	cliErrorPatterns = []string{
		"unknown command",
		"error:",
		"failure:",
		"parameter error",
		"% invalid",
		"command is unsupported",
	}
)

const (
	// settleWindow absorbs trailing output some firmware paths emit after
	// the prompt. If nothing arrives within it, the buffered text is final.
	settleWindow = 800 * time.Millisecond

	// modeSettle separates the login staircase steps (enable, config).
	modeSettle = 2 * time.Second

	queueDepth = 256
)

// Expecter is the subset of *expect.GExpect the session drives. Tests
// substitute a GExpect spawned over an in-memory fake terminal.
type Expecter interface {
	Expect(re *regexp.Regexp, timeout time.Duration) (string, []string, error)
	Send(in string) error
	Close() error
}

type request struct {
	cmd   string
	reply chan result
}

type result struct {
	out string
	err error
}

// Session adapts a request/response API onto the single interactive shell.
// Commands are serialized through a FIFO queue owned by one dispatcher
// goroutine; nobody else touches the byte stream.
type Session struct {
	cfg       Config
	exp       Expecter
	transport *Transport // nil when the expecter was injected (tests)
	logger    *log.Logger

	queue chan request
	done  chan struct{}

	mu          sync.Mutex
	mode        string // "", "config", "config-if-gpon-0/1", ...
	closed      bool
	initialVLAN string
}

// NewSession dials the OLT, walks the login staircase (enable →
// opportunistic `display vlan all` capture → config) and starts the command
// dispatcher. On return the shell sits in config mode.
func NewSession(cfg Config, logger *log.Logger) (*Session, error) {
	cfg.applyDefaults()

	t, err := Dial(cfg)
	if err != nil {
		return nil, err
	}

	exp, _, err := expect.SpawnGeneric(&expect.GenOptions{
		In:    t.Stdin(),
		Out:   t.Stdout(),
		Wait:  t.Wait,
		Close: t.Close,
		Check: t.Alive,
	}, cfg.ReadyTimeout, expect.CheckDuration(100*time.Millisecond), expect.Verbose(false))
	if err != nil {
		t.Close()
		return nil, NewTransportError(TransportClosed, cfg.Host, fmt.Errorf("spawn shell: %w", err))
	}

	s := &Session{
		cfg:       cfg,
		exp:       exp,
		transport: t,
		logger:    logger,
		queue:     make(chan request, queueDepth),
		done:      make(chan struct{}),
	}

	if err := s.dial(); err != nil {
		s.teardown()
		return nil, err
	}

	go s.loop()
	return s, nil
}

// newSessionWithExpecter wires a session directly onto an expecter without a
// transport. Used by tests with fake terminals.
func newSessionWithExpecter(cfg Config, exp Expecter, logger *log.Logger) *Session {
	cfg.applyDefaults()
	s := &Session{
		cfg:    cfg,
		exp:    exp,
		logger: logger,
		queue:  make(chan request, queueDepth),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// dial walks the mode staircase. `display vlan all` runs between enable and
// config because some firmwares refuse it inside config mode; the captured
// output is kept as the first VLAN sample.
func (s *Session) dial() error {
	// Banner then unprivileged prompt.
	if _, _, err := s.exp.Expect(promptRE, s.cfg.ReadyTimeout); err != nil {
		return NewTransportError(TransportTimeout, s.cfg.Host, fmt.Errorf("no initial prompt: %w", err))
	}

	if _, err := s.run("enable", s.cfg.Timeout); err != nil && !IsTimeout(err) {
		return fmt.Errorf("enable: %w", err)
	}
	time.Sleep(modeSettle)

	vlanOut, err := s.run("display vlan all", s.cfg.Timeout)
	if err == nil || IsTimeout(err) {
		s.mu.Lock()
		s.initialVLAN = vlanOut
		s.mu.Unlock()
	} else {
		s.logger.Warn("initial vlan capture failed", "err", err)
	}
	time.Sleep(modeSettle)

	if _, err := s.run("config", s.cfg.Timeout); err != nil && !IsTimeout(err) {
		return fmt.Errorf("config: %w", err)
	}

	return nil
}

// InitialVLANOutput returns the `display vlan all` output captured during
// login, or "" when the capture failed.
func (s *Session) InitialVLANOutput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialVLAN
}

// Mode returns the mode most recently observed in the prompt, e.g. "config"
// or "config-if-gpon-0/1". Empty outside config.
func (s *Session) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Execute queues a command and blocks until the dispatcher resolves it.
// Output is the text between the command echo and the next clean prompt,
// pager markers elided. A TimeoutError still carries the partial output.
func (s *Session) Execute(ctx context.Context, cmd string) (string, error) {
	req := request{cmd: cmd, reply: make(chan result, 1)}

	select {
	case s.queue <- req:
	case <-s.done:
		return "", &DisconnectedError{Command: cmd}
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case r := <-req.reply:
		return r.out, r.err
	case <-s.done:
		return "", &DisconnectedError{Command: cmd}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// loop is the dispatcher: one command at a time, FIFO, no preemption.
func (s *Session) loop() {
	for {
		select {
		case <-s.done:
			s.drain()
			return
		case req := <-s.queue:
			start := time.Now()
			out, err := s.run(req.cmd, s.cfg.Timeout)
			switch {
			case err == nil:
				s.logger.Debug("command ok", "cmd", req.cmd, "took", time.Since(start))
			case IsTimeout(err):
				s.logger.Warn("command timeout, returning partial output", "cmd", req.cmd, "took", time.Since(start))
			default:
				s.logger.Warn("command failed", "cmd", req.cmd, "err", err)
			}
			req.reply <- result{out: out, err: err}

			if IsDisconnected(err) {
				s.drain()
				return
			}
		}
	}
}

// drain resolves every queued request with DisconnectedError.
func (s *Session) drain() {
	for {
		select {
		case req := <-s.queue:
			req.reply <- result{err: &DisconnectedError{Command: req.cmd}}
		default:
			return
		}
	}
}

// run sends one command and reads until a clean prompt has settled. It is
// only ever called from the dispatcher goroutine (and from dial before the
// dispatcher starts).
func (s *Session) run(cmd string, timeout time.Duration) (string, error) {
	if err := s.exp.Send(cmd + "\n"); err != nil {
		return "", &DisconnectedError{Command: cmd}
	}

	var buf strings.Builder
	deadline := time.Now().Add(timeout)
	sawPrompt := false

	for {
		wait := time.Until(deadline)
		if sawPrompt {
			wait = s.cfg.SettleWindow
		} else if wait <= 0 {
			return s.finalize(cmd, buf.String()), &TimeoutError{Command: cmd, Elapsed: timeout}
		}

		chunk, match, err := s.exp.Expect(stepRE, wait)
		if err != nil {
			if !s.alive() || isStreamError(err) {
				return s.finalize(cmd, buf.String()), &DisconnectedError{Command: cmd}
			}
			// Window elapsed with no grammar match.
			if sawPrompt {
				if strings.TrimSpace(chunk) == "" {
					return s.deliver(cmd, buf.String())
				}
				// Trailing output after the prompt: restart detection.
				buf.WriteString(chunk)
				sawPrompt = false
				continue
			}
			buf.WriteString(chunk)
			return s.finalize(cmd, buf.String()), &TimeoutError{Command: cmd, Elapsed: timeout}
		}

		switch {
		case match[1] != "": // pager
			buf.WriteString(strings.TrimSuffix(chunk, match[0]))
			if err := s.exp.Send(" "); err != nil {
				return s.finalize(cmd, buf.String()), &DisconnectedError{Command: cmd}
			}
			sawPrompt = false

		case match[2] != "": // parameter-completion sub-prompt
			buf.WriteString(strings.TrimSuffix(chunk, match[0]))
			if err := s.exp.Send("\n"); err != nil {
				return s.finalize(cmd, buf.String()), &DisconnectedError{Command: cmd}
			}
			sawPrompt = false

		default: // clean prompt
			buf.WriteString(strings.TrimSuffix(chunk, match[0]))
			s.recordMode(match)
			sawPrompt = true
		}
	}
}

// deliver finalizes the buffered output and screens it for device-side
// rejection strings.
func (s *Session) deliver(cmd, raw string) (string, error) {
	out := s.finalize(cmd, raw)
	low := strings.ToLower(out)
	for _, pat := range cliErrorPatterns {
		if strings.Contains(low, pat) {
			return out, &CLIError{Command: cmd, Output: out}
		}
	}
	return out, nil
}

// finalize strips the command echo, stray prompt lines and leftover pager
// markers from the accumulated buffer.
func (s *Session) finalize(cmd, raw string) string {
	raw = pagerRE.ReplaceAllString(raw, "")

	lines := strings.Split(raw, "\n")
	var cleaned []string
	echoSkipped := false
	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\r ")
		if !echoSkipped && strings.Contains(trimmed, cmd) {
			echoSkipped = true
			continue
		}
		if promptRE.MatchString(trimmed) {
			continue
		}
		cleaned = append(cleaned, trimmed)
	}
	return strings.Trim(strings.Join(cleaned, "\n"), "\r\n")
}

// recordMode extracts the parenthesised mode from the prompt capture.
func (s *Session) recordMode(match []string) {
	mode := ""
	if len(match) > 5 && match[5] != "" {
		mode = strings.Trim(match[5], "()")
	}
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
}

func (s *Session) alive() bool {
	if s.transport != nil {
		return s.transport.Alive()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// isStreamError reports whether an expect error means the underlying stream
// died rather than the wait window elapsing.
func isStreamError(err error) bool {
	var te expect.TimeoutError
	if errors.As(err, &te) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "eof") ||
		strings.Contains(msg, "closed") ||
		strings.Contains(msg, "broken pipe")
}

// EnterInterface moves the shell into `interface gpon <frame/slot>` context,
// issuing transitions only when the tracked mode requires them.
func (s *Session) EnterInterface(ctx context.Context, frameSlot string) error {
	want := "config-if-gpon-" + frameSlot
	if s.Mode() == want {
		return nil
	}
	if strings.HasPrefix(s.Mode(), "config-if-") {
		if _, err := s.Execute(ctx, "quit"); err != nil {
			return err
		}
	}
	if _, err := s.Execute(ctx, "interface gpon "+frameSlot); err != nil {
		return err
	}
	return nil
}

// QuitInterface returns the shell to plain config mode.
func (s *Session) QuitInterface(ctx context.Context) error {
	if !strings.HasPrefix(s.Mode(), "config-if-") {
		return nil
	}
	_, err := s.Execute(ctx, "quit")
	return err
}

// Connected reports whether the session is still usable.
func (s *Session) Connected() bool {
	select {
	case <-s.done:
		return false
	default:
		return s.alive()
	}
}

// Close tears the session down. In-flight and queued commands resolve with
// DisconnectedError.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)

	var errs []error
	if err := s.exp.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

func (s *Session) teardown() {
	s.exp.Close()
	if s.transport != nil {
		s.transport.Close()
	}
}
