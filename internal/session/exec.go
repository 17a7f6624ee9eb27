package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Result is the terminal outcome of one execution. A non-zero exit code is a
// successful completion; Err is reserved for provisioning, connection,
// timeout and abort failures.
type Result struct {
	ExitCode int
	Err      error
}

// Execution is a single bounded remote command. Output is observable while
// the command runs; Done closes once the Result is final.
type Execution struct {
	ID string

	stdout safeBuffer
	stderr safeBuffer

	done   chan struct{}
	result Result
}

// Done is closed when the execution reaches its terminal state.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Result is valid once Done is closed.
func (e *Execution) Result() Result { return e.result }

// Stdout returns the output captured so far.
func (e *Execution) Stdout() string { return e.stdout.String() }

// Stderr returns the error output captured so far.
func (e *Execution) Stderr() string { return e.stderr.String() }

// Controller runs time-boxed, abortable commands on remote instances through
// the same provisioning path interactive sessions use.
type Controller struct {
	Provisioner *Provisioner
	Registry    *Registry

	// RemoveGrace keeps a finished execution queryable in the registry for a
	// short window, so an abort racing completion still resolves the id.
	RemoveGrace time.Duration
}

// Start provisions, connects and dispatches the command. Provisioning and
// connection failures are returned synchronously and leave nothing
// registered. After a successful dispatch the returned Execution completes
// when the command exits, the timeout fires, or the session is aborted.
func (c *Controller) Start(ctx context.Context, principalID, resourceID, candidateToken, command string, timeout time.Duration) (*Execution, error) {
	ctx, cancel := context.WithCancel(ctx)

	sess := c.Registry.Add(TypeExecution, resourceID, principalID, cancel)
	fail := func(err error) error {
		sess.Close()
		c.Registry.Remove(sess.ID)
		return err
	}

	remote, err := c.Provisioner.Connect(ctx, principalID, resourceID, candidateToken, nil)
	if err != nil {
		return nil, fail(err)
	}

	sshSess, err := remote.Client.NewSession()
	if err != nil {
		_ = remote.Client.Close()
		return nil, fail(newError(KindConnection, "could not open a command channel", err))
	}

	ex := &Execution{ID: sess.ID, done: make(chan struct{})}
	sshSess.Stdout = &ex.stdout
	sshSess.Stderr = &ex.stderr

	if err := sshSess.Start(command); err != nil {
		_ = sshSess.Close()
		_ = remote.Client.Close()
		return nil, fail(newError(KindConnection, "could not dispatch the command", err))
	}

	log := slog.With("session_id", sess.ID, "resource_id", resourceID, "principal_id", principalID)
	log.Info("Execution dispatched", "timeout", timeout.String())

	// The timer starts at dispatch, after connection setup, so provisioning
	// latency never eats into the caller's budget.
	timer := time.NewTimer(timeout)
	waitCh := make(chan error, 1)
	go func() { waitCh <- sshSess.Wait() }()

	go func() {
		defer close(ex.done)
		defer func() {
			timer.Stop()
			_ = sshSess.Close()
			_ = remote.Client.Close()
			sess.Close()
			c.Registry.RemoveAfter(sess.ID, c.RemoveGrace)
		}()

		select {
		case err := <-waitCh:
			ex.result = completionResult(err)
			log.Info("Execution completed", "exit_code", ex.result.ExitCode)
		case <-timer.C:
			// Force the transport down, then reap the wait so the channel
			// goroutine never leaks.
			_ = sshSess.Close()
			_ = remote.Client.Close()
			<-waitCh
			ex.result = Result{ExitCode: -1, Err: newError(KindTimeout,
				fmt.Sprintf("command did not complete within %s", timeout), nil)}
			log.Warn("Execution timed out", "timeout", timeout.String())
		case <-ctx.Done():
			_ = sshSess.Close()
			_ = remote.Client.Close()
			<-waitCh
			ex.result = Result{ExitCode: -1, Err: newError(KindAborted, "execution aborted", nil)}
			log.Info("Execution aborted")
		}
	}()

	return ex, nil
}

// Abort force-terminates a live execution. Idempotent per the registry:
// unknown and already-closed ids return false.
func (c *Controller) Abort(sessionID string) bool {
	return c.Registry.Abort(sessionID)
}

// completionResult maps the ssh wait error to a Result. A remote non-zero
// exit status is data, not a controller error.
func completionResult(err error) Result {
	if err == nil {
		return Result{ExitCode: 0}
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return Result{ExitCode: exitErr.ExitStatus()}
	}
	var missingErr *ssh.ExitMissingError
	if errors.As(err, &missingErr) {
		return Result{ExitCode: -1, Err: newError(KindStream, "command exited without a status", err)}
	}
	return Result{ExitCode: -1, Err: newError(KindStream, "command channel failed", err)}
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
