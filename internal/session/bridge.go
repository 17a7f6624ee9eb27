package session

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/ssh"
)

// Frame is one message on the client-facing channel. Data frames carry
// base64-encoded bytes in both directions; resize and ping are client-only;
// status, connected, error and pong are server-only.
type Frame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

const (
	FrameData      = "data"
	FrameResize    = "resize"
	FramePing      = "ping"
	FramePong      = "pong"
	FrameStatus    = "status"
	FrameConnected = "connected"
	FrameError     = "error"
)

const (
	defaultTermCols = 80
	defaultTermRows = 24
	readChunkSize   = 32 * 1024
)

// Bridge relays an interactive shell between a websocket client and a remote
// instance, provisioning ephemeral credentials on the way in.
type Bridge struct {
	Provisioner *Provisioner
	Registry    *Registry
}

// Serve drives one interactive session to completion. It returns when the
// session has reached its terminal state and been deregistered.
//
// Closure is signalled by whichever happens first: the client disconnecting,
// the remote channel closing, a registry abort/sweep, or a relay error. All
// paths funnel through the session's cancel, and teardown runs exactly once.
func (b *Bridge) Serve(ctx context.Context, conn *websocket.Conn, principalID, resourceID, candidateToken string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := b.Registry.Add(TypeInteractive, resourceID, principalID, cancel)
	defer b.Registry.Remove(sess.ID)
	defer sess.Close()

	w := newFrameWriter(conn)
	log := slog.With("session_id", sess.ID, "resource_id", resourceID, "principal_id", principalID)

	remote, err := b.Provisioner.Connect(ctx, principalID, resourceID, candidateToken, func(stage string) {
		_ = w.send(Frame{Type: FrameStatus, Data: stage})
	})
	if err != nil {
		log.Warn("Interactive session provisioning failed", "error", err)
		_ = w.sendError(err)
		_ = conn.Close()
		return
	}

	shell, err := openShell(remote.Client, defaultTermCols, defaultTermRows)
	if err != nil {
		log.Warn("Remote shell failed to open", "error", err)
		_ = w.sendError(newError(KindConnection, "could not start a shell on the instance", err))
		_ = remote.Client.Close()
		_ = conn.Close()
		return
	}

	// Teardown order: shell channel, transport session, client channel.
	// Triggered by the session cancel so that aborts from the registry (or
	// the sweep) tear the link down without client cooperation, and so that
	// blocked reads on either side are unblocked promptly.
	go func() {
		<-ctx.Done()
		shell.close()
		_ = remote.Client.Close()
		_ = conn.Close()
	}()

	_ = w.send(Frame{Type: FrameConnected, Data: remote.Handle.ID})
	log.Info("Interactive session streaming", "addr", remote.Handle.Addr, "username", remote.Username)

	errCh := make(chan error, 2)
	go b.pumpRemote(shell.stdout, w, errCh)
	go b.pumpClient(conn, shell, w, errCh)

	err = <-errCh
	if err != nil && !isExpectedClosure(err) {
		log.Warn("Interactive session ended with error", "error", err)
		_ = w.sendError(newError(KindStream, "session stream failed", err))
	} else {
		log.Info("Interactive session closed")
	}
}

// pumpRemote forwards remote output to the client. Reads block while the
// client channel is slow, which is the back-pressure the relay wants: bytes
// pause rather than drop, and per-direction ordering is preserved.
func (b *Bridge) pumpRemote(r io.Reader, w *frameWriter, errCh chan<- error) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			frame := Frame{Type: FrameData, Data: base64.StdEncoding.EncodeToString(buf[:n])}
			if werr := w.send(frame); werr != nil {
				errCh <- werr
				return
			}
		}
		if err != nil {
			errCh <- err
			return
		}
	}
}

// pumpClient forwards client frames to the remote side: data bytes verbatim
// to the shell's stdin, resize events to the pseudo-terminal geometry, pings
// answered in place.
func (b *Bridge) pumpClient(conn *websocket.Conn, shell *remoteShell, w *frameWriter, errCh chan<- error) {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			errCh <- err
			return
		}

		switch frame.Type {
		case FrameData:
			data, err := base64.StdEncoding.DecodeString(frame.Data)
			if err != nil {
				errCh <- newError(KindStream, "malformed data frame", err)
				return
			}
			if _, err := shell.stdin.Write(data); err != nil {
				errCh <- err
				return
			}
		case FrameResize:
			if frame.Cols > 0 && frame.Rows > 0 {
				if err := shell.session.WindowChange(frame.Rows, frame.Cols); err != nil {
					slog.Debug("Window change rejected", "error", err)
				}
			}
		case FramePing:
			if err := w.send(Frame{Type: FramePong}); err != nil {
				errCh <- err
				return
			}
		default:
			slog.Debug("Ignoring unknown client frame", "type", frame.Type)
		}
	}
}

// isExpectedClosure filters the errors a clean shutdown produces on whichever
// pump loses the race against teardown.
func isExpectedClosure(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return false
}

type remoteShell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

// openShell starts a pseudo-terminal shell on the remote transport. Stderr is
// merged into the pty stream, so a single reader preserves output ordering.
func openShell(client *ssh.Client, cols, rows int) (*remoteShell, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, err
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		sess.Close()
		return nil, err
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, err
	}

	return &remoteShell{session: sess, stdin: stdin, stdout: stdout}, nil
}

func (s *remoteShell) close() {
	_ = s.session.Close()
}

// frameWriter serializes frame writes: both pumps and the pong path write to
// the websocket, which allows only one concurrent writer.
type frameWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newFrameWriter(conn *websocket.Conn) *frameWriter {
	return &frameWriter{conn: conn}
}

func (w *frameWriter) send(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(f)
}

func (w *frameWriter) sendError(err error) error {
	return w.send(Frame{Type: FrameError, Data: KindOf(err).String() + ": " + Message(err)})
}
