package session

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/overcastlabs/vmlink/internal/compute"
	"github.com/overcastlabs/vmlink/internal/directory"
)

// sshServer is an in-process SSH server for relay tests. It accepts any
// public key, answers pty/shell/exec requests, echoes shell input, and hands
// exec commands to the configured behavior.
type sshServer struct {
	listener net.Listener

	// exec handles an "exec" request on its own goroutine. It returns the
	// exit status and whether the command finished; an unfinished command
	// leaves the channel open until the client tears the transport down.
	exec func(command string, ch ssh.Channel) (exitCode int, finished bool)
}

func startSSHServer(t *testing.T, exec func(command string, ch ssh.Channel) (int, bool)) string {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return &ssh.Permissions{}, nil
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	srv := &sshServer{listener: listener, exec: exec}
	go srv.acceptLoop(config)
	return listener.Addr().String()
}

func (s *sshServer) acceptLoop(config *ssh.ServerConfig) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn, config)
	}
}

func (s *sshServer) handleConn(conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()
	serverConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer serverConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, chReqs)
	}
}

func (s *sshServer) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "pty-req", "window-change", "env":
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		case "shell":
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			// Echo shell: every byte written by the client comes straight
			// back, preserving order.
			go func() {
				_, _ = io.Copy(ch, ch)
				_ = ch.Close()
			}()
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
				continue
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			go func() {
				if s.exec == nil {
					sendExitStatus(ch, 0)
					return
				}
				code, finished := s.exec(payload.Command, ch)
				if finished {
					sendExitStatus(ch, code)
				}
			}()
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func sendExitStatus(ch ssh.Channel, code int) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
	_ = ch.Close()
}

// Fakes for the provisioning collaborators.

type fakeDirectory struct {
	handle  directory.Handle
	missing bool
	deny    bool
}

func (d *fakeDirectory) Lookup(_ context.Context, resourceID string) (directory.Handle, error) {
	if d.missing {
		return directory.Handle{}, directory.ErrNotFound
	}
	h := d.handle
	h.ID = resourceID
	return h, nil
}

func (d *fakeDirectory) Authorized(_ context.Context, _ directory.Handle, _ string) (bool, error) {
	return !d.deny, nil
}

type fakeTokens struct {
	token string
	err   error
}

func (t *fakeTokens) ValidAccessToken(_ context.Context, _, _ string) (string, error) {
	if t.err != nil {
		return "", t.err
	}
	return t.token, nil
}

type fakeInjector struct {
	err   error
	calls int
}

func (i *fakeInjector) InjectIdentity(_ context.Context, _ compute.Coords, _, _, _ string) error {
	i.calls++
	return i.err
}

// testProvisioner wires a Provisioner at a live test SSH server with all
// collaborators faked and no settle delay.
func testProvisioner(addr string) *Provisioner {
	return &Provisioner{
		Tokens:    &fakeTokens{token: "tok"},
		Directory: &fakeDirectory{handle: directory.Handle{Addr: addr, Project: "proj", Zone: "zone-a", Instance: "vm-1"}},
		Injector:  &fakeInjector{},
	}
}
