package session

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/overcastlabs/vmlink/internal/compute"
	"github.com/overcastlabs/vmlink/internal/directory"
	"github.com/overcastlabs/vmlink/internal/sshkey"
)

// TokenSource yields a delegated access token for a principal, optionally
// revalidating a candidate token the client already holds.
type TokenSource interface {
	ValidAccessToken(ctx context.Context, principalID, candidate string) (string, error)
}

// IdentityInjector writes a public key line into an instance's
// authorized-identity store.
type IdentityInjector interface {
	InjectIdentity(ctx context.Context, c compute.Coords, username, publicKeyLine, accessToken string) error
}

// Conn is an authenticated transport to a remote instance, ready for shell or
// command channels.
type Conn struct {
	Client   *ssh.Client
	Username string
	Handle   directory.Handle
}

// Provisioner runs the credential/key/injection/propagation sequence shared
// by interactive and execution sessions.
type Provisioner struct {
	Tokens    TokenSource
	Directory directory.Directory
	Injector  IdentityInjector

	// Username maps a principal id to the instance-local account name.
	// Defaults to a sanitized prefix of the principal id.
	Username func(principalID string) string

	// SettleDelay is the fixed wait between writing the identity and dialing:
	// the identity store is not immediately consistent with the instance's
	// authentication path.
	SettleDelay time.Duration
	DialTimeout time.Duration

	// HostKeys defaults to first-connect trust. Freshly provisioned instances
	// have no durable known-hosts record to verify against.
	HostKeys ssh.HostKeyCallback
}

// Connect runs the full provisioning sequence and dials the instance with the
// ephemeral key. Every failure is classified (*Error) so callers report the
// failing phase; no fallback credential is ever attempted. progress, when
// non-nil, receives a human-readable note as each phase starts.
func (p *Provisioner) Connect(ctx context.Context, principalID, resourceID, candidateToken string, progress func(string)) (*Conn, error) {
	notify := func(stage string) {
		if progress != nil {
			progress(stage)
		}
	}

	handle, err := p.Directory.Lookup(ctx, resourceID)
	if err != nil {
		return nil, newError(KindAuthentication, "unknown resource", err)
	}
	authorized, err := p.Directory.Authorized(ctx, handle, principalID)
	if err != nil {
		return nil, newError(KindAuthentication, "could not verify resource ownership", err)
	}
	if !authorized {
		return nil, newError(KindAuthentication, "resource is not owned by this principal", nil)
	}
	if handle.Addr == "" {
		return nil, newError(KindConnection, "resource has no network address", nil)
	}

	notify("resolving credentials")
	token, err := p.Tokens.ValidAccessToken(ctx, principalID, candidateToken)
	if err != nil {
		return nil, newError(KindCredential, "could not obtain an access token", err)
	}

	notify("generating session key")
	username := p.username(principalID)
	keypair, err := sshkey.Generate(username)
	if err != nil {
		return nil, newError(KindProvisioning, "could not prepare session credentials", err)
	}

	notify("authorizing session key")
	coords := compute.Coords{Project: handle.Project, Zone: handle.Zone, Instance: handle.Instance}
	if err := p.Injector.InjectIdentity(ctx, coords, username, keypair.PublicLine, token); err != nil {
		return nil, newError(KindProvisioning, "could not update the instance's authorized keys", err)
	}

	notify("waiting for key propagation")
	if err := p.settle(ctx); err != nil {
		return nil, err
	}

	notify("connecting")
	config := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(keypair.Signer)},
		HostKeyCallback: p.hostKeys(),
		Timeout:         p.DialTimeout,
	}
	client, err := ssh.Dial("tcp", withDefaultPort(handle.Addr), config)
	if err != nil {
		return nil, newError(KindConnection, "could not reach the instance", err)
	}

	slog.Debug("Remote transport established",
		"resource_id", resourceID, "principal_id", principalID, "username", username)
	return &Conn{Client: client, Username: username, Handle: handle}, nil
}

func (p *Provisioner) settle(ctx context.Context) error {
	if p.SettleDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(p.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return newError(KindAborted, "session cancelled during provisioning", ctx.Err())
	}
}

func (p *Provisioner) username(principalID string) string {
	if p.Username != nil {
		return p.Username(principalID)
	}
	return defaultUsername(principalID)
}

func (p *Provisioner) hostKeys() ssh.HostKeyCallback {
	if p.HostKeys != nil {
		return p.HostKeys
	}
	return trustOnFirstConnect
}

func trustOnFirstConnect(hostname string, _ net.Addr, key ssh.PublicKey) error {
	slog.Debug("Accepting host key", "host", hostname, "fingerprint", ssh.FingerprintSHA256(key))
	return nil
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, "22")
	}
	return addr
}

// defaultUsername derives an instance-local account name from a principal id:
// lowercase, restricted to [a-z0-9_-], capped at 32 characters.
func defaultUsername(principalID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(principalID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		}
		if b.Len() >= 32 {
			break
		}
	}
	if b.Len() == 0 {
		return "vmlink"
	}
	return b.String()
}
