// Package sshkey generates the ephemeral keypairs used to authenticate
// remote shell sessions. Keys are scoped to a single session attempt: the
// private half stays in process memory and is dropped when the session ends.
package sshkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Keypair holds one session's SSH credentials. PublicLine is in
// authorized_keys wire format with the local username as the comment.
type Keypair struct {
	PublicLine string
	Signer     ssh.Signer
	PrivatePEM []byte
}

// Generate creates a fresh ed25519 keypair for the given local username.
// A failure here indicates an environment fault (entropy, marshalling) and
// is never worth retrying.
func Generate(username string) (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key pair: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("convert public key: %w", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(priv, username)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	line := fmt.Sprintf("%s %s", strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))), username)

	return &Keypair{
		PublicLine: line,
		Signer:     signer,
		PrivatePEM: pem.EncodeToMemory(pemBlock),
	}, nil
}
