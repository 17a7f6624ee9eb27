package compute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// sshKeysItem is the metadata key holding the authorized-identity store: one
// "username:keyline" record per line, shared by every session on the instance.
const sshKeysItem = "ssh-keys"

// RemoteUpdateError wraps any read or write fault against the instance
// metadata API during identity injection.
type RemoteUpdateError struct {
	Op  string
	Err error
}

func (e *RemoteUpdateError) Error() string {
	return fmt.Sprintf("remote identity %s failed: %v", e.Op, e.Err)
}

func (e *RemoteUpdateError) Unwrap() error { return e.Err }

type Injector struct {
	api InstanceAPI
}

func NewInjector(api InstanceAPI) *Injector {
	return &Injector{api: api}
}

// InjectIdentity merges the public key line for username into the instance's
// identity store, replacing any prior record for the same username. The write
// carries the fingerprint from the read; on a stale-fingerprint rejection the
// whole read-modify-write is retried exactly once. Letting a second stale
// write fail keeps a genuinely broken remote API visible.
func (in *Injector) InjectIdentity(ctx context.Context, c Coords, username, publicKeyLine, accessToken string) error {
	for attempt := 0; ; attempt++ {
		md, err := in.api.GetMetadata(ctx, c, accessToken)
		if err != nil {
			return &RemoteUpdateError{Op: "read", Err: err}
		}

		md.Items[sshKeysItem] = mergeKeyLine(md.Items[sshKeysItem], username, publicKeyLine)

		err = in.api.SetMetadata(ctx, c, md, accessToken)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrStaleFingerprint) && attempt == 0 {
			slog.Debug("Concurrent metadata update detected, retrying identity write",
				"instance", c.Instance, "username", username)
			continue
		}
		return &RemoteUpdateError{Op: "write", Err: err}
	}
}

// mergeKeyLine rewrites the identity blob so it contains exactly one record
// for username. Records for other usernames pass through untouched, in order.
func mergeKeyLine(blob, username, keyLine string) string {
	record := username + ":" + keyLine
	if strings.TrimSpace(blob) == "" {
		return record
	}

	var out []string
	replaced := false
	for _, line := range strings.Split(blob, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(line, username+":") {
			if !replaced {
				out = append(out, record)
				replaced = true
			}
			continue
		}
		out = append(out, line)
	}
	if !replaced {
		out = append(out, record)
	}
	return strings.Join(out, "\n")
}
