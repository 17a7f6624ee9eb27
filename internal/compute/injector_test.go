package compute

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInstanceAPI models the provider's compare-and-swap metadata store: a
// write only succeeds when it carries the fingerprint of the current state.
type fakeInstanceAPI struct {
	mu          sync.Mutex
	items       map[string]string
	version     int
	getErr      error
	setErr      error
	forceStales int
	setCalls    int
}

func newFakeInstanceAPI() *fakeInstanceAPI {
	return &fakeInstanceAPI{items: make(map[string]string)}
}

func (f *fakeInstanceAPI) GetMetadata(_ context.Context, _ Coords, _ string) (*Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	items := make(map[string]string, len(f.items))
	for k, v := range f.items {
		items[k] = v
	}
	return &Metadata{Fingerprint: strconv.Itoa(f.version), Items: items}, nil
}

func (f *fakeInstanceAPI) SetMetadata(_ context.Context, _ Coords, md *Metadata, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	if f.setErr != nil {
		return f.setErr
	}
	if f.forceStales > 0 {
		f.forceStales--
		return ErrStaleFingerprint
	}
	if md.Fingerprint != strconv.Itoa(f.version) {
		return ErrStaleFingerprint
	}
	f.items = make(map[string]string, len(md.Items))
	for k, v := range md.Items {
		f.items[k] = v
	}
	f.version++
	return nil
}

func (f *fakeInstanceAPI) sshKeys() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[sshKeysItem]
}

func TestInjectIdentityAppendsToEmptyStore(t *testing.T) {
	api := newFakeInstanceAPI()
	in := NewInjector(api)

	err := in.InjectIdentity(context.Background(), Coords{}, "alice", "ssh-ed25519 AAA alice", "tok")
	require.NoError(t, err)
	assert.Equal(t, "alice:ssh-ed25519 AAA alice", api.sshKeys())
}

func TestInjectIdentityReplacesSameUsername(t *testing.T) {
	api := newFakeInstanceAPI()
	api.items[sshKeysItem] = "alice:old-key\nbob:bob-key"
	in := NewInjector(api)

	err := in.InjectIdentity(context.Background(), Coords{}, "alice", "new-key", "tok")
	require.NoError(t, err)
	assert.Equal(t, "alice:new-key\nbob:bob-key", api.sshKeys(),
		"the record must be replaced in place, never appended")
}

func TestInjectIdentityPreservesOtherUsers(t *testing.T) {
	api := newFakeInstanceAPI()
	api.items[sshKeysItem] = "bob:bob-key"
	api.items["startup-script"] = "#!/bin/sh"
	in := NewInjector(api)

	err := in.InjectIdentity(context.Background(), Coords{}, "carol", "carol-key", "tok")
	require.NoError(t, err)
	assert.Equal(t, "bob:bob-key\ncarol:carol-key", api.sshKeys())

	md, err := api.GetMetadata(context.Background(), Coords{}, "tok")
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh", md.Items["startup-script"], "unrelated metadata items must survive")
}

func TestInjectIdentityRetriesStaleWriteOnce(t *testing.T) {
	api := newFakeInstanceAPI()
	api.forceStales = 1
	in := NewInjector(api)

	err := in.InjectIdentity(context.Background(), Coords{}, "alice", "key", "tok")
	require.NoError(t, err)
	assert.Equal(t, 2, api.setCalls)
	assert.Equal(t, "alice:key", api.sshKeys())
}

func TestInjectIdentitySecondStaleWriteFails(t *testing.T) {
	api := newFakeInstanceAPI()
	api.forceStales = 2
	in := NewInjector(api)

	err := in.InjectIdentity(context.Background(), Coords{}, "alice", "key", "tok")
	var updateErr *RemoteUpdateError
	require.ErrorAs(t, err, &updateErr)
	assert.Equal(t, "write", updateErr.Op)
	assert.Equal(t, 2, api.setCalls, "exactly one retry is allowed")
}

func TestInjectIdentityReadFault(t *testing.T) {
	api := newFakeInstanceAPI()
	api.getErr = fmt.Errorf("backend unavailable")
	in := NewInjector(api)

	err := in.InjectIdentity(context.Background(), Coords{}, "alice", "key", "tok")
	var updateErr *RemoteUpdateError
	require.ErrorAs(t, err, &updateErr)
	assert.Equal(t, "read", updateErr.Op)
}

// Concurrent provisioning for usernames drawn from a small set must leave
// exactly one record per username, with none lost to write races.
func TestInjectIdentityConcurrentSessions(t *testing.T) {
	api := newFakeInstanceAPI()
	in := NewInjector(api)
	usernames := []string{"alice", "bob", "carol"}

	const attempts = 30
	var wg sync.WaitGroup
	errCh := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := usernames[i%len(usernames)]
			key := fmt.Sprintf("key-%d", i)
			if err := in.InjectIdentity(context.Background(), Coords{}, user, key, "tok"); err != nil {
				// A CAS loser retried into another loss; acceptable, the
				// caller would surface it. What matters is store integrity.
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	seen := make(map[string]int)
	for _, line := range strings.Split(api.sshKeys(), "\n") {
		user, _, ok := strings.Cut(line, ":")
		require.True(t, ok, "malformed record %q", line)
		seen[user]++
	}
	for _, user := range usernames {
		assert.Equal(t, 1, seen[user], "expected exactly one record for %s", user)
	}
	assert.Len(t, seen, len(usernames))
}

func TestMergeKeyLine(t *testing.T) {
	tests := []struct {
		name     string
		blob     string
		username string
		keyLine  string
		want     string
	}{
		{"empty blob", "", "alice", "k1", "alice:k1"},
		{"append new user", "bob:k2", "alice", "k1", "bob:k2\nalice:k1"},
		{"replace in place", "alice:old\nbob:k2", "alice", "k1", "alice:k1\nbob:k2"},
		{"collapse duplicates", "alice:a\nbob:k2\nalice:b", "alice", "k1", "alice:k1\nbob:k2"},
		{"ignore blank lines", "\nbob:k2\n\n", "alice", "k1", "bob:k2\nalice:k1"},
		{"prefix is not a match", "alicia:k3", "alice", "k1", "alicia:k3\nalice:k1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mergeKeyLine(tt.blob, tt.username, tt.keyLine))
		})
	}
}
