// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-kmstoken.
//
// go-kmstoken is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package token

import (
	"context"
	"sync"
	"testing"

	handlerand "github.com/jeremyhahn/go-kmstoken/pkg/crypto/rand"
	"github.com/jeremyhahn/go-kmstoken/pkg/kmserr"
	"github.com/jeremyhahn/go-kmstoken/pkg/logging"
	"github.com/jeremyhahn/go-kmstoken/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestNewObjectCounts(t *testing.T) {
	tests := []struct {
		name  string
		certs bool
		want  int
	}{
		{"keys only", false, 2},
		{"with certificates", true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := newStubRemote()
			remote.addKey(t, "k", signKey, hsm, p256, enabled)

			tok := newTestToken(t, remote, Config{GenerateCerts: tt.certs})
			assert.Equal(t, tt.want, tok.Len())
			assert.Len(t, tok.FindObjects(nil), tt.want)
		})
	}
}

func TestNewRequiresKeyRing(t *testing.T) {
	_, err := New(context.Background(), newStubRemote(), Config{}, WithLogger(logging.Discard()))
	assert.Equal(t, kmserr.InvalidArgument, kmserr.KindOf(err))
}

func TestNewFailsOnRPCError(t *testing.T) {
	remote := newStubRemote()
	remote.listErr = status.Error(codes.PermissionDenied, "denied")

	tok, err := New(context.Background(), remote, Config{KeyRing: testKeyRing}, WithLogger(logging.Discard()))
	assert.Nil(t, tok)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestTokenInfo(t *testing.T) {
	tok := newTestToken(t, newStubRemote(), Config{SlotID: 3, Label: "signing"})

	info := tok.TokenInfo()
	assert.Equal(t, "signing", info.Label)
	assert.Equal(t, "0000000000000003", info.SerialNumber)
	assert.True(t, info.WriteProtected)
	assert.True(t, info.LoginRequired)
	assert.True(t, tok.SlotInfo().TokenPresent)
	assert.Equal(t, uint(3), tok.SlotID())
	assert.Equal(t, testKeyRing, tok.KeyRing())
	assert.Equal(t, 0, tok.Len())

	unlabeled := newTestToken(t, newStubRemote(), Config{})
	assert.Equal(t, testKeyRing, unlabeled.TokenInfo().Label)
}

func TestLoginStateMachine(t *testing.T) {
	tests := []struct {
		name     string
		loggedIn bool
		user     UserType
		kind     kmserr.Kind
		reason   kmserr.Reason
	}{
		{"user", false, User, kmserr.Unknown, kmserr.ReasonNone},
		{"user twice", true, User, kmserr.FailedPrecondition, kmserr.ReasonUserAlreadyLoggedIn},
		{"security officer", false, UserSecurityOfficer, kmserr.PermissionDenied, kmserr.ReasonPinLocked},
		{"security officer while logged in", true, UserSecurityOfficer, kmserr.PermissionDenied, kmserr.ReasonPinLocked},
		{"context specific", true, UserContextSpecific, kmserr.PermissionDenied, kmserr.ReasonOperationNotInitialized},
		{"unknown", false, UserType(7), kmserr.InvalidArgument, kmserr.ReasonUserTypeInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := newTestToken(t, newStubRemote(), Config{})
			if tt.loggedIn {
				require.NoError(t, tok.Login(User))
			}

			err := tok.Login(tt.user)
			if tt.kind == kmserr.Unknown {
				require.NoError(t, err)
				assert.True(t, tok.IsLoggedIn())
				return
			}
			assert.Equal(t, tt.kind, kmserr.KindOf(err))
			assert.Equal(t, tt.reason, kmserr.ReasonOf(err))
			assert.Equal(t, tt.loggedIn, tok.IsLoggedIn())
		})
	}
}

func TestLogout(t *testing.T) {
	tok := newTestToken(t, newStubRemote(), Config{})

	err := tok.Logout()
	assert.Equal(t, kmserr.ReasonUserNotLoggedIn, kmserr.ReasonOf(err))

	require.NoError(t, tok.Login(User))
	require.NoError(t, tok.Logout())
	assert.False(t, tok.IsLoggedIn())
}

func TestConcurrentLogin(t *testing.T) {
	tok := newTestToken(t, newStubRemote(), Config{})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tok.Login(User) == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
			_ = tok.IsLoggedIn()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestFindObjectsOrder(t *testing.T) {
	remote := newStubRemote()
	b := remote.addKey(t, "b", signKey, hsm, p256, enabled)
	a := remote.addKey(t, "a", signKey, hsm, p256, enabled, enabled)

	tok := newTestToken(t, remote, Config{GenerateCerts: true})
	handles := tok.FindObjects(nil)
	require.Len(t, handles, 9)

	type entry struct {
		name  string
		class ObjectClass
	}
	var got []entry
	for _, h := range handles {
		obj, err := tok.GetObject(h)
		require.NoError(t, err)
		got = append(got, entry{obj.KeyVersionName(), obj.Class()})
	}

	var want []entry
	for _, name := range []string{a[0], a[1], b[0]} {
		want = append(want,
			entry{name, ClassPublicKey},
			entry{name, ClassPrivateKey},
			entry{name, ClassCertificate})
	}
	assert.Equal(t, want, got)

	privates := tok.FindObjects(func(o Object) bool { return o.Class() == ClassPrivateKey })
	assert.Len(t, privates, 3)
	assert.Len(t, tok.FindKeyVersion(a[1]), 3)

	h, key, ok := tok.FindPrivateKey(b[0])
	require.True(t, ok)
	assert.NotZero(t, h)
	assert.Equal(t, b[0], key.KeyVersionName())

	_, _, ok = tok.FindPrivateKey("missing")
	assert.False(t, ok)
}

func TestGetObjectInvalidHandle(t *testing.T) {
	remote := newStubRemote()
	remote.addKey(t, "k", signKey, hsm, p256, enabled)
	tok := newTestToken(t, remote, Config{})

	for _, h := range []uint64{0, 42} {
		_, err := tok.GetObject(h)
		assert.Equal(t, kmserr.InvalidHandle, kmserr.KindOf(err))
		assert.Equal(t, kmserr.ReasonObjectHandleInvalid, kmserr.ReasonOf(err))
	}
}

func TestDeterministicHandles(t *testing.T) {
	remote := newStubRemote()
	names := remote.addKey(t, "k", signKey, hsm, p256, enabled)

	tok, err := New(context.Background(), remote, Config{KeyRing: testKeyRing},
		WithLogger(logging.Discard()), WithRand(handlerand.Counter()))
	require.NoError(t, err)

	h, _, ok := tok.FindPrivateKey(names[0])
	require.True(t, ok)
	assert.Equal(t, uint64(1), h)
	assert.Equal(t, []uint64{2, 1}, tok.FindObjects(nil))
}

func TestDeterministicHandlesWithCertificates(t *testing.T) {
	remote := newStubRemote()
	names := remote.addKey(t, "k", signKey, hsm, p256, enabled)

	// Exactly one draw per object: the certificate authority has its own
	// entropy and must not consume the handle source.
	tok, err := New(context.Background(), remote, Config{KeyRing: testKeyRing, GenerateCerts: true},
		WithLogger(logging.Discard()), WithRand(handlerand.Sequence(11, 12, 13)))
	require.NoError(t, err)

	h, _, ok := tok.FindPrivateKey(names[0])
	require.True(t, ok)
	assert.Equal(t, uint64(11), h)
	assert.Equal(t, []uint64{12, 11, 13}, tok.FindObjects(nil))

	obj, err := tok.GetObject(13)
	require.NoError(t, err)
	assert.Equal(t, ClassCertificate, obj.Class())
}

func TestSaveAndRestore(t *testing.T) {
	remote := newStubRemote()
	names := remote.addKey(t, "k", signKey, hsm, p256, enabled)
	store := storage.NewMemory()

	original := newTestToken(t, remote, Config{GenerateCerts: true, StateStore: store})
	restored, err := Restore(remote, Config{KeyRing: testKeyRing, StateStore: store},
		WithLogger(logging.Discard()))
	require.NoError(t, err)

	assert.Equal(t, original.FindObjects(nil), restored.FindObjects(nil))
	assert.Equal(t, []string{names[0]}, restored.Report().Included())

	// Restore never lists the key ring.
	remote.listErr = status.Error(codes.Unavailable, "down")
	_, err = Restore(remote, Config{KeyRing: testKeyRing, StateStore: store}, WithLogger(logging.Discard()))
	assert.NoError(t, err)
}

func TestRestoreErrors(t *testing.T) {
	_, err := Restore(newStubRemote(), Config{KeyRing: testKeyRing}, WithLogger(logging.Discard()))
	assert.Equal(t, kmserr.FailedPrecondition, kmserr.KindOf(err))

	_, err = Restore(newStubRemote(), Config{KeyRing: testKeyRing, StateStore: storage.NewMemory()},
		WithLogger(logging.Discard()))
	assert.Equal(t, kmserr.NotFound, kmserr.KindOf(err))
}
