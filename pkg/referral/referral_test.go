package referral

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/numdrassl/proxy/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlayerReferralRoundTrip(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	s := NewSigner(secret)

	info := PlayerInfo{
		UUID:       uuid.New(),
		Username:   "Steve",
		Backend:    "lobby",
		ClientAddr: "203.0.113.5",
	}

	blob := s.SignPlayer(info)
	got, err := s.VerifyPlayer(blob, info.UUID, info.Username, info.Backend)
	require.NoError(t, err)
	assert.Equal(t, info, got)
}

func TestPlayerReferralTamperedByteFails(t *testing.T) {
	secret := []byte("secret")
	s := NewSigner(secret)
	info := PlayerInfo{UUID: uuid.New(), Username: "Alex", Backend: "arena", ClientAddr: "10.0.0.1"}
	blob := s.SignPlayer(info)

	for i := range blob {
		mutated := append([]byte(nil), blob...)
		mutated[i] ^= 0xFF
		_, err := s.VerifyPlayer(mutated, info.UUID, info.Username, info.Backend)
		assert.Error(t, err)
	}
}

func TestPlayerReferralIdentityMismatch(t *testing.T) {
	secret := []byte("secret")
	s := NewSigner(secret)
	info := PlayerInfo{UUID: uuid.New(), Username: "Alex", Backend: "arena", ClientAddr: "10.0.0.1"}
	blob := s.SignPlayer(info)

	_, err := s.VerifyPlayer(blob, uuid.New(), info.Username, info.Backend)
	assert.ErrorIs(t, err, errs.ErrIdentityMismatch)

	_, err = s.VerifyPlayer(blob, info.UUID, "SomeoneElse", info.Backend)
	assert.ErrorIs(t, err, errs.ErrIdentityMismatch)

	_, err = s.VerifyPlayer(blob, info.UUID, info.Username, "other-backend")
	assert.ErrorIs(t, err, errs.ErrIdentityMismatch)
}

func TestControlReferralRoundTrip(t *testing.T) {
	secret := []byte("secret")
	s := NewSigner(secret)
	now := time.UnixMilli(1_700_000_000_000)

	blob := s.SignControl("lobby", now)
	err := s.VerifyControl(blob, "lobby", now.Add(30*time.Second))
	require.NoError(t, err)
}

func TestControlReferralStaleFails(t *testing.T) {
	secret := []byte("secret")
	s := NewSigner(secret)
	now := time.UnixMilli(1_700_000_000_000)

	blob := s.SignControl("lobby", now)
	err := s.VerifyControl(blob, "lobby", now.Add(10*time.Minute))
	assert.ErrorIs(t, err, errs.ErrStaleReferral)
}

func TestControlReferralWrongBackendFails(t *testing.T) {
	secret := []byte("secret")
	s := NewSigner(secret)
	now := time.UnixMilli(1_700_000_000_000)

	blob := s.SignControl("lobby", now)
	err := s.VerifyControl(blob, "arena", now)
	assert.ErrorIs(t, err, errs.ErrIdentityMismatch)
}
