package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/scan-gate/internal/domain"
	"github.com/ashureev/scan-gate/internal/verifyclient"
)

type fakeClient struct {
	challenge verifyclient.Challenge
	result    verifyclient.Result
	pollErr   error
	polls     int
	now       time.Time
}

func (f *fakeClient) RequestChallenge(context.Context) (verifyclient.Challenge, error) {
	return f.challenge, nil
}

func (f *fakeClient) PollResult(_ context.Context, _ string) (verifyclient.Result, error) {
	f.polls++
	return f.result, f.pollErr
}

func (f *fakeClient) IsChallengeExpired(expiry time.Time) bool {
	return !f.now.Before(expiry)
}

func newScanFixture() (*fakeClient, *ScanProvider, domain.AuthSession) {
	now := time.Unix(1_700_000_000, 0)
	fc := &fakeClient{
		now: now,
		challenge: verifyclient.Challenge{
			Token:   "qr-1",
			Payload: "https://provider.example/qr/1",
			Expiry:  now.Add(time.Minute),
		},
	}
	p := NewScanProvider(fc, 0, nil)
	s := domain.AuthSession{ID: "s1", UserID: "alice", Status: domain.StatusPending}
	return fc, p, s
}

func TestRegistry(t *testing.T) {
	_, p, _ := newScanFixture()
	r, err := NewRegistry(p)
	require.NoError(t, err)

	got, ok := r.Get(ScanMethod)
	require.True(t, ok)
	require.Equal(t, ScanMethod, got.Name())

	_, ok = r.Get("totp")
	require.False(t, ok)

	require.Error(t, r.Register(p), "duplicate names must be rejected")
	require.Equal(t, []string{ScanMethod}, r.Names())
}

func TestScanProviderInitialize(t *testing.T) {
	fc, p, s := newScanFixture()
	require.NoError(t, p.Initialize(context.Background(), &s))
	require.Equal(t, "qr-1", s.ChallengeToken)
	require.Equal(t, fc.challenge.Payload, s.ChallengePayload)
	require.Equal(t, fc.challenge.Expiry, s.ChallengeExpiry)
}

func TestScanProviderVerify(t *testing.T) {
	tests := []struct {
		name   string
		result verifyclient.Result
		want   domain.Outcome
	}{
		{
			name:   "pending keeps current status",
			result: verifyclient.Result{State: verifyclient.ResultPending},
			want:   domain.Outcome{Status: domain.StatusPending},
		},
		{
			name:   "verified",
			result: verifyclient.Result{State: verifyclient.ResultVerified, Identity: "open-1"},
			want:   domain.Outcome{Success: true, Status: domain.StatusVerified, Identity: "open-1"},
		},
		{
			name:   "failed",
			result: verifyclient.Result{State: verifyclient.ResultFailed, Reason: "denied"},
			want:   domain.Outcome{Status: domain.StatusFailed, Error: "denied"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc, p, s := newScanFixture()
			require.NoError(t, p.Initialize(context.Background(), &s))
			fc.result = tt.result

			got, err := p.Verify(context.Background(), s, "")
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, 1, fc.polls)
		})
	}
}

func TestScanProviderExpiredChallengeSkipsNetwork(t *testing.T) {
	fc, p, s := newScanFixture()
	require.NoError(t, p.Initialize(context.Background(), &s))
	fc.now = s.ChallengeExpiry

	got, err := p.Verify(context.Background(), s, "")
	require.NoError(t, err)
	require.False(t, got.Success)
	require.Equal(t, domain.StatusExpired, got.Status)
	require.Zero(t, fc.polls)
}

func TestScanProviderWithoutChallenge(t *testing.T) {
	fc, p, s := newScanFixture()
	got, err := p.Verify(context.Background(), s, "")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, got.Status)
	require.Zero(t, fc.polls)
}

func TestScanProviderPollError(t *testing.T) {
	fc, p, s := newScanFixture()
	require.NoError(t, p.Initialize(context.Background(), &s))
	fc.pollErr = &verifyclient.TransportError{Op: "poll", StatusCode: 502}

	_, err := p.Verify(context.Background(), s, "")
	var te *verifyclient.TransportError
	require.True(t, errors.As(err, &te))
	require.Equal(t, 502, te.StatusCode)
}

func TestScanProviderThrottleRespectsContext(t *testing.T) {
	fc, _, s := newScanFixture()
	p := NewScanProvider(fc, 0.001, nil)
	s.ChallengeToken = "qr-1"
	s.ChallengeExpiry = fc.now.Add(time.Minute)

	// first poll consumes the only token
	_, err := p.Verify(context.Background(), s, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Verify(ctx, s, "")
	require.Error(t, err)
	require.Equal(t, 1, fc.polls)
}
