package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/ashureev/scan-gate/internal/domain"
	"github.com/ashureev/scan-gate/internal/verifyclient"
)

// ScanMethod is the method name of ScanProvider.
const ScanMethod = "scan"

// ChallengeClient is the subset of verifyclient.Client used by ScanProvider.
type ChallengeClient interface {
	RequestChallenge(ctx context.Context) (verifyclient.Challenge, error)
	PollResult(ctx context.Context, challengeToken string) (verifyclient.Result, error)
	IsChallengeExpired(expiry time.Time) bool
}

// ScanProvider verifies users through a scannable code issued by the
// external service.
type ScanProvider struct {
	client  ChallengeClient
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ Provider = (*ScanProvider)(nil)

// NewScanProvider creates a scan provider. pollRPS caps upstream poll
// requests across all sessions; values <= 0 disable the cap.
func NewScanProvider(client ChallengeClient, pollRPS float64, logger *slog.Logger) *ScanProvider {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	burst := 1
	if pollRPS > 0 {
		limit = rate.Limit(pollRPS)
		burst = max(1, int(pollRPS))
	}
	return &ScanProvider{
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// Name implements Provider.
func (p *ScanProvider) Name() string { return ScanMethod }

// Initialize requests a fresh challenge from the external service.
func (p *ScanProvider) Initialize(ctx context.Context, s *domain.AuthSession) error {
	ch, err := p.client.RequestChallenge(ctx)
	if err != nil {
		return fmt.Errorf("request challenge: %w", err)
	}
	s.ChallengeToken = ch.Token
	s.ChallengePayload = ch.Payload
	s.ChallengeExpiry = ch.Expiry
	return nil
}

// Verify polls the external service for the session's challenge.
func (p *ScanProvider) Verify(ctx context.Context, s domain.AuthSession, _ string) (domain.Outcome, error) {
	if s.ChallengeToken == "" {
		return domain.Outcome{Status: domain.StatusFailed, Error: "no challenge issued"}, nil
	}
	if p.client.IsChallengeExpired(s.ChallengeExpiry) {
		return domain.Outcome{Status: domain.StatusExpired, Error: "challenge expired"}, nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return domain.Outcome{}, fmt.Errorf("poll throttled: %w", err)
	}

	res, err := p.client.PollResult(ctx, s.ChallengeToken)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("poll result: %w", err)
	}

	switch res.State {
	case verifyclient.ResultVerified:
		p.logger.Info("Scan verification confirmed", "session_id", s.ID, "user_id", s.UserID)
		return domain.Outcome{Success: true, Status: domain.StatusVerified, Identity: res.Identity}, nil
	case verifyclient.ResultFailed:
		return domain.Outcome{Status: domain.StatusFailed, Error: res.Reason}, nil
	default:
		return domain.Outcome{Status: s.Status}, nil
	}
}

// Cleanup is a no-op: the external service expires challenges on its own.
func (p *ScanProvider) Cleanup(_ context.Context, _ string) error { return nil }
