package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FireDesk/firegate/internal/account"
	"github.com/FireDesk/firegate/internal/config"
	"github.com/FireDesk/firegate/internal/estop"
	"github.com/FireDesk/firegate/internal/model"
	"github.com/FireDesk/firegate/internal/pkg/apperrors"
	"github.com/FireDesk/firegate/internal/pool"
	"github.com/FireDesk/firegate/internal/quota"
	"github.com/FireDesk/firegate/internal/ratelimit"
	"github.com/FireDesk/firegate/internal/risk"
)

type fixture struct {
	router     *FireRouter
	accounts   *account.Manager
	stops      *estop.Controller
	tracker    *quota.Tracker
	evaluator  *risk.Evaluator
	pool       *pool.Pool
	dispatcher *ChannelDispatcher
	stopBridge func()
}

type fixtureOpts struct {
	fireLimit     int
	cooldown      time.Duration
	maxOpenTrades int
	ackTimeout    time.Duration
	ackDelay      time.Duration
	noBridge      bool
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	if opts.fireLimit == 0 {
		opts.fireLimit = 100
	}
	if opts.maxOpenTrades == 0 {
		opts.maxOpenTrades = 10
	}
	if opts.ackTimeout == 0 {
		opts.ackTimeout = time.Second
	}

	cfg := &config.Config{
		RateLimit: config.RateLimitConfig{FireLimit: opts.fireLimit, FireWindowSeconds: 60},
		FireModes: []config.FireModeConfig{
			{Name: "single", CooldownSeconds: int(opts.cooldown.Seconds()), MaxPerWindow: 100, WindowSeconds: 3600},
		},
		Tiers: []config.TierConfig{
			{Name: "standard", MaxOpenTrades: opts.maxOpenTrades, PositionLimit: 100},
		},
		Accounts: []config.AccountConfig{
			{UserID: "u1", Name: "User One", APIKey: "k1", Tier: "standard", FireMode: "single"},
			{UserID: "u2", Name: "User Two", APIKey: "k2", Tier: "standard", FireMode: "single"},
		},
	}

	f := &fixture{
		accounts:   account.NewManager(cfg),
		stops:      estop.NewController(estop.NewMemoryRepo(), 5*time.Minute),
		tracker:    quota.NewTracker(),
		evaluator:  risk.NewEvaluator(config.RiskConfig{MarginLevelDanger: 100, MarginLevelCritical: 150, MarginLevelWarning: 200, DrawdownCriticalPct: 20, DrawdownWarningPct: 10}, 30*time.Second),
		pool:       pool.New([]model.Endpoint{{ID: "ep-1", Tier: model.TierStandard, Capacity: 4}}, nil),
		dispatcher: NewChannelDispatcher(8),
	}
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), nil)
	f.router = New(f.accounts, limiter, f.stops, f.tracker, f.evaluator, f.pool, f.dispatcher, Options{
		FireLimit:  opts.fireLimit,
		FireWindow: time.Minute,
		AckTimeout: opts.ackTimeout,
	})

	done := make(chan struct{})
	f.stopBridge = func() { close(done) }
	if !opts.noBridge {
		// Fake terminal bridge: drain the endpoint queue and ack
		// everything as filled.
		go func() {
			commands := f.dispatcher.Commands("ep-1")
			for {
				select {
				case <-done:
					return
				case cmd := <-commands:
					if opts.ackDelay > 0 {
						time.Sleep(opts.ackDelay)
					}
					f.dispatcher.Acknowledge(model.ExecutionAck{
						CorrelationID: cmd.CorrelationID,
						Success:       true,
						Ticket:        "T-" + cmd.CorrelationID[:8],
						FillPrice:     1.2345,
					})
				}
			}
		}()
	}
	t.Cleanup(f.stopBridge)
	return f
}

func (f *fixture) healthy(userID string) {
	f.evaluator.Ingest(model.AccountSnapshot{
		UserID:      userID,
		Balance:     10000,
		Equity:      10000,
		Margin:      500,
		FreeMargin:  9500,
		MarginLevel: 2000,
		ObservedAt:  time.Now(),
	})
}

func request(userID string) model.TradeRequest {
	return model.TradeRequest{
		UserID:    userID,
		Symbol:    "XAUUSD",
		Direction: model.DirectionBuy,
		Size:      0.10,
	}
}

func TestSubmitApproved(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.healthy("u1")

	result, err := f.router.Submit(context.Background(), request("u1"))
	require.NoError(t, err)
	require.True(t, result.Approved)
	require.Equal(t, "ep-1", result.EndpointID)
	require.NotEmpty(t, result.Ticket)
	require.Empty(t, result.DenialReason)
	require.Equal(t, 1, f.router.OpenTrades("u1"))
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	req := request("u1")
	req.Size = 0
	_, err := f.router.Submit(context.Background(), req)
	require.True(t, apperrors.IsType(err, apperrors.ErrInvalidRequest))

	_, err = f.router.Submit(context.Background(), request("ghost"))
	require.True(t, apperrors.IsType(err, apperrors.ErrNotFound))
}

func TestSubmitRateLimited(t *testing.T) {
	f := newFixture(t, fixtureOpts{fireLimit: 1})
	f.healthy("u1")

	first, err := f.router.Submit(context.Background(), request("u1"))
	require.NoError(t, err)
	require.True(t, first.Approved)

	second, err := f.router.Submit(context.Background(), request("u1"))
	require.NoError(t, err)
	require.False(t, second.Approved)
	require.Equal(t, string(apperrors.ErrRateLimited), second.DenialReason)
	require.Greater(t, second.RetryAfter, time.Duration(0))

	// Another user has their own window.
	f.healthy("u2")
	other, err := f.router.Submit(context.Background(), request("u2"))
	require.NoError(t, err)
	require.True(t, other.Approved)
}

func TestSubmitEmergencyStopBlocks(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.healthy("u1")

	_, err := f.stops.Activate(model.TriggerPanic, "", "", "test panic", 0, nil)
	require.NoError(t, err)

	result, err := f.router.Submit(context.Background(), request("u1"))
	require.NoError(t, err)
	require.False(t, result.Approved)
	require.Equal(t, string(apperrors.ErrEmergencyStop), result.DenialReason)

	require.NoError(t, f.stops.Deactivate("", true))

	result, err = f.router.Submit(context.Background(), request("u1"))
	require.NoError(t, err)
	require.True(t, result.Approved)
}

func TestSubmitStopDoesNotConsumeQuota(t *testing.T) {
	f := newFixture(t, fixtureOpts{cooldown: time.Hour})
	f.healthy("u1")

	_, err := f.stops.Activate(model.TriggerPanic, "", "", "test panic", 0, nil)
	require.NoError(t, err)

	result, err := f.router.Submit(context.Background(), request("u1"))
	require.NoError(t, err)
	require.False(t, result.Approved)

	// The stop denial fires before the quota stage, so the cooldown has
	// not been armed and the first real fire still goes through.
	require.NoError(t, f.stops.Deactivate("", true))
	result, err = f.router.Submit(context.Background(), request("u1"))
	require.NoError(t, err)
	require.True(t, result.Approved)
}

func TestSubmitCooldownDenied(t *testing.T) {
	f := newFixture(t, fixtureOpts{cooldown: time.Hour})
	f.healthy("u1")

	first, err := f.router.Submit(context.Background(), request("u1"))
	require.NoError(t, err)
	require.True(t, first.Approved)

	second, err := f.router.Submit(context.Background(), request("u1"))
	require.NoError(t, err)
	require.False(t, second.Approved)
	require.Equal(t, string(apperrors.ErrCooldownActive), second.DenialReason)
	require.Greater(t, second.RetryAfter, time.Duration(0))
}

func TestSubmitBlockedWithoutTelemetry(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	result, err := f.router.Submit(context.Background(), request("u1"))
	require.NoError(t, err)
	require.False(t, result.Approved)
	require.Equal(t, string(apperrors.ErrStaleTelemetry), result.DenialReason)
}

func TestSubmitRiskRejectOnMarginBreach(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.evaluator.Ingest(model.AccountSnapshot{
		UserID:      "u1",
		Balance:     10000,
		Equity:      4000,
		Margin:      3000,
		FreeMargin:  1000,
		MarginLevel: 120,
		ObservedAt:  time.Now(),
	})

	result, err := f.router.Submit(context.Background(), request("u1"))
	require.NoError(t, err)
	require.False(t, result.Approved)
	require.Equal(t, string(apperrors.ErrRiskReject), result.DenialReason)
}

func TestSubmitConcurrentTradeLimit(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxOpenTrades: 1})
	f.healthy("u1")

	first, err := f.router.Submit(context.Background(), request("u1"))
	require.NoError(t, err)
	require.True(t, first.Approved)

	second, err := f.router.Submit(context.Background(), request("u1"))
	require.NoError(t, err)
	require.False(t, second.Approved)
	require.Equal(t, string(apperrors.ErrQuotaExceeded), second.DenialReason)

	// Closing the position frees the slot.
	require.True(t, f.router.PositionClosed(first.RequestID))
	third, err := f.router.Submit(context.Background(), request("u1"))
	require.NoError(t, err)
	require.True(t, third.Approved)
}

func TestSubmitConcurrentTradeLimitNeverOversubscribes(t *testing.T) {
	// Cooldown zero so the fire-mode quota does not serialize the
	// submissions; only the tier limit stands between them. The bridge
	// delays its acks so every submission is in flight at once.
	f := newFixture(t, fixtureOpts{maxOpenTrades: 1, ackDelay: 50 * time.Millisecond})
	f.healthy("u1")

	type outcome struct {
		result *model.AdmissionResult
		err    error
	}
	const n = 4
	outcomes := make(chan outcome, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := f.router.Submit(context.Background(), request("u1"))
			outcomes <- outcome{result: res, err: err}
		}()
	}

	approved := 0
	for i := 0; i < n; i++ {
		o := <-outcomes
		require.NoError(t, o.err)
		if o.result.Approved {
			approved++
		} else {
			require.Equal(t, string(apperrors.ErrQuotaExceeded), o.result.DenialReason)
		}
	}
	require.Equal(t, 1, approved, "tier limit 1 must admit exactly one concurrent trade")
	require.Equal(t, 1, f.router.OpenTrades("u1"))
}

func TestSubmitAckTimeoutReleasesSlot(t *testing.T) {
	f := newFixture(t, fixtureOpts{noBridge: true, ackTimeout: 50 * time.Millisecond})
	f.healthy("u1")

	result, err := f.router.Submit(context.Background(), request("u1"))
	require.NoError(t, err)
	require.False(t, result.Approved)
	require.Equal(t, string(apperrors.ErrAckTimeout), result.DenialReason)

	_, held := f.pool.Assignment("u1", model.TierStandard)
	require.False(t, held, "idle user's slot must be released after dispatch failure")
	require.Equal(t, 0, f.router.OpenTrades("u1"))
}

func TestPositionClosedReleasesWhenIdle(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.healthy("u1")

	first, err := f.router.Submit(context.Background(), request("u1"))
	require.NoError(t, err)
	second, err := f.router.Submit(context.Background(), request("u1"))
	require.NoError(t, err)
	require.Equal(t, 2, f.router.OpenTrades("u1"))

	require.True(t, f.router.PositionClosed(first.RequestID))
	_, held := f.pool.Assignment("u1", model.TierStandard)
	require.True(t, held, "slot stays while a trade is still open")

	require.True(t, f.router.PositionClosed(second.RequestID))
	_, held = f.pool.Assignment("u1", model.TierStandard)
	require.False(t, held, "slot releases once the user is idle")

	require.False(t, f.router.PositionClosed(second.RequestID), "double close must be a no-op")
}

func TestSubmitRepeatedFiresShareEndpoint(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.healthy("u1")

	first, err := f.router.Submit(context.Background(), request("u1"))
	require.NoError(t, err)
	second, err := f.router.Submit(context.Background(), request("u1"))
	require.NoError(t, err)
	require.Equal(t, first.EndpointID, second.EndpointID)
}
