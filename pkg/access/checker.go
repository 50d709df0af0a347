// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package access decides, per request, whether a session may use the
// protected resource. It keeps a cached verdict fresh by fetching the user's
// membership from the provider, refreshing the credential when the provider
// rejects it, waiting out rate limits and tearing down revoked sessions.
//
// The caller owns the session: checks and flows mutate the *session.Session
// they are given, and the caller persists it afterwards.
package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/stacklok/guildgate/pkg/authz"
	"github.com/stacklok/guildgate/pkg/logger"
	"github.com/stacklok/guildgate/pkg/networking"
	"github.com/stacklok/guildgate/pkg/session"
	"github.com/stacklok/guildgate/pkg/tokens"
	"github.com/stacklok/guildgate/pkg/upstream"
)

const (
	// DefaultVerdictTTL is how long a computed verdict is served without re-checking.
	DefaultVerdictTTL = 300 * time.Second

	// DefaultMaxCheckDuration caps the wall time of a single check.
	DefaultMaxCheckDuration = 30 * time.Second

	// DefaultMaxAttempts caps the membership fetches of a single check.
	DefaultMaxAttempts = 10

	// DefaultRoleFetchConcurrency bounds parallel role lookups.
	DefaultRoleFetchConcurrency = 4

	// DefaultLoginRedirect is where unauthenticated users are sent.
	DefaultLoginRedirect = "/login"

	instrumentationName = "github.com/stacklok/guildgate/pkg/access"
)

// State names a step of the access check.
type State string

// Access check states.
const (
	StateFresh        State = "fresh"
	StateStale        State = "stale"
	StateFetching     State = "fetching"
	StateResolved     State = "resolved"
	StateTokenExpired State = "token_expired"
	StateRateLimited  State = "rate_limited"
	StateTransient    State = "transient"
	StateRevoked      State = "revoked"
	StateFailed       State = "failed"
)

// Config tunes the checker.
type Config struct {
	// VerdictTTL is the freshness window of a cached verdict.
	VerdictTTL time.Duration
	// MaxCheckDuration bounds one check, waits included.
	MaxCheckDuration time.Duration
	// MaxAttempts bounds the membership fetches of one check.
	MaxAttempts int
	// RoleFetchConcurrency bounds parallel role lookups.
	RoleFetchConcurrency int
	// LoginRedirect is returned when the user must log in again.
	LoginRedirect string
	// NoPermissionRedirect is returned when the user is authenticated but denied.
	NoPermissionRedirect string
}

func (c *Config) applyDefaults() {
	if c.VerdictTTL <= 0 {
		c.VerdictTTL = DefaultVerdictTTL
	}
	if c.MaxCheckDuration <= 0 {
		c.MaxCheckDuration = DefaultMaxCheckDuration
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RoleFetchConcurrency <= 0 {
		c.RoleFetchConcurrency = DefaultRoleFetchConcurrency
	}
	if c.LoginRedirect == "" {
		c.LoginRedirect = DefaultLoginRedirect
	}
}

// Result is what a caller learns from a check.
type Result struct {
	// Authorized reports whether the request may proceed.
	Authorized bool
	// Redirect is where to send the user when not authorized.
	Redirect string
	// Tier is the user's access tier, empty when none matched.
	Tier string
}

// LoginRequired reports whether the redirect points at the login entry point.
func (r Result) LoginRequired(loginRedirect string) bool {
	return !r.Authorized && r.Redirect == loginRedirect
}

// Checker runs access checks and the login handshake.
type Checker struct {
	rules    *authz.Rules
	provider upstream.Provider
	tokens   *tokens.Manager
	cfg      Config
	clock    clock.Clock

	newBackOff func() backoff.BackOff
	flight     singleflight.Group

	checks        metric.Int64Counter
	checkDuration metric.Float64Histogram
}

// Option configures a Checker.
type Option func(*Checker)

// WithClock sets the clock used for verdict ages and waits.
func WithClock(c clock.Clock) Option {
	return func(ch *Checker) {
		ch.clock = c
	}
}

// WithBackOff sets the policy for waits between transient retries.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(ch *Checker) {
		ch.newBackOff = newBackOff
	}
}

// WithMeterProvider records check outcomes and durations.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(ch *Checker) {
		meter := mp.Meter(instrumentationName)
		if counter, err := meter.Int64Counter(
			"guildgate_access_checks",
			metric.WithDescription("Total number of access checks by final state")); err == nil {
			ch.checks = counter
		}
		if hist, err := meter.Float64Histogram(
			"guildgate_access_check_duration",
			metric.WithDescription("Duration of access checks in seconds"),
			metric.WithUnit("s")); err == nil {
			ch.checkDuration = hist
		}
	}
}

// NewChecker creates a Checker.
func NewChecker(
	rules *authz.Rules,
	provider upstream.Provider,
	tokenManager *tokens.Manager,
	cfg Config,
	opts ...Option,
) *Checker {
	cfg.applyDefaults()

	noopMeter := noop.NewMeterProvider().Meter(instrumentationName)
	checks, _ := noopMeter.Int64Counter("guildgate_access_checks")
	checkDuration, _ := noopMeter.Float64Histogram("guildgate_access_check_duration")

	c := &Checker{
		rules:         rules,
		provider:      provider,
		tokens:        tokenManager,
		cfg:           cfg,
		clock:         clock.RealClock{},
		newBackOff:    defaultBackOff,
		checks:        checks,
		checkDuration: checkDuration,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

// Config returns the effective configuration.
func (c *Checker) Config() Config {
	return c.cfg
}

type checkOutcome struct {
	result  Result
	session *session.Session
}

// CheckAccess decides whether sess may proceed, recomputing the verdict
// when it is stale. It never returns an error: every failure resolves to an
// unauthorized Result. Concurrent checks of the same session share one
// computation and all adopt its resulting session state.
//
// A check that fails after retries, or a re-check of a stale verdict that
// hits a provider error, resolves to the login redirect while the session
// stays authenticated, so the user is sent through the provider login again.
// A caller whose ctx ends first gets the same result and leaves sess
// untouched; the shared computation carries on for the other callers.
func (c *Checker) CheckAccess(ctx context.Context, sess *session.Session) Result {
	if sess == nil {
		return c.loginRequired()
	}
	if !sess.Authenticated() {
		if sess.UserID != "" || sess.Credential != nil {
			logger.Warnw("session is missing identity or credential", "session_id", sess.ID)
		}
		return c.loginRequired()
	}
	if sess.Verdict.Fresh(c.clock.Now(), c.cfg.VerdictTTL) {
		c.record(ctx, StateFresh, 0)
		return c.fromVerdict(sess.Verdict)
	}

	// The shared computation outlives any single caller; it is bounded by
	// MaxCheckDuration instead.
	workCtx := context.WithoutCancel(ctx)
	work := sess.Clone()
	ch := c.flight.DoChan(sess.ID, func() (any, error) {
		start := c.clock.Now()
		result, final := c.run(workCtx, work)
		c.record(workCtx, final, c.clock.Since(start))
		return checkOutcome{result: result, session: work}, nil
	})

	select {
	case res := <-ch:
		out := res.Val.(checkOutcome)
		if res.Shared {
			logger.Debugw("access check shared with a concurrent request", "session_id", sess.ID)
		}
		*sess = *out.session.Clone()
		return out.result
	case <-ctx.Done():
		logger.Debugw("access check abandoned by caller", "session_id", sess.ID, "error", ctx.Err())
		return c.loginRequired()
	}
}

// checkRun holds the per-check bookkeeping of the state machine.
type checkRun struct {
	sess       *session.Session
	attempts   int
	refreshed  bool
	retryAfter time.Duration
	lastErr    error
	deadline   time.Time
	backOff    backoff.BackOff
}

// run drives the state machine from stale to a terminal state.
func (c *Checker) run(ctx context.Context, sess *session.Session) (Result, State) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.MaxCheckDuration)
	defer cancel()

	r := &checkRun{
		sess:     sess,
		deadline: c.clock.Now().Add(c.cfg.MaxCheckDuration),
		backOff:  c.newBackOff(),
	}
	r.backOff.Reset()

	state := StateStale
	for {
		switch state {
		case StateStale:
			state = StateFetching

		case StateFetching:
			state = c.fetch(ctx, r)

		case StateTokenExpired:
			if _, err := c.tokens.Refresh(ctx, sess); err != nil {
				r.lastErr = err
				state = StateRevoked
				continue
			}
			r.refreshed = true
			state = StateFetching

		case StateRateLimited:
			wait := r.retryAfter
			if wait <= 0 {
				wait = r.backOff.NextBackOff()
			}
			logger.Debugw("provider rate limited access check", "user_id", sess.UserID, "wait", wait)
			state = c.wait(ctx, r, wait)

		case StateTransient:
			if sess.Verdict != nil {
				logger.Warnw("access re-check failed, failing closed", "user_id", sess.UserID, "error", r.lastErr)
				state = StateFailed
				continue
			}
			logger.Debugw("retrying first access check", "user_id", sess.UserID, "attempt", r.attempts, "error", r.lastErr)
			state = c.wait(ctx, r, r.backOff.NextBackOff())

		case StateResolved:
			return c.fromVerdict(sess.Verdict), StateResolved

		case StateRevoked:
			logger.Infow("session revoked, logging out", "user_id", sess.UserID, "error", r.lastErr)
			sess.Clear()
			return c.loginRequired(), StateRevoked

		case StateFailed:
			logger.Warnw("access check failed", "user_id", sess.UserID, "attempts", r.attempts, "error", r.lastErr)
			return c.loginRequired(), StateFailed

		default:
			r.lastErr = fmt.Errorf("unexpected state %q", state)
			state = StateFailed
		}
	}
}

// fetch runs one membership fetch and evaluation, returning the next state.
func (c *Checker) fetch(ctx context.Context, r *checkRun) State {
	sess := r.sess
	cred, err := c.tokens.Current(sess)
	if err != nil {
		r.lastErr = err
		return StateFailed
	}
	if r.attempts >= c.cfg.MaxAttempts {
		r.lastErr = fmt.Errorf("gave up after %d attempts: %w", r.attempts, r.lastErr)
		return StateFailed
	}
	r.attempts++

	membership, err := c.fetchMembership(ctx, sess.UserID, cred.AccessToken)
	if err != nil {
		r.lastErr = err
		return c.classify(ctx, r, err)
	}

	decision := authz.Evaluate(c.rules, membership)
	sess.Verdict = &session.Verdict{
		Authorized: decision.Authorized,
		Tier:       decision.Tier,
		ComputedAt: c.clock.Now(),
	}
	logger.Debugw("access verdict computed",
		"user_id", sess.UserID,
		"authorized", decision.Authorized,
		"tier", decision.Tier,
		"reason", decision.Reason,
	)
	return StateResolved
}

// userTokenError marks failures of calls made with the user's own token.
type userTokenError struct {
	err error
}

func (e *userTokenError) Error() string { return e.err.Error() }
func (e *userTokenError) Unwrap() error { return e.err }

// classify maps a fetch failure to the next state.
func (c *Checker) classify(ctx context.Context, r *checkRun, err error) State {
	if ctx.Err() != nil {
		return StateFailed
	}

	httpErr, ok := networking.AsHTTPError(err)
	if !ok || httpErr.Transport() {
		return StateTransient
	}

	switch httpErr.StatusCode {
	case http.StatusTooManyRequests:
		r.retryAfter = httpErr.RetryAfter
		return StateRateLimited
	case http.StatusBadRequest, http.StatusUnauthorized:
		var tokenErr *userTokenError
		if !errors.As(err, &tokenErr) {
			return StateTransient
		}
		if r.refreshed {
			return StateRevoked
		}
		if c.tokens.Expired(r.sess.Credential) {
			return StateTokenExpired
		}
		// The local credential is still valid, so the provider is most
		// likely lagging. Retry like a rate limit instead of refreshing.
		logger.Debugw("provider rejected an unexpired token, retrying", "user_id", r.sess.UserID)
		return StateRateLimited
	default:
		return StateTransient
	}
}

// wait sleeps before the next fetch unless that would overrun the check's
// deadline, in which case the check fails closed.
func (c *Checker) wait(ctx context.Context, r *checkRun, d time.Duration) State {
	if d == backoff.Stop {
		return StateFailed
	}
	if c.clock.Now().Add(d).After(r.deadline) {
		r.lastErr = fmt.Errorf("waiting %s would exceed the check deadline: %w", d, r.lastErr)
		return StateFailed
	}
	r.retryAfter = 0
	if d <= 0 {
		return StateFetching
	}

	timer := c.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.lastErr = ctx.Err()
		return StateFailed
	case <-timer.C():
		return StateFetching
	}
}

// fetchMembership reads the user's groups and, for every rule group the user
// belongs to, their roles in it.
func (c *Checker) fetchMembership(ctx context.Context, userID, accessToken string) (*authz.Membership, error) {
	groups, err := c.provider.UserGroups(ctx, accessToken)
	if err != nil {
		return nil, &userTokenError{err: fmt.Errorf("failed to fetch user groups: %w", err)}
	}

	member := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		member[g] = struct{}{}
	}
	var wanted []string
	for _, g := range c.rules.FetchGroups {
		if _, ok := member[g]; ok {
			wanted = append(wanted, g)
		}
	}

	roles := make([][]string, len(wanted))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(c.cfg.RoleFetchConcurrency)
	for i, groupID := range wanted {
		eg.Go(func() error {
			r, err := c.provider.GroupRoles(egCtx, groupID, userID)
			if err != nil {
				return fmt.Errorf("failed to fetch roles in group %s: %w", groupID, err)
			}
			roles[i] = r
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	rolesByGroup := make(map[string][]string, len(wanted))
	for i, groupID := range wanted {
		rolesByGroup[groupID] = roles[i]
	}
	return authz.NewMembership(groups, rolesByGroup), nil
}

func (c *Checker) fromVerdict(v *session.Verdict) Result {
	if v.Authorized {
		return Result{Authorized: true, Tier: v.Tier}
	}
	return Result{Redirect: c.cfg.NoPermissionRedirect}
}

func (c *Checker) loginRequired() Result {
	return Result{Redirect: c.cfg.LoginRedirect}
}

func (c *Checker) record(ctx context.Context, state State, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("state", string(state)))
	c.checks.Add(ctx, 1, attrs)
	c.checkDuration.Record(ctx, d.Seconds(), attrs)
}
