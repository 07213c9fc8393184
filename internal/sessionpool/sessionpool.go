// Package sessionpool keeps one live upstream session per active user
// cached in memory, refreshing and sweeping it on a schedule. Named
// sessionpool, not sessions, to stay clear of the teacher's unrelated
// web-session/news/calendar admin package of that name.
package sessionpool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gudax/autobot/internal/logging"
	"github.com/gudax/autobot/internal/model"
	"github.com/gudax/autobot/internal/repository"
	"github.com/gudax/autobot/internal/upstream"
	"github.com/gudax/autobot/internal/vault"
)

const (
	defaultMaxLoginRetries = 3
	sessionTTL             = 15 * time.Minute
	expiringSoonWindow     = 5 * time.Minute
)

// CachedSession is the in-memory mirror of an active model.Session,
// holding the live tokens the rest of the core calls the upstream
// with.
type CachedSession struct {
	UID              int64
	Email            string
	SID              int64
	AuthToken        string
	TradingToken     string
	TradingAccountID string
	LoginAt          time.Time
	ExpiresAt        time.Time
	LastRefreshAt    time.Time
}

// LoginOutcome reports the result of logging in or refreshing one
// user, mirroring the per-user dict session_manager.py returned from
// login_user/refresh_token.
type LoginOutcome struct {
	UID     int64
	Success bool
	Error   string
}

// HealthReport mirrors check_session_health's summary shape.
type HealthReport struct {
	Total        int
	Healthy      []int64
	ExpiringSoon []int64
	Expired      []int64
}

// SessionPool is safe for concurrent use; LoginAll/RefreshAll fan out
// with errgroup instead of unstructured goroutines (spec §9).
type SessionPool struct {
	repo            repository.Repository
	client          upstream.Client
	vault           *vault.Vault
	log             *logging.Logger
	maxLoginRetries int

	mu       sync.RWMutex
	sessions map[int64]CachedSession
}

// New builds a SessionPool. maxLoginRetries <= 0 falls back to
// defaultMaxLoginRetries (spec's SESSION_MAX_RETRY_ATTEMPTS default of 3).
func New(repo repository.Repository, client upstream.Client, v *vault.Vault, maxLoginRetries int, log *logging.Logger) *SessionPool {
	if log == nil {
		log = logging.Default
	}
	if maxLoginRetries <= 0 {
		maxLoginRetries = defaultMaxLoginRetries
	}
	return &SessionPool{
		repo:            repo,
		client:          client,
		vault:           v,
		log:             log,
		maxLoginRetries: maxLoginRetries,
		sessions:        make(map[int64]CachedSession),
	}
}

// Snapshot returns a copy of every cached session, safe to read
// without holding the pool's lock.
func (p *SessionPool) Snapshot() []CachedSession {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]CachedSession, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

// Get returns the cached session for uid, if any.
func (p *SessionPool) Get(uid int64) (CachedSession, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[uid]
	return s, ok
}

func (p *SessionPool) store(s CachedSession) {
	p.mu.Lock()
	p.sessions[s.UID] = s
	p.mu.Unlock()
}

func (p *SessionPool) forget(uid int64) {
	p.mu.Lock()
	delete(p.sessions, uid)
	p.mu.Unlock()
}

// LoginAll logs in every active user concurrently, grounded on
// session_manager.py's login_all_users (asyncio.gather over
// login_user), translated to errgroup so a single user's failure
// never aborts the others'.
func (p *SessionPool) LoginAll(ctx context.Context) ([]LoginOutcome, error) {
	users, err := p.repo.ListActiveUsers(ctx)
	if err != nil {
		return nil, err
	}
	outcomes := make([]LoginOutcome, len(users))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range users {
		i, u := i, u
		g.Go(func() error {
			outcomes[i] = p.LoginOne(gctx, u.UID)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}

// LoginOne logs in a single user, retrying transient upstream
// failures with 2^attempt second backoff up to p.maxLoginRetries
// times, the same retry shape session_manager.py's login_user used.
func (p *SessionPool) LoginOne(ctx context.Context, uid int64) LoginOutcome {
	user, err := p.repo.GetUser(ctx, uid)
	if err != nil {
		return LoginOutcome{UID: uid, Success: false, Error: "user not found"}
	}
	if !user.Active {
		return LoginOutcome{UID: uid, Success: false, Error: "user is not active"}
	}

	password, err := p.vault.Decrypt(user.EncryptedPassword)
	if err != nil {
		return LoginOutcome{UID: uid, Success: false, Error: err.Error()}
	}

	var result upstream.LoginResult
	var loginErr error
	for attempt := 0; attempt <= p.maxLoginRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return LoginOutcome{UID: uid, Success: false, Error: ctx.Err().Error()}
			case <-time.After(wait):
			}
		}
		result, loginErr = p.client.Login(ctx, user.Email, password, user.BrokerID)
		if loginErr == nil {
			break
		}
		if _, ok := loginErr.(*upstream.AuthError); ok {
			break
		}
		if _, ok := loginErr.(*upstream.RequestError); ok {
			break
		}
	}
	if loginErr != nil {
		p.log.Warnf("login failed for uid=%d: %v", uid, loginErr)
		return LoginOutcome{UID: uid, Success: false, Error: loginErr.Error()}
	}

	now := time.Now()
	sess, err := p.repo.UpsertSession(ctx, model.Session{
		UID:              uid,
		AuthToken:        result.AuthToken,
		TradingToken:     result.TradingToken,
		TradingAccountID: result.TradingAccountID,
		LoginAt:          now,
		ExpiresAt:        now.Add(sessionTTL),
		LastRefreshAt:    now,
	})
	if err != nil {
		return LoginOutcome{UID: uid, Success: false, Error: err.Error()}
	}

	p.store(CachedSession{
		UID:              uid,
		Email:            user.Email,
		SID:              sess.SID,
		AuthToken:        sess.AuthToken,
		TradingToken:     sess.TradingToken,
		TradingAccountID: sess.TradingAccountID,
		LoginAt:          sess.LoginAt,
		ExpiresAt:        sess.ExpiresAt,
		LastRefreshAt:    sess.LastRefreshAt,
	})
	p.log.Infof("login successful for uid=%d email=%s", uid, user.Email)
	return LoginOutcome{UID: uid, Success: true}
}

// Logout deactivates one user's session both upstream and locally.
func (p *SessionPool) Logout(ctx context.Context, uid int64) error {
	sess, ok := p.Get(uid)
	if !ok {
		return repository.ErrNotFound
	}
	if err := p.client.Logout(ctx, sess.AuthToken); err != nil {
		p.log.Warnf("upstream logout failed for uid=%d: %v", uid, err)
	}
	if err := p.repo.DeactivateSession(ctx, uid); err != nil {
		return err
	}
	p.forget(uid)
	return nil
}

// RefreshOne refreshes a single user's token. If no cached session
// exists it falls back to a full login, mirroring refresh_token's
// "no active session, attempting re-login" branch. A failed refresh
// also falls back to re-login.
func (p *SessionPool) RefreshOne(ctx context.Context, uid int64) LoginOutcome {
	cached, ok := p.Get(uid)
	if !ok {
		return p.LoginOne(ctx, uid)
	}

	result, err := p.client.RefreshToken(ctx, cached.AuthToken)
	if err != nil {
		p.log.Warnf("refresh failed for uid=%d, re-logging in: %v", uid, err)
		return p.LoginOne(ctx, uid)
	}

	now := time.Now()
	if result.AuthToken != "" {
		cached.AuthToken = result.AuthToken
	}
	if result.TradingToken != "" {
		cached.TradingToken = result.TradingToken
	}
	cached.LastRefreshAt = now
	cached.ExpiresAt = now.Add(sessionTTL)

	sess, err := p.repo.UpsertSession(ctx, model.Session{
		UID:              uid,
		AuthToken:        cached.AuthToken,
		TradingToken:     cached.TradingToken,
		TradingAccountID: cached.TradingAccountID,
		LoginAt:          cached.LoginAt,
		ExpiresAt:        cached.ExpiresAt,
		LastRefreshAt:    cached.LastRefreshAt,
	})
	if err != nil {
		return LoginOutcome{UID: uid, Success: false, Error: err.Error()}
	}
	cached.SID = sess.SID
	p.store(cached)
	return LoginOutcome{UID: uid, Success: true}
}

// RefreshAll refreshes every active cached session concurrently.
func (p *SessionPool) RefreshAll(ctx context.Context) ([]LoginOutcome, error) {
	sessions := p.Snapshot()
	outcomes := make([]LoginOutcome, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range sessions {
		i, s := i, s
		g.Go(func() error {
			outcomes[i] = p.RefreshOne(gctx, s.UID)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}

// Sweep checks every cached session's expiry, auto-refreshing those
// expiring within expiringSoonWindow and deactivating those already
// expired, grounded on check_session_health's three-bucket logic.
func (p *SessionPool) Sweep(ctx context.Context) HealthReport {
	now := time.Now()
	sessions := p.Snapshot()
	report := HealthReport{Total: len(sessions)}

	var expiringSoon []int64
	for _, s := range sessions {
		remaining := s.ExpiresAt.Sub(now)
		switch {
		case remaining <= 0:
			report.Expired = append(report.Expired, s.UID)
		case remaining <= expiringSoonWindow:
			report.ExpiringSoon = append(report.ExpiringSoon, s.UID)
			expiringSoon = append(expiringSoon, s.UID)
		default:
			report.Healthy = append(report.Healthy, s.UID)
		}
	}

	if len(expiringSoon) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, uid := range expiringSoon {
			uid := uid
			g.Go(func() error {
				p.RefreshOne(gctx, uid)
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, uid := range report.Expired {
		if err := p.repo.DeactivateSession(ctx, uid); err != nil {
			p.log.Errorf("failed to deactivate expired session uid=%d: %v", uid, err)
			continue
		}
		p.forget(uid)
	}

	return report
}
