package session_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	session "github.com/chimerakang/session-go"
	"github.com/chimerakang/session-go/fake"
	"github.com/chimerakang/session-go/memstore"
)

// countingStore wraps a Store and counts Clear calls.
type countingStore struct {
	session.Store
	clears atomic.Int64
}

func (c *countingStore) Clear() error {
	c.clears.Add(1)
	return c.Store.Clear()
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now()}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// newTestManager wires a manager, a fake identity server, and a fresh
// store handle. The returned manager is not yet authenticated.
func newTestManager(t *testing.T, store session.Store, idsrv *fake.IdentityServer, mutate func(*session.Config), opts ...session.Option) *session.Manager {
	t.Helper()

	srv := httptest.NewServer(idsrv)
	t.Cleanup(srv.Close)

	cfg := session.Config{
		RefreshURL:      srv.URL + fake.RefreshPath,
		LogoutURL:       srv.URL + fake.LogoutPath,
		MonitorInterval: time.Hour, // tests drive Poke explicitly
	}
	if mutate != nil {
		mutate(&cfg)
	}

	mgr, err := session.NewManager(store, cfg, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func TestRestore_FromPersistedRecord(t *testing.T) {
	hub := memstore.NewHub()
	seed := hub.Open()

	rec := &session.Record{
		Tokens: &session.TokenPair{
			AccessToken:  "persisted-access-token",
			RefreshToken: "persisted-refresh-token-long-enough",
		},
		User: &session.UserProfile{ID: "user-1", Name: "Restored"},
	}
	if err := seed.Write(rec); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	idsrv := fake.NewIdentityServer()
	mgr := newTestManager(t, hub.Open(), idsrv, nil)

	st := mgr.Current()
	if !st.Authenticated {
		t.Fatal("expected authenticated state after restore")
	}
	if st.User.ID != "user-1" {
		t.Errorf("expected user-1, got %s", st.User.ID)
	}
	if got := mgr.GetValidAccessToken(); got != "persisted-access-token" {
		t.Errorf("unexpected access token %q", got)
	}
	if calls := idsrv.RefreshCalls(); calls != 0 {
		t.Errorf("restore must not hit the network, saw %d refresh calls", calls)
	}
}

func TestRestore_IncompletePairStaysAnonymous(t *testing.T) {
	hub := memstore.NewHub()
	seed := hub.Open()

	// Access token without its refresh token is not a usable session.
	_ = seed.Write(&session.Record{
		Tokens: &session.TokenPair{AccessToken: "only-access"},
		User:   &session.UserProfile{ID: "user-1"},
	})

	mgr := newTestManager(t, hub.Open(), fake.NewIdentityServer(), nil)

	if mgr.Current().Authenticated {
		t.Fatal("incomplete token pair must not restore a session")
	}
}

func TestEnsureFreshAccessToken_SingleFlight(t *testing.T) {
	idsrv := fake.NewIdentityServer(fake.WithRefreshDelay(150 * time.Millisecond))
	hub := memstore.NewHub()
	mgr := newTestManager(t, hub.Open(), idsrv, nil)

	user, pair := idsrv.Login()
	if err := mgr.SetAuthenticated(user, pair); err != nil {
		t.Fatalf("SetAuthenticated: %v", err)
	}

	const callers = 8
	var (
		wg     sync.WaitGroup
		start  = make(chan struct{})
		tokens [callers]string
		errs   [callers]error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			tokens[i], errs[i] = mgr.EnsureFreshAccessToken(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != tokens[0] {
			t.Errorf("caller %d got a different token than caller 0", i)
		}
	}
	if calls := idsrv.RefreshCalls(); calls != 1 {
		t.Errorf("expected exactly 1 refresh call, got %d", calls)
	}
	if got := mgr.GetValidAccessToken(); got != tokens[0] {
		t.Errorf("state does not hold the refreshed token")
	}
}

func TestEnsureFreshAccessToken_TerminalClearsStoreOnce(t *testing.T) {
	idsrv := fake.NewIdentityServer(fake.WithRefreshDelay(100 * time.Millisecond))
	hub := memstore.NewHub()
	store := &countingStore{Store: hub.Open()}

	var logouts atomic.Int64
	var lastReason atomic.Value
	mgr := newTestManager(t, store, idsrv, func(cfg *session.Config) {
		cfg.OnLoggedOut = func(reason string) {
			logouts.Add(1)
			lastReason.Store(reason)
		}
	})

	user, pair := idsrv.Login()
	if err := mgr.SetAuthenticated(user, pair); err != nil {
		t.Fatalf("SetAuthenticated: %v", err)
	}
	idsrv.Revoke()

	const callers = 5
	var wg sync.WaitGroup
	start := make(chan struct{})
	errsCh := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := mgr.EnsureFreshAccessToken(context.Background())
			errsCh <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errsCh)

	for err := range errsCh {
		var terminal *session.TerminalError
		if !errors.As(err, &terminal) {
			t.Errorf("expected TerminalError, got %v", err)
		}
	}
	if mgr.Current().Authenticated {
		t.Error("session should be torn down after terminal refresh failure")
	}
	if got := store.clears.Load(); got != 1 {
		t.Errorf("store cleared %d times, want exactly 1", got)
	}
	if got := logouts.Load(); got != 1 {
		t.Errorf("OnLoggedOut fired %d times, want 1", got)
	}
	if got, _ := lastReason.Load().(string); got != session.ReasonRefreshInvalid {
		t.Errorf("unexpected logout reason %q", got)
	}
}

func TestEnsureFreshAccessToken_NoRefreshToken(t *testing.T) {
	idsrv := fake.NewIdentityServer()
	hub := memstore.NewHub()

	var logouts atomic.Int64
	mgr := newTestManager(t, hub.Open(), idsrv, func(cfg *session.Config) {
		cfg.OnLoggedOut = func(string) { logouts.Add(1) }
	})

	_, err := mgr.EnsureFreshAccessToken(context.Background())
	if !errors.Is(err, session.ErrNoRefreshToken) {
		t.Fatalf("expected ErrNoRefreshToken, got %v", err)
	}
	if calls := idsrv.RefreshCalls(); calls != 0 {
		t.Errorf("no network call expected without a refresh token, saw %d", calls)
	}
	if logouts.Load() != 1 {
		t.Errorf("expected hard logout, OnLoggedOut fired %d times", logouts.Load())
	}
}

func TestEnsureFreshAccessToken_TransientKeepsSession(t *testing.T) {
	idsrv := fake.NewIdentityServer()
	hub := memstore.NewHub()
	mgr := newTestManager(t, hub.Open(), idsrv, nil)

	user, pair := idsrv.Login()
	if err := mgr.SetAuthenticated(user, pair); err != nil {
		t.Fatalf("SetAuthenticated: %v", err)
	}

	idsrv.SetRefreshStatus(500)
	_, err := mgr.EnsureFreshAccessToken(context.Background())
	var httpErr *session.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if !mgr.Current().Authenticated {
		t.Fatal("a transient refresh failure must not tear the session down")
	}
	if mgr.Current().Tokens.RefreshToken != pair.RefreshToken {
		t.Error("refresh token must be untouched after a transient failure")
	}

	// The failure was transient: a later attempt succeeds.
	idsrv.SetRefreshStatus(0)
	tok, err := mgr.EnsureFreshAccessToken(context.Background())
	if err != nil {
		t.Fatalf("retry after transient failure: %v", err)
	}
	if tok == pair.AccessToken {
		t.Error("expected a rotated access token")
	}
}

func TestProactiveRefresh_Cooldown(t *testing.T) {
	// Short-lived access tokens keep the expiry check permanently "due",
	// so only the cooldown decides whether a network call happens.
	idsrv := fake.NewIdentityServer(fake.WithAccessTTL(30 * time.Second))
	hub := memstore.NewHub()
	clock := newFakeClock()

	mgr := newTestManager(t, hub.Open(), idsrv, func(cfg *session.Config) {
		cfg.RefreshCooldown = 60 * time.Second
	}, session.WithClock(clock.now))

	user, pair := idsrv.Login()
	if err := mgr.SetAuthenticated(user, pair); err != nil {
		t.Fatalf("SetAuthenticated: %v", err)
	}

	// Timer tick + visibility change + online event, all in one window.
	mgr.Poke(context.Background())
	mgr.Poke(context.Background())
	mgr.Poke(context.Background())

	if calls := idsrv.RefreshCalls(); calls != 1 {
		t.Fatalf("expected 1 refresh call within the cooldown window, got %d", calls)
	}

	clock.advance(61 * time.Second)
	mgr.Poke(context.Background())

	if calls := idsrv.RefreshCalls(); calls != 2 {
		t.Errorf("expected a second refresh after the cooldown, got %d", calls)
	}
}

func TestCrossInstance_LogoutConverges(t *testing.T) {
	idsrv := fake.NewIdentityServer()
	hub := memstore.NewHub()

	mgrA := newTestManager(t, hub.Open(), idsrv, nil)

	var reasonB atomic.Value
	mgrB := newTestManager(t, hub.Open(), idsrv, func(cfg *session.Config) {
		cfg.OnLoggedOut = func(reason string) { reasonB.Store(reason) }
	})

	user, pair := idsrv.Login()
	if err := mgrA.SetAuthenticated(user, pair); err != nil {
		t.Fatalf("SetAuthenticated: %v", err)
	}
	// B adopts A's login through the shared store.
	if !mgrB.Current().Authenticated {
		t.Fatal("instance B should adopt the session written by A")
	}

	before := idsrv.RefreshCalls()
	mgrA.ForceLogout(context.Background(), session.ReasonUserLogout)

	if mgrA.Current().Authenticated {
		t.Error("instance A should be anonymous after logout")
	}
	if mgrB.Current().Authenticated {
		t.Error("instance B should converge to anonymous")
	}
	if got, _ := reasonB.Load().(string); got != session.ReasonRemoteLogout {
		t.Errorf("instance B logout reason = %q, want %q", got, session.ReasonRemoteLogout)
	}
	if idsrv.RefreshCalls() != before {
		t.Error("convergence must not trigger any network call")
	}
}

func TestForceLogout_Idempotent(t *testing.T) {
	idsrv := fake.NewIdentityServer()
	hub := memstore.NewHub()
	mgr := newTestManager(t, hub.Open(), idsrv, nil)

	user, pair := idsrv.Login()
	if err := mgr.SetAuthenticated(user, pair); err != nil {
		t.Fatalf("SetAuthenticated: %v", err)
	}

	mgr.ForceLogout(context.Background(), session.ReasonUserLogout)
	mgr.ForceLogout(context.Background(), session.ReasonUserLogout)

	if mgr.Current().Authenticated {
		t.Error("expected anonymous state")
	}
	if rec, _ := hub.Open().Read(); rec != nil {
		t.Error("expected cleared store")
	}
}

func TestForceLogout_CompletedLogoutNotRebroadcast(t *testing.T) {
	idsrv := fake.NewIdentityServer()
	hub := memstore.NewHub()
	mgrA := newTestManager(t, hub.Open(), idsrv, nil)

	var remoteLogouts atomic.Int64
	_ = newTestManager(t, hub.Open(), idsrv, func(cfg *session.Config) {
		cfg.OnLoggedOut = func(string) { remoteLogouts.Add(1) }
	})

	user, pair := idsrv.Login()
	if err := mgrA.SetAuthenticated(user, pair); err != nil {
		t.Fatalf("SetAuthenticated: %v", err)
	}

	mgrA.ForceLogout(context.Background(), session.ReasonUserLogout)
	if n := mgrA.TakeExpiredNotice(); n == nil {
		t.Fatal("expected a notice from the first logout")
	}

	// A late trigger after the teardown completed must be a no-op: no
	// second notice, no second signal to peers.
	mgrA.ForceLogout(context.Background(), session.ReasonUserLogout)
	if got := remoteLogouts.Load(); got != 1 {
		t.Errorf("peer converged %d times, want 1", got)
	}
	if n := mgrA.TakeExpiredNotice(); n != nil {
		t.Errorf("completed logout re-posted a notice: %+v", n)
	}

	// A fresh login arms the teardown again.
	user, pair = idsrv.Login()
	if err := mgrA.SetAuthenticated(user, pair); err != nil {
		t.Fatalf("SetAuthenticated: %v", err)
	}
	mgrA.ForceLogout(context.Background(), session.ReasonUserLogout)
	if got := remoteLogouts.Load(); got != 2 {
		t.Errorf("peer converged %d times after re-login, want 2", got)
	}
}

func TestEnsureFreshAccessToken_CanceledCallerDoesNotFailOthers(t *testing.T) {
	idsrv := fake.NewIdentityServer(fake.WithRefreshDelay(200 * time.Millisecond))
	hub := memstore.NewHub()
	mgr := newTestManager(t, hub.Open(), idsrv, nil)

	user, pair := idsrv.Login()
	if err := mgr.SetAuthenticated(user, pair); err != nil {
		t.Fatalf("SetAuthenticated: %v", err)
	}

	initCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var initErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, initErr = mgr.EnsureFreshAccessToken(initCtx)
	}()

	// Let the initiator's flight get under way, join it, then cancel
	// the initiator while the network call is still in flight.
	time.Sleep(50 * time.Millisecond)
	var siblingTok string
	var siblingErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		siblingTok, siblingErr = mgr.EnsureFreshAccessToken(context.Background())
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	wg.Wait()

	if siblingErr != nil {
		t.Fatalf("sibling caller: %v", siblingErr)
	}
	if siblingTok == "" || siblingTok == pair.AccessToken {
		t.Error("sibling should receive the rotated access token")
	}
	if initErr != nil {
		t.Errorf("initiator: %v", initErr)
	}
	if calls := idsrv.RefreshCalls(); calls != 1 {
		t.Errorf("expected 1 shared refresh call, got %d", calls)
	}
}

func TestTakeExpiredNotice_ConsumeOnce(t *testing.T) {
	idsrv := fake.NewIdentityServer()
	hub := memstore.NewHub()
	mgr := newTestManager(t, hub.Open(), idsrv, nil)

	user, pair := idsrv.Login()
	_ = mgr.SetAuthenticated(user, pair)
	mgr.ForceLogout(context.Background(), session.ReasonUserLogout)

	n := mgr.TakeExpiredNotice()
	if n == nil || n.Reason != session.ReasonUserLogout {
		t.Fatalf("expected notice with reason %q, got %+v", session.ReasonUserLogout, n)
	}
	if again := mgr.TakeExpiredNotice(); again != nil {
		t.Errorf("notice must be consumed once, got %+v", again)
	}
}

func TestOnSessionChange_Notifies(t *testing.T) {
	idsrv := fake.NewIdentityServer()
	hub := memstore.NewHub()
	mgr := newTestManager(t, hub.Open(), idsrv, nil)

	var mu sync.Mutex
	var states []session.State
	cancel := mgr.OnSessionChange(func(st session.State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})
	defer cancel()

	user, pair := idsrv.Login()
	if err := mgr.SetAuthenticated(user, pair); err != nil {
		t.Fatalf("SetAuthenticated: %v", err)
	}
	mgr.ForceLogout(context.Background(), session.ReasonUserLogout)

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 2 {
		t.Fatalf("expected at least 2 notifications, got %d", len(states))
	}
	if !states[0].Authenticated {
		t.Error("first notification should be authenticated")
	}
	if states[len(states)-1].Authenticated {
		t.Error("last notification should be anonymous")
	}
}

func TestManager_ClosedRejectsOperations(t *testing.T) {
	idsrv := fake.NewIdentityServer()
	hub := memstore.NewHub()
	mgr := newTestManager(t, hub.Open(), idsrv, nil)

	if err := mgr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := mgr.EnsureFreshAccessToken(context.Background()); !errors.Is(err, session.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	user, pair := idsrv.Login()
	if err := mgr.SetAuthenticated(user, pair); !errors.Is(err, session.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
