package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/SkynetNext/motd-gateway/internal/identity"
	"github.com/SkynetNext/motd-gateway/internal/storage"
)

const testID identity.ID = 76561198000000001

// stubPersister loads immediately unless hold is set
type stubPersister struct {
	mu      sync.Mutex
	salt    string
	hold    bool
	loadErr error
	saveErr error
	pending []func(*storage.Record, error)
	saved   []*storage.Record
}

func (s *stubPersister) LoadAsync(id identity.ID, fn func(*storage.Record, error)) error {
	s.mu.Lock()
	if s.hold {
		s.pending = append(s.pending, func(rec *storage.Record, err error) { fn(rec, err) })
		s.mu.Unlock()
		return nil
	}
	salt, loadErr := s.salt, s.loadErr
	s.mu.Unlock()
	if loadErr != nil {
		fn(nil, loadErr)
		return nil
	}
	fn(&storage.Record{ServerID: "srv1", Identity: id, Salt: salt}, nil)
	return nil
}

func (s *stubPersister) release(id identity.ID) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.hold = false
	salt := s.salt
	s.mu.Unlock()
	for _, fn := range pending {
		fn(&storage.Record{ServerID: "srv1", Identity: id, Salt: salt}, nil)
	}
}

func (s *stubPersister) Save(ctx context.Context, rec *storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, rec.Clone())
	return nil
}

// recorder is a data callback that remembers what it saw
type recorder struct {
	mu     sync.Mutex
	data   []map[string]any
	errors []string
	answer any
	fail   error
}

func (r *recorder) callback(data map[string]any, err error) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			r.errors = append(r.errors, se.Code)
		}
		return nil, r.fail
	}
	r.data = append(r.data, data)
	return r.answer, r.fail
}

func (r *recorder) codes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errors...)
}

func newTestRegistry(t *testing.T, p *stubPersister, opts ...Option) *Registry {
	t.Helper()
	if p == nil {
		p = &stubPersister{}
	}
	return NewRegistry(p, opts...)
}

func TestPlayer_OpenSessionIDs(t *testing.T) {
	r := newTestRegistry(t, nil)
	p := r.Track(testID)

	for want := 1; want <= 3; want++ {
		s, err := p.OpenSession((&recorder{}).callback, nil)
		if err != nil {
			t.Fatalf("OpenSession: %v", err)
		}
		if s.ID() != want {
			t.Errorf("expected session id %d, got %d", want, s.ID())
		}
		if s.State() != StateOffered {
			t.Errorf("new session should be offered, got %s", s.State())
		}
	}

	if _, err := p.OpenSession(nil, nil); !errors.Is(err, ErrNoDataCallback) {
		t.Errorf("expected ErrNoDataCallback, got %v", err)
	}
}

func TestPlayer_BindForTransmissionTakesOver(t *testing.T) {
	r := newTestRegistry(t, nil)
	p := r.Track(testID)

	rec1, rec2 := &recorder{}, &recorder{}
	s1, _ := p.OpenSession(rec1.callback, nil)
	s2, _ := p.OpenSession(rec2.callback, nil)

	if got := p.BindForTransmission(s1.ID()); got != s1 {
		t.Fatalf("expected s1 to bind")
	}
	if s1.State() != StateActive {
		t.Errorf("s1 should be active, got %s", s1.State())
	}
	// s2 was only offered, but binding s1 displaces it too
	if !s2.Closed() {
		t.Error("sibling should be closed by takeover")
	}
	if codes := rec2.codes(); len(codes) != 1 || codes[0] != CodeTakenOver {
		t.Errorf("expected TAKEN_OVER for s2, got %v", codes)
	}

	s3, _ := p.OpenSession((&recorder{}).callback, nil)
	if got := p.BindForTransmission(s3.ID()); got != s3 {
		t.Fatal("expected s3 to bind")
	}
	if !s1.Closed() || s3.State() != StateActive {
		t.Errorf("expected s1 closed and s3 active, got %s / %s", s1.State(), s3.State())
	}
	if codes := rec1.codes(); len(codes) != 1 || codes[0] != CodeTakenOver {
		t.Errorf("expected TAKEN_OVER for s1, got %v", codes)
	}
	if ids := p.SessionIDs(); len(ids) != 1 || ids[0] != s3.ID() {
		t.Errorf("expected only s3 to remain, got %v", ids)
	}

	if p.BindForTransmission(s1.ID()) != nil {
		t.Error("closed session must not bind")
	}
	if p.BindForTransmission(99) != nil {
		t.Error("unknown session must not bind")
	}
}

func TestPlayer_TakeoverFailuresGoToFaultSink(t *testing.T) {
	var (
		mu     sync.Mutex
		faults []error
	)
	r := newTestRegistry(t, nil, WithFaultSink(func(kind string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if kind != "takeover" {
			t.Errorf("unexpected fault kind %q", kind)
		}
		faults = append(faults, err)
	}))
	p := r.Track(testID)

	failing := &recorder{fail: errors.New("boom")}
	_, _ = p.OpenSession(failing.callback, nil)
	_, _ = p.OpenSession(func(map[string]any, error) (any, error) { panic("kaboom") }, nil)
	s3, _ := p.OpenSession((&recorder{}).callback, nil)

	if got := p.BindForTransmission(s3.ID()); got != s3 {
		t.Fatal("takeover must succeed even when notifications fail")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(faults) != 1 {
		t.Fatalf("expected one collected fault, got %d", len(faults))
	}
	var te *TakeoverError
	if !errors.As(faults[0], &te) {
		t.Fatalf("expected *TakeoverError, got %T", faults[0])
	}
	if len(te.Failures) != 2 || te.SessionID != s3.ID() {
		t.Errorf("unexpected takeover error: %v", te)
	}
	var pe *CallbackPanicError
	if !errors.As(faults[0], &pe) {
		t.Error("panic should be recovered into *CallbackPanicError")
	}
}

func TestSession_Close(t *testing.T) {
	r := newTestRegistry(t, nil)
	p := r.Track(testID)
	rec := &recorder{}
	s, _ := p.OpenSession(rec.callback, nil)

	if err := s.Close(CodeSaltRefused); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(CodeSaltRefused); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if codes := rec.codes(); len(codes) != 1 || codes[0] != CodeSaltRefused {
		t.Errorf("expected one SALT_REFUSED notification, got %v", codes)
	}
	if _, err := s.Receive(map[string]any{"x": 1}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	if _, err := s.RequestRetargeting("other"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	if p.Session(s.ID()) != nil {
		t.Error("closed session should be detached from its player")
	}

	// A plain close does not notify
	rec2 := &recorder{}
	s2, _ := p.OpenSession(rec2.callback, nil)
	if err := s2.Close(""); err != nil {
		t.Fatal(err)
	}
	if len(rec2.codes()) != 0 {
		t.Error("close without code must not invoke the callback")
	}

	// Notification failures are returned
	failing := &recorder{fail: errors.New("nope")}
	s3, _ := p.OpenSession(failing.callback, nil)
	var ce *CallbackError
	if err := s3.Close(CodeShutdown); !errors.As(err, &ce) {
		t.Errorf("expected *CallbackError, got %v", err)
	}
}

func TestSession_Receive(t *testing.T) {
	r := newTestRegistry(t, nil)
	p := r.Track(testID)

	rec := &recorder{answer: map[string]any{"y": 2}}
	s, _ := p.OpenSession(rec.callback, nil)
	answer, err := s.Receive(map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if m, ok := answer.(map[string]any); !ok || m["y"] != 2 {
		t.Errorf("unexpected answer %v", answer)
	}
	if len(rec.data) != 1 || rec.data[0]["x"] != 1 {
		t.Errorf("callback did not see data: %v", rec.data)
	}

	panicky, _ := p.OpenSession(func(map[string]any, error) (any, error) { panic("bad page") }, nil)
	_, err = panicky.Receive(nil)
	var pe *CallbackPanicError
	if !errors.As(err, &pe) || !strings.Contains(pe.Error(), "bad page") {
		t.Errorf("expected recovered panic, got %v", err)
	}
	if panicky.Closed() {
		t.Error("a failing callback does not close the session")
	}
}

func TestSession_Retargeting(t *testing.T) {
	r := newTestRegistry(t, nil)
	p := r.Track(testID)

	plain, _ := p.OpenSession((&recorder{}).callback, nil)
	if o, err := plain.RequestRetargeting("shop"); err != nil || o.Accepted() {
		t.Errorf("session without retarget callback must refuse, got %v %v", o, err)
	}

	next := &recorder{answer: map[string]any{"page": "shop"}}
	var asked string
	s, _ := p.OpenSession((&recorder{}).callback, func(newPageID string) (RetargetOutcome, error) {
		asked = newPageID
		if newPageID != "shop" {
			return Refuse(), nil
		}
		return Accept(next.callback, nil), nil
	})

	if o, err := s.RequestRetargeting("bank"); err != nil || o.Accepted() {
		t.Errorf("expected refusal, got %v %v", o, err)
	}
	o, err := s.RequestRetargeting("shop")
	if err != nil || !o.Valid() {
		t.Fatalf("expected valid acceptance, got %v %v", o, err)
	}
	if asked != "shop" {
		t.Errorf("callback saw %q", asked)
	}
	if err := s.ApplyRetarget(o); err != nil {
		t.Fatalf("ApplyRetarget: %v", err)
	}
	answer, err := s.Receive(map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if m := answer.(map[string]any); m["page"] != "shop" {
		t.Errorf("data should flow to the new callback, got %v", answer)
	}
	// The new page has no retarget callback
	if o, _ := s.RequestRetargeting("shop"); o.Accepted() {
		t.Error("retarget callback should have been replaced with none")
	}

	if err := s.ApplyRetarget(Accept(nil, nil)); !errors.Is(err, ErrInvalidOutcome) {
		t.Errorf("expected ErrInvalidOutcome, got %v", err)
	}
	if err := s.ApplyRetarget(Refuse()); !errors.Is(err, ErrInvalidOutcome) {
		t.Errorf("expected ErrInvalidOutcome for refusal, got %v", err)
	}

	failing, _ := p.OpenSession((&recorder{}).callback, func(string) (RetargetOutcome, error) {
		return Refuse(), errors.New("retarget exploded")
	})
	var ce *CallbackError
	if _, err := failing.RequestRetargeting("x"); !errors.As(err, &ce) || ce.Callback != "retarget" {
		t.Errorf("expected retarget *CallbackError, got %v", err)
	}
}

func TestPlayer_ConfirmNewSalt(t *testing.T) {
	const (
		salt1 = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
		salt2 = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	)
	persister := &stubPersister{salt: ""}
	r := newTestRegistry(t, persister)
	p := r.Track(testID)
	ctx := context.Background()

	if err := p.ConfirmNewSalt(ctx, salt1); err != nil {
		t.Fatalf("ConfirmNewSalt: %v", err)
	}
	if salt, _ := p.Salt(); salt != salt1 {
		t.Errorf("expected salt1, got %q", salt)
	}
	if len(persister.saved) != 1 || persister.saved[0].Salt != salt1 {
		t.Errorf("salt must be persisted, saved %v", persister.saved)
	}

	for _, bad := range []string{salt1, "short", strings.Repeat("!", 64)} {
		if err := p.ConfirmNewSalt(ctx, bad); !errors.Is(err, ErrSaltRefused) {
			t.Errorf("ConfirmNewSalt(%q): expected ErrSaltRefused, got %v", bad, err)
		}
	}

	persister.saveErr = errors.New("disk full")
	if err := p.ConfirmNewSalt(ctx, salt2); !errors.Is(err, ErrSaltRefused) {
		t.Errorf("expected ErrSaltRefused on persistence failure, got %v", err)
	}
	if salt, _ := p.Salt(); salt != salt1 {
		t.Errorf("failed rotation must keep the old salt, got %q", salt)
	}
}

func TestPlayer_WhenLoadedDefersUntilLoad(t *testing.T) {
	persister := &stubPersister{salt: "persisted", hold: true}
	r := newTestRegistry(t, persister)
	p := r.Track(testID)

	if _, loaded := p.Salt(); loaded {
		t.Fatal("player should not be loaded yet")
	}
	if err := p.ConfirmNewSalt(context.Background(), strings.Repeat("a", 64)); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("expected ErrNotLoaded before load, got %v", err)
	}

	got := make(chan string, 1)
	p.WhenLoaded(func(salt string, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		got <- salt
	})
	select {
	case <-got:
		t.Fatal("waiter ran before load")
	default:
	}

	persister.release(testID)
	if salt := <-got; salt != "persisted" {
		t.Errorf("expected persisted salt, got %q", salt)
	}

	// Already loaded: runs inline
	ran := false
	p.WhenLoaded(func(string, error) { ran = true })
	if !ran {
		t.Error("waiter should run immediately once loaded")
	}
}

func TestPlayer_WhenLoadedReportsLoadFailure(t *testing.T) {
	persister := &stubPersister{loadErr: errors.New("db down")}
	r := newTestRegistry(t, persister)
	p := r.Track(testID)

	var gotErr error
	p.WhenLoaded(func(_ string, err error) { gotErr = err })
	if gotErr == nil || !strings.Contains(gotErr.Error(), "db down") {
		t.Errorf("expected load failure, got %v", gotErr)
	}
}

func TestRegistry_TrackForgetReset(t *testing.T) {
	r := newTestRegistry(t, nil)

	p := r.Track(testID)
	if r.Track(testID) != p {
		t.Error("tracking twice should return the same player")
	}
	if r.Get(testID) != p || r.Count() != 1 {
		t.Fatalf("expected one tracked player")
	}

	rec := &recorder{}
	s, _ := p.OpenSession(rec.callback, nil)
	if err := r.Forget(testID); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if r.Get(testID) != nil || r.Count() != 0 {
		t.Error("player should be forgotten")
	}
	if !s.Closed() {
		t.Error("forgetting a player closes its sessions")
	}
	if codes := rec.codes(); len(codes) != 1 || codes[0] != CodePlayerDisconnected {
		t.Errorf("expected PLAYER_DISCONNECTED, got %v", codes)
	}
	if _, err := p.OpenSession(rec.callback, nil); !errors.Is(err, ErrUnknownPlayer) {
		t.Errorf("forgotten player must not open sessions, got %v", err)
	}
	if err := r.Forget(testID); err != nil {
		t.Errorf("forgetting twice should be a no-op, got %v", err)
	}

	recs := make([]*recorder, 3)
	for i := range recs {
		recs[i] = &recorder{}
		pl := r.Track(testID + identity.ID(i))
		if _, err := pl.OpenSession(recs[i].callback, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Reset(CodeLevelInit); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if r.Count() != 0 {
		t.Errorf("expected empty registry, got %d", r.Count())
	}
	for i, rc := range recs {
		if codes := rc.codes(); len(codes) != 1 || codes[0] != CodeLevelInit {
			t.Errorf("player %d: expected LEVEL_INIT, got %v", i, codes)
		}
	}
}

func TestPlayer_ConcurrentBindLeavesOneSession(t *testing.T) {
	r := newTestRegistry(t, nil)
	p := r.Track(testID)

	const n = 32
	ids := make([]int, n)
	for i := range ids {
		s, err := p.OpenSession(func(map[string]any, error) (any, error) { return nil, nil }, nil)
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = s.ID()
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.BindForTransmission(id)
		}(id)
	}
	wg.Wait()

	remaining := p.SessionIDs()
	if len(remaining) != 1 {
		t.Fatalf("expected exactly one session left, got %v", remaining)
	}
	if p.Session(remaining[0]).State() != StateActive {
		t.Error("remaining session should be active")
	}
}
