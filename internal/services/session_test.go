package services

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clinic-flow/internal/status"
	"clinic-flow/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestMachine() (*SessionMachine, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 10, 7, 30, 0, 0, time.UTC)}
	m := NewSessionMachine(SessionConfig{}, NewPinVerifier(bcrypt.MinCost))
	m.now = clock.Now
	return m, clock
}

func TestSessionMachine_Defaults(t *testing.T) {
	m, _ := newTestMachine()

	assert.Equal(t, 24*time.Hour, m.cfg.TTL)
	assert.Equal(t, 4, m.cfg.PinLength)
	assert.Equal(t, 3, m.MaxPinAttempts())
}

func TestSessionMachine_Start(t *testing.T) {
	m, clock := newTestMachine()

	s, pin, err := m.Start("V1", "C1")

	require.NoError(t, err)
	assert.Len(t, pin, 4)
	assert.Equal(t, models.SessionPinPending, s.State)
	assert.Equal(t, clock.Now().Add(24*time.Hour), s.ExpiresAt)
	assert.NotEmpty(t, s.ID)
	assert.True(t, m.pins.Verify(s, pin))
}

func TestSessionMachine_VerifyPinLocksAtLimit(t *testing.T) {
	m, _ := newTestMachine()
	s, pin, err := m.Start("V1", "C1")
	require.NoError(t, err)
	bad := wrongPin(pin)

	_, err = m.VerifyPin(s, bad)
	var mismatch *status.PinMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, 2, mismatch.Remaining)

	_, err = m.VerifyPin(s, bad)
	assert.ErrorIs(t, err, status.ErrPinMismatch)

	outcome, err := m.VerifyPin(s, bad)
	assert.ErrorIs(t, err, status.ErrSessionLocked)
	assert.True(t, outcome.Mutated)
	assert.Equal(t, models.SessionLocked, s.State)
	assert.Equal(t, 3, s.PinAttempts)

	outcome, err = m.VerifyPin(s, pin)
	assert.ErrorIs(t, err, status.ErrInvalidTransition)
	assert.False(t, outcome.Mutated)
	assert.Equal(t, 3, s.PinAttempts)
}

func TestSessionMachine_TransitionTable(t *testing.T) {
	m, _ := newTestMachine()
	ticket := &models.Ticket{ID: "T1", Number: 1}

	tests := []struct {
		name  string
		state models.SessionState
		apply func(s *models.Session) error
		want  models.SessionState
		err   error
	}{
		{"attach after verify", models.SessionVerified, func(s *models.Session) error { return m.AttachTicket(s, ticket) }, models.SessionQueued, nil},
		{"attach before verify", models.SessionPinPending, func(s *models.Session) error { return m.AttachTicket(s, ticket) }, models.SessionPinPending, status.ErrInvalidTransition},
		{"enter when queued", models.SessionQueued, func(s *models.Session) error { _, err := m.Enter(s); return err }, models.SessionInService, nil},
		{"enter when verified", models.SessionVerified, func(s *models.Session) error { _, err := m.Enter(s); return err }, models.SessionVerified, status.ErrInvalidTransition},
		{"complete in service", models.SessionInService, m.Complete, models.SessionCompleted, nil},
		{"complete when queued", models.SessionQueued, m.Complete, models.SessionQueued, status.ErrInvalidTransition},
		{"enter after completion", models.SessionCompleted, func(s *models.Session) error { _, err := m.Enter(s); return err }, models.SessionCompleted, status.ErrInvalidTransition},
		{"attach when expired", models.SessionExpired, func(s *models.Session) error { return m.AttachTicket(s, ticket) }, models.SessionExpired, status.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &models.Session{ID: "S1", State: tt.state, ExpiresAt: m.now().Add(time.Hour)}
			err := tt.apply(s)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, s.State)
		})
	}
}

func TestSessionMachine_EnterTwiceIsNoop(t *testing.T) {
	m, _ := newTestMachine()
	s := &models.Session{State: models.SessionQueued}

	changed, err := m.Enter(s)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = m.Enter(s)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.SessionInService, s.State)
}

func TestSessionMachine_Expire(t *testing.T) {
	m, clock := newTestMachine()
	s, _, err := m.Start("V1", "C1")
	require.NoError(t, err)

	assert.False(t, m.Expire(s))

	clock.Advance(24*time.Hour + time.Minute)
	assert.True(t, m.Expire(s))
	assert.Equal(t, models.SessionExpired, s.State)
	assert.Empty(t, s.PinHash)

	locked := &models.Session{State: models.SessionLocked, ExpiresAt: time.Time{}}
	assert.False(t, m.Expire(locked), "terminal sessions keep their state")
}

func TestSessionMachine_ResetLock(t *testing.T) {
	m, clock := newTestMachine()
	s := &models.Session{State: models.SessionLocked, PinAttempts: 3}

	pin, err := m.ResetLock(s)

	require.NoError(t, err)
	assert.Equal(t, models.SessionPinPending, s.State)
	assert.Equal(t, 0, s.PinAttempts)
	assert.Equal(t, clock.Now().Add(24*time.Hour), s.ExpiresAt)
	assert.True(t, m.pins.Verify(s, pin))

	_, err = m.ResetLock(s)
	assert.ErrorIs(t, err, status.ErrInvalidTransition)
}

// PIN verifier

func TestPinVerifier(t *testing.T) {
	v := NewPinVerifier(bcrypt.MinCost)

	hash, err := v.Hash("4821")
	require.NoError(t, err)
	s := &models.Session{PinHash: hash}

	assert.True(t, v.Verify(s, "4821"))
	assert.False(t, v.Verify(s, "4822"))
	assert.False(t, v.Verify(s, ""))
	assert.False(t, v.Verify(&models.Session{}, "4821"))
	assert.False(t, v.Verify(nil, "4821"))
	assert.Equal(t, hash, s.PinHash, "verification never mutates the session")
}

func TestNewPinVerifier_CostBounds(t *testing.T) {
	assert.Equal(t, bcrypt.DefaultCost, NewPinVerifier(0).cost)
	assert.Equal(t, bcrypt.DefaultCost, NewPinVerifier(99).cost)
	assert.Equal(t, 12, NewPinVerifier(12).cost)
}

// Keyed mutex

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := NewKeyedMutex()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("session:S1")
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			if n > atomic.LoadInt32(&maxInside) {
				atomic.StoreInt32(&maxInside, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, k.Len())
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := NewKeyedMutex()

	unlockA := k.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b waited for a")
	}

	unlockA()
	unlockA()
	assert.Equal(t, 0, k.Len())
}
