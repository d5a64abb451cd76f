package system

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"powerperp/crypto"
	"powerperp/native/common"
	"powerperp/native/oracle"
)

// Mode is the protocol-wide operating mode.
type Mode uint8

const (
	ModeNormal Mode = iota
	ModePaused
	ModeShutDown
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModePaused:
		return "paused"
	case ModeShutDown:
		return "shutdown"
	default:
		return "unknown"
	}
}

var (
	ErrUnauthorized      = errors.New("system: caller not authorized")
	ErrInvalidTransition = errors.New("system: invalid state transition")
	errNilOracle         = errors.New("system: oracle not configured")
)

// Record is the persisted form of the machine state.
type Record struct {
	Mode            Mode
	PausedAt        time.Time
	SettlementPrice *big.Int
	SettlementScale *big.Int
}

// Store persists the machine state across restarts. Shutdown is terminal,
// so a stored shutdown record must survive a process restart.
type Store interface {
	GetSystemState() (*Record, error)
	PutSystemState(*Record) error
}

// StateMachine is the tri-state protocol mode gating vault mutations. It is
// the engine's common.Gate: while paused, exposure-increasing operations
// are rejected; after shutdown every mutation is rejected permanently.
type StateMachine struct {
	mu        sync.RWMutex
	mode      Mode
	pausedAt  time.Time
	authority crypto.Address
	store     Store

	px      oracle.PriceOracle
	poolID  string
	window  time.Duration
	now     func() time.Time
	settled bool
	price   *big.Int
	scale   *big.Int
}

// New constructs a state machine in Normal mode. The oracle, pool id and
// TWAP window are used exactly once, to freeze the settlement price at
// shutdown.
func New(authority crypto.Address, px oracle.PriceOracle, poolID string, window time.Duration) *StateMachine {
	return &StateMachine{
		mode:      ModeNormal,
		authority: authority,
		px:        px,
		poolID:    poolID,
		window:    window,
		now:       time.Now,
	}
}

// SetStore wires the machine to the persistence layer and restores any
// previously stored state.
func (m *StateMachine) SetStore(store Store) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
	if store == nil {
		return nil
	}
	rec, err := store.GetSystemState()
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	m.mode = rec.Mode
	m.pausedAt = rec.PausedAt
	if rec.SettlementPrice != nil {
		m.settled = true
		m.price = new(big.Int).Set(rec.SettlementPrice)
		m.scale = new(big.Int).Set(rec.SettlementScale)
	}
	return nil
}

// SetClock overrides the wall clock, used by tests.
func (m *StateMachine) SetClock(now func() time.Time) {
	if m == nil || now == nil {
		return
	}
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *StateMachine) authorize(caller crypto.Address) error {
	if m.authority.IsZero() {
		return ErrUnauthorized
	}
	if !m.authority.Equal(caller) {
		return ErrUnauthorized
	}
	return nil
}

func (m *StateMachine) persistLocked() error {
	if m.store == nil {
		return nil
	}
	rec := &Record{Mode: m.mode, PausedAt: m.pausedAt}
	if m.settled {
		rec.SettlementPrice = new(big.Int).Set(m.price)
		rec.SettlementScale = new(big.Int).Set(m.scale)
	}
	return m.store.PutSystemState(rec)
}

// Pause transitions Normal -> Paused.
func (m *StateMachine) Pause(caller crypto.Address) error {
	if m == nil {
		return ErrInvalidTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.authorize(caller); err != nil {
		return err
	}
	if m.mode != ModeNormal {
		return ErrInvalidTransition
	}
	m.mode = ModePaused
	m.pausedAt = m.now().UTC()
	return m.persistLocked()
}

// Unpause transitions Paused -> Normal.
func (m *StateMachine) Unpause(caller crypto.Address) error {
	if m == nil {
		return ErrInvalidTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.authorize(caller); err != nil {
		return err
	}
	if m.mode != ModePaused {
		return ErrInvalidTransition
	}
	m.mode = ModeNormal
	m.pausedAt = time.Time{}
	return m.persistLocked()
}

// ShutDown transitions Paused -> ShutDown, reading the oracle price exactly
// once and storing it permanently as the settlement price. Shutdown from
// Normal is rejected; shutdown is terminal.
func (m *StateMachine) ShutDown(caller crypto.Address) error {
	if m == nil {
		return ErrInvalidTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.authorize(caller); err != nil {
		return err
	}
	if m.mode != ModePaused {
		return ErrInvalidTransition
	}
	if m.px == nil {
		return errNilOracle
	}
	snap, err := m.px.GetPrice(m.poolID, m.window)
	if err != nil {
		return err
	}
	m.mode = ModeShutDown
	m.settled = true
	m.price = new(big.Int).Set(snap.Price)
	m.scale = new(big.Int).Set(snap.Scale)
	return m.persistLocked()
}

// Mode returns the current protocol mode.
func (m *StateMachine) Mode() Mode {
	if m == nil {
		return ModeNormal
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// PausedAt reports when the current pause began. The second return is false
// outside of Paused mode.
func (m *StateMachine) PausedAt() (time.Time, bool) {
	if m == nil {
		return time.Time{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.mode != ModePaused {
		return time.Time{}, false
	}
	return m.pausedAt, true
}

// SettlementPrice returns the frozen settlement price and its scale once
// shutdown has occurred.
func (m *StateMachine) SettlementPrice() (*big.Int, *big.Int, bool) {
	if m == nil {
		return nil, nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.settled {
		return nil, nil, false
	}
	return new(big.Int).Set(m.price), new(big.Int).Set(m.scale), true
}

// Allow implements common.Gate.
func (m *StateMachine) Allow(op common.OpClass) error {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	mode := m.mode
	m.mu.RUnlock()
	switch mode {
	case ModeShutDown:
		if op == common.OpRead {
			return nil
		}
		return common.ErrShutDown
	case ModePaused:
		if op == common.OpExpand {
			return common.ErrModulePaused
		}
		return nil
	default:
		return nil
	}
}
