// ABOUTME: Registry of connected delegates keyed by id and owning user
// ABOUTME: Resolves which delegate executes a tool: the most recently connected one wins

package delegate

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrDelegateAlreadyConnected indicates a delegate with the same ID is connected.
var ErrDelegateAlreadyConnected = errors.New("delegate already connected")

// ErrKeyRevoked indicates the registration's API key was revoked after the
// stream authenticated.
var ErrKeyRevoked = errors.New("api key revoked")

// ErrInvalidRegistration indicates a registration is missing required fields.
var ErrInvalidRegistration = errors.New("invalid delegate registration")

// DefaultOutboxSize is the number of frames buffered per delegate.
const DefaultOutboxSize = 16

// Registration describes a delegate that is connecting.
type Registration struct {
	DelegateID   string // generated when empty
	UserID       string
	KeyID        string
	Tools        []string
	Capabilities Capabilities
}

// ManagerConfig contains configuration options for the Manager.
type ManagerConfig struct {
	Logger     *slog.Logger
	OutboxSize int
	Now        func() time.Time
}

// Manager tracks connected delegates. All mutations are serialized; reads
// run concurrently.
type Manager struct {
	mu        sync.RWMutex
	delegates map[string]*Delegate
	revoked   map[string]bool // key ids passed to DisconnectByKey
	seq       uint64

	outboxSize int
	now        func() time.Time
	logger     *slog.Logger
}

// NewManager creates a new Manager with the given configuration.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	outboxSize := cfg.OutboxSize
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		delegates:  make(map[string]*Delegate),
		revoked:    make(map[string]bool),
		outboxSize: outboxSize,
		now:        now,
		logger:     logger.With("component", "delegates"),
	}
}

// normalizeTools trims names, drops empties and duplicates, keeping order.
func normalizeTools(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// Connect registers a delegate.
// Returns ErrDelegateAlreadyConnected if the ID is taken,
// ErrKeyRevoked if the key was passed to DisconnectByKey, and
// ErrInvalidRegistration if no user is given.
func (m *Manager) Connect(reg Registration) (*Delegate, error) {
	if reg.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRegistration)
	}
	if reg.DelegateID == "" {
		reg.DelegateID = uuid.New().String()
	}
	reg.Tools = normalizeTools(reg.Tools)

	m.mu.Lock()
	defer m.mu.Unlock()

	if reg.KeyID != "" && m.revoked[reg.KeyID] {
		return nil, ErrKeyRevoked
	}
	if _, exists := m.delegates[reg.DelegateID]; exists {
		return nil, ErrDelegateAlreadyConnected
	}

	m.seq++
	d := newDelegate(reg, m.seq, m.outboxSize, m.now().UTC(), m.logger)
	m.delegates[d.ID] = d

	m.logger.Info("=== DELEGATE CONNECTED ===",
		"delegate_id", d.ID,
		"user_id", d.UserID,
		"tools", d.Tools,
		"capabilities", d.Capabilities.Names(),
	)
	return d, nil
}

// Disconnect removes a delegate and fails its in-flight calls with
// ErrDelegateDisconnected. It reports whether the delegate was connected.
func (m *Manager) Disconnect(delegateID string) bool {
	return m.remove(delegateID, nil)
}

// release disconnects d only if it is still the registered delegate for its
// ID; a stream that outlives its registration must not evict a successor.
func (m *Manager) release(d *Delegate) bool {
	return m.remove(d.ID, d)
}

func (m *Manager) remove(delegateID string, want *Delegate) bool {
	m.mu.Lock()
	d, ok := m.delegates[delegateID]
	if ok && want != nil && d != want {
		ok = false
	}
	if ok {
		delete(m.delegates, delegateID)
	}
	m.mu.Unlock()

	if !ok {
		if want != nil {
			want.close()
		}
		return false
	}

	pending := d.PendingCount()
	d.close()

	m.logger.Info("=== DELEGATE DISCONNECTED ===",
		"delegate_id", d.ID,
		"user_id", d.UserID,
		"pending_calls", pending,
	)
	return true
}

// DisconnectByKey disconnects every delegate that authenticated with keyID
// and returns how many were disconnected. Later registrations with the key
// fail with ErrKeyRevoked, which covers streams that authenticated before the
// revocation but had not yet sent their hello.
func (m *Manager) DisconnectByKey(keyID string) int {
	m.mu.Lock()
	m.revoked[keyID] = true
	ids := make([]string, 0)
	for id, d := range m.delegates {
		if d.KeyID == keyID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	count := 0
	for _, id := range ids {
		if m.Disconnect(id) {
			count++
		}
	}
	return count
}

// Get returns a connected delegate by ID.
func (m *Manager) Get(delegateID string) (*Delegate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.delegates[delegateID]
	return d, ok
}

// ListForUser returns the user's delegates in connection order.
func (m *Manager) ListForUser(userID string) []*Delegate {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Delegate, 0)
	for _, d := range m.delegates {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// ResolveExecutionTarget picks the delegate that executes toolName for the
// user: among the user's delegates declaring the tool, the most recently
// connected one. Connection sequence numbers are unique, so the choice is
// deterministic.
func (m *Manager) ResolveExecutionTarget(userID, toolName string) (*Delegate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Delegate
	for _, d := range m.delegates {
		if d.UserID != userID || !d.Declares(toolName) {
			continue
		}
		if best == nil || d.seq > best.seq {
			best = d
		}
	}
	return best, best != nil
}

// ToolTargetsForUser maps every tool declared by the user's delegates to the
// delegate ResolveExecutionTarget would choose.
func (m *Manager) ToolTargetsForUser(userID string) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	targets := make(map[string]string)
	seqs := make(map[string]uint64)
	for _, d := range m.delegates {
		if d.UserID != userID {
			continue
		}
		for _, tool := range d.Tools {
			if d.seq > seqs[tool] {
				seqs[tool] = d.seq
				targets[tool] = d.ID
			}
		}
	}
	return targets
}

// Count returns the number of connected delegates.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.delegates)
}

// Close disconnects every delegate.
func (m *Manager) Close() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.delegates))
	for id := range m.delegates {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Disconnect(id)
	}
}
