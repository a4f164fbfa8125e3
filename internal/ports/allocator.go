package ports

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eyes-pick/kapsules/internal/domain"
)

// ErrPoolExhausted is returned when every port in the range is leased.
var ErrPoolExhausted = fmt.Errorf("port pool exhausted: %w", domain.ErrResourceExhausted)

// ErrOutOfRange is returned when a port outside the configured range is claimed.
var ErrOutOfRange = errors.New("port outside allocator range")

// Lease describes a held port.
type Lease struct {
	Port       int       `json:"port"`
	UnitID     string    `json:"unit_id,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Bound reports whether the lease has been attached to an execution unit.
func (l Lease) Bound() bool {
	return l.UnitID != ""
}

// Allocator hands out host ports from a fixed inclusive range. A port is
// reserved by Acquire and becomes bound once the pipeline attaches it to an
// execution unit. The lowest free port is always returned first.
type Allocator struct {
	mu     sync.Mutex
	base   int
	max    int
	leases map[int]Lease
	now    func() time.Time
}

// New constructs an allocator over [base, max].
func New(base, max int) (*Allocator, error) {
	if base <= 0 || max > 65535 || max < base {
		return nil, fmt.Errorf("invalid port range %d-%d: %w", base, max, domain.ErrValidation)
	}
	return &Allocator{
		base:   base,
		max:    max,
		leases: make(map[int]Lease),
		now:    time.Now,
	}, nil
}

// Acquire reserves the lowest free port in the range.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.base; port <= a.max; port++ {
		if _, held := a.leases[port]; held {
			continue
		}
		a.leases[port] = Lease{Port: port, AcquiredAt: a.now()}
		return port, nil
	}
	return 0, ErrPoolExhausted
}

// Bind attaches a reserved port to an execution unit.
func (a *Allocator) Bind(port int, unitID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	lease, ok := a.leases[port]
	if !ok {
		return fmt.Errorf("bind port %d: not held", port)
	}
	lease.UnitID = unitID
	a.leases[port] = lease
	return nil
}

// Claim marks a port as held by unitID regardless of prior state. It is used
// to rebuild allocator state from persisted execution references.
func (a *Allocator) Claim(port int, unitID string) error {
	if port < a.base || port > a.max {
		return fmt.Errorf("claim port %d: %w", port, ErrOutOfRange)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leases[port] = Lease{Port: port, UnitID: unitID, AcquiredAt: a.now()}
	return nil
}

// Release returns a port to the pool. Releasing a free port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.leases, port)
	a.mu.Unlock()
}

// ReleaseUnit releases port only while it is bound to unitID. It reports
// whether a lease was dropped.
func (a *Allocator) ReleaseUnit(port int, unitID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	lease, ok := a.leases[port]
	if !ok || lease.UnitID != unitID {
		return false
	}
	delete(a.leases, port)
	return true
}

// Held reports whether port is currently leased.
func (a *Allocator) Held(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.leases[port]
	return ok
}

// Capacity returns the total number of ports in the range.
func (a *Allocator) Capacity() int {
	return a.max - a.base + 1
}

// InUse returns the number of leased ports.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leases)
}

// Snapshot returns held leases ordered by port.
func (a *Allocator) Snapshot() []Lease {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Lease, 0, len(a.leases))
	for _, lease := range a.leases {
		out = append(out, lease)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}
