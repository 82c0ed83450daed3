package permission

import (
	"errors"
	"sync"
)

// Registry maps permissions to bit positions within a bitmask.
// Supports widths of 64 or 128 bits.
type Registry struct {
	maxBits      int
	rootReserved bool
	rootBit      int

	mu        sync.RWMutex
	nameToBit map[string]int
	bitToName map[int]string
	frozen    bool
}

// NewRegistry creates a permission [Registry]. maxBits selects the mask
// width (64/128); rootReserved reserves the highest bit for a super-admin
// root permission.
func NewRegistry(maxBits int, rootReserved bool) (*Registry, error) {
	if maxBits != 64 && maxBits != 128 {
		return nil, errors.New("invalid maxBits")
	}

	r := &Registry{
		maxBits:      maxBits,
		rootReserved: rootReserved,
		nameToBit:    make(map[string]int),
		bitToName:    make(map[int]string),
	}

	if rootReserved {
		r.rootBit = maxBits - 1
	}

	return r, nil
}

// Register assigns the next available bit to p.
// Returns the assigned bit index. Must be called before [Registry.Freeze].
func (r *Registry) Register(p Permission) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return -1, errors.New("registry frozen")
	}

	if !p.Valid() {
		return -1, errMalformed
	}
	name := p.String()

	if _, exists := r.nameToBit[name]; exists {
		return -1, errors.New("permission already registered")
	}

	nextBit := len(r.nameToBit)

	if r.rootReserved && nextBit >= r.rootBit {
		return -1, errors.New("permission limit exceeded (root bit reserved)")
	}

	if !r.rootReserved && nextBit >= r.maxBits {
		return -1, errors.New("permission limit exceeded")
	}

	r.nameToBit[name] = nextBit
	r.bitToName[nextBit] = name

	return nextBit, nil
}

// RegisterAll registers every permission in order, stopping at the first error.
func (r *Registry) RegisterAll(perms ...Permission) error {
	for _, p := range perms {
		if _, err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// Bit returns the bit index for p, or false if not registered.
func (r *Registry) Bit(p Permission) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bit, ok := r.nameToBit[p.String()]
	return bit, ok
}

// Name returns the permission string for the given bit index, or false if unassigned.
func (r *Registry) Name(bit int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.bitToName[bit]
	return name, ok
}

// Freeze prevents further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Count returns the number of registered permissions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nameToBit)
}

// MaxBits returns the configured mask width.
func (r *Registry) MaxBits() int {
	return r.maxBits
}

// RootBit returns the reserved root permission bit, or false if root-bit
// reservation is disabled.
func (r *Registry) RootBit() (int, bool) {
	if !r.rootReserved {
		return -1, false
	}
	return r.rootBit, true
}
