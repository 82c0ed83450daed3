package permission

import (
	"errors"
	"sync"

	"github.com/MrEthical07/portalguard/role"
)

// RoleManager holds one permission mask per role.
//
// RoleManager instances are intended to be configured during initialization,
// frozen, and then treated as immutable.
type RoleManager struct {
	registry *Registry

	mu     sync.RWMutex
	roles  map[role.Role]Mask
	frozen bool
}

// NewRoleManager returns an empty RoleManager bound to registry.
func NewRoleManager(registry *Registry) *RoleManager {
	return &RoleManager{
		registry: registry,
		roles:    make(map[role.Role]Mask),
	}
}

// RegisterRole builds the mask for r from perms. Every permission must
// already be registered.
func (rm *RoleManager) RegisterRole(r role.Role, perms []Permission) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.frozen {
		return errors.New("role manager frozen")
	}
	if !r.Valid() {
		return errors.New("invalid role")
	}
	if _, exists := rm.roles[r]; exists {
		return errors.New("role already registered")
	}

	mask := newMask(rm.registry.MaxBits())
	for _, perm := range perms {
		bit, ok := rm.registry.Bit(perm)
		if !ok {
			return errors.New("permission not registered: " + perm.String())
		}
		mask.Set(bit)
	}

	rm.roles[r] = mask
	return nil
}

// RegisterRoot gives r the reserved root bit, which implies every permission.
func (rm *RoleManager) RegisterRoot(r role.Role) error {
	rootBit, ok := rm.registry.RootBit()
	if !ok {
		return errors.New("registry has no root bit")
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.frozen {
		return errors.New("role manager frozen")
	}
	if !r.Valid() {
		return errors.New("invalid role")
	}
	mask, exists := rm.roles[r]
	if !exists {
		mask = newMask(rm.registry.MaxBits())
		rm.roles[r] = mask
	}
	mask.Set(rootBit)
	return nil
}

// GetMask returns the mask registered for r.
func (rm *RoleManager) GetMask(r role.Role) (Mask, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	mask, ok := rm.roles[r]
	return mask, ok
}

// Allows reports whether r's mask grants p. Unregistered roles and
// permissions are denied.
func (rm *RoleManager) Allows(r role.Role, p Permission) bool {
	mask, ok := rm.GetMask(r)
	if !ok {
		return false
	}
	_, rootReserved := rm.registry.RootBit()
	bit, ok := rm.registry.Bit(p)
	if !ok {
		// Root still implies unknown permissions.
		if rootReserved {
			rootBit, _ := rm.registry.RootBit()
			return mask.Has(rootBit, false)
		}
		return false
	}
	return mask.Has(bit, rootReserved)
}

// Freeze prevents further registrations.
func (rm *RoleManager) Freeze() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.frozen = true
}

// Count returns the number of registered roles.
func (rm *RoleManager) Count() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.roles)
}

// DefaultRoleManager builds the portal's standard role layout: ADMIN holds
// the root bit, NODE_OFFICER curates metadata, USER and GUEST read.
func DefaultRoleManager() (*RoleManager, error) {
	reg, err := NewRegistry(64, true)
	if err != nil {
		return nil, err
	}
	if err := reg.RegisterAll(
		ReadMetadata, CreateMetadata, UpdateMetadata, DeleteMetadata,
		PublishMetadata, ManageUsers, ManageNodes,
	); err != nil {
		return nil, err
	}
	reg.Freeze()

	rm := NewRoleManager(reg)
	if err := rm.RegisterRoot(role.Admin); err != nil {
		return nil, err
	}
	if err := rm.RegisterRole(role.NodeOfficer, []Permission{
		ReadMetadata, CreateMetadata, UpdateMetadata, DeleteMetadata, PublishMetadata,
	}); err != nil {
		return nil, err
	}
	if err := rm.RegisterRole(role.User, []Permission{ReadMetadata}); err != nil {
		return nil, err
	}
	if err := rm.RegisterRole(role.Guest, []Permission{ReadMetadata}); err != nil {
		return nil, err
	}
	rm.Freeze()
	return rm, nil
}
