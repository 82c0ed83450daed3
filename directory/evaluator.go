package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/portalguard"
	"github.com/MrEthical07/portalguard/permcache"
	"github.com/MrEthical07/portalguard/permission"
	"github.com/MrEthical07/portalguard/role"
)

// Evaluator decides permissions from a user's current role and explicit
// grants. It always reads the directory, so it is wrapped in permcache.
type Evaluator struct {
	dir   Directory
	roles *permission.RoleManager
	// DefaultRole applies when the stored role does not normalize. It
	// defaults to USER, matching the engine's resolve default.
	DefaultRole role.Role
}

var _ permcache.Evaluator = (*Evaluator)(nil)

// NewEvaluator returns an Evaluator. A nil roles uses
// permission.DefaultRoleManager.
func NewEvaluator(dir Directory, roles *permission.RoleManager) (*Evaluator, error) {
	if dir == nil {
		return nil, errors.New("directory: nil directory")
	}
	if roles == nil {
		rm, err := permission.DefaultRoleManager()
		if err != nil {
			return nil, err
		}
		roles = rm
	}
	return &Evaluator{dir: dir, roles: roles, DefaultRole: role.User}, nil
}

// Evaluate implements permcache.Evaluator. Unknown users are denied
// without error.
func (e *Evaluator) Evaluate(ctx context.Context, userID string, perms []permission.Permission, mode permcache.Mode) (bool, error) {
	if len(perms) == 0 {
		return mode == permcache.All, nil
	}

	rec, err := e.dir.UserByID(ctx, userID)
	if errors.Is(err, portalguard.ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("directory: load user: %w", err)
	}
	r := role.OrDefault(rec.Role, e.DefaultRole)

	grants, err := e.dir.Grants(ctx, userID)
	if err != nil {
		return false, err
	}
	granted := make(map[permission.Permission]struct{}, len(grants))
	for _, g := range grants {
		granted[g] = struct{}{}
	}

	for _, p := range perms {
		_, explicit := granted[p]
		ok := explicit || e.roles.Allows(r, p)
		if mode == permcache.Any && ok {
			return true, nil
		}
		if mode == permcache.All && !ok {
			return false, nil
		}
	}
	return mode == permcache.All, nil
}
