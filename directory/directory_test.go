package directory

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/portalguard"
	"github.com/MrEthical07/portalguard/permcache"
	"github.com/MrEthical07/portalguard/permission"
	"github.com/MrEthical07/portalguard/role"
)

type changeLog struct {
	mu  sync.Mutex
	ids []string
}

func (c *changeLog) record(_ context.Context, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, userID)
}

func setupDirectory(t *testing.T, opts ...Option) *SQLDirectory {
	t.Helper()
	ctx := context.Background()
	dir, err := Open(ctx, DriverSQLite, filepath.Join(t.TempDir(), "directory.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dir.Close() })
	require.NoError(t, dir.Migrate(ctx))
	return dir
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn")
	require.Error(t, err)
}

func TestAddAndLookupUser(t *testing.T) {
	dir := setupDirectory(t)
	ctx := context.Background()

	id, err := dir.AddUser(ctx, NewUser{Email: "  Officer@Example.org ", PasswordHash: "hash", Role: "node-officer"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := dir.UserByEmail(ctx, "officer@example.org")
	require.NoError(t, err)
	assert.Equal(t, id, rec.UserID)
	assert.Equal(t, "officer@example.org", rec.Email)
	assert.Equal(t, "node-officer", rec.Role, "role is stored raw")

	byID, err := dir.UserByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, rec, byID)

	_, err = dir.AddUser(ctx, NewUser{Email: "OFFICER@example.org", PasswordHash: "x", Role: "user"})
	assert.ErrorIs(t, err, ErrDuplicateEmail)

	_, err = dir.AddUser(ctx, NewUser{Email: "a@b.c", PasswordHash: "", Role: "user"})
	assert.ErrorIs(t, err, ErrInvalidUser)
}

func TestUnknownUserWrapsNotFound(t *testing.T) {
	dir := setupDirectory(t)
	ctx := context.Background()

	_, err := dir.UserByID(ctx, "missing")
	assert.ErrorIs(t, err, portalguard.ErrUserNotFound)
	_, err = dir.UserByEmail(ctx, "nobody@example.org")
	assert.ErrorIs(t, err, portalguard.ErrUserNotFound)
	assert.ErrorIs(t, dir.SetRole(ctx, "missing", "admin"), portalguard.ErrUserNotFound)
	assert.ErrorIs(t, dir.RemoveUser(ctx, "missing"), portalguard.ErrUserNotFound)
}

func TestMutationsFireChangeHook(t *testing.T) {
	changes := &changeLog{}
	dir := setupDirectory(t, WithChangeHook(changes.record))
	ctx := context.Background()

	id, err := dir.AddUser(ctx, NewUser{ID: "u-1", Email: "u@example.org", PasswordHash: "h", Role: "user"})
	require.NoError(t, err)

	require.NoError(t, dir.SetRole(ctx, id, "0"))
	require.NoError(t, dir.Grant(ctx, id, permission.ManageNodes, permission.ManageNodes))
	require.NoError(t, dir.Revoke(ctx, id, permission.ManageNodes))
	require.NoError(t, dir.RemoveUser(ctx, id))

	assert.Equal(t, []string{"u-1", "u-1", "u-1", "u-1"}, changes.ids)

	grants, err := dir.Grants(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestUsersNormalizesLegacyRoles(t *testing.T) {
	dir := setupDirectory(t)
	ctx := context.Background()

	for email, raw := range map[string]string{
		"a@example.org": "0",
		"b@example.org": "NODE_OFFICER",
		"c@example.org": "superuser",
	} {
		_, err := dir.AddUser(ctx, NewUser{Email: email, PasswordHash: "h", Role: raw})
		require.NoError(t, err)
	}

	users, err := dir.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, role.Admin, users[0].Role)
	assert.Equal(t, role.NodeOfficer, users[1].Role)
	assert.Equal(t, role.None, users[2].Role)
	assert.Equal(t, "superuser", users[2].RawRole)
}

func TestEvaluatorCombinesRoleAndGrants(t *testing.T) {
	dir := setupDirectory(t)
	ctx := context.Background()

	admin, err := dir.AddUser(ctx, NewUser{Email: "admin@example.org", PasswordHash: "h", Role: "admin"})
	require.NoError(t, err)
	officer, err := dir.AddUser(ctx, NewUser{Email: "officer@example.org", PasswordHash: "h", Role: "NODE_OFFICER"})
	require.NoError(t, err)
	user, err := dir.AddUser(ctx, NewUser{Email: "user@example.org", PasswordHash: "h", Role: "user"})
	require.NoError(t, err)
	require.NoError(t, dir.Grant(ctx, user, permission.UpdateMetadata))

	eval, err := NewEvaluator(dir, nil)
	require.NoError(t, err)

	cases := []struct {
		name  string
		user  string
		perms []permission.Permission
		mode  permcache.Mode
		want  bool
	}{
		{"admin root", admin, []permission.Permission{permission.ManageUsers, permission.New("launch", "rocket")}, permcache.All, true},
		{"officer publish", officer, []permission.Permission{permission.PublishMetadata}, permcache.All, true},
		{"officer manage", officer, []permission.Permission{permission.ManageNodes}, permcache.All, false},
		{"user read", user, []permission.Permission{permission.ReadMetadata}, permcache.All, true},
		{"user explicit grant", user, []permission.Permission{permission.ReadMetadata, permission.UpdateMetadata}, permcache.All, true},
		{"user missing delete", user, []permission.Permission{permission.UpdateMetadata, permission.DeleteMetadata}, permcache.All, false},
		{"user any", user, []permission.Permission{permission.DeleteMetadata, permission.UpdateMetadata}, permcache.Any, true},
		{"unknown user", "ghost", []permission.Permission{permission.ReadMetadata}, permcache.All, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := eval.Evaluate(ctx, tc.user, tc.perms, tc.mode)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluatorThroughCacheSeesRoleChangeAfterInvalidate(t *testing.T) {
	var cache *permcache.Cache
	dir := setupDirectory(t, WithChangeHook(func(_ context.Context, userID string) {
		if cache != nil {
			cache.Invalidate(userID)
		}
	}))
	ctx := context.Background()

	eval, err := NewEvaluator(dir, nil)
	require.NoError(t, err)
	cache = permcache.New(eval)

	id, err := dir.AddUser(ctx, NewUser{Email: "u@example.org", PasswordHash: "h", Role: "user"})
	require.NoError(t, err)

	ok, err := cache.Check(ctx, id, permission.PublishMetadata)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, dir.SetRole(ctx, id, "node_officer"))

	ok, err = cache.Check(ctx, id, permission.PublishMetadata)
	require.NoError(t, err)
	assert.True(t, ok, "role change must not be served from a stale entry")
}

func TestEvaluatorTreatsUnknownRoleAsUser(t *testing.T) {
	dir := setupDirectory(t)
	ctx := context.Background()

	reg, err := permission.NewRegistry(64, false)
	require.NoError(t, err)
	require.NoError(t, reg.RegisterAll(permission.ReadMetadata, permission.CreateMetadata))
	reg.Freeze()
	rm := permission.NewRoleManager(reg)
	require.NoError(t, rm.RegisterRole(role.User, []permission.Permission{permission.ReadMetadata, permission.CreateMetadata}))
	require.NoError(t, rm.RegisterRole(role.Guest, []permission.Permission{permission.ReadMetadata}))
	rm.Freeze()

	id, err := dir.AddUser(ctx, NewUser{Email: "legacy@example.org", PasswordHash: "h", Role: "superuser"})
	require.NoError(t, err)

	eval, err := NewEvaluator(dir, rm)
	require.NoError(t, err)
	assert.Equal(t, role.User, eval.DefaultRole)

	ok, err := eval.Evaluate(ctx, id, []permission.Permission{permission.CreateMetadata}, permcache.All)
	require.NoError(t, err)
	assert.True(t, ok, "unrecognised role should evaluate as USER")

	eval.DefaultRole = role.Guest
	ok, err = eval.Evaluate(ctx, id, []permission.Permission{permission.CreateMetadata}, permcache.All)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRebindForPostgres(t *testing.T) {
	d := &SQLDirectory{driver: DriverPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", d.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))
	d.driver = DriverSQLite
	assert.Equal(t, "x = ?", d.rebind("x = ?"))
}
