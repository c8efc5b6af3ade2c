package coordination

import (
	"context"
	"errors"
	"sort"

	pkgerrors "github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	rootUser   = "root"
	rootRole   = "root"
	brokerRole = "rollsec-broker"
)

// provision the users and roles of |cfg|. It's idempotent, and may be
// applied to a node which already enforces authentication.
func provision(ctx context.Context, client *clientv3.Client, cfg AuthConfig) error {
	if _, err := client.RoleAdd(ctx, rootRole); err != nil && !errors.Is(err, rpctypes.ErrRoleAlreadyExist) {
		return pkgerrors.Wrap(err, "adding root role")
	}
	if err := putUser(ctx, client, rootUser, cfg.RootPassword, rootRole); err != nil {
		return err
	}
	if _, err := client.RoleAdd(ctx, brokerRole); err != nil && !errors.Is(err, rpctypes.ErrRoleAlreadyExist) {
		return pkgerrors.Wrap(err, "adding broker role")
	}
	if _, err := client.RoleGrantPermission(ctx, brokerRole,
		cfg.Prefix, clientv3.GetPrefixRangeEnd(cfg.Prefix),
		clientv3.PermissionType(clientv3.PermReadWrite),
	); err != nil {
		return pkgerrors.Wrap(err, "granting broker role")
	}

	var names = make([]string, 0, len(cfg.Users))
	for name := range cfg.Users {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := putUser(ctx, client, name, cfg.Users[name], brokerRole); err != nil {
			return err
		}
	}
	return nil
}

func putUser(ctx context.Context, client *clientv3.Client, name, password, role string) error {
	if _, err := client.UserAdd(ctx, name, password); errors.Is(err, rpctypes.ErrUserAlreadyExist) {
		if _, err = client.UserChangePassword(ctx, name, password); err != nil {
			return pkgerrors.Wrapf(err, "changing password of %s", name)
		}
	} else if err != nil {
		return pkgerrors.Wrapf(err, "adding user %s", name)
	}
	if _, err := client.UserGrantRole(ctx, name, role); err != nil {
		return pkgerrors.Wrapf(err, "granting %s to %s", role, name)
	}
	return nil
}

func isAuthError(err error) bool {
	for _, e := range []error{
		rpctypes.ErrUserEmpty,
		rpctypes.ErrAuthFailed,
		rpctypes.ErrPermissionDenied,
		rpctypes.ErrInvalidAuthToken,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
