package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli"

	"github.com/loveace/acelink/cmd/common"
	"github.com/loveace/acelink/pkg/credman"
)

func logout(ctx *cli.Context) error {
	e, err := loadEnv(ctx, "logout")
	if err != nil {
		return err
	}
	defer e.Close()

	m, err := e.newManager(nil)
	if err != nil {
		common.PrintRuntimeErr(ctx, "logout", "new_session", err)
		return err
	}
	defer m.Close()

	bg := context.Background()
	found, err := e.restore(bg, ctx, "logout", m)
	if err != nil {
		common.PrintRuntimeErr(ctx, "logout", "restore", err)
		return err
	}
	if !found {
		fmt.Printf("No saved session for %s.\n", e.user)
		return nil
	}
	if err := m.Logout(bg); err != nil {
		common.PrintRuntimeErr(ctx, "logout", "logout", err)
		return err
	}
	if err := e.store.Delete(bg, e.user); err != nil {
		common.PrintRuntimeErr(ctx, "logout", "delete-session", err)
		return err
	}
	fmt.Printf("Logged out %s\n", e.user)
	return nil
}

func forget(ctx *cli.Context) error {
	e, err := loadEnv(ctx, "forget")
	if err != nil {
		return err
	}
	defer e.Close()

	v, err := e.openVault(ctx, "forget")
	if err != nil {
		return err
	}
	if err := v.Delete(e.user); err != nil && !errors.Is(err, credman.ErrNotFound) {
		common.PrintRuntimeErr(ctx, "forget", "credman", err)
	}
	if err := e.store.Delete(context.Background(), e.user); err != nil {
		common.PrintRuntimeErr(ctx, "forget", "delete-session", err)
		return err
	}
	fmt.Printf("Forgot %s\n", e.user)
	return nil
}
