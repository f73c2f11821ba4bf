package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/urfave/cli"

	"github.com/loveace/acelink/cmd/common"
	"github.com/loveace/acelink/pkg/session"
)

var (
	outputPath string

	fetchFlags = []cli.Flag{
		cli.StringFlag{
			Name:        "output, o",
			Usage:       "write the body to a file instead of stdout",
			Destination: &outputPath,
		},
	}
)

func fetch(ctx *cli.Context) error {
	target := ctx.Args().First()
	if target == "" {
		return common.PrintErrWithCmdHelp(
			ctx,
			errors.New("no url provided"),
		)
	} else if target == "help" {
		return cli.ShowCommandHelp(ctx, ctx.Command.Name)
	}
	e, err := loadEnv(ctx, "fetch")
	if err != nil {
		return err
	}
	defer e.Close()

	m, err := e.newManager(nil)
	if err != nil {
		common.PrintRuntimeErr(ctx, "fetch", "new_session", err)
		return err
	}
	defer m.Close()

	bg := context.Background()
	if _, err := e.restore(bg, ctx, "fetch", m); err != nil {
		common.PrintRuntimeErr(ctx, "fetch", "restore", err)
		return err
	}
	if m.State() != session.Authenticated {
		creds, ok, err := e.credentials(ctx, "fetch")
		if err != nil {
			return err
		}
		if !ok {
			err = fmt.Errorf("%w for %s, run \"acelink login --save\" first", session.ErrNotAuthenticated, e.user)
			common.PrintRuntimeErr(ctx, "fetch", "login", err)
			return err
		}
		if err := m.Login(bg, creds); err != nil {
			common.PrintRuntimeErr(ctx, "fetch", "login", err)
			return err
		}
	}

	resp, err := m.Get(bg, target)
	// the session may have been renewed even if the request failed
	e.save(bg, ctx, "fetch", m)
	if err != nil {
		common.PrintRuntimeErr(ctx, "fetch", "get", err)
		return err
	}
	e.log.Info("GET %s -> %d after %d redirects", resp.URL.Redacted(), resp.StatusCode, resp.Redirects)

	if outputPath == "" {
		_, err = os.Stdout.Write(resp.Body)
		return err
	}
	if err := afero.WriteFile(appFs, outputPath, resp.Body, 0o644); err != nil {
		common.PrintRuntimeErr(ctx, "fetch", "write", err)
		return err
	}
	fmt.Printf("Saved %d bytes to %s\n", len(resp.Body), outputPath)
	return nil
}
