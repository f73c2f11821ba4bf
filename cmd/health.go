package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli"

	"github.com/loveace/acelink/cmd/common"
)

func health(ctx *cli.Context) error {
	if ctx.Args().First() == "help" {
		return cli.ShowCommandHelp(ctx, ctx.Command.Name)
	}
	e, err := loadEnv(ctx, "health")
	if err != nil {
		return err
	}
	defer e.Close()

	m, err := e.newManager(nil)
	if err != nil {
		common.PrintRuntimeErr(ctx, "health", "new_session", err)
		return err
	}
	defer m.Close()

	bg := context.Background()
	found, err := e.restore(bg, ctx, "health", m)
	if err != nil {
		common.PrintRuntimeErr(ctx, "health", "restore", err)
		return err
	}
	if !found {
		fmt.Printf("No saved session for %s, run \"acelink login\" first.\n", e.user)
		return nil
	}
	h, err := m.HealthCheck(bg)
	if err != nil {
		common.PrintRuntimeErr(ctx, "health", "check", err)
		return err
	}
	e.save(bg, ctx, "health", m)

	status := "healthy"
	if !h.Healthy {
		status = "unhealthy"
	}
	checkpoint := "never"
	if !h.Checkpoint.IsZero() {
		checkpoint = h.Checkpoint.Format(time.RFC3339)
	}
	fmt.Printf(`
Session Health
User`+"\t\t"+`: %s
Session`+"\t\t"+`: %s
State`+"\t\t"+`: %s
Status`+"\t\t"+`: %s
Checkpoint`+"\t"+`: %s
`, e.user, m.ID(), m.State(), status, checkpoint)
	if h.Reason != "" {
		fmt.Printf("Reason\t\t: %s\n", h.Reason)
	}
	return nil
}
