package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli"
	"golang.org/x/term"

	"github.com/loveace/acelink/cmd/common"
	"github.com/loveace/acelink/pkg/session"
)

var (
	saveCreds   bool
	promptCreds bool
	noProgress  bool

	loginFlags = []cli.Flag{
		cli.BoolFlag{
			Name:        "save, s",
			Usage:       "save the passwords in the vault after a successful login",
			Destination: &saveCreds,
		},
		cli.BoolFlag{
			Name:        "prompt, p",
			Usage:       "ask for the passwords even if they are saved",
			Destination: &promptCreds,
		},
		cli.BoolFlag{
			Name:        "no-progress",
			Usage:       "do not draw the progress bar",
			Destination: &noProgress,
		},
	}
)

func login(ctx *cli.Context) error {
	if ctx.Args().First() == "help" {
		return cli.ShowCommandHelp(ctx, ctx.Command.Name)
	}
	e, err := loadEnv(ctx, "login")
	if err != nil {
		return err
	}
	defer e.Close()

	creds, saved, err := e.credentials(ctx, "login")
	if err != nil {
		return err
	}
	if !saved || promptCreds {
		creds, err = promptCredentials(e.user)
		if err != nil {
			common.PrintRuntimeErr(ctx, "login", "prompt", err)
			return err
		}
	}

	var pp *phaseProgress
	var hook func(from, to session.State)
	if !noProgress {
		pp = newPhaseProgress(e.user + " ")
		hook = pp.onStateChange
	}
	m, err := e.newManager(hook)
	if err != nil {
		common.PrintRuntimeErr(ctx, "login", "new_session", err)
		return err
	}
	defer m.Close()

	bg := context.Background()
	err = m.Login(bg, creds)
	if pp != nil {
		pp.wait()
	}
	if err != nil {
		common.PrintRuntimeErr(ctx, "login", session.ReasonOf(err).String(), err)
		return err
	}
	e.save(bg, ctx, "login", m)
	if saveCreds {
		if err := e.vault.Save(creds); err != nil {
			common.PrintRuntimeErr(ctx, "login", "save-credentials", err)
		}
	}
	fmt.Printf("Logged in as %s (session %s)\n", m.UserID(), m.ID())
	return nil
}

// terminalFd reports the descriptor of r when it is an interactive
// terminal.
var terminalFd = func(r io.Reader) (int, bool) {
	f, ok := r.(*os.File)
	if !ok {
		return 0, false
	}
	fd := int(f.Fd())
	return fd, term.IsTerminal(fd)
}

// promptCredentials reads the gateway and CAS passwords, one per line.
// Input is not echoed when stdin is a terminal.
func promptCredentials(user string) (session.Credentials, error) {
	sc := bufio.NewScanner(stdin)
	read := func(prompt string) (string, error) {
		fmt.Print(prompt)
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return "", err
			}
			return "", errors.New("no input")
		}
		return strings.TrimRight(sc.Text(), "\r"), nil
	}
	if fd, ok := terminalFd(stdin); ok {
		read = func(prompt string) (string, error) {
			fmt.Print(prompt)
			b, err := term.ReadPassword(fd)
			fmt.Println()
			return string(b), err
		}
	}
	p1, err := read("VPN password: ")
	if err != nil {
		return session.Credentials{}, err
	}
	p2, err := read("CAS password: ")
	if err != nil {
		return session.Credentials{}, err
	}
	return session.Credentials{UserID: user, Phase1Secret: p1, Phase2Secret: p2}, nil
}
