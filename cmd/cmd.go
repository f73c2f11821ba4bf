package cmd

import (
	"fmt"
	"runtime"

	"github.com/urfave/cli"

	"github.com/loveace/acelink/cmd/common"
)

type BuildArgs struct {
	Version   string
	BuildType string
	Date      string
	Commit    string
}

var (
	configPath string
	userID     string
	debug      bool

	globalFlags = []cli.Flag{
		cli.StringFlag{
			Name:        "config, c",
			Usage:       "path of the config file (default: <config dir>/acelink.toml)",
			Destination: &configPath,
		},
		cli.StringFlag{
			Name:        "user, u",
			Usage:       "user id to act on (default: $ACELINK_USER or config user)",
			Destination: &userID,
		},
		cli.BoolFlag{
			Name:        "debug",
			Usage:       "log protocol detail to stderr",
			Destination: &debug,
		},
	}
)

func Execute(args []string, bArgs BuildArgs) error {
	app := cli.App{
		Name:                  "acelink",
		HelpName:              "acelink",
		Usage:                 "Campus VPN and CAS session keeper.",
		Version:               fmt.Sprintf("%s-%s", bArgs.Version, bArgs.BuildType),
		UsageText:             "acelink [global options] <command> [arguments...]",
		Description:           DESCRIPTION,
		CustomAppHelpTemplate: HELP_TEMPL,
		OnUsageError:          common.UsageErrorCallback,
		Flags:                 globalFlags,
		Commands: []cli.Command{
			{
				Name:               "login",
				Usage:              "sign in to the gateway and the CAS",
				Action:             login,
				OnUsageError:       common.UsageErrorCallback,
				CustomHelpTemplate: CMD_HELP_TEMPL,
				Description:        LoginDescription,
				Flags:              loginFlags,
			},
			{
				Name:               "health",
				Usage:              "check the saved session",
				Action:             health,
				OnUsageError:       common.UsageErrorCallback,
				CustomHelpTemplate: CMD_HELP_TEMPL,
				Description:        HealthDescription,
			},
			{
				Name:                   "fetch",
				Aliases:                []string{"f"},
				Usage:                  "GET a url through the session",
				Action:                 fetch,
				OnUsageError:           common.UsageErrorCallback,
				CustomHelpTemplate:     CMD_HELP_TEMPL,
				Description:            FetchDescription,
				Flags:                  fetchFlags,
				UseShortOptionHandling: true,
			},
			{
				Name:               "logout",
				Usage:              "end the session",
				Action:             logout,
				OnUsageError:       common.UsageErrorCallback,
				CustomHelpTemplate: CMD_HELP_TEMPL,
				Description:        LogoutDescription,
			},
			{
				Name:               "forget",
				Usage:              "delete saved credentials and session",
				Action:             forget,
				OnUsageError:       common.UsageErrorCallback,
				CustomHelpTemplate: CMD_HELP_TEMPL,
				Description:        ForgetDescription,
			},
			{
				Name:               "watch",
				Aliases:            []string{"w"},
				Usage:              "keep the session alive",
				Action:             watch,
				OnUsageError:       common.UsageErrorCallback,
				CustomHelpTemplate: CMD_HELP_TEMPL,
				Description:        WatchDescription,
				Flags:              watchFlags,
			},
			{
				Name:    "help",
				Aliases: []string{"h"},
				Usage:   "prints the help message",
				Action:  common.Help,
			},
			{
				Name:               "version",
				Aliases:            []string{"v"},
				Usage:              "prints installed version of acelink",
				UsageText:          " ",
				CustomHelpTemplate: CMD_HELP_TEMPL,
				Action:             common.GetVersion,
			},
		},
		Action:      common.Help,
		HideHelp:    true,
		HideVersion: true,
	}
	common.VersionCmdStr = fmt.Sprintf("%s %s (%s_%s)\nBuild: %s=%s\n",
		app.Name,
		app.Version,
		runtime.GOOS,
		runtime.GOARCH,
		bArgs.Date, bArgs.Commit,
	)
	return app.Run(args)
}
