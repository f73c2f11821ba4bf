package cmd

const HELP_TEMPL = `Usage: {{if .UsageText}}{{.UsageText}}{{else}}{{.HelpName}} {{if .VisibleFlags}}[global options]{{end}}{{if .Commands}} command [command options]{{end}} {{if .ArgsUsage}}{{.ArgsUsage}}{{else}}[arguments...]{{end}}{{end}}
{{.Description}}{{if .VisibleCommands}}
Commands:{{range .VisibleCategories}}{{if .Name}}

{{.Name}}:{{range .VisibleCommands}}
  {{join .Names ", "}}{{"\t"}}{{.Usage}}{{end}}{{else}}{{range .VisibleCommands}}
{{"\t"}}{{index .Names 0}}{{"\t:\t"}}{{.Usage}}{{end}}{{end}}{{end}}{{end}}{{if .VisibleFlags}}

Global Flags:{{range .VisibleFlags}}
  {{.}}{{end}}{{end}}

Use "{{.HelpName}} help <command>" for more information about any command.

`

const CMD_HELP_TEMPL = `{{if .Description}}{{.Description}}{{else}}{{.HelpName}} - {{.Usage}}

{{end}}Usage:
        {{.HelpName}} {{if .UsageText}}{{.UsageText}}{{else}}[arguments...]{{end}}{{if .VisibleFlags}}

Supported Flags:{{range .VisibleFlags}}
  {{.}}{{end}}{{end}}

`

const DESCRIPTION = `
acelink signs you into the campus VPN gateway and the CAS behind it,
keeps the session alive and fetches pages of campus systems through it.
Credentials are kept encrypted in a local vault; sessions are saved
between runs.
`

const (
	LoginDescription = `The login command runs both login phases for a user and
saves the session. Passwords are read from the vault when
present, otherwise they are prompted for.

Example:
        acelink --user 20210001 login
        acelink --user 20210001 login --save

`
	HealthDescription = `The health command restores the saved session and reports
whether it is still usable.

Example:
        acelink --user 20210001 health

`
	FetchDescription = `The fetch command GETs a url through the authenticated
session and writes the body to stdout or a file. An expired
tunnel is renewed silently when credentials are saved.

Example:
        acelink --user 20210001 fetch https://jwcxk2.vpn2.aufe.edu.cn/

`
	LogoutDescription = `The logout command ends the tunnel session on the gateway
and deletes the saved session.

Example:
        acelink --user 20210001 logout

`
	ForgetDescription = `The forget command deletes the saved credentials and
session of a user.

Example:
        acelink --user 20210001 forget

`
	WatchDescription = `The watch command keeps a session alive. On every tick of
the schedule it runs a health check and logs in again with
the saved credentials when the session is unhealthy.

Example:
        acelink --user 20210001 watch
        acelink --user 20210001 watch --schedule "@every 2m"

`
)
