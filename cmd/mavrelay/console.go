package main

import (
	"github.com/spf13/cobra"
	"github.com/temoto/mavrelay/helpers/cli"
	"github.com/temoto/mavrelay/relay"
)

func newConsoleCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Interactive relay console",
		Long: "Runs relay with command prompt on terminal. Without terminal, executes commands from stdin and exits.\n\n" +
			relay.ConsoleUsage,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(cmd, f)
		},
	}
}

func runConsole(cmd *cobra.Command, f *flags) error {
	log := newLog(cmd.ErrOrStderr(), f.debug, false)
	cfg, err := loadConfig(cmd, log, f)
	if err != nil {
		return err
	}

	ctx, r := relay.NewContext(log, cmd.OutOrStdout())
	if err := r.Init(ctx, cfg); err != nil {
		r.Error(err, "relay init")
	}
	defer r.Close()

	con := relay.NewConsole(r)
	exec := func(line string) {
		if err := con.Exec(ctx, line); err != nil {
			r.Printf("", "error: %v", err)
		}
	}
	return cli.MainLoop("mavrelay", cmd.InOrStdin(), exec, cli.Completer(con.Words), con.Prompt)
}
