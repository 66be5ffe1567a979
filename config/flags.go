package config

import "github.com/spf13/pflag"

// ParseFlags returns Default() with any flags present in args layered on
// top. Every flag is optional and every default already matches the wire
// contract, so invoking the server with args == nil (no arguments) behaves
// exactly as the protocol requires.
func ParseFlags(args []string) (*Config, error) {
	cfg := Default()

	fs := pflag.NewFlagSet("presenced", pflag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "TCP listen address")
	fs.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "journal file path")
	fs.StringVar(&cfg.ControlSocketPath, "control-socket", cfg.ControlSocketPath, "admin unix socket path")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}
