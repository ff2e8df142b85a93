package cli

import (
	"os"

	"github.com/alexflint/go-arg"
	"github.com/ringo-is-a-color/seqproxy/util/osutil"
)

func Parse() Args {
	args := Args{}
	parser := arg.MustParse(&args)
	if len(os.Args) == 1 {
		parser.WriteHelp(os.Stdout)
		osutil.Exit(0)
	}
	if args.ConfigFile == "" && (args.Pipe == "" || args.Socket == "") {
		parser.Fail("either a config file or both --pipe and --socket are required")
	}
	return args
}

type Args struct {
	ConfigFile string `arg:"positional" help:"config file to use"`
	Pipe       string `arg:"-p,--pipe" help:"path of the SOCK_SEQPACKET socket to listen on, overrides the config file"`
	Socket     string `arg:"-s,--socket" help:"back-end address to connect to, e.g. unix:/path or tcp:host:port"`
	Verbose    bool   `arg:"-v,--verbose" help:"log everything including relayed bytes"`
}

const AppName = "seqproxy"

// without v prefix

var version = "(unknown version)"

func (Args) Version() string {
	return AppName + " " + version
}

func (Args) Description() string {
	return "relays every client of a SOCK_SEQPACKET socket to its own stream connection"
}
