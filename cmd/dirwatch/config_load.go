package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"dirwatch/internal/cli"
	"dirwatch/internal/config"
	"dirwatch/internal/logging"
)

// Config is the fully resolved invocation: layered settings plus the
// run-mode flags that never live in a file.
type Config struct {
	Settings config.Config
	// Command is the trailing argv executed on changes; empty means
	// notifications print to stdout instead.
	Command []string
	Watch   bool
	Kill    bool
	PTY     bool

	LogLevel    logging.Level
	ShowVersion bool
}

type flagValues struct {
	Dirs        []string
	NoRecursive bool
	Include     []string
	Exclude     []string

	Watch bool
	Kill  bool
	PTY   bool

	Debounce            time.Duration
	RenameWindow        time.Duration
	MaxPending          int
	QueueCapacity       int
	BackpressureTimeout time.Duration
	Backend             string
	PollInterval        time.Duration

	Listen     string
	Token      string
	ConfigPath string

	Debug bool
	Quiet bool

	Help    bool
	Version bool

	Command []string
	Set     map[string]bool
}

func parseFlags(args []string) (flagValues, error) {
	if args == nil {
		args = []string{}
	}
	defaults := config.Default()
	fs := flag.NewFlagSet("dirwatch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	flags := flagValues{}
	var dirs, includes, excludes cli.List
	fs.Var(&dirs, "d", "Directory to watch")
	fs.Var(&dirs, "dir", "Directory to watch")
	fs.BoolVar(&flags.NoRecursive, "no-recursive", false, "Watch only the listed directories")
	fs.Var(&includes, "i", "Include pattern")
	fs.Var(&includes, "include", "Include pattern")
	fs.Var(&excludes, "e", "Exclude pattern")
	fs.Var(&excludes, "exclude", "Exclude pattern")

	fs.BoolVar(&flags.Watch, "w", false, "Watch-style runs")
	fs.BoolVar(&flags.Watch, "watch", false, "Watch-style runs")
	fs.BoolVar(&flags.Kill, "k", false, "Kill and restart on new changes")
	fs.BoolVar(&flags.Kill, "kill", false, "Kill and restart on new changes")
	fs.BoolVar(&flags.PTY, "pty", false, "Run the command on a pseudo-terminal")

	fs.DurationVar(&flags.Debounce, "debounce", defaults.DebounceWindow.Std(), "Debounce window")
	fs.DurationVar(&flags.RenameWindow, "rename-window", defaults.RenamePairingWindow.Std(), "Rename pairing window")
	fs.IntVar(&flags.MaxPending, "max-pending", defaults.MaxPendingPaths, "Pending path cap")
	fs.IntVar(&flags.QueueCapacity, "queue-capacity", defaults.SubscriberQueueCapacity, "Subscriber queue capacity")
	fs.DurationVar(&flags.BackpressureTimeout, "backpressure-timeout", defaults.BackpressureTimeout.Std(), "Backpressure timeout")
	fs.StringVar(&flags.Backend, "backend", defaults.Backend, "Event backend")
	fs.DurationVar(&flags.PollInterval, "poll-interval", defaults.PollInterval.Std(), "Poll backend interval")

	fs.StringVar(&flags.Listen, "listen", defaults.Listen, "HTTP API address")
	fs.StringVar(&flags.Token, "token", defaults.Token, "HTTP API bearer token")
	fs.StringVar(&flags.ConfigPath, "config", "", "Config file path")

	fs.BoolVar(&flags.Debug, "debug", false, "Log debug detail")
	fs.BoolVar(&flags.Quiet, "q", false, "Log errors only")
	fs.BoolVar(&flags.Quiet, "quiet", false, "Log errors only")
	helpVersion := cli.AddHelpVersionFlags(fs, "Show help", "Print version and exit")

	fs.Usage = func() {
		printHelp(fs.Output(), defaults)
	}

	if err := fs.Parse(args); err != nil {
		return flagValues{}, err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[canonicalFlagName(f.Name)] = true
	})

	flags.Dirs = dirs.Values
	flags.Include = includes.Values
	flags.Exclude = excludes.Values
	flags.Help = helpVersion.Help
	flags.Version = helpVersion.Version
	flags.Command = fs.Args()
	flags.Set = set

	if flags.Help {
		fs.SetOutput(os.Stdout)
		fs.Usage()
		return flags, flag.ErrHelp
	}

	return flags, nil
}

// canonicalFlagName folds short aliases onto their long form so the
// overlay only has one name to check per option.
func canonicalFlagName(name string) string {
	switch name {
	case "d":
		return "dir"
	case "i":
		return "include"
	case "e":
		return "exclude"
	case "w":
		return "watch"
	case "k":
		return "kill"
	case "q":
		return "quiet"
	case "h":
		return "help"
	case "v":
		return "version"
	}
	return name
}

// loadConfig builds the final configuration: defaults, then the config
// file, then DIRWATCH_* environment variables, then explicitly set
// flags. Later layers win.
func loadConfig(args []string) (Config, error) {
	flags, err := parseFlags(args)
	if err != nil {
		return Config{}, err
	}
	if flags.Version {
		return Config{ShowVersion: true}, nil
	}

	settings, err := config.Load(flags.ConfigPath)
	if err != nil {
		return Config{}, err
	}

	if flags.Set["dir"] {
		settings.Roots = flags.Dirs
	}
	if flags.Set["no-recursive"] {
		settings.Recursive = !flags.NoRecursive
	}
	if flags.Set["include"] {
		settings.Include = flags.Include
	}
	if flags.Set["exclude"] {
		settings.Exclude = flags.Exclude
	}
	if flags.Set["debounce"] {
		settings.DebounceWindow = config.Duration(flags.Debounce)
	}
	if flags.Set["rename-window"] {
		settings.RenamePairingWindow = config.Duration(flags.RenameWindow)
	}
	if flags.Set["max-pending"] {
		settings.MaxPendingPaths = flags.MaxPending
	}
	if flags.Set["queue-capacity"] {
		settings.SubscriberQueueCapacity = flags.QueueCapacity
	}
	if flags.Set["backpressure-timeout"] {
		settings.BackpressureTimeout = config.Duration(flags.BackpressureTimeout)
	}
	if flags.Set["backend"] {
		settings.Backend = flags.Backend
	}
	if flags.Set["poll-interval"] {
		settings.PollInterval = config.Duration(flags.PollInterval)
	}
	if flags.Set["listen"] {
		settings.Listen = flags.Listen
	}
	if flags.Set["token"] {
		settings.Token = flags.Token
	}
	if flags.Set["debug"] || flags.Set["quiet"] {
		settings.LogLevel = string(logging.LevelFromFlags(flags.Debug, flags.Quiet))
	}
	if len(settings.Roots) == 0 {
		settings.Roots = []string{"."}
	}

	if err := settings.Validate(); err != nil {
		return Config{}, err
	}

	level, ok := logging.ParseLevel(settings.LogLevel)
	if !ok {
		level = logging.LevelInfo
	}

	return Config{
		Settings: settings,
		Command:  flags.Command,
		Watch:    flags.Watch,
		Kill:     flags.Kill,
		PTY:      flags.PTY,
		LogLevel: level,
	}, nil
}

type helpOption struct {
	Name string
	Desc string
}

func printHelp(out io.Writer, defaults config.Config) {
	fmt.Fprintln(out, "Usage: dirwatch [options] [-- command...]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Watch directories and report coalesced changes, optionally running a command on each batch")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")

	writeOptionGroup(out, "Watch", []helpOption{
		{
			Name: "-d, --dir PATH",
			Desc: "Directory to watch; repeat for more roots (default: .)",
		},
		{
			Name: "--no-recursive",
			Desc: "Watch only the listed directories, not their subtrees",
		},
		{
			Name: "-i, --include PATTERN",
			Desc: "Only report paths matching the glob; repeatable (default: *)",
		},
		{
			Name: "-e, --exclude PATTERN",
			Desc: "Ignore paths matching the glob; repeatable (default: .*)",
		},
	})

	writeOptionGroup(out, "Command", []helpOption{
		{
			Name: "-w, --watch",
			Desc: "Clear the terminal before each run and report every exit status",
		},
		{
			Name: "-k, --kill",
			Desc: "Terminate a still-running command when more changes arrive",
		},
		{
			Name: "--pty",
			Desc: "Run the command on a pseudo-terminal (unix only)",
		},
	})

	writeOptionGroup(out, "Tuning", []helpOption{
		{
			Name: "--debounce DUR",
			Desc: fmt.Sprintf("Debounce window (env: DIRWATCH_DEBOUNCE_WINDOW, default: %s)", defaults.DebounceWindow),
		},
		{
			Name: "--rename-window DUR",
			Desc: "Rename pairing window (env: DIRWATCH_RENAME_PAIRING_WINDOW, default: debounce)",
		},
		{
			Name: "--max-pending N",
			Desc: fmt.Sprintf("Pending paths before a rescan is forced (env: DIRWATCH_MAX_PENDING_PATHS, default: %d)", defaults.MaxPendingPaths),
		},
		{
			Name: "--queue-capacity N",
			Desc: fmt.Sprintf("Per-subscriber queue capacity (env: DIRWATCH_SUBSCRIBER_QUEUE_CAPACITY, default: %d)", defaults.SubscriberQueueCapacity),
		},
		{
			Name: "--backpressure-timeout DUR",
			Desc: fmt.Sprintf("How long a full subscriber may stall delivery (env: DIRWATCH_BACKPRESSURE_TIMEOUT, default: %s)", defaults.BackpressureTimeout),
		},
		{
			Name: "--backend NAME",
			Desc: fmt.Sprintf("Event backend: auto, fsnotify or poll (env: DIRWATCH_BACKEND, default: %s)", defaults.Backend),
		},
		{
			Name: "--poll-interval DUR",
			Desc: "Poll backend scan interval (env: DIRWATCH_POLL_INTERVAL)",
		},
	})

	writeOptionGroup(out, "Server", []helpOption{
		{
			Name: "--listen ADDR",
			Desc: "Serve the HTTP API on this address (env: DIRWATCH_LISTEN, default: off)",
		},
		{
			Name: "--token TOKEN",
			Desc: "Bearer token for the HTTP API (env: DIRWATCH_TOKEN, default: none)",
		},
	})

	writeOptionGroup(out, "Config", []helpOption{
		{
			Name: "--config PATH",
			Desc: fmt.Sprintf("Config file (default: %s when present)", config.DefaultFileName),
		},
	})

	writeOptionGroup(out, "Logging", []helpOption{
		{
			Name: "--debug",
			Desc: "Log debug detail, including each raw change path",
		},
		{
			Name: "-q, --quiet",
			Desc: "Log errors only",
		},
	})

	writeOptionGroup(out, "Other", []helpOption{
		{
			Name: "--help, -h",
			Desc: "Show help and exit",
		},
		{
			Name: "--version, -v",
			Desc: "Print version and exit",
		},
	})
}

func writeOptionGroup(out io.Writer, title string, options []helpOption) {
	if len(options) == 0 {
		return
	}
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, title+":")
	for _, option := range options {
		fmt.Fprintf(out, "  %-28s %s\n", option.Name, option.Desc)
	}
}
