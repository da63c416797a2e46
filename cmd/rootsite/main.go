// rootsite drives an editing view from the command line: it runs input
// scripts, types text through simulated or real input methods, and reads
// the edit journal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	"rootsite/internal/composition"
	"rootsite/internal/config"
	"rootsite/internal/inputbus"
	"rootsite/internal/journal"
	"rootsite/internal/logging"
	"rootsite/internal/script"
	"rootsite/internal/textbuf"
)

var (
	configPath = flag.String("config", "", "path to config file")
	keyboard   = flag.String("keyboard", "", "keyboard family (overrides config)")
	verbose    = flag.Bool("v", false, "debug logging")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	switch cmd {
	case "run":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: rootsite run <script.json>...")
			os.Exit(1)
		}
		os.Exit(cmdRun(args))
	case "type":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: rootsite type <keys>")
			os.Exit(1)
		}
		cmdType(strings.Join(args, " "))
	case "journal":
		cmdJournal(args)
	case "keyboards":
		cmdKeyboards()
	case "ibus-address":
		cmdIBusAddress()
	case "config":
		cmdConfig(args)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `rootsite - editing view and input method driver

Usage: rootsite [options] <command> [args]

Commands:
  run <script>...        Run input scripts and check their expectations
  type <keys>            Type keys through the configured keyboard
  journal                List journal sessions
  journal show <id>      Print a session's composition events and edits
  journal replay <id>    Rebuild a session's text from its edits
  keyboards              List keyboard families
  ibus-address           Print the IBus bus address
  config                 Print the effective configuration
  config init            Write a default config file
  config watch           Print configuration changes as they happen
  help                   Show this help message

Options:
  -config <path>         Path to config file (default: ~/.config/rootsite/config.toml)
  -keyboard <family>     Keyboard family, overriding the config
  -v                     Debug logging`)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *keyboard != "" {
		cfg.Keyboard.Family = *keyboard
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg
}

func setupLogging(cfg *config.Config) *logging.Logger {
	lc, err := cfg.LogConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error in logging config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(lc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefault(logger)
	return logger
}

func openJournal(cfg *config.Config) *journal.Store {
	if !cfg.Journal.Enabled {
		return nil
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	store, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening journal: %v\n", err)
		os.Exit(1)
	}
	return store
}

func scriptOptions(cfg *config.Config, logger *logging.Logger) script.Options {
	form, _ := textbuf.ParseForm(cfg.Composition.Normalization)
	mode, _ := composition.ParseRangeMode(cfg.Composition.RangeMode)
	return script.Options{Form: form, RangeMode: mode, Logger: logger}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func dialIBus(ctx context.Context, cfg *config.Config, logger *logging.Logger) *inputbus.DBusCommunicator {
	caps, err := inputbus.ParseCapabilities(cfg.IBus.Capabilities)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	comm, err := inputbus.DialIBus(ctx, inputbus.DBusOptions{
		Address:      cfg.IBus.Address,
		ClientName:   cfg.IBus.ClientName,
		Settle:       time.Duration(cfg.IBus.SettleMs) * time.Millisecond,
		Capabilities: caps,
		Logger:       logger.WithComponent("ibus").Logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to IBus: %v\n", err)
		os.Exit(1)
	}
	return comm
}

func cmdRun(paths []string) int {
	cfg := loadConfig()
	logger := setupLogging(cfg)
	defer logger.Close()
	store := openJournal(cfg)
	if store != nil {
		defer store.Close()
	}

	ctx, cancel := signalContext()
	defer cancel()

	failed := 0
	for _, path := range paths {
		s, err := script.Load(path)
		if err != nil {
			fmt.Printf("ERROR %s: %v\n", path, err)
			failed++
			continue
		}

		opts := scriptOptions(cfg, logger)
		opts.Journal = store
		if s.Keyboard == string(inputbus.IBus) {
			comm := dialIBus(ctx, cfg, logger)
			defer comm.Close()
			opts.Communicator = comm
		}

		res, err := script.Run(ctx, s, opts)
		if err != nil {
			fmt.Printf("ERROR %s: %v\n", s.Name, err)
			failed++
			continue
		}
		if err := script.Check(s, res, opts.Form); err != nil {
			fmt.Printf("FAIL  %v\n", err)
			failed++
			continue
		}
		fmt.Printf("PASS  %s\n", s.Name)
	}

	fmt.Printf("\n%d passed, %d failed\n", len(paths)-failed, failed)
	if failed > 0 {
		return 1
	}
	return 0
}

func cmdType(keys string) {
	cfg := loadConfig()
	logger := setupLogging(cfg)
	defer logger.Close()
	store := openJournal(cfg)
	if store != nil {
		defer store.Close()
	}

	ctx, cancel := signalContext()
	defer cancel()

	opts := scriptOptions(cfg, logger)
	opts.Journal = store
	if cfg.Keyboard.Family == string(inputbus.IBus) {
		comm := dialIBus(ctx, cfg, logger)
		defer comm.Close()
		opts.Communicator = comm
	}

	s := &script.Script{
		Name:     "type",
		Keyboard: cfg.Keyboard.Family,
		Glyphs:   cfg.Keyboard.Glyphs,
		Steps:    []script.Step{{Type: &keys}},
	}
	res, err := script.Run(ctx, s, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Text:      %q\n", res.Text)
	fmt.Printf("Selection: (%d,%d)\n", res.Selection.Anchor, res.Selection.End)
	fmt.Printf("State:     %s\n", res.State)
	if res.Preedit != "" {
		fmt.Printf("Preedit:   %q\n", res.Preedit)
	}
	fmt.Printf("Keys:      %d (%d handled by the input method)\n", res.Stats.KeysProcessed, res.Stats.KeysHandled)
	if res.SessionID != 0 {
		fmt.Printf("Journal:   session %d\n", res.SessionID)
	}
}

func cmdJournal(args []string) {
	cfg := loadConfig()
	cfg.Journal.Enabled = true
	store := openJournal(cfg)
	defer store.Close()

	if len(args) == 0 {
		sessions, err := store.Sessions()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions recorded")
			return
		}
		for _, s := range sessions {
			fmt.Printf("%4d  %s  %-22s %s\n", s.ID, s.Started.Format(time.RFC3339), s.Keyboard, s.ViewID)
		}
		return
	}

	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: rootsite journal [show|replay] <id>")
		os.Exit(1)
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid session id: %s\n", args[1])
		os.Exit(1)
	}

	switch args[0] {
	case "show":
		events, err := store.Events(id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Events:")
		for _, e := range events {
			fmt.Printf("  %4d  %-7s [%d,%d) %q\n", e.Seq, e.Kind, e.Start, e.End, e.Text)
		}
		edits, err := store.Edits(id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Edits:")
		for _, e := range edits {
			fmt.Printf("  %4d  [%d,%d) %q -> %q\n", e.Seq, e.Start, e.End, e.Removed, e.Inserted)
		}
	case "replay":
		text, err := store.ReplaySession(id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%q\n", text)
	default:
		fmt.Fprintf(os.Stderr, "Unknown journal command: %s\n", args[0])
		os.Exit(1)
	}
}

func cmdKeyboards() {
	cfg := loadConfig()
	for _, f := range inputbus.Families() {
		marker := " "
		if string(f) == cfg.Keyboard.Family {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, f)
	}
	marker := " "
	if cfg.Keyboard.Family == string(inputbus.IBus) {
		marker = "*"
	}
	fmt.Printf("%s %s (D-Bus)\n", marker, inputbus.IBus)

	glyphs := cfg.Keyboard.Glyphs
	if len(glyphs) == 0 {
		glyphs = inputbus.DefaultGlyphs
	}
	keys := make([]string, 0, len(glyphs))
	for k := range glyphs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	fmt.Println("\nGlyph table:")
	for _, k := range keys {
		fmt.Printf("  %-4s %s\n", k, glyphs[k])
	}
}

func cmdIBusAddress() {
	cfg := loadConfig()
	addr := cfg.IBus.Address
	if addr == "" {
		var err error
		addr, err = inputbus.IBusAddress()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Println(addr)
}

func cmdConfig(args []string) {
	if len(args) == 0 {
		cfg := loadConfig()
		if err := toml.NewEncoder(os.Stdout).Encode(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch args[0] {
	case "init":
		cfg, created, err := config.LoadOrCreate(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		path := *configPath
		if path == "" {
			path = config.ConfigPath()
		}
		if created {
			fmt.Printf("Wrote default config to %s\n", path)
		} else {
			fmt.Printf("Config already exists at %s (keyboard: %s)\n", path, cfg.Keyboard.Family)
		}
	case "watch":
		cmdConfigWatch()
	default:
		fmt.Fprintf(os.Stderr, "Unknown config command: %s\n", args[0])
		os.Exit(1)
	}
}

func cmdConfigWatch() {
	loader := config.NewLoader(*configPath)
	defer loader.Close()
	if _, err := loader.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	loader.OnChange(func(cfg *config.Config) {
		fmt.Printf("%s  reloaded: keyboard=%s normalization=%s range_mode=%s\n",
			time.Now().Format(time.TimeOnly), cfg.Keyboard.Family,
			cfg.Composition.Normalization, cfg.Composition.RangeMode)
	})
	if err := loader.Watch(); err != nil {
		fmt.Fprintf(os.Stderr, "Error watching config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()
	fmt.Printf("Watching %s (Ctrl-C to stop)\n", loader.Path())
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-loader.Errors():
			fmt.Fprintf(os.Stderr, "%s  %v\n", time.Now().Format(time.TimeOnly), err)
		}
	}
}
