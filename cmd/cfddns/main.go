package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gologme/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/Travis-Britz/cfddns"
	"github.com/Travis-Britz/cfddns/internal/config"
	"github.com/Travis-Britz/cfddns/internal/logging"
)

const (
	exitConfig  = 1
	exitResolve = 2
	exitState   = 3
	exitLookup  = 4
	exitUpdate  = 5
)

func main() {
	app := &cli.App{
		Name:  "cfddns",
		Usage: "point a Cloudflare A record at this host's public IPv4 address",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to an HJSON, JSON or YAML config file",
				EnvVars: []string{"CFDDNS_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "ip",
				Usage: "set this IPv4 address instead of detecting one",
			},
			&cli.StringFlag{
				Name:  "loglevel",
				Usage: "error, warn, info, debug or trace; overrides log_level from the config file",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "shorthand for --loglevel debug",
			},
		},
		Action: runUpdate,
		Commands: []*cli.Command{
			{
				Name:  "setup",
				Usage: "prompt for an API token, verify it, and write it to the key file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "key-file",
						Aliases: []string{"k"},
						Usage:   "where to write the token",
						Value:   config.DefaultKeyFile(),
					},
				},
				Action: runSetup,
			},
			{
				Name:   "verify",
				Usage:  "check that the configured credentials are accepted by Cloudflare",
				Action: runVerify,
			},
			{
				Name:   "status",
				Usage:  "show the stored state and the address the record currently resolves to",
				Action: runStatus,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func newLogger(c *cli.Context, cfg *config.Config) (*log.Logger, io.Closer, error) {
	logger, closer, err := logging.New(cfg.LogFile)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.LogLevel
	if l := c.String("loglevel"); l != "" {
		level = l
	}
	if c.Bool("verbose") {
		level = "debug"
	}
	logging.SetLogLevel(level, logger)
	return logger, closer, nil
}

func runUpdate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err, exitConfig)
	}
	logger, closer, err := newLogger(c, cfg)
	if err != nil {
		return cli.Exit(err, exitConfig)
	}
	defer closer.Close()
	logger.Infof("starting update for %s", cfg.Record)

	opts, err := clientOptions(cfg, c.String("ip"), logger)
	if err != nil {
		logger.Errorf("%s", err)
		return cli.Exit("", exitConfig)
	}
	client, err := cfddns.New(cfg.Record, opts...)
	if err != nil {
		logger.Errorf("%s", err)
		return cli.Exit("", exitConfig)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if _, err := client.RunDDNS(ctx); err != nil {
		logger.Errorf("%s", err)
		return cli.Exit("", exitCode(err))
	}
	return nil
}

// clientOptions translates cfg into options for cfddns.New.
// A non-empty ip replaces address detection.
func clientOptions(cfg *config.Config, ip string, logger cfddns.Logger) ([]cfddns.ClientOption, error) {
	opts := []cfddns.ClientOption{
		cfddns.WithLogger(logger),
		cfddns.UsingCloudflare(cfg.Credentials()),
		cfddns.WithAPIBaseURL(cfg.APIBaseURL),
		cfddns.WithAPIRetries(cfg.APIRetries),
		cfddns.InZone(cfg.Zone),
		cfddns.WithRecordType(cfg.RecordType),
		cfddns.WithTTL(cfg.TTL),
		cfddns.Proxied(cfg.Proxied),
		cfddns.WithComment(cfg.Comment),
		cfddns.UsingStateFile(cfg.StateFile),
	}
	if ip != "" {
		resolver, err := cfddns.FromString(ip)
		if err != nil {
			return nil, fmt.Errorf("--ip: %w", err)
		}
		return append(opts, cfddns.UsingResolver(resolver)), nil
	}
	return append(opts,
		cfddns.UsingWebResolver(cfg.IPServices...),
		cfddns.WithQuorum(cfg.Quorum),
		cfddns.WithTimeout(cfg.Timeout),
	), nil
}

// exitCode maps a RunDDNS error to the process exit status.
func exitCode(err error) int {
	var re *cfddns.RunError
	if !errors.As(err, &re) {
		return exitConfig
	}
	switch re.Stage {
	case cfddns.StageResolve:
		return exitResolve
	case cfddns.StageState:
		return exitState
	case cfddns.StageLookupZone, cfddns.StageLookupRecord:
		return exitLookup
	case cfddns.StageUpdate:
		return exitUpdate
	}
	return exitConfig
}

func runSetup(c *cli.Context) error {
	keyFile := c.String("key-file")
	if keyFile == "" {
		return cli.Exit("no key file given and no home directory to default to", exitConfig)
	}
	if _, err := os.Stat(keyFile); err == nil {
		return cli.Exit(fmt.Sprintf("key file \"%s\" already exists", keyFile), exitConfig)
	}

	fmt.Printf("Enter Cloudflare API Token: \n")
	bytekey, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return cli.Exit(fmt.Errorf("error reading from stdin: %w", err), exitConfig)
	}
	key := string(bytekey)

	ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()
	fmt.Println("verifying token...")
	who, err := cfddns.VerifyCredentials(ctx, cfddns.Credentials{Token: key}, "")
	if err != nil {
		return cli.Exit(err, exitConfig)
	}
	fmt.Println(color.GreenString("%s", who))

	f, err := os.OpenFile(keyFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return cli.Exit(fmt.Errorf("unable to create \"%s\": %w", keyFile, err), exitConfig)
	}
	defer f.Close()
	fmt.Fprintln(f, key)
	fmt.Printf("token written to \"%s\"\n", keyFile)
	if keyFile != config.DefaultKeyFile() {
		fmt.Printf("add this line to your config file:\n  key_file: %s\n", keyFile)
	}
	return nil
}

func runVerify(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err, exitConfig)
	}
	ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()
	who, err := cfddns.VerifyCredentials(ctx, cfg.Credentials(), cfg.APIBaseURL)
	if err != nil {
		return cli.Exit(color.RedString("%s", err), exitConfig)
	}
	fmt.Println(color.GreenString("%s", who))
	return nil
}

func runStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err, exitConfig)
	}
	label := color.New(color.Bold).SprintFunc()
	fmt.Printf("%s %s (zone %s)\n", label("record:"), cfg.Record, cfg.Zone)

	switch store := cfddns.OpenStore(cfg.StateFile).(type) {
	case *cfddns.BoltStore:
		st, err := store.State()
		if err != nil {
			return cli.Exit(err, exitState)
		}
		fmt.Printf("%s %s\n", label("confirmed:"), orNone(st.Confirmed))
		fmt.Printf("%s %s\n", label("detected:"), orNone(st.Detected))
		if !st.Updated.IsZero() {
			fmt.Printf("%s %s\n", label("updated:"), st.Updated.Local().Format(time.DateTime))
		}
		if st.Detected != "" && st.Detected != st.Confirmed {
			fmt.Println(color.YellowString("the last detected address was never confirmed; the next run will retry it"))
		}
		for _, h := range st.History {
			fmt.Printf("  %s  %s\n", h.Time.Local().Format(time.DateTime), h.Addr)
		}
	default:
		last, err := store.LastConfirmed()
		if err != nil {
			return cli.Exit(err, exitState)
		}
		fmt.Printf("%s %s\n", label("confirmed:"), orNone(last))
	}

	ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()
	addrs, err := cfddns.PublishedAddrs(ctx, cfg.Record)
	if err != nil {
		fmt.Printf("%s %s\n", label("published:"), color.RedString("%s", err))
		return nil
	}
	if len(addrs) == 0 {
		fmt.Printf("%s %s\n", label("published:"), color.YellowString("no A records"))
		return nil
	}
	for _, a := range addrs {
		fmt.Printf("%s %s\n", label("published:"), color.CyanString("%s", a))
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return color.YellowString("(none)")
	}
	return s
}
