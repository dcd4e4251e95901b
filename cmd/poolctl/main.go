package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"

	"socks5-pool/internal/backend"
	"socks5-pool/internal/control"
	"socks5-pool/internal/dispatch"
	"socks5-pool/internal/frontend"
	"socks5-pool/internal/lbconfig"
	"socks5-pool/internal/logging"
	"socks5-pool/internal/poolfix"
	"socks5-pool/internal/proxylist"
)

const usage = `usage: poolctl <command> [flags]

commands:
  init     create or adopt a pool configuration file
  check    validate a pool configuration file
  render   render a proxy list into a pool configuration on stdout
  probe    health-check endpoints the way the dispatcher does
  refresh  trigger a refresh on a running service
  status   print the status of a running service
  hash     print the bcrypt hash of a front-end password
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	logger, _, err := logging.New(logging.Options{Level: "info", Console: stderr})
	if err != nil {
		fmt.Fprintf(stderr, "[poolctl] %v\n", err)
		return 1
	}

	cmds := map[string]func([]string, io.Reader, io.Writer, zerolog.Logger) error{
		"init":    cmdInit,
		"check":   cmdCheck,
		"render":  cmdRender,
		"probe":   cmdProbe,
		"refresh": cmdRefresh,
		"status":  cmdStatus,
		"hash":    cmdHash,
	}
	cmd, ok := cmds[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "[poolctl] unknown command %q\n\n%s", args[0], usage)
		return 2
	}

	if err := cmd(args[1:], stdin, stdout, logger); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		fmt.Fprintf(stderr, "[poolctl] %s failed: %v\n", args[0], err)
		return 1
	}
	return 0
}

func markerFlags(fs *flag.FlagSet) *lbconfig.Markers {
	m := lbconfig.DefaultMarkers()
	fs.StringVar(&m.Start, "start-marker", m.Start, "managed region start marker")
	fs.StringVar(&m.End, "end-marker", m.End, "managed region end marker")
	return &m
}

func cmdInit(args []string, _ io.Reader, stdout io.Writer, logger zerolog.Logger) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	configPath := fs.String("config", poolfix.DefaultConfigPath, "pool configuration path")
	backendName := fs.String("backend", poolfix.DefaultBackendName, "backend section that receives the managed region")
	listen := fs.String("listen", poolfix.DefaultSkeletonListen, "bind address written into a new skeleton")
	backups := fs.Int("backups", 5, "number of backups to keep")
	markers := markerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	result, err := poolfix.Run(*configPath, poolfix.Options{
		Markers:         *markers,
		Backend:         *backendName,
		SkeletonListen:  *listen,
		BackupRetention: *backups,
	}, logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "path=%s created=%t changed=%t adopted=%d backup=%s\n",
		result.Path, result.Created, result.Changed, result.Adopted, result.BackupPath)
	return nil
}

func cmdCheck(args []string, _ io.Reader, stdout io.Writer, _ zerolog.Logger) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", poolfix.DefaultConfigPath, "pool configuration path")
	command := fs.String("validate-cmd", "", "external validator, {file} is replaced by the candidate path")
	timeout := fs.Duration("timeout", 30*time.Second, "external validator timeout")
	allowEmpty := fs.Bool("allow-empty", false, "accept an empty managed region")
	markers := markerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	content, err := os.ReadFile(*configPath)
	if err != nil {
		return err
	}

	chain := lbconfig.ChainValidator{&lbconfig.BuiltinValidator{Markers: *markers, AllowEmpty: *allowEmpty}}
	if fields := strings.Fields(*command); len(fields) > 0 {
		chain = append(chain, &lbconfig.CommandValidator{Command: fields, Timeout: *timeout})
	}
	if err := chain.Validate(context.Background(), content); err != nil {
		return err
	}

	members, err := lbconfig.ParseRegion(content, *markers)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: ok, %d members\n", *configPath, len(members))
	return nil
}

func cmdRender(args []string, _ io.Reader, stdout io.Writer, logger zerolog.Logger) error {
	fs := flag.NewFlagSet("render", flag.ContinueOnError)
	source := fs.String("source", "", "proxy list URL or file path")
	base := fs.String("config", "", "existing configuration to render into (default: skeleton)")
	listen := fs.String("listen", poolfix.DefaultSkeletonListen, "bind address for the skeleton")
	interval := fs.Duration("inter", backend.DefaultCheckInterval, "health check interval")
	rise := fs.Uint("rise", backend.DefaultRise, "consecutive successes to mark a member up")
	fall := fs.Uint("fall", backend.DefaultFall, "consecutive failures to mark a member down")
	markers := markerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *source == "" {
		return errors.New("-source is required")
	}

	sourceURL := *source
	if !strings.Contains(sourceURL, "://") {
		abs, err := filepath.Abs(sourceURL)
		if err != nil {
			return err
		}
		sourceURL = "file://" + filepath.ToSlash(abs)
	}

	lines, err := proxylist.NewFetcher(sourceURL, proxylist.Options{}, logger).Fetch(context.Background())
	if err != nil {
		return err
	}
	members, err := backend.NewBuilder(backend.CheckSettings{Interval: *interval, Rise: *rise, Fall: *fall}, logger).Build(lines)
	if err != nil {
		return err
	}

	current := lbconfig.Skeleton(*markers, *listen)
	if *base != "" {
		if current, err = os.ReadFile(*base); err != nil {
			return err
		}
	}
	out, err := lbconfig.NewMaterializer(*markers).Materialize(current, members)
	if err != nil {
		return err
	}
	_, err = stdout.Write(out)
	return err
}

func cmdProbe(args []string, _ io.Reader, stdout io.Writer, _ zerolog.Logger) error {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	mode := fs.String("mode", "tcp", "probe mode: tcp or socks5")
	target := fs.String("target", "", "host:port to CONNECT to in socks5 mode")
	user := fs.String("user", "", "SOCKS5 username")
	password := fs.String("password", "", "SOCKS5 password")
	timeout := fs.Duration("timeout", dispatch.DefaultProbeTimeout, "per-endpoint timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("at least one host:port is required")
	}

	var prober dispatch.Prober
	switch *mode {
	case "tcp":
		prober = dispatch.TCPProber{}
	case "socks5":
		if *target == "" {
			return errors.New("-target is required in socks5 mode")
		}
		p := dispatch.SOCKS5Prober{Target: *target}
		if *user != "" {
			p.Auth = &proxy.Auth{User: *user, Password: *password}
		}
		prober = p
	default:
		return fmt.Errorf("unknown probe mode %q", *mode)
	}

	down := 0
	for _, addr := range fs.Args() {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		start := time.Now()
		err := prober.Probe(ctx, addr)
		cancel()
		if err != nil {
			down++
			fmt.Fprintf(stdout, "%s %s %s\n", addr, dispatch.Down, err)
			continue
		}
		fmt.Fprintf(stdout, "%s %s %s\n", addr, dispatch.Up, time.Since(start).Round(time.Millisecond))
	}
	if down > 0 {
		return fmt.Errorf("%d of %d endpoints down", down, fs.NArg())
	}
	return nil
}

func controlRequest(name, method, path string, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	addr := fs.String("addr", "http://"+control.DefaultListen, "control server base URL")
	user := fs.String("user", "", "control username")
	password := fs.String("password", "", "control password")
	timeout := fs.Duration("timeout", 3*time.Minute, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req, err := http.NewRequest(method, strings.TrimRight(*addr, "/")+path, nil)
	if err != nil {
		return err
	}
	if *user != "" {
		req.SetBasicAuth(*user, *password)
	}

	resp, err := (&http.Client{Timeout: *timeout}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(stdout, resp.Body); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server answered %s", resp.Status)
	}
	return nil
}

func cmdRefresh(args []string, _ io.Reader, stdout io.Writer, _ zerolog.Logger) error {
	return controlRequest("refresh", http.MethodPost, "/refresh", args, stdout)
}

func cmdStatus(args []string, _ io.Reader, stdout io.Writer, _ zerolog.Logger) error {
	return controlRequest("status", http.MethodGet, "/status", args, stdout)
}

func cmdHash(args []string, stdin io.Reader, stdout io.Writer, _ zerolog.Logger) error {
	fs := flag.NewFlagSet("hash", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	password := fs.Arg(0)
	if password == "" {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		password = strings.TrimRight(line, "\r\n")
	}

	hash, err := frontend.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, hash)
	return nil
}
