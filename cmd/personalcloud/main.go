package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"personalcloud/internal/config"
	"personalcloud/internal/httpserver"
	"personalcloud/internal/logging"
	"personalcloud/internal/upload"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "passwd":
			passwdCmd(os.Args[2:])
			return
		case "uploads":
			uploadsCmd(os.Args[2:])
			return
		}
	}

	var (
		cfgPath   = flag.String("config", "", "path to config file, .toml or .json (optional)")
		root      = flag.String("root", "", "storage root (required if -config is not set)")
		host      = flag.String("host", config.DefaultHost, "listen host")
		port      = flag.Int("port", config.DefaultPort, "listen port")
		user      = flag.String("user", "", "basic auth username")
		password  = flag.String("password", "", "basic auth password")
		maxConns  = flag.Int("max-conns", 0, "max concurrently served connections (0 = unbounded)")
		logLevel  = flag.String("log-level", config.DefaultLogLevel, "trace|debug|info|warn|error")
		logFormat = flag.String("log-format", config.DefaultLogFormat, "console|json")
	)
	flag.Parse()

	var cfg config.Config
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			fatal(err)
		}
	}

	// Explicit flags win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "root":
			cfg.Root = *root
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "user":
			cfg.Username = *user
		case "password":
			cfg.Password = *password
		case "max-conns":
			cfg.MaxConns = *maxConns
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		}
	})
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}

	lg, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fatal(err)
	}

	srv, err := httpserver.New(httpserver.Options{Config: cfg, Logger: lg})
	if err != nil {
		lg.Fatal().Err(err).Msg("server init")
	}
	if err := srv.Start(); err != nil {
		lg.Fatal().Err(err).Msg("start")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
	case <-srv.Done():
	}
	lg.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		lg.Warn().Err(err).Msg("shutdown did not drain in time")
		return
	}
	lg.Info().Msg("bye")
}

// passwdCmd prints a bcrypt hash for the password_bcrypt config field. The
// password comes from -p or, when -p is absent, the first line of stdin.
func passwdCmd(args []string) {
	fs := flag.NewFlagSet("passwd", flag.ExitOnError)
	password := fs.String("p", "", "password (read from stdin when omitted)")
	cost := fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	_ = fs.Parse(args)

	pw := *password
	if pw == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fatal(errors.New("passwd: no password given with -p or on stdin"))
		}
		pw = strings.TrimRight(line, "\r\n")
	}
	hash, err := hashPassword(pw, *cost)
	if err != nil {
		fatal(fmt.Errorf("passwd: %w", err))
	}
	fmt.Println(hash)
}

func hashPassword(pw string, cost int) (string, error) {
	if pw == "" {
		return "", errors.New("empty password")
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return "", fmt.Errorf("cost %d outside %d..%d", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// uploadsCmd lists chunked uploads that were started but never completed.
func uploadsCmd(args []string) {
	fs := flag.NewFlagSet("uploads", flag.ExitOnError)
	root := fs.String("root", "", "storage root (required)")
	_ = fs.Parse(args)
	if *root == "" {
		fatal(errors.New("uploads: -root is required"))
	}
	abs, err := filepath.Abs(*root)
	if err != nil {
		fatal(err)
	}
	sessions, err := upload.New(abs).Pending()
	if err != nil {
		fatal(err)
	}
	if len(sessions) == 0 {
		fmt.Println("no pending uploads")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCHUNKS\tSIZE\tLAST WRITE")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", s.ID, s.Chunks, humanize.IBytes(uint64(s.Bytes)), humanize.Time(s.Modified))
	}
	_ = tw.Flush()
}

func fatal(err error) {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	l.Fatal().Err(err).Send()
}
