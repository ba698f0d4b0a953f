package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/syslog"
	"os"
	"os/signal"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/mawis/couriergrey/internal/app/server"
	"github.com/mawis/couriergrey/internal/app/version"
	"github.com/mawis/couriergrey/internal/config"
	"github.com/mawis/couriergrey/internal/geolite"
	"github.com/mawis/couriergrey/internal/greylist"
	"github.com/mawis/couriergrey/internal/jobs/maintenance"
	"github.com/mawis/couriergrey/internal/metrics"
	"github.com/mawis/couriergrey/internal/session"
	"github.com/mawis/couriergrey/internal/store"
	"github.com/mawis/couriergrey/internal/support"
	"github.com/mawis/couriergrey/internal/whitelist"
)

// signalReady is replaced in tests, where fd 3 belongs to the test runner.
var signalReady = server.SignalReady

type options struct {
	socketPath    string
	whitelistPath string
	settingsPath  string
	dumpWhitelist bool
	dumpDB        bool
	expireDays    int
	showVersion   bool
	debug         bool
	useSyslog     bool
}

func Run() error {
	return run(context.Background(), os.Args[1:], os.Stdin, os.Stdout)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found. Falling back to system environment variables.")
	}

	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	if err := configureLogging(opts); err != nil {
		return err
	}

	cfg, err := config.ReadSettings(opts.settingsPath)
	if err != nil {
		return err
	}
	cfg = applyFlags(cfg, opts)
	config.SetConfig(cfg)
	config.SetBetweenTime()

	if opts.showVersion {
		return printVersion(stdout, cfg)
	}

	wl, err := whitelist.Load(cfg.WhitelistPath)
	if err != nil {
		return err
	}

	if opts.dumpWhitelist {
		return wl.Dump(stdout)
	}

	st, err := store.FromConfig(cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := support.CloseRedisClient(); err != nil {
			log.Warn("Closing redis client failed", "error", err)
		}
	}()

	switch {
	case opts.dumpDB:
		return maintenance.DumpRecords(ctx, st, stdout)
	case opts.expireDays >= 0:
		res, err := maintenance.Expire(ctx, st, opts.expireDays)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "Scanned %d records, removed %d (%d undecodable) in %s\n", res.Scanned, res.Removed, res.Corrupt, res.Duration.Round(time.Millisecond))
		return err
	}

	return serve(ctx, cfg, opts.settingsPath, wl, st, stdin)
}

func parseFlags(args []string) (options, error) {
	var opts options

	defaults, _ := config.Defaults()

	fs := flag.NewFlagSet("couriergrey", flag.ContinueOnError)
	fs.StringVar(&opts.socketPath, "socket", "", "location of the filter socket (overrides settings, default "+defaults.SocketPath+")")
	fs.StringVar(&opts.whitelistPath, "whitelist", "", "location of the IP address whitelist (overrides settings, default "+defaults.WhitelistPath+")")
	fs.StringVar(&opts.settingsPath, "settings", config.DefaultSettingsPath, "location of the optional JSON settings file")
	fs.BoolVar(&opts.dumpWhitelist, "dumpwhitelist", false, "dump the content of the parsed whitelist and exit")
	fs.BoolVar(&opts.dumpDB, "dumpdb", false, "dump the delivery attempt records and exit")
	fs.IntVar(&opts.expireDays, "expire", -1, "remove records not seen for the given number of days and exit")
	fs.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	fs.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&opts.useSyslog, "syslog", false, "send log output to syslog (facility mail)")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

func applyFlags(cfg config.Config, opts options) config.Config {
	if opts.socketPath != "" {
		cfg.SocketPath = opts.socketPath
	}
	if opts.whitelistPath != "" {
		cfg.WhitelistPath = opts.whitelistPath
	}
	return cfg
}

func configureLogging(opts options) error {
	if opts.debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	if !opts.useSyslog {
		return nil
	}

	w, err := syslog.New(syslog.LOG_MAIL|syslog.LOG_INFO, "couriergrey")
	if err != nil {
		return fmt.Errorf("connect to syslog: %w", err)
	}
	log.SetOutput(w)
	log.SetFormatter(log.LogfmtFormatter)
	log.SetReportTimestamp(false)
	return nil
}

func printVersion(w io.Writer, cfg config.Config) error {
	_, err := fmt.Fprintf(w, "%s\n\nsocket:    %s\nwhitelist: %s\nstore:     %s\n", version.Get(), cfg.SocketPath, cfg.WhitelistPath, describeStore(cfg.Store))
	return err
}

func describeStore(cfg config.StoreConfig) string {
	switch cfg.Engine {
	case config.EngineRedis:
		return "redis " + cfg.RedisURL
	case config.EngineSQL:
		return "sql (" + cfg.SQL.Driver + ")"
	default:
		return "bolt " + cfg.Path
	}
}

func serve(parent context.Context, cfg config.Config, settingsPath string, wl *whitelist.Whitelist, st *store.Store, stdin io.Reader) error {
	if !server.StartedByCourierfilter() {
		log.Warn("Readiness pipe missing, couriergrey is meant to be started by courierfilter")
	}

	var geo *geolite.Lookup
	if path := cfg.GeoLite.CountryDB; path != "" {
		lookup, err := geolite.Open(path)
		if err != nil {
			log.Warn("GeoLite database unavailable, logging without countries", "error", err)
		} else {
			geo = lookup
			defer geo.Close()
		}
	}

	ln, err := server.Listen(cfg.SocketPath)
	if err != nil {
		return err
	}
	defer ln.Close()

	if err := signalReady(); err != nil {
		log.Warn("Signalling readiness failed", "error", err)
	}
	log.Info("couriergrey started and ready", "socket", ln.Path(), "version", version.Get().BuildVersion)

	ctx, stop := signal.NotifyContext(parent, unix.SIGINT, unix.SIGTERM)
	defer stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		server.WatchStdin(stdin, cancel)
		log.Debug("stdin closed, shutting down")
	}()

	srv := &server.Server{
		Engine: greylist.New(wl, st, cfg.GreylistWindow()),
		Files:  session.OSFileOpener{},
		Geo:    geo,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})
	g.Go(func() error {
		serveMetrics(gctx, cfg.Metrics.ListenAddress)
		return nil
	})
	g.Go(func() error {
		maintenance.StartExpireRoutine(gctx, st, leaderRunner(gctx, cfg.Store))
		return nil
	})
	g.Go(func() error {
		reloadOnHangup(gctx, settingsPath, cfg, geo)
		return nil
	})

	err = g.Wait()
	log.Info("couriergrey shut down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveMetrics runs the metrics endpoint. Its failure is logged and never
// stops the filter.
func serveMetrics(ctx context.Context, addr string) {
	if err := metrics.Serve(ctx, addr); err != nil {
		log.Error("Metrics endpoint failed, filtering continues without it", "address", addr, "error", err)
	}
}

// leaderRunner returns the redis leader lock for instances sharing a redis
// store, nil otherwise.
func leaderRunner(ctx context.Context, cfg config.StoreConfig) maintenance.LeaderRunner {
	if cfg.Engine != config.EngineRedis {
		return nil
	}

	client, err := support.GetRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Warn("Redis unavailable for the expiry lock, expiring without leader election", "error", err)
		return nil
	}

	return func(ctx context.Context, key string, ttl time.Duration, run func(context.Context)) error {
		return support.RunWithLeader(ctx, client, key, ttl, run)
	}
}

// reloadOnHangup rereads the settings and the GeoLite database on SIGHUP.
// Settings that shape the running server keep their startup values, the
// maintenance interval and retention follow the file.
func reloadOnHangup(ctx context.Context, path string, startup config.Config, geo *geolite.Lookup) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, unix.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		cfg, err := config.ReadSettings(path)
		if err != nil {
			log.Warn("Reloading settings failed", "path", path, "error", err)
			continue
		}

		cfg.SocketPath = startup.SocketPath
		cfg.WhitelistPath = startup.WhitelistPath
		cfg.Store = startup.Store
		cfg.Greylist = startup.Greylist
		config.SetConfig(cfg)
		config.SetBetweenTime()

		if err := geo.Reload(); err != nil {
			log.Warn("Reloading GeoLite database failed", "error", err)
		}
		log.Info("Settings reloaded", "path", path)
	}
}
