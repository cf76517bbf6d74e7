/*
Mailout - high-volume outbound mail delivery engine.
Copyright © 2021-2024 Max Mazurov <fox.cpp@disroot.org>, Mailout contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package mailout assembles the delivery engine executable: it loads
// the configuration, builds the service graph around sender.Engine and
// keeps the process running until a termination signal arrives or the
// broker channel is lost.
package mailout

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"path/filepath"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/foxcpp/mailout/framework/dns"
	"github.com/foxcpp/mailout/framework/hooks"
	"github.com/foxcpp/mailout/framework/log"
	"github.com/foxcpp/mailout/internal/broker"
	"github.com/foxcpp/mailout/internal/classify"
	mailoutcli "github.com/foxcpp/mailout/internal/cli"
	"github.com/foxcpp/mailout/internal/config"
	"github.com/foxcpp/mailout/internal/dkim"
	"github.com/foxcpp/mailout/internal/dnscache"
	"github.com/foxcpp/mailout/internal/mtasts"
	"github.com/foxcpp/mailout/internal/mxlookup"
	"github.com/foxcpp/mailout/internal/sender"
	"github.com/foxcpp/mailout/internal/store"
)

var (
	profileEndpoint   = flag.String("debug.pprof", "", "enable live profiler HTTP endpoint and listen on the specified endpoint")
	blockProfileRate  = flag.Int("debug.blockprofrate", 0, "set blocking profile rate")
	mutexProfileFract = flag.Int("debug.mutexproffract", 0, "set mutex profile fraction")
)

// ConfigDirectory specifies platform-specific value that should be used as
// a location of the configuration file.
//
// It should not be changed and is defined as a variable
// only for purposes of modification using -X linker flag.
var ConfigDirectory = "/etc/mailout"

// brokerDialTimeout bounds the initial connect to the queue broker. The
// broker holds all deliverable state, there is nothing useful to do
// while it is unreachable.
const brokerDialTimeout = 30 * time.Second

// shutdownTimeout is how long a graceful stop waits for in-flight
// deliveries before the process exits anyway. The queue broker releases
// stale leases on its own, so nothing is lost by a hard stop.
const shutdownTimeout = 5 * time.Second

func init() {
	mailoutcli.AddSubcommand(&cli.Command{
		Name:  "run",
		Usage: "Start the delivery engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "configuration file to use",
				EnvVars: []string{"MAILOUT_CONFIG"},
				Value:   filepath.Join(ConfigDirectory, "mailout.yml"),
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "enable debug logging early",
				EnvVars: []string{"MAILOUT_DEBUG"},
			},
			&cli.StringFlag{
				Name:  "log",
				Usage: "logging target(s), overrides log.output from the configuration",
			},
		},
		Action: Run,
	})
	mailoutcli.AddSubcommand(&cli.Command{
		Name:  "version",
		Usage: "Print version and build metadata, then exit",
		Action: func(c *cli.Context) error {
			fmt.Println("mailout", BuildInfo())
			return nil
		},
	})
}

// Run is the entry point for the 'run' subcommand.
//
// It is exported so it can be reused by embedders that construct their
// own cli.App around the mailout engine.
func Run(c *cli.Context) error {
	log.DefaultLogger.Debug = c.Bool("debug")

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(err, 2)
	}
	if cfg.Log.Debug {
		log.DefaultLogger.Debug = true
	}

	logTarget := c.String("log")
	if logTarget == "" {
		logTarget = cfg.Log.Output
	}
	if err := initLogging(logTarget); err != nil {
		systemdStatusErr(err)
		return cli.Exit(err, 2)
	}
	defer log.DefaultLogger.Out.Close()

	initDebug()

	return serve(cfg)
}

func initDebug() {
	if *profileEndpoint != "" {
		go func() {
			log.Println("listening on", "http://"+*profileEndpoint, "for profiler requests")
			log.Println("failed to listen on profiler endpoint:", http.ListenAndServe(*profileEndpoint, nil))
		}()
	}

	// These values can also be affected by environment so set them
	// only if argument is specified.
	if *mutexProfileFract != 0 {
		runtime.SetMutexProfileFraction(*mutexProfileFract)
	}
	if *blockProfileRate != 0 {
		runtime.SetBlockProfileRate(*blockProfileRate)
	}
}

// serve builds the service graph and runs the engine until shutdown.
func serve(cfg *config.Config) error {
	log.Println("mailout", BuildInfo(), "starting...")

	eng, cleanup, err := assemble(cfg)
	if err != nil {
		systemdStatusErr(err)
		log.Println(err)
		return cli.Exit("", 2)
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engErr := make(chan error, 1)
	go func() {
		engErr <- eng.Run(ctx)
	}()

	systemdStatus(SDReady, "Delivering queued mail...")

	err = handleSignals(engErr, cancel)

	systemdStatus(SDStopping, "Waiting for in-flight deliveries to finish...")
	hooks.RunHooks(hooks.EventShutdown)

	if err != nil {
		systemdStatusErr(err)
		log.DefaultLogger.Error("delivery engine failed", err)
		return cli.Exit("", 1)
	}
	return nil
}

// assemble constructs the shared services around the engine in
// dependency order. The returned cleanup closes them in reverse order.
func assemble(cfg *config.Config) (*sender.Engine, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*sender.Engine, func(), error) {
		cleanup()
		return nil, nil, err
	}

	if cfg.DNS.Server != "" {
		dns.UseServer(cfg.DNS.Server)
		log.Println("using DNS server", cfg.DNS.Server)
	}

	ctx, cancel := context.WithTimeout(context.Background(), brokerDialTimeout)
	defer cancel()

	ep, err := config.ParseEndpoint(cfg.Broker.Address)
	if err != nil {
		return fail(fmt.Errorf("broker endpoint: %w", err))
	}
	bclient, err := broker.Dial(ctx, ep.Network(), ep.Address(), subLogger("broker"))
	if err != nil {
		return fail(fmt.Errorf("cannot connect to the queue broker at %s: %w", cfg.Broker.Address, err))
	}
	closers = append(closers, func() {
		bclient.Close()
	})

	var st store.Store
	switch cfg.Store.Driver {
	case "fs":
		st, err = store.NewFS(cfg.Store.FS.Root)
	case "s3":
		st, err = store.NewS3(store.S3Options{
			Endpoint:     cfg.Store.S3.Endpoint,
			Secure:       cfg.Store.S3.Secure,
			Bucket:       cfg.Store.S3.Bucket,
			ObjectPrefix: cfg.Store.S3.ObjectPrefix,
			Region:       cfg.Store.S3.Region,
			CredsType:    cfg.Store.S3.CredsType,
			AccessKey:    cfg.Store.S3.AccessKey,
			SecretKey:    cfg.Store.S3.SecretKey,
		})
	default:
		err = fmt.Errorf("unknown store driver: %q", cfg.Store.Driver)
	}
	if err != nil {
		return fail(err)
	}

	ttlRes, err := dns.NewTTLResolver()
	if err != nil {
		return fail(fmt.Errorf("cannot initialize the resolver: %w", err))
	}
	var mxCache *dnscache.Cache
	if cfg.DNS.Cache != "" {
		rdb, err := dnscache.Connect(ctx, cfg.DNS.Cache)
		if err != nil {
			return fail(fmt.Errorf("cannot connect to the DNS cache: %w", err))
		}
		closers = append(closers, func() {
			if err := rdb.Close(); err != nil {
				log.Println("DNS cache close failed:", err)
			}
		})
		mxCache = dnscache.New(rdb, subLogger("dnscache"))
	}
	resolver := mxlookup.New(ttlRes, mxCache, subLogger("mxlookup"))

	keys, err := dkim.NewKeyStore(cfg.DKIM.KeyDir, subLogger("dkim"))
	if err != nil {
		return fail(err)
	}
	if cfg.DKIM.KeyDir != "" {
		hooks.AddHook(hooks.EventReload, func() {
			if err := keys.Load(); err != nil {
				log.DefaultLogger.Error("DKIM key reload failed", err, "dir", cfg.DKIM.KeyDir)
				return
			}
			log.Println("DKIM keys reloaded:", keys.Len(), "keys")
		})
	}

	rules := classify.DefaultRules()
	if cfg.Bounce.Rules != "" {
		rules, err = classify.LoadRules(cfg.Bounce.Rules)
		if err != nil {
			return fail(err)
		}
	}
	table := classify.NewTable(rules)
	if cfg.Bounce.Rules != "" {
		path := cfg.Bounce.Rules
		hooks.AddHook(hooks.EventReload, func() {
			rs, err := classify.LoadRules(path)
			if err != nil {
				log.DefaultLogger.Error("bounce rules reload failed", err, "path", path)
				return
			}
			table.Swap(rs)
			log.Println("bounce rules reloaded:", rs.Len(), "rules")
		})
	}

	if cfg.Debug.MetricsListen != "" {
		lst, err := net.Listen("tcp", cfg.Debug.MetricsListen)
		if err != nil {
			return fail(fmt.Errorf("cannot listen on the metrics endpoint: %w", err))
		}
		srv := &http.Server{
			Handler:  promhttp.Handler(),
			ErrorLog: zap.NewStdLog(subLogger("metrics").Zap()),
		}
		closers = append(closers, func() {
			srv.Close()
		})
		go func() {
			log.Println("serving Prometheus metrics on", cfg.Debug.MetricsListen)
			if err := srv.Serve(lst); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.DefaultLogger.Error("metrics endpoint failed", err)
			}
		}()
	}

	eng, err := sender.New(cfg, &sender.Deps{
		Broker:   bclient,
		Store:    st,
		Resolver: resolver,
		STS:      mtasts.NewCache(bclient, dns.DefaultResolver(), subLogger("mtasts")),
		Keys:     keys,
		Rules:    table,
	}, subLogger("sender"))
	if err != nil {
		return fail(err)
	}
	return eng, cleanup, nil
}

// subLogger returns a named logger that follows the default output,
// including across log reinitialization on SIGUSR2.
func subLogger(name string) log.Logger {
	return log.Logger{Name: name, Debug: log.DefaultLogger.Debug}
}
