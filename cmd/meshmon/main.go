package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"meshmon/internal/channel"
	"meshmon/internal/config"
	"meshmon/internal/feed"
	"meshmon/internal/gateway"
	"meshmon/internal/metrics"
	"meshmon/internal/pprofutil"
	"meshmon/internal/store"
)

const metricsFlushInterval = 30 * time.Second

func die(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func dieMsg(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func setupLogging(debug bool) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func loadConfig(path string) config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		die("load config failed", err)
	}
	if err := config.Validate(cfg); err != nil {
		die("invalid config", err)
	}
	return cfg
}

func openStore(cfg config.Config) *store.Store {
	st, err := store.Open(cfg.DBPath, store.Options{
		TracerouteStaleAfter: time.Duration(cfg.TracerouteStaleAfterMinutes) * time.Minute,
	})
	if err != nil {
		die("open store failed", err)
	}
	return st
}

func seedChannelKeys(st *store.Store, cfg config.Config) {
	for _, ch := range cfg.Channels {
		psk, err := base64.StdEncoding.DecodeString(ch.PSK)
		if err != nil {
			die(fmt.Sprintf("channel %q psk decode failed", ch.Name), err)
		}
		enabled := true
		if ch.Enabled != nil {
			enabled = *ch.Enabled
		}
		id, err := st.EnsureChannelKey(channel.Key{
			Name:                  ch.Name,
			PSK:                   psk,
			Enabled:               enabled,
			EnforceNameValidation: ch.EnforceNameValidation,
		})
		if err != nil {
			die(fmt.Sprintf("channel %q register failed", ch.Name), err)
		}
		log.Debug().Int64("key_id", id).Str("name", ch.Name).Msg("channel key registered")
	}
}

// parseNode accepts a "!hex" node id or a decimal node number.
func parseNode(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "!") {
		n, err := strconv.ParseUint(s[1:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid node id %q", s)
		}
		return uint32(n), nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid node number %q", s)
	}
	return uint32(n), nil
}

func nodeID(n uint32) string {
	return fmt.Sprintf("!%08x", n)
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "meshmon.yaml", "config file path")
	debug := fs.Bool("debug", false, "debug logging")
	_ = fs.Parse(args)

	cfg := loadConfig(*cfgPath)
	setupLogging(*debug || cfg.Debug)
	if err := pprofutil.StartFromEnv(os.Stderr); err != nil {
		die("pprof start failed", err)
	}

	st := openStore(cfg)
	defer st.Close()
	seedChannelKeys(st, cfg)

	m := metrics.New()
	hub := gateway.NewHub()
	engine := channel.NewEngine(st)
	session := gateway.NewSession(gateway.Config{
		Addr:                      cfg.NodeAddr,
		StaleTimeout:              time.Duration(cfg.StaleTimeoutSec) * time.Second,
		TracerouteIntervalMinutes: cfg.TracerouteIntervalMinutes,
	}, st, st, engine, m, hub)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.FeedAddr != "" {
		srv := feed.NewServer(cfg.FeedAddr, hub, cfg.EventBuffer)
		go func() {
			if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("event feed stopped")
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(metricsFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.WriteSnapshot(cfg.MetricsPath); err != nil {
					log.Warn().Err(err).Msg("metrics snapshot write failed")
				}
			}
		}
	}()

	log.Info().Str("node_addr", cfg.NodeAddr).Str("db", cfg.DBPath).Msg("meshmon starting")
	err := session.Run(ctx)
	if err := m.WriteSnapshot(cfg.MetricsPath); err != nil {
		log.Warn().Err(err).Msg("final metrics snapshot failed")
	}
	if err != nil && err != context.Canceled {
		die("session failed", err)
	}
	log.Info().Msg("meshmon stopped")
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath := fs.String("config", "meshmon.yaml", "config file path")
	_ = fs.Parse(args)

	cfg := loadConfig(*cfgPath)
	snap, err := metrics.ReadSnapshot(cfg.MetricsPath)
	if err != nil {
		die("read metrics snapshot failed", err)
	}
	fmt.Println("generated:", snap.GeneratedAt.Format(time.RFC3339))
	fmt.Printf("frames:     decoded=%d decode_errors=%d\n", snap.Frames.Decoded, snap.Frames.DecodeErrors)
	fmt.Printf("packets:    logged=%d excluded=%d\n", snap.Packets.Logged, snap.Packets.Excluded)
	fmt.Printf("decrypt:    hits=%d misses=%d\n", snap.Decrypt.Hits, snap.Decrypt.Misses)
	fmt.Printf("traceroute: sent=%d throttled=%d timed_out=%d\n", snap.Traceroute.Sent, snap.Traceroute.Throttled, snap.Traceroute.TimedOut)
	fmt.Printf("session:    reconnects=%d stale_kicks=%d\n", snap.Session.Reconnects, snap.Session.StaleKicks)

	st := openStore(cfg)
	defer st.Close()
	if n, err := st.CountPackets(); err == nil {
		fmt.Printf("packet log: %d rows\n", n)
	}
}

func cmdAddKey(args []string) {
	fs := flag.NewFlagSet("add-key", flag.ExitOnError)
	cfgPath := fs.String("config", "meshmon.yaml", "config file path")
	name := fs.String("name", "", "channel name")
	pskB64 := fs.String("psk", "", "pre-shared key, base64 (16 or 32 bytes)")
	enforce := fs.Bool("enforce-name", false, "require channel hash match before trial decryption")
	disabled := fs.Bool("disabled", false, "register the key disabled")
	_ = fs.Parse(args)

	if *name == "" {
		dieMsg("missing --name")
	}
	if *pskB64 == "" {
		dieMsg("missing --psk")
	}
	psk, err := base64.StdEncoding.DecodeString(*pskB64)
	if err != nil {
		die("psk decode failed", err)
	}

	cfg := loadConfig(*cfgPath)
	st := openStore(cfg)
	defer st.Close()

	id, err := st.EnsureChannelKey(channel.Key{
		Name:                  *name,
		PSK:                   psk,
		Enabled:               !*disabled,
		EnforceNameValidation: *enforce,
	})
	if err != nil {
		die("register key failed", err)
	}
	fmt.Println("OK key", id, *name)
}

func cmdNeighbors(args []string) {
	fs := flag.NewFlagSet("neighbors", flag.ExitOnError)
	cfgPath := fs.String("config", "meshmon.yaml", "config file path")
	window := fs.Duration("window", time.Hour, "aggregation window")
	_ = fs.Parse(args)

	cfg := loadConfig(*cfgPath)
	st := openStore(cfg)
	defer st.Close()

	stats, err := st.NeighborStats(*window)
	if err != nil {
		die("neighbor stats failed", err)
	}
	if len(stats) == 0 {
		fmt.Println("no zero-hop neighbors in window")
		return
	}
	for _, s := range stats {
		fmt.Printf("%s  avg_rssi=%.1f  packets=%d  last_heard=%s\n",
			nodeID(s.NodeNum), s.AvgRssi, s.Packets, s.LastHeard.Format(time.RFC3339))
	}
}

func cmdTraceroutes(args []string) {
	fs := flag.NewFlagSet("traceroutes", flag.ExitOnError)
	cfgPath := fs.String("config", "meshmon.yaml", "config file path")
	node := fs.String("node", "", "target node (!hex id or decimal number)")
	_ = fs.Parse(args)

	if *node == "" {
		dieMsg("missing --node")
	}
	target, err := parseNode(*node)
	if err != nil {
		die("invalid node", err)
	}

	cfg := loadConfig(*cfgPath)
	st := openStore(cfg)
	defer st.Close()

	attempts, err := st.ListTracerouteAttempts(target)
	if err != nil {
		die("list traceroutes failed", err)
	}
	if len(attempts) == 0 {
		fmt.Println("no traceroute attempts toward", nodeID(target))
		return
	}
	for _, a := range attempts {
		status := "pending"
		if a.Succeeded != nil {
			if *a.Succeeded {
				status = "ok"
			} else {
				status = "timeout"
			}
		}
		hops := make([]string, 0, len(a.Route))
		for _, h := range a.Route {
			hops = append(hops, nodeID(h))
		}
		route := "-"
		if len(hops) > 0 {
			route = strings.Join(hops, " > ")
		}
		fmt.Printf("%s  %-7s  route=%s\n", a.SentAt.Format(time.RFC3339), status, route)
	}
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: meshmon <run|status|add-key|neighbors|traceroutes>")
		os.Exit(1)
	}
	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "add-key":
		cmdAddKey(os.Args[2:])
	case "neighbors":
		cmdNeighbors(os.Args[2:])
	case "traceroutes":
		cmdTraceroutes(os.Args[2:])
	default:
		fmt.Println("unknown command")
		os.Exit(1)
	}
}
