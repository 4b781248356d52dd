/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Command linkd runs one side of an ipclink shared-memory link: it lays out
// or attaches the region, serves the channels its role owns and issues
// calls on the others.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/etsoc/ipclink/internal/config"
	"github.com/etsoc/ipclink/internal/dispatch"
	"github.com/etsoc/ipclink/internal/logging"
	"github.com/etsoc/ipclink/internal/metrics"
	"github.com/etsoc/ipclink/internal/transport/shm"
)

type options struct {
	create       bool
	pings        int
	heartbeat    time.Duration
	sessionCheck time.Duration
}

// errSessionChanged ends a run whose registry the peer has laid out again.
var errSessionChanged = errors.New("registry session changed")

func main() {
	var configPath, role, metricsAddr, logLevel string
	var opts options
	flag.StringVar(&configPath, "config", "", "Path to the link configuration file.")
	flag.StringVar(&role, "role", "", "Override the configured role (master, slave).")
	flag.StringVar(&metricsAddr, "metrics-bind-address", "", "The address the metric endpoint binds to.")
	flag.StringVar(&logLevel, "log-level", "", "Override the configured log level.")
	flag.BoolVar(&opts.create, "create", false, "Create the region instead of attaching to an existing one.")
	flag.IntVar(&opts.pings, "ping", 0, "Number of echo rounds to issue on every calling link.")
	flag.DurationVar(&opts.heartbeat, "heartbeat", time.Second, "Interval of heartbeats pushed on event links; 0 disables.")
	flag.DurationVar(&opts.sessionCheck, "session-check", time.Second, "Interval at which an attached region is checked for a new registry session; 0 disables.")
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if role != "" {
		cfg.Role = role
	}
	if metricsAddr != "" {
		cfg.Metrics.Address = metricsAddr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if v, found := os.LookupEnv("IPCLINK_REGION"); found {
		cfg.Region.Address = v
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Options{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	setupLog := log.WithName("setup")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		err := run(ctx, log, cfg, opts)
		if errors.Is(err, errSessionChanged) {
			setupLog.Info("Peer recreated the region, attaching again")
			continue
		}
		if err != nil {
			setupLog.Error(err, "linkd failed")
			os.Exit(1)
		}
		return
	}
}

func run(ctx context.Context, log logr.Logger, cfg *config.Config, opts options) error {
	setupLog := log.WithName("setup")

	self, err := config.ParseRole(cfg.Role)
	if err != nil {
		return err
	}
	addr, err := cfg.Address()
	if err != nil {
		return err
	}
	specs, err := cfg.Specs()
	if err != nil {
		return err
	}

	region, reg, err := openRegistry(ctx, setupLog, addr, specs, opts.create)
	if err != nil {
		return err
	}
	defer region.Close()
	if opts.create {
		defer shm.RemoveRegion(addr.Name)
	}
	setupLog.Info("Registry attached", "region", addr.String(), "session", reg.Session().String(), "role", self.String())

	if self == shm.Master {
		// Minion events only flow from the device side.
		opts.heartbeat = 0
	}

	served, calling, err := buildLinks(reg, cfg, self, log)
	if err != nil {
		return err
	}

	d := dispatch.New(dispatch.Options{IdleTimeout: cfg.Dispatcher.IdleTimeout.Duration, Logger: log})
	d.Handle(dispatch.GroupEcho, dispatch.Echo())
	d.Handle(dispatch.GroupAssetTracking, dispatch.AssetTracker(dispatch.AssetInfo{
		Manufacturer:     cfg.Asset.Manufacturer,
		PartNumber:       cfg.Asset.PartNumber,
		SerialNumber:     cfg.Asset.SerialNumber,
		FirmwareRevision: cfg.Asset.FirmwareRevision,
		MemorySizeMB:     cfg.Asset.MemorySizeMB,
	}))
	d.Handle(dispatch.GroupMinionCommand, dispatch.MinionCommands(dispatch.MinionInfo{
		ActiveShireMask:  cfg.Minion.ActiveShireMask,
		BootFrequencyMHz: cfg.Minion.BootFrequencyMHz,
	}))
	d.Handle(dispatch.GroupMinionEvent, dispatch.NewMinionEvents(log))

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return d.Run(ctx, served...)
	})
	if cfg.Metrics.Address != "" {
		eg.Go(func() error {
			setupLog.Info("Serving metrics", "address", cfg.Metrics.Address)
			return metrics.Serve(ctx, cfg.Metrics.Address)
		})
	}
	if !opts.create && opts.sessionCheck > 0 {
		eg.Go(func() error {
			return watchSession(ctx, setupLog, addr.Name, reg, opts.sessionCheck)
		})
	}
	for _, link := range calling {
		link := link
		caller := dispatch.NewCaller(link, dispatch.CallerOptions{
			PollInterval: cfg.Dispatcher.PollInterval.Duration,
			Timeout:      cfg.Dispatcher.CallTimeout.Duration,
			Logger:       log,
		})
		eg.Go(func() error {
			return drive(ctx, log.WithValues("link", link.Name()), link, caller, cfg.Dispatcher.CallTimeout.Duration, opts)
		})
	}

	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openRegistry creates the region and lays out the registry, or attaches to
// one created by the peer, retrying until it appears.
func openRegistry(ctx context.Context, log logr.Logger, addr shm.Address, specs []shm.ChannelSpec, create bool) (*shm.Region, *shm.Registry, error) {
	if create {
		total, _, err := shm.CalculateLayout(specs)
		if err != nil {
			return nil, nil, err
		}
		size := total
		if addr.Size > size {
			size = addr.Size
		}
		if err := shm.RemoveRegion(addr.Name); err != nil {
			return nil, nil, err
		}
		region, err := shm.CreateRegion(addr.Name, size)
		if err != nil {
			return nil, nil, err
		}
		reg, err := shm.CreateRegistry(region, specs)
		if err != nil {
			region.Close()
			return nil, nil, err
		}
		return region, reg, nil
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		region, err := shm.OpenRegion(addr.Name)
		if err == nil {
			reg, err := shm.AttachRegistry(region)
			if err == nil {
				return region, reg, nil
			}
			region.Close()
			log.V(1).Info("Registry not yet published", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// watchSession maps the region by name every interval and returns
// errSessionChanged once the registry published there is no longer reg.
// The creator removes and recreates the region, so the mapping held by reg
// keeps showing the old session.
func watchSession(ctx context.Context, log logr.Logger, name string, reg *shm.Registry, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		region, err := shm.OpenRegion(name)
		if err != nil {
			log.V(1).Info("Region not reachable", "error", err.Error())
			continue
		}
		superseded, err := reg.Superseded(region)
		region.Close()
		if err != nil {
			log.V(1).Info("Registry not yet published", "error", err.Error())
			continue
		}
		if superseded {
			log.Info("Registry session changed", "session", reg.Session().String())
			return errSessionChanged
		}
	}
}

// linkEndpoint is a dispatch.Link that also takes part in the readiness
// handshake.
type linkEndpoint interface {
	dispatch.Link
	Init()
	WaitReady(ctx context.Context) error
}

func buildLinks(reg *shm.Registry, cfg *config.Config, self shm.Role, log logr.Logger) (served, calling []dispatch.Link, err error) {
	epOpts := shm.EndpointOptions{Cache: shm.Coherent, Logger: log}
	for _, ch := range cfg.Channels {
		server, err := config.ParseRole(ch.Server)
		if err != nil {
			return nil, nil, err
		}

		var links []linkEndpoint
		switch spec, _ := reg.Channel(ch.ID); spec.Kind {
		case shm.KindMailbox:
			m, err := reg.Mailbox(ch.ID, self, epOpts)
			if err != nil {
				return nil, nil, err
			}
			links = append(links, m)
		case shm.KindVirtqueue:
			v, err := reg.Virtqueues(ch.ID, self, epOpts)
			if err != nil {
				return nil, nil, err
			}
			for q := 0; q < v.Len(); q++ {
				e, err := v.Endpoint(q)
				if err != nil {
					return nil, nil, err
				}
				links = append(links, e)
			}
		default:
			return nil, nil, fmt.Errorf("channel %d not in registry", ch.ID)
		}

		for _, l := range links {
			l.Init()
			if server == self {
				served = append(served, l)
			} else {
				calling = append(calling, l)
			}
		}
	}
	return served, calling, nil
}

// drive waits for a calling link to come up, then issues the configured
// echo rounds or pushes heartbeats, depending on what the peer serves.
func drive(ctx context.Context, log logr.Logger, link dispatch.Link, caller *dispatch.Caller, timeout time.Duration, opts options) error {
	if ep, ok := link.(linkEndpoint); ok {
		if err := ep.WaitReady(ctx); err != nil {
			return err
		}
	}
	log.Info("Link ready")

	for i := 0; i < opts.pings; i++ {
		var rsp dispatch.EchoResponse
		start := time.Now()
		err := caller.Call(ctx, dispatch.MsgEcho, &dispatch.EchoRequest{Payload: 0xDEADBEEF}, &rsp, timeout)
		if err != nil {
			log.Error(err, "Echo failed", "round", i)
			continue
		}
		log.Info("Echo", "round", i, "payload", fmt.Sprintf("%#x", rsp.Payload), "rtt", time.Since(start).String())

		var mfr dispatch.AssetString
		if err := caller.Call(ctx, dispatch.MsgGetModuleManufacturer, nil, &mfr, timeout); err != nil {
			log.V(1).Info("Asset query not served", "error", err.Error())
		} else {
			log.Info("Asset", "manufacturer", mfr.String())
		}
	}

	if opts.heartbeat <= 0 {
		<-ctx.Done()
		return nil
	}
	start := time.Now()
	ticker := time.NewTicker(opts.heartbeat)
	defer ticker.Stop()
	for seq := uint32(0); ; seq++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		hb := &dispatch.Heartbeat{Sequence: seq, UptimeMs: uint64(time.Since(start).Milliseconds())}
		if err := caller.Send(ctx, dispatch.MsgMinionHeartbeat, hb); err != nil {
			log.V(1).Info("Heartbeat not sent", "error", err.Error())
		}
	}
}
