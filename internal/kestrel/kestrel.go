/*
Kestrel SMTP Server - High-throughput extensible SMTP server platform.
Copyright © 2023-2026 The Kestrel developers

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

package kestrel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kestrel-mta/kestrel/framework/dns"
	"github.com/kestrel-mta/kestrel/framework/log"
	"github.com/kestrel-mta/kestrel/internal/antispam"
	"github.com/kestrel-mta/kestrel/internal/auth"
	"github.com/kestrel-mta/kestrel/internal/events"
	"github.com/kestrel-mta/kestrel/internal/filter"
	"github.com/kestrel-mta/kestrel/internal/queue"
	"github.com/kestrel-mta/kestrel/internal/relay"
	"github.com/kestrel-mta/kestrel/internal/smtpsrv"
	"github.com/kestrel-mta/kestrel/internal/store"
)

// Server is the assembled process: SMTP listeners plus the relay engine
// and their shared subsystems, built from one Config.
type Server struct {
	Log log.Logger

	cfg   Config
	bus   *events.Bus
	queue *queue.Queue
	relay *relay.Relay
	smtp  *smtpsrv.Server
	redis *redis.Client

	tlsConfig *tls.Config

	listenMu  sync.Mutex
	listeners []net.Listener
}

// New assembles the subsystems. Nothing listens until Run.
func New(cfg Config, l log.Logger) (*Server, error) {
	s := &Server{Log: l, cfg: cfg}
	s.bus = events.NewBus(logger(l, "events"))

	resolver, err := buildResolver(cfg.Relay.Resolvers)
	if err != nil {
		return nil, err
	}

	if cfg.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("kestrel: TLS certificate: %w", err)
		}
		s.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   cfg.TLS.MinTLSVersion(),
		}
	}

	msgStore, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}

	authRegistry, err := buildAuth(cfg.Auth)
	if err != nil {
		return nil, err
	}

	if needsRedis(&cfg) {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var spam *antispam.Service
	if cfg.AntiSpam.Enable {
		spam = buildAntiSpam(cfg.AntiSpam, logger(l, "antispam"), resolver, s.redis)
	}

	var router smtpsrv.Router
	if cfg.Relay.Enable {
		q, err := queue.Open(filepath.Join(cfg.StateDir, "queue"), logger(l, "queue"))
		if err != nil {
			return nil, err
		}
		s.queue = q

		networks := make([]*net.IPNet, 0, len(cfg.Relay.RelayNetworks))
		for _, cidr := range cfg.Relay.RelayNetworks {
			_, network, err := net.ParseCIDR(cidr)
			if err != nil {
				return nil, fmt.Errorf("kestrel: relay network %q: %w", cidr, err)
			}
			networks = append(networks, network)
		}
		router = &relay.Policy{
			LocalDomains:  cfg.Relay.LocalDomains,
			RelayDomains:  cfg.Relay.RelayDomains,
			RelayNetworks: networks,
		}

		smartHosts := make([]relay.SmartHost, 0, len(cfg.Relay.SmartHosts))
		for _, sh := range cfg.Relay.SmartHosts {
			smartHosts = append(smartHosts, relay.SmartHost{
				Host:     sh.Host,
				Port:     sh.Port,
				Priority: sh.Priority,
				Weight:   sh.Weight,
				Username: sh.Username,
				Password: sh.Password,
			})
		}

		s.relay = &relay.Relay{
			Log:       logger(l, "relay"),
			Queue:     q,
			Resolver:  resolver,
			Events:    s.bus,
			Hostname:  cfg.Hostname,
			TLSConfig: s.tlsConfig,

			MaxConcurrentDeliveries: cfg.Relay.MaxConcurrentDeliveries,
			MaxRetryCount:           cfg.Relay.MaxRetryCount,
			MessageLifetime:         duration(cfg.Relay.MessageLifetime, 72*time.Hour),
			ConnectionTimeout:       duration(cfg.Relay.ConnectionTimeout, time.Minute),

			UseMxRouting:     cfg.Relay.UseMxRouting,
			EnableTls:        cfg.Relay.EnableTls,
			RequireTls:       cfg.Relay.RequireTls,
			DefaultSmartHost: cfg.Relay.DefaultSmartHost,
			SmartHosts:       smartHosts,
			DomainRouting:    cfg.Relay.DomainRouting,

			EnableBounce: cfg.Relay.EnableBounce,
			BounceSender: cfg.Relay.BounceSender,
		}
	}

	s.smtp = &smtpsrv.Server{
		Hostname:  cfg.Hostname,
		Log:       logger(l, "smtp"),
		TLSConfig: s.tlsConfig,

		Auth:         authRegistry,
		RequireAuth:  cfg.Auth.Require,
		InsecureAuth: cfg.Auth.Insecure,

		Filter:   buildFilter(cfg.Filter),
		Store:    msgStore,
		AntiSpam: spam,
		Router:   router,
		Events:   s.bus,
		Resolver: resolver,

		MaxMessageSize:      cfg.Limits.MaxMessageSize,
		MaxRecipients:       cfg.Limits.MaxRecipients,
		MaxConnections:      cfg.Limits.MaxConnections,
		MaxConnectionsPerIP: cfg.Limits.MaxConnectionsPerIP,
		MaxRetryCount:       cfg.Limits.MaxRetryCount,
		CommandTimeout:      duration(cfg.Limits.CommandTimeout, 30*time.Second),
		DataTimeout:         duration(cfg.Limits.DataTimeout, 10*time.Minute),
	}
	if s.relay != nil {
		s.smtp.Relay = s.relay
	}

	return s, nil
}

// Run opens the listeners and serves until Shutdown. It returns the first
// listener error, or nil after a clean shutdown.
func (s *Server) Run() error {
	if s.relay != nil {
		s.relay.Start()
	}

	errCh := make(chan error, len(s.cfg.Listeners))
	for _, lc := range s.cfg.Listeners {
		l, err := net.Listen("tcp", lc.Address)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("kestrel: listen %s: %w", lc.Address, err)
		}
		if lc.Mode == ModeSMTPS {
			l = tls.NewListener(l, s.tlsConfig)
		}
		s.listenMu.Lock()
		s.listeners = append(s.listeners, l)
		s.listenMu.Unlock()
		s.Log.Msg("listening", "address", lc.Address, "mode", string(lc.Mode))

		go func() {
			errCh <- s.smtp.Serve(l)
		}()
	}

	for range s.cfg.Listeners {
		if err := <-errCh; err != nil && !errors.Is(err, smtpsrv.ErrServerClosed) {
			return err
		}
	}
	return nil
}

// Shutdown drains the SMTP sessions within ctx, then stops the relay
// scheduler and waits for in-flight deliveries.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.smtp.Shutdown(ctx)
	if s.relay != nil {
		s.relay.Close()
	}
	if s.redis != nil {
		s.redis.Close()
	}
	return err
}

// Addrs returns the bound listener addresses, useful with ":0" listeners.
func (s *Server) Addrs() []net.Addr {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

func (s *Server) closeListeners() {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	for _, l := range s.listeners {
		l.Close()
	}
}

func buildResolver(servers []string) (dns.Resolver, error) {
	if len(servers) == 0 {
		return dns.DefaultResolver(), nil
	}
	return dns.NewUpstream(servers), nil
}

func buildStore(cfg Config) (store.Store, error) {
	switch cfg.Store.Type {
	case "memory":
		return store.NewMemory(), nil
	default:
		dir := cfg.Store.Dir
		if dir == "" {
			dir = filepath.Join(cfg.StateDir, "messages")
		}
		return store.NewFS(dir)
	}
}

func buildAuth(cfg AuthConfig) (*auth.Registry, error) {
	if cfg.PassFile == "" {
		if cfg.Require {
			return nil, errors.New("kestrel: auth.require without auth.passfile")
		}
		return nil, nil
	}
	pf, err := auth.OpenPassFile(cfg.PassFile)
	if err != nil {
		return nil, err
	}
	return auth.NewRegistry(auth.Plain(pf), auth.Login(pf)), nil
}

func buildFilter(cfg FilterConfig) filter.Filter {
	var filters []filter.Filter
	if len(cfg.AllowedRcptDomains) != 0 {
		filters = append(filters, filter.DomainAllowlist{Domains: cfg.AllowedRcptDomains})
	}
	if len(cfg.BlockedSenderDomains) != 0 {
		filters = append(filters, filter.DomainBlocklist{Domains: cfg.BlockedSenderDomains})
	}
	if len(filters) == 0 {
		return nil
	}
	return filter.Composite{Mode: filter.All, Filters: filters}
}

func buildAntiSpam(cfg AntiSpamConfig, l log.Logger, resolver dns.Resolver, rdb *redis.Client) *antispam.Service {
	svc := antispam.NewService(l)
	svc.CheckTimeout = duration(cfg.CheckTimeout, 15*time.Second)
	svc.Thresholds = antispam.Thresholds{
		Mark:       cfg.Thresholds.Mark,
		Greylist:   cfg.Thresholds.Greylist,
		Quarantine: cfg.Thresholds.Quarantine,
		Reject:     cfg.Thresholds.Reject,
	}

	if cfg.SPF.Enable {
		svc.Register(&antispam.SPF{Resolver: resolver}, cfg.SPF.Weight)
	}
	if cfg.DKIM.Enable {
		svc.Register(&antispam.DKIM{Resolver: resolver}, cfg.DKIM.Weight)
	}
	if cfg.DMARC.Enable {
		svc.Register(&antispam.DMARC{Resolver: resolver}, cfg.DMARC.Weight)
	}
	if cfg.RBL.Enable && len(cfg.RBL.Zones) != 0 {
		zones := make([]antispam.RBLZone, 0, len(cfg.RBL.Zones))
		for _, zone := range cfg.RBL.Zones {
			zones = append(zones, antispam.RBLZone{Zone: zone})
		}
		svc.Register(&antispam.RBL{Resolver: resolver, Zones: zones}, cfg.RBL.Weight)
	}
	if len(cfg.Content) != 0 {
		rules := make([]antispam.ContentRule, 0, len(cfg.Content))
		for _, rule := range cfg.Content {
			rules = append(rules, antispam.ContentRule{
				Keyword:     rule.Keyword,
				Regexp:      rule.Regexp,
				Score:       rule.Score,
				SubjectOnly: rule.SubjectOnly,
			})
		}
		content, err := antispam.NewContent(rules)
		if err != nil {
			l.Error("content rules disabled", err)
		} else {
			svc.Register(content, 1)
		}
	}
	if cfg.Bayes.Enable && rdb != nil {
		svc.Register(&antispam.Bayes{Redis: rdb}, cfg.Bayes.Weight)
	}
	if cfg.Greylist.Enable && rdb != nil {
		svc.Greylister = &antispam.Greylist{
			Redis:        rdb,
			Delay:        duration(cfg.Greylist.Delay, 5*time.Minute),
			Lifetime:     duration(cfg.Greylist.Lifetime, 4*time.Hour),
			WhitelistTTL: duration(cfg.Greylist.WhitelistTTL, 168*time.Hour),
		}
	}

	return svc
}

func logger(parent log.Logger, name string) log.Logger {
	child := parent
	if child.Name != "" {
		name = child.Name + "/" + name
	}
	child.Name = name
	return child
}
