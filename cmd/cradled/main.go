package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/psantana5/cradle/pkg/aggregator"
	"github.com/psantana5/cradle/pkg/api"
	"github.com/psantana5/cradle/pkg/auth"
	"github.com/psantana5/cradle/pkg/discovery"
	"github.com/psantana5/cradle/pkg/logging"
	"github.com/psantana5/cradle/pkg/models"
	"github.com/psantana5/cradle/pkg/ratelimit"
	"github.com/psantana5/cradle/pkg/remote"
	"github.com/psantana5/cradle/pkg/shutdown"
	"github.com/psantana5/cradle/pkg/store"
	"github.com/psantana5/cradle/pkg/telemetry"
	tlsutil "github.com/psantana5/cradle/pkg/tls"
	"github.com/psantana5/cradle/pkg/tracing"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	port := flag.String("port", "", "API port (overrides config)")
	threshold := flag.Duration("threshold", 0, "Silence threshold before detonation (overrides config)")
	nodeName := flag.String("node", "", "Daemon name (defaults to hostname)")
	generateCert := flag.Bool("generate-cert", false, "Generate self-signed certificate and exit")
	certSANs := flag.String("cert-sans", "", "Comma-separated IPs/hostnames for certificate SANs")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *threshold > 0 {
		cfg.Threshold = *threshold
	}
	if *nodeName != "" {
		cfg.Node = *nodeName
	}
	if cfg.Node == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Fatalf("Failed to resolve hostname: %v", err)
		}
		cfg.Node = hostname
	}
	if key := os.Getenv("CRADLE_API_KEY"); key != "" && cfg.Auth.APIKey == "" {
		cfg.Auth.APIKey = key
	}
	if key := os.Getenv("CRADLE_CLUSTER_KEY"); key != "" && cfg.Cluster.Key == "" {
		cfg.Cluster.Key = key
	}

	if *generateCert {
		generateCertificate(cfg, *certSANs)
		return
	}

	logger, err := logging.NewFileLogger("cradled", logging.ParseLevel(cfg.Log.Level), cfg.Log.JSON)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	logger.Info("Starting cradle daemon", map[string]interface{}{
		"node":      cfg.Node,
		"version":   version,
		"port":      cfg.Port,
		"threshold": cfg.Threshold.String(),
		"store":     cfg.Store.Type,
	})

	mgr := shutdown.New(30 * time.Second)
	mgr.Register(shutdown.CloseResource(logger, "logger"))

	// Tracing
	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "cradled",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal("Failed to init tracing", map[string]interface{}{"error": err.Error()})
	}
	mgr.Register(tracer.Shutdown)

	// Store
	dataStore, err := store.NewStore(store.Config{Type: cfg.Store.Type, DSN: cfg.Store.DSN})
	if err != nil {
		logger.Fatal("Failed to create store", map[string]interface{}{"error": err.Error()})
	}
	mgr.Register(shutdown.CloseResource(dataStore, "store"))

	// Metrics
	metrics := telemetry.New()
	metrics.SetBuildInfo(version, runtime.Version())

	// Aggregator
	agg := aggregator.New(aggregator.Config{
		Threshold: cfg.Threshold,
		Logger:    logger.WithField("component", "aggregator"),
	})
	agg.OnDetonate(func(ev models.DetonationEvent) {
		metrics.DetonationsTotal.WithLabelValues(ev.Reason).Inc()
		metrics.ArmedState.Set(0)
		if err := dataStore.SaveDetonation(&ev); err != nil {
			logger.Error("Failed to persist detonation", map[string]interface{}{"error": err.Error()})
		}
	})

	// Restore sources persisted by a previous run. Their last-seen is
	// refreshed so a restart does not count downtime as silence.
	restored, err := dataStore.ListSources()
	if err != nil {
		logger.Fatal("Failed to load sources", map[string]interface{}{"error": err.Error()})
	}
	now := time.Now()
	for _, src := range restored {
		src.LastSeen = now
		if err := agg.RegisterSource(src); err != nil {
			logger.Warn("Failed to restore source", map[string]interface{}{
				"source": src.Name, "error": err.Error(),
			})
		}
	}
	if len(restored) > 0 {
		logger.Info("Restored sources from store", map[string]interface{}{"count": len(restored)})
	}
	metrics.SourcesRegistered.Set(float64(len(agg.Sources())))

	if err := agg.Start(); err != nil {
		logger.Fatal("Failed to arm cradle", map[string]interface{}{"error": err.Error()})
	}
	metrics.ArmedState.Set(1)
	mgr.Register(func(ctx context.Context) error {
		agg.Stop()
		return nil
	})

	// Peer broadcast and discovery
	broadcaster := remote.NewBroadcaster(logger.WithField("component", "broadcast"), func(peer string, err error) {
		metrics.PeerBroadcastErrors.Inc()
	})
	clusterKey := []byte(cfg.Cluster.Key)
	peerClient := peerClientFactory(cfg, clusterKey, logger)

	// registerPeer turns a peer daemon into a registered source so its
	// gossip keeps the local cradle fed. Lookup on receipt is by name.
	registerPeer := func(name, address string) {
		if name == cfg.Node {
			return
		}
		src := &models.Source{
			Name:    name,
			Address: address,
			Type:    models.SourceTypePeer,
		}
		if existing, err := dataStore.GetSourceByName(name); err == nil {
			src = existing
			src.Address = address
			src.LastSeen = time.Now()
		} else {
			src.ID = uuid.New().String()
		}
		if err := agg.RegisterSource(src); err != nil && err != aggregator.ErrSourceExists {
			logger.Warn("Failed to register peer source", map[string]interface{}{
				"peer": name, "error": err.Error(),
			})
			return
		}
		if err := dataStore.SaveSource(src); err != nil {
			logger.Warn("Failed to persist peer source", map[string]interface{}{
				"peer": name, "error": err.Error(),
			})
		}
		metrics.SourcesRegistered.Set(float64(len(agg.Sources())))
	}

	if len(cfg.Cluster.Peers) > 0 {
		if cfg.Cluster.Key == "" {
			logger.Fatal("Cluster key required when static peers are configured")
		}
		static := make(map[string]*remote.Client, len(cfg.Cluster.Peers))
		for name, addr := range cfg.Cluster.Peers {
			if name == cfg.Node {
				continue
			}
			static[name] = peerClient(addr)
			registerPeer(name, addr)
		}
		broadcaster.SetPeers(static)
		logger.Info("Static peer set configured", map[string]interface{}{"peers": len(static)})
	}

	discoveryCtx, cancelDiscovery := context.WithCancel(context.Background())
	defer cancelDiscovery()

	if len(cfg.Cluster.EtcdEndpoints) > 0 {
		if cfg.Cluster.Key == "" {
			logger.Fatal("Cluster key required when peer discovery is enabled")
		}
		advertise := cfg.Cluster.AdvertiseAddr
		if advertise == "" {
			advertise = "https://" + cfg.Node + ":" + cfg.Port
		}

		registry, err := discovery.NewRegistry(cfg.Cluster.EtcdEndpoints, cfg.Node, advertise, cfg.Cluster.LeaseTTL, logger.WithField("component", "discovery"))
		if err != nil {
			logger.Fatal("Failed to connect to etcd", map[string]interface{}{"error": err.Error()})
		}
		if err := registry.Register(discoveryCtx); err != nil {
			logger.Fatal("Failed to register in discovery", map[string]interface{}{"error": err.Error()})
		}
		mgr.Register(func(ctx context.Context) error {
			cancelDiscovery()
			registry.Deregister(ctx)
			return registry.Close()
		})

		syncPeers(discoveryCtx, registry, broadcaster, peerClient, registerPeer, logger)
	}

	// Periodic gossip: re-announce this node's liveness to every peer so an
	// earlier failed broadcast is retried and restarts converge quickly.
	if cfg.Cluster.GossipEvery > 0 {
		go func() {
			ticker := time.NewTicker(cfg.Cluster.GossipEvery)
			defer ticker.Stop()
			for {
				select {
				case <-mgr.Done():
					return
				case <-ticker.C:
					if len(broadcaster.Peers()) == 0 {
						continue
					}
					ctx, cancel := context.WithTimeout(context.Background(), cfg.Cluster.GossipEvery)
					broadcaster.Broadcast(ctx, cfg.Node)
					cancel()
				}
			}
		}()
	}

	// API handler
	handler := api.NewHandler(api.Config{
		Aggregator: agg,
		Store:      dataStore,
		Tokens:     sourceTokens(cfg),
		Metrics:    metrics,
		ClusterKey: clusterKey,
		NodeName:   cfg.Node,
		Version:    version,
		OnFeed: func(sourceID string) {
			// Peers track this daemon by name, not its individual source
			// IDs: any accepted local feed proves the node alive.
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			broadcaster.Broadcast(ctx, cfg.Node)
		},
	})

	router := mux.NewRouter()
	router.Use(tracer.Middleware)
	router.Use(func(next http.Handler) http.Handler {
		return metrics.Instrument("api", next)
	})

	limiter := ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	router.Use(limiter.Middleware(ratelimit.IPKeyFunc))
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-mgr.Done():
				return
			case <-ticker.C:
				limiter.Cleanup(time.Hour)
			}
		}
	}()

	if cfg.Auth.APIKey != "" {
		akm := auth.NewAPIKeyManager()
		akm.AddAPIKey(cfg.Auth.APIKey, "config")
		router.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				// Health, feeds and peer signals carry their own auth
				if r.URL.Path == "/health" || r.URL.Path == "/peer/signal" ||
					strings.HasSuffix(r.URL.Path, "/feed") {
					next.ServeHTTP(w, r)
					return
				}
				akm.Middleware(next).ServeHTTP(w, r)
			})
		})
		logger.Info("API authentication enabled")
	} else {
		logger.Warn("API authentication disabled: no API key configured")
	}

	handler.RegisterRoutes(router)

	// Metrics server
	if cfg.Metrics.Enabled {
		metricsSrv := &http.Server{
			Addr:         ":" + cfg.Metrics.Port,
			Handler:      metrics.Handler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("Metrics server listening", map[string]interface{}{"port": cfg.Metrics.Port})
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server error", map[string]interface{}{"error": err.Error()})
			}
		}()
		mgr.Register(shutdown.StopHTTPServer(metricsSrv, "metrics"))

		go updateSilenceGauges(mgr.Done(), agg, metrics)
	}

	// API server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if cfg.TLS.Enabled {
		if _, err := os.Stat(cfg.TLS.CertFile); os.IsNotExist(err) {
			logger.Fatal("Certificate file not found; run with --generate-cert first", map[string]interface{}{
				"cert": cfg.TLS.CertFile,
			})
		}
		tlsConfig, err := tlsutil.LoadServerConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile, cfg.TLS.MTLS)
		if err != nil {
			logger.Fatal("Failed to load TLS config", map[string]interface{}{"error": err.Error()})
		}
		srv.TLSConfig = tlsConfig
	} else {
		logger.Warn("TLS disabled; peer signals cross the network in the clear")
	}

	go func() {
		logger.Info("Cradle API listening", map[string]interface{}{"port": cfg.Port, "tls": cfg.TLS.Enabled})
		var err error
		if cfg.TLS.Enabled {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", map[string]interface{}{"error": err.Error()})
		}
	}()
	mgr.Register(shutdown.StopHTTPServer(srv, "api"))

	mgr.Wait()
	mgr.Shutdown()
}

func sourceTokens(cfg DaemonConfig) *auth.TokenManager {
	if !cfg.Auth.SourceTokens {
		return nil
	}
	return auth.NewTokenManager()
}

// peerClientFactory builds peer clients sharing the node's TLS and cluster
// key configuration.
func peerClientFactory(cfg DaemonConfig, clusterKey []byte, logger *logging.Logger) func(address string) *remote.Client {
	return func(address string) *remote.Client {
		opts := []remote.ClientOption{}
		if cfg.TLS.Enabled {
			tlsConfig, err := tlsutil.LoadClientConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile, false)
			if err == nil {
				opts = append(opts, remote.WithTLSConfig(tlsConfig))
			} else {
				logger.Warn("Failed to build peer TLS config", map[string]interface{}{"error": err.Error()})
			}
		}
		return remote.NewClient(address, cfg.Node, clusterKey, opts...)
	}
}

// syncPeers seeds the broadcaster from discovery and follows membership
// changes in the background. Statically configured peers are kept. A peer
// that leaves stops receiving broadcasts, but its source stays registered:
// a vanished peer is exactly the silence the cradle watches for.
func syncPeers(ctx context.Context, registry *discovery.Registry, b *remote.Broadcaster, peerClient func(string) *remote.Client, registerPeer func(name, address string), logger *logging.Logger) {
	peers, err := registry.GetPeers(ctx)
	if err != nil {
		logger.Warn("Failed to list peers", map[string]interface{}{"error": err.Error()})
	}
	for _, p := range peers {
		b.AddPeer(p.Name, peerClient(p.Address))
		registerPeer(p.Name, p.Address)
	}
	logger.Info("Peer set initialized", map[string]interface{}{"peers": len(b.Peers())})

	go func() {
		for ev := range registry.WatchPeers(ctx) {
			if ev.Removed {
				logger.Info("Peer left", map[string]interface{}{"peer": ev.Peer.Name})
				b.RemovePeer(ev.Peer.Name)
				continue
			}
			logger.Info("Peer joined", map[string]interface{}{
				"peer": ev.Peer.Name, "address": ev.Peer.Address,
			})
			b.AddPeer(ev.Peer.Name, peerClient(ev.Peer.Address))
			registerPeer(ev.Peer.Name, ev.Peer.Address)
		}
	}()
}

// updateSilenceGauges refreshes per-source silence metrics every few seconds
func updateSilenceGauges(done <-chan struct{}, agg *aggregator.Aggregator, metrics *telemetry.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			now := time.Now()
			for _, src := range agg.Sources() {
				metrics.SourceSilence.WithLabelValues(src.Name).Set(now.Sub(src.LastSeen).Seconds())
			}
		}
	}
}

func generateCertificate(cfg DaemonConfig, sansCSV string) {
	certFile := cfg.TLS.CertFile
	keyFile := cfg.TLS.KeyFile
	if certFile == "" {
		certFile = "certs/cradled.crt"
	}
	if keyFile == "" {
		keyFile = "certs/cradled.key"
	}
	if err := os.MkdirAll("certs", 0755); err != nil {
		log.Fatalf("Failed to create certs directory: %v", err)
	}

	var sans []string
	for _, s := range strings.Split(sansCSV, ",") {
		if s = strings.TrimSpace(s); s != "" {
			sans = append(sans, s)
		}
	}

	if err := tlsutil.GenerateSelfSignedCert(certFile, keyFile, cfg.Node, sans...); err != nil {
		log.Fatalf("Failed to generate certificate: %v", err)
	}
	log.Printf("Certificate generated: %s (key: %s)", certFile, keyFile)
}
