// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server is the composition root: it builds every Relay component
// from configuration, owns the process-wide state (discovery cache,
// breaker registry, connection pool), and serves the inbound HTTP surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/relaymesh/relay/pkg/auth"
	"github.com/relaymesh/relay/pkg/breaker"
	"github.com/relaymesh/relay/pkg/collector"
	"github.com/relaymesh/relay/pkg/config"
	"github.com/relaymesh/relay/pkg/discovery"
	"github.com/relaymesh/relay/pkg/llms"
	"github.com/relaymesh/relay/pkg/logger"
	"github.com/relaymesh/relay/pkg/observability"
	"github.com/relaymesh/relay/pkg/orchestrator"
	"github.com/relaymesh/relay/pkg/rag"
	"github.com/relaymesh/relay/pkg/ratelimit"
	"github.com/relaymesh/relay/pkg/registry"
	"github.com/relaymesh/relay/pkg/routing"
	"github.com/relaymesh/relay/pkg/session"
	"github.com/relaymesh/relay/pkg/store"
	"github.com/relaymesh/relay/pkg/tool"
	"github.com/relaymesh/relay/pkg/transport"
	"github.com/relaymesh/relay/pkg/vector"
)

// Version is stamped at build time.
var Version = "dev"

// Options configures Server construction.
type Options struct {
	Config       *config.Config
	ConfigLoader *config.Loader
	Debug        bool
}

// Server owns the composed runtime and the HTTP listener.
type Server struct {
	cfg        *config.Config
	cfgLoader  *config.Loader
	log        *slog.Logger
	handlers   *Handlers
	httpServer *http.Server

	dbPool *config.DBPool
	obs    *observability.Manager

	stopChan   chan struct{}
	reloadChan chan *config.Config // buffered; holds the latest config
	doneChan   chan struct{}

	// closers tear down out-of-process plugin tools on shutdown.
	closers []func()

	mu sync.RWMutex
}

// New builds the full component graph from configuration.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("server: config is required")
	}

	log := logger.GetLogger()

	s := &Server{
		cfg:        cfg,
		cfgLoader:  opts.ConfigLoader,
		log:        log,
		dbPool:     config.NewDBPool(),
		stopChan:   make(chan struct{}),
		reloadChan: make(chan *config.Config, 1),
		doneChan:   make(chan struct{}),
	}

	handlers, err := s.compose(cfg)
	if err != nil {
		return nil, err
	}
	s.handlers = handlers

	if s.cfgLoader != nil {
		s.cfgLoader.SetOnChange(func(newCfg *config.Config) error {
			// Queue the latest config; replace a pending one rather than
			// blocking the watcher.
			select {
			case s.reloadChan <- newCfg:
			default:
				select {
				case <-s.reloadChan:
				default:
				}
				s.reloadChan <- newCfg
			}
			return nil
		})
	}

	return s, nil
}

// compose builds one complete component graph for a config snapshot.
func (s *Server) compose(cfg *config.Config) (*Handlers, error) {
	// LLM providers.
	llmRegistry := llms.NewLLMRegistry()
	for name, lc := range cfg.LLMs {
		if _, err := llmRegistry.CreateLLMFromConfig(name, lc); err != nil {
			return nil, fmt.Errorf("server: llm %q: %w", name, err)
		}
	}
	defaultLLM := "default"
	if cfg.Defaults != nil && cfg.Defaults.LLM != "" {
		defaultLLM = cfg.Defaults.LLM
	}
	llm, err := llmRegistry.GetLLM(defaultLLM)
	if err != nil {
		return nil, fmt.Errorf("server: default llm %q not configured", defaultLLM)
	}

	// Session store: in-memory TTL cache by default, SQL when configured.
	var sessionStore session.Store
	sessions := cfg.Server.Sessions
	if sessions.IsSQL() {
		dbCfg, ok := cfg.GetDatabase(sessions.Database)
		if !ok {
			return nil, fmt.Errorf("server: sessions database %q not configured", sessions.Database)
		}
		db, err := s.dbPool.Get(dbCfg)
		if err != nil {
			return nil, fmt.Errorf("server: open sessions database: %w", err)
		}
		sqlStore := store.NewSQLSessionStore(db)
		if err := sqlStore.Migrate(context.Background()); err != nil {
			return nil, err
		}
		sessionStore = sqlStore
	} else {
		ttl := 30 * time.Minute
		if sessions != nil {
			if d, err := time.ParseDuration(sessions.TTL); err == nil {
				ttl = d
			}
		}
		sessionStore = session.NewMemoryStore(ttl)
	}

	// Node registry with optional durable backend.
	var backend registry.Backend
	if cfg.Federation != nil && cfg.Federation.Backend == "consul" {
		backend, err = registry.NewConsulBackend(cfg.Federation.ConsulAddress, "relay/nodes")
		if err != nil {
			return nil, fmt.Errorf("server: consul backend: %w", err)
		}
	}
	nodes := registry.NewRegistry(backend)
	for _, peer := range cfg.Federation.PeersOrEmpty() {
		if _, err := nodes.Register(registry.Description{
			Slug:    peer.Slug,
			BaseURL: peer.URL,
			Type:    registry.NodeChild,
			Capabilities: registry.Capabilities{
				Collections: peer.Collections,
			},
		}); err != nil {
			return nil, fmt.Errorf("server: peer %q: %w", peer.Slug, err)
		}
	}

	// Rate limiter (optional).
	var limiter *ratelimit.DefaultRateLimiter
	if cfg.RateLimiting.IsEnabled() {
		rl, err := ratelimit.NewRateLimiterFromConfigWithStore(cfg.RateLimiting, ratelimit.NewMemoryStore())
		if err != nil {
			return nil, fmt.Errorf("server: rate limiter: %w", err)
		}
		limiter, _ = rl.(*ratelimit.DefaultRateLimiter)
	}
	if limiter != nil {
		sessionStore = ratelimit.NewRateLimitedSessionStore(sessionStore, limiter, ratelimit.ScopeSession)
	}

	// Outbound transport: pool + breaker + peer credentials.
	selfReg := registerRequest{
		Slug:        cfg.Node.Slug,
		BaseURL:     serverBaseURL(cfg),
		Type:        cfg.Node.Role,
		Version:     Version,
		Collections: cfg.Node.Collections,
	}
	peerCreds := newPeerCredentials(nodes, selfReg)

	poolTTL, _ := time.ParseDuration(cfg.ConnectionPool.TTL)
	openTimeout, _ := time.ParseDuration(cfg.Breaker.OpenTimeout)
	transportClient := transport.New(transport.Config{
		MaxPerNode: cfg.ConnectionPool.MaxPerNode,
		TTL:        poolTTL,
		Breaker: breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			CooldownSeconds:  int(openTimeout.Seconds()),
		},
	}, peerCreds, limiter)

	// Discovery & digest.
	local := discovery.NodeSummary{
		Slug:        cfg.Node.Slug,
		Description: "Relay node " + cfg.Node.Slug,
		Collections: cfg.Node.Collections,
	}
	cacheTTL := 5 * time.Minute
	if cfg.Discovery != nil {
		if d, err := time.ParseDuration(cfg.Discovery.CacheTTL); err == nil {
			cacheTTL = d
		}
	}
	disc := discovery.New(nodes, &capabilityFetcher{client: transportClient},
		cacheTTL, local, cfg.Routing.DigestTokenBudget)

	// Tool dispatcher: local + remote-node + MCP sources.
	tools := tool.NewRegistry(&toolForwarder{client: transportClient, nodes: nodes})
	if err := s.registerConfiguredTools(tools, cfg); err != nil {
		return nil, err
	}

	// Collector engine: inline config declarations plus YAML declaration
	// directories.
	collectors := collector.FromConfig(cfg.Collectors)
	for _, dir := range collectorPaths(cfg) {
		descs, err := collector.LoadDir(dir)
		if err != nil {
			return nil, err
		}
		for _, d := range descs {
			if err := collectors.Register(d, nil); err != nil {
				return nil, err
			}
		}
	}
	collectorEngine := collector.NewEngine(llm, collectors, cfg.Routing.MaxStepExecutions)

	// Knowledge search, when a vector store and an embedder are declared.
	var searcher orchestrator.Searcher
	if vsCfg := firstByName(cfg.VectorStores); vsCfg != nil {
		if embCfg := firstByName(cfg.Embedders); embCfg != nil {
			provider, err := vector.NewProvider(vsCfg)
			if err != nil {
				return nil, fmt.Errorf("server: vector store: %w", err)
			}
			embedder, err := rag.NewEmbedderFromConfig(embCfg)
			if err != nil {
				return nil, fmt.Errorf("server: embedder: %w", err)
			}
			ragEngine := rag.NewEngine(provider, embedder, rag.NewHyDE(llm), cfg.Node.Collections)
			searcher = &ragSearcher{engine: ragEngine}
		}
	}

	// Routing.
	policy := routing.NewRoutedSessionPolicy(llm, nodes, transportClient.BreakerProbe())
	engine := routing.NewEngine(llm, disc, policy, routing.Profile{})

	// Handlers + orchestrator.
	caller := &nodeCaller{client: transportClient, nodes: nodes}
	handlerRegistry := orchestrator.NewHandlerRegistry()
	if err := handlerRegistry.RegisterDefaults(orchestrator.Deps{
		LLM:             llm,
		Collectors:      collectors,
		CollectorEngine: collectorEngine,
		Tools:           tools,
		Nodes:           nodes,
		Caller:          caller,
		Searcher:        searcher,
	}); err != nil {
		return nil, err
	}

	catalog := &catalogProvider{collectors: collectors, tools: tools, disc: disc}
	orch := orchestrator.New(sessionStore, engine, handlerRegistry, catalog, s.log)

	// User-facing JWT auth (optional).
	validator, err := auth.NewValidatorFromConfig(cfg.Server.Auth)
	if err != nil {
		return nil, fmt.Errorf("server: auth: %w", err)
	}

	// Observability (optional).
	if cfg.Server.Observability != nil {
		obs, err := observability.NewManager(context.Background(), cfg.Server.Observability)
		if err != nil {
			return nil, fmt.Errorf("server: observability: %w", err)
		}
		s.obs = obs
	}

	return &Handlers{
		Orchestrator: orch,
		Nodes:        nodes,
		Discovery:    disc,
		Tools:        tools,
		Collectors:   collectors,
		Searcher:     searcher,
		Validator:    validator,
		Breaker:      transportClient.BreakerProbe(),
		Creds:        newCredentialStore(time.Hour),
		NodeSlug:     cfg.Node.Slug,
		NodeRole:     cfg.Node.Role,
		Version:      Version,
		Collections:  cfg.Node.Collections,
		Limiter:      limiter,
		Obs:          s.obs,
		Logger:       s.log,
	}, nil
}

// registerConfiguredTools loads the declared tool sources. Local entries
// are registered by the embedding application; this wires MCP servers and
// out-of-process plugins.
func (s *Server) registerConfiguredTools(tools *tool.Registry, cfg *config.Config) error {
	for name, tc := range cfg.Tools {
		if tc == nil {
			continue
		}
		switch tc.Type {
		case "mcp":
			descs, err := mcpDescriptors(name, tc)
			if err != nil {
				return fmt.Errorf("server: mcp tool %q: %w", name, err)
			}
			tools.MergeRemote(descs)
		case "plugin":
			desc, closer, err := pluginDescriptor(name, tc)
			if err != nil {
				return fmt.Errorf("server: plugin tool %q: %w", name, err)
			}
			tools.RegisterLocal(name, desc.Local)
			s.closers = append(s.closers, closer)
		}
	}
	return nil
}

func collectorPaths(cfg *config.Config) []string {
	if cfg.Discovery == nil {
		return nil
	}
	return cfg.Discovery.CollectorPaths
}

// firstByName picks the "default" entry of a named config map, falling
// back to the lexicographically first name so selection is deterministic.
func firstByName[T any](m map[string]*T) *T {
	if v, ok := m["default"]; ok && v != nil {
		return v
	}
	var bestName string
	var best *T
	for name, v := range m {
		if v == nil {
			continue
		}
		if best == nil || name < bestName {
			bestName, best = name, v
		}
	}
	return best
}

// serverBaseURL is the URL peers should use to reach this node.
func serverBaseURL(cfg *config.Config) string {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}

// Run serves HTTP until Shutdown; a config reload swaps the router in place
// without stopping the listener.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           NewRouter(s.handlers),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	go s.reloadLoop()
	if paths := collectorPaths(s.cfg); len(paths) > 0 {
		go s.watchDeclarations(paths)
	}

	s.log.Info("relay node listening", "addr", addr, "node", s.cfg.Node.Slug, "role", s.cfg.Node.Role)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// reloadLoop rebuilds the component graph when the config loader reports
// a change, swapping the router handler in place.
func (s *Server) reloadLoop() {
	for {
		select {
		case <-s.stopChan:
			close(s.doneChan)
			return
		case newCfg := <-s.reloadChan:
			handlers, err := s.compose(newCfg)
			if err != nil {
				s.log.Error("config reload failed, keeping previous configuration", "error", err)
				continue
			}
			s.mu.Lock()
			s.cfg = newCfg
			s.handlers = handlers
			if s.httpServer != nil {
				s.httpServer.Handler = NewRouter(handlers)
			}
			s.mu.Unlock()
			s.log.Info("configuration reloaded")
		}
	}
}

// watchDeclarations watches the collector declaration directories and
// triggers a component-graph rebuild when a declaration changes.
func (s *Server) watchDeclarations(paths []string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("declaration watcher unavailable", "error", err)
		return
	}
	defer watcher.Close()

	for _, p := range paths {
		if err := watcher.Add(p); err != nil {
			s.log.Warn("cannot watch declarations dir", "path", p, "error", err)
		}
	}

	for {
		select {
		case <-s.stopChan:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.mu.RLock()
			cfg := s.cfg
			s.mu.RUnlock()
			select {
			case s.reloadChan <- cfg:
			default:
			}
			s.log.Info("collector declarations changed, reloading", "file", event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("declaration watcher error", "error", err)
		}
	}
}

// Shutdown stops the listener and releases pooled resources.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopChan)

	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	if s.obs != nil {
		_ = s.obs.Shutdown(ctx)
	}
	for _, closeTool := range s.closers {
		closeTool()
	}
	_ = s.dbPool.Close()
	return err
}
