// Package agentry is an actor-style message runtime. Agents register by
// type, instances come to life on first delivery, and the same application
// code runs in one process or across a cluster of workers behind a gRPC
// host. The root package carries the public API plus a config-driven
// entrypoint; agent/ holds the core contracts and internal/runtime the
// machinery.
package agentry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentry-dev/agentry/agent"
	"github.com/agentry-dev/agentry/agents"
	"github.com/agentry-dev/agentry/internal/graph"
	"github.com/agentry-dev/agentry/internal/observability"
	"github.com/agentry-dev/agentry/internal/runtime"
	obs "github.com/agentry-dev/agentry/pkg/observability"
	"github.com/agentry-dev/agentry/pkg/security"
	"github.com/agentry-dev/agentry/pkg/state"
)

// Config is the top-level configuration a process runs from.
type Config struct {
	Runtime RuntimeDef `yaml:"runtime,omitempty"`
	Agents  []AgentDef `yaml:"agents,omitempty"`
	State   StateDef   `yaml:"state,omitempty"`
	Metrics MetricsDef `yaml:"metrics,omitempty"`
}

// RuntimeDef selects and tunes the runtime topology.
type RuntimeDef struct {
	// Mode is "local" (default), "host" or "worker".
	Mode string `yaml:"mode,omitempty"`

	// Listen is the host bind address. Default ":50051".
	Listen string `yaml:"listen,omitempty"`

	// HostAddress is the address a worker dials. Default "localhost:50051".
	HostAddress string `yaml:"host_address,omitempty"`

	QueueSize   int `yaml:"queue_size,omitempty"`
	MailboxSize int `yaml:"mailbox_size,omitempty"`

	// RateLimit bounds inbound frames per worker connection (host mode).
	RateLimit *RateLimitDef `yaml:"rate_limit,omitempty"`

	// TLS secures the host/worker channel.
	TLS *TLSDef `yaml:"tls,omitempty"`
}

// RateLimitDef configures the host's per-connection frame budget.
type RateLimitDef struct {
	FramesPerSecond float64 `yaml:"frames_per_second"`
	Burst           int     `yaml:"burst"`
}

// TLSDef carries certificate paths for the cluster channel.
type TLSDef struct {
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
	CAFile             string `yaml:"ca_file,omitempty"`
	ServerName         string `yaml:"server_name,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
	External           bool   `yaml:"external,omitempty"`
}

// AgentDef declares one agent type this process serves.
type AgentDef struct {
	// Type resolves against the factories passed to Run, then against the
	// builtin catalog (echo, logger, collector).
	Type string `yaml:"type"`

	// Keys lists instance keys to create during startup. Empty means one
	// instance under the default key; instances for other keys still come
	// to life lazily on first delivery.
	Keys []string `yaml:"keys,omitempty"`

	// DependsOn orders startup: this agent's instances are created only
	// after the named types' declared instances are up.
	DependsOn []string `yaml:"depends_on,omitempty"`

	// Subscriptions lists topic types routed to this agent type.
	Subscriptions []string `yaml:"subscriptions,omitempty"`

	// DefaultSubscription additionally subscribes the type to the default
	// topic type.
	DefaultSubscription bool `yaml:"default_subscription,omitempty"`
}

// StateDef configures snapshot persistence.
type StateDef struct {
	// Store is "", "memory", "file", "redis" or "firestore". Empty disables
	// persistence.
	Store string `yaml:"store,omitempty"`

	// RuntimeID keys this process's snapshots in the store. Default "default".
	RuntimeID string `yaml:"runtime_id,omitempty"`

	// BaseDir overrides the file store directory.
	BaseDir string `yaml:"base_dir,omitempty"`

	Checkpoint CheckpointDef `yaml:"checkpoint,omitempty"`

	Redis     *RedisDef     `yaml:"redis,omitempty"`
	Firestore *FirestoreDef `yaml:"firestore,omitempty"`
}

// CheckpointDef controls scheduled auto-save.
type CheckpointDef struct {
	// AutoSave enables background snapshots on the configured interval.
	AutoSave bool `yaml:"auto_save,omitempty"`

	// Interval is a duration ("30s") or cron expression ("*/5 * * * *").
	// Default "1m".
	Interval string `yaml:"interval,omitempty"`
}

// RedisDef configures the redis state backend.
type RedisDef struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	TTL      string `yaml:"ttl,omitempty"`
}

// FirestoreDef configures the firestore state backend.
type FirestoreDef struct {
	ProjectID       string `yaml:"project_id"`
	Collection      string `yaml:"collection,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
}

// MetricsDef configures the health/metrics HTTP server. Port 0 disables it.
type MetricsDef struct {
	Port int `yaml:"port,omitempty"`
}

// FileReader abstracts config file access so loading is testable.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader reads from the real filesystem.
type OSFileReader struct{}

func (r *OSFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304 - path comes from the operator's own CLI/config input
}

// ConfigLoader parses config files through the bounded YAML parser.
type ConfigLoader struct {
	fileReader FileReader
	yamlParser *security.SafeYAMLParser
}

// NewConfigLoader creates a loader with the default parsing limits.
func NewConfigLoader(fr FileReader) *ConfigLoader {
	return &ConfigLoader{
		fileReader: fr,
		yamlParser: security.NewSafeYAMLParser(security.DefaultYAMLLimits()),
	}
}

// NewConfigLoaderWithLimits creates a loader with custom parsing limits.
func NewConfigLoaderWithLimits(fr FileReader, limits security.YAMLLimits) *ConfigLoader {
	return &ConfigLoader{
		fileReader: fr,
		yamlParser: security.NewSafeYAMLParser(limits),
	}
}

// LoadConfig reads, parses and validates one config file.
func (cl *ConfigLoader) LoadConfig(path string) (*Config, error) {
	data, err := cl.fileReader.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := cl.yamlParser.UnmarshalYAML(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigFromReader parses config YAML from r, for example piped stdin.
// The read is bounded by the parser's MaxFileSize.
func (cl *ConfigLoader) LoadConfigFromReader(r io.Reader) (*Config, error) {
	var cfg Config
	if err := cl.yamlParser.UnmarshalYAMLFromReader(r, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads path with the default loader. Convenience for main
// functions; tests inject a FileReader through NewConfigLoader.
func LoadConfig(path string) (*Config, error) {
	return NewConfigLoader(&OSFileReader{}).LoadConfig(path)
}

// Validate rejects configurations no mode could run.
func (c *Config) Validate() error {
	switch c.Runtime.Mode {
	case "", "local", "host", "worker":
	default:
		return fmt.Errorf("unknown runtime mode %q (want local, host or worker)", c.Runtime.Mode)
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, def := range c.Agents {
		if def.Type == "" {
			return fmt.Errorf("agents[%d]: missing type", i)
		}
		if !agent.AgentType(def.Type).Valid() {
			return fmt.Errorf("agents[%d]: invalid type %q", i, def.Type)
		}
		if seen[def.Type] {
			return fmt.Errorf("agents[%d]: type %q declared twice", i, def.Type)
		}
		seen[def.Type] = true
	}

	if rl := c.Runtime.RateLimit; rl != nil {
		if rl.FramesPerSecond <= 0 || rl.Burst <= 0 {
			return fmt.Errorf("rate_limit: frames_per_second and burst must be positive")
		}
	}

	if c.State.RuntimeID != "" {
		if err := state.ValidateRuntimeID(c.State.RuntimeID); err != nil {
			return fmt.Errorf("state: %w", err)
		}
	}
	return nil
}

// Mode returns the effective runtime mode.
func (c *Config) Mode() string {
	if c.Runtime.Mode == "" {
		return "local"
	}
	return c.Runtime.Mode
}

// RunOption customizes Start and Run.
type RunOption func(*runOptions)

type runOptions struct {
	factories map[string]agent.Factory
	store     state.Store
	rt        agent.Runtime
	runtime   []runtime.Option
}

// WithFactories binds config-declared agent types to factories. Types absent
// from the map fall back to the builtin catalog.
func WithFactories(factories map[string]agent.Factory) RunOption {
	return func(o *runOptions) { o.factories = factories }
}

// WithStore overrides the config-selected state store. Tests use a memory
// store regardless of config.
func WithStore(s state.Store) RunOption {
	return func(o *runOptions) { o.store = s }
}

// WithRuntime injects a pre-built runtime instead of constructing one from
// config. Useful for tests.
func WithRuntime(rt agent.Runtime) RunOption {
	return func(o *runOptions) { o.rt = rt }
}

// WithRuntimeOptions forwards extra options to the constructed runtime,
// for example WithCodecRegistry for worker payloads.
func WithRuntimeOptions(opts ...RuntimeOption) RunOption {
	return func(o *runOptions) { o.runtime = append(o.runtime, opts...) }
}

// System is a started topology: the runtime (or host), its checkpointer and
// its metrics server. Stop shuts the pieces down in order.
type System struct {
	cfg *Config

	rt   agent.Runtime
	host *runtime.Host

	checkpointer *state.Checkpointer
	store        state.Store
	metrics      *obs.Server
}

// Runtime returns the running runtime. Nil in host mode.
func (s *System) Runtime() agent.Runtime { return s.rt }

// Host returns the running host. Nil in local and worker modes.
func (s *System) Host() *runtime.Host { return s.host }

// Run builds the configured topology, starts it, and serves until ctx is
// done or the process receives SIGINT/SIGTERM. The teardown drains in-flight
// messages and takes a final state snapshot when persistence is on.
func Run(ctx context.Context, cfg *Config, opts ...RunOption) error {
	sys, err := Start(ctx, cfg, opts...)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	log.Printf("[Agentry] %s mode up. Press Ctrl+C to stop.", cfg.Mode())
	select {
	case sig := <-sigCh:
		log.Printf("[Agentry] received %s, shutting down", sig)
	case <-ctx.Done():
		log.Printf("[Agentry] context done, shutting down")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return sys.Stop(stopCtx)
}

// Start builds and starts the configured topology without blocking. Callers
// own the returned System and must Stop it.
func Start(ctx context.Context, cfg *Config, opts ...RunOption) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	options := &runOptions{}
	for _, opt := range opts {
		opt(options)
	}

	if err := observability.InitFromEnv(); err != nil {
		log.Printf("[Agentry] tracing disabled: %v", err)
	}

	sys := &System{cfg: cfg}

	var err error
	if cfg.Mode() == "host" {
		err = sys.startHost(ctx)
	} else {
		err = sys.startAgents(ctx, options)
	}
	if err != nil {
		return nil, err
	}

	if port := cfg.Metrics.Port; port > 0 {
		sys.registerHealthChecks()
		sys.metrics = obs.NewServer(port)
		go func() {
			if serveErr := sys.metrics.Start(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				log.Printf("[Agentry] metrics server: %v", serveErr)
			}
		}()
	}

	return sys, nil
}

// registerHealthChecks feeds the readiness endpoint: a ping plus a store
// round-trip when persistence is on.
func (s *System) registerHealthChecks() {
	hc := obs.InitHealthChecker()
	hc.RegisterCheck(obs.PingCheck())
	if s.store != nil {
		store := s.store
		hc.RegisterCheck(obs.StoreCheck(func(ctx context.Context) error {
			_, err := store.List(ctx)
			return err
		}))
	}
}

// startHost brings up the cluster gateway.
func (s *System) startHost(ctx context.Context) error {
	listen := s.cfg.Runtime.Listen
	if listen == "" {
		listen = ":50051"
	}

	var hostOpts []any
	if rl := s.cfg.Runtime.RateLimit; rl != nil {
		hostOpts = append(hostOpts, runtime.WithRateLimit(rl.FramesPerSecond, rl.Burst))
	}
	if tlsCfg := s.cfg.Runtime.TLS.runtimeConfig(); tlsCfg != nil {
		hostOpts = append(hostOpts, runtime.WithTLS(tlsCfg))
	}

	s.host = runtime.NewHost(listen, hostOpts...)
	if err := s.host.Start(ctx); err != nil {
		return fmt.Errorf("start host: %w", err)
	}
	return nil
}

// startAgents brings up a local or worker runtime with the declared agents.
func (s *System) startAgents(ctx context.Context, options *runOptions) error {
	rt := options.rt
	if rt == nil {
		rtOpts := s.runtimeOptions(options)
		if s.cfg.Mode() == "worker" {
			addr := s.cfg.Runtime.HostAddress
			if addr == "" {
				addr = "localhost:50051"
			}
			workerOpts := make([]any, 0, len(rtOpts)+1)
			for _, o := range rtOpts {
				workerOpts = append(workerOpts, o)
			}
			if tlsCfg := s.cfg.Runtime.TLS.runtimeConfig(); tlsCfg != nil {
				workerOpts = append(workerOpts, runtime.WithWorkerTLS(tlsCfg))
			}
			rt = runtime.NewWorker(addr, workerOpts...)
		} else {
			rt = runtime.NewLocalRuntime(rtOpts...)
		}
	}
	s.rt = rt

	// Workers need the channel up before registration round-trips.
	if err := rt.Start(); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}

	if err := s.registerAgents(options.factories); err != nil {
		s.abort()
		return err
	}

	if err := s.setupState(ctx, options.store); err != nil {
		s.abort()
		return err
	}

	if err := s.warmAgents(ctx); err != nil {
		s.abort()
		return err
	}
	return nil
}

// abort tears the half-started runtime down after a startup failure.
func (s *System) abort() {
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.rt.Stop(stopCtx); err != nil {
		log.Printf("[Agentry] teardown after failed start: %v", err)
	}
}

func (s *System) runtimeOptions(options *runOptions) []runtime.Option {
	var rtOpts []runtime.Option
	if q := s.cfg.Runtime.QueueSize; q > 0 {
		rtOpts = append(rtOpts, runtime.WithQueueSize(q))
	}
	if m := s.cfg.Runtime.MailboxSize; m > 0 {
		rtOpts = append(rtOpts, runtime.WithMailboxSize(m))
	}
	return append(rtOpts, options.runtime...)
}

// registerAgents binds every declared type and activates its subscriptions.
func (s *System) registerAgents(factories map[string]agent.Factory) error {
	for _, def := range s.cfg.Agents {
		factory, ok := factories[def.Type]
		if !ok {
			factory, ok = agents.Lookup(def.Type)
		}
		if !ok {
			return fmt.Errorf("agent type %q: no factory passed and no builtin matches", def.Type)
		}

		agentType := agent.AgentType(def.Type)
		if err := s.rt.RegisterFactory(agentType, factory); err != nil {
			return fmt.Errorf("register %s: %w", def.Type, err)
		}

		for _, topicType := range def.Subscriptions {
			if err := s.rt.AddSubscription(agent.NewTypeSubscription(topicType, agentType)); err != nil {
				return fmt.Errorf("subscribe %s to %s: %w", def.Type, topicType, err)
			}
		}
		if def.DefaultSubscription {
			if err := s.rt.AddSubscription(agent.NewDefaultSubscription(agentType)); err != nil {
				return fmt.Errorf("subscribe %s to default topic: %w", def.Type, err)
			}
		}
		log.Printf("[Agentry] registered agent type %s (%d subscriptions)",
			def.Type, len(def.Subscriptions))
	}
	return nil
}

// instanceWarmer is satisfied by runtimes that can pre-create instances.
type instanceWarmer interface {
	Warm(ctx context.Context, id agent.AgentID) error
}

// warmAgents creates declared instances in dependency phases. Within one
// phase, agents come up concurrently; a phase only starts once the previous
// one is fully up.
func (s *System) warmAgents(ctx context.Context) error {
	if len(s.cfg.Agents) == 0 {
		return nil
	}
	warmer, ok := s.rt.(instanceWarmer)
	if !ok {
		log.Printf("[Agentry] runtime does not pre-create instances; agents start lazily")
		return nil
	}

	defs := make(map[string]AgentDef, len(s.cfg.Agents))
	g := graph.New()
	for _, def := range s.cfg.Agents {
		defs[def.Type] = def
		g.Add(def.Type, def.DependsOn...)
	}

	levels, err := g.Levels()
	if err != nil {
		return fmt.Errorf("agent dependencies: %w", err)
	}

	for i, level := range levels {
		log.Printf("[Agentry] starting agent phase %d: %v", i, level)

		eg, egCtx := errgroup.WithContext(ctx)
		for _, name := range level {
			def := defs[name]
			eg.Go(func() error {
				keys := def.Keys
				if len(keys) == 0 {
					keys = []string{agent.DefaultKey}
				}
				for _, key := range keys {
					id := agent.NewAgentID(agent.AgentType(def.Type), key)
					if err := warmer.Warm(egCtx, id); err != nil {
						return fmt.Errorf("start agent %s: %w", id, err)
					}
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return fmt.Errorf("phase %d startup failed: %w", i, err)
		}
	}
	return nil
}

// setupState builds the configured store, restores the last snapshot and
// arms the checkpointer.
func (s *System) setupState(ctx context.Context, override state.Store) error {
	store := override
	if store == nil {
		var err error
		store, err = buildStore(ctx, s.cfg.State)
		if err != nil {
			return err
		}
	}
	if store == nil {
		return nil
	}
	s.store = store

	var cpOpts []state.CheckpointOption
	if id := s.cfg.State.RuntimeID; id != "" {
		cpOpts = append(cpOpts, state.WithRuntimeID(id))
	}
	if iv := s.cfg.State.Checkpoint.Interval; iv != "" {
		cpOpts = append(cpOpts, state.WithSchedule(iv))
	}
	cp := state.NewCheckpointer(s.rt, store, cpOpts...)
	s.checkpointer = cp

	switch err := cp.Restore(ctx); {
	case err == nil:
		log.Printf("[Agentry] restored state snapshot")
	case errors.Is(err, state.ErrSnapshotNotFound):
		log.Printf("[Agentry] no previous state snapshot, starting fresh")
	default:
		return fmt.Errorf("restore state: %w", err)
	}

	if s.cfg.State.Checkpoint.AutoSave {
		if err := cp.Start(); err != nil {
			return fmt.Errorf("start checkpointer: %w", err)
		}
	}
	return nil
}

// buildStore constructs the configured state backend. Empty Store means
// persistence is off.
func buildStore(ctx context.Context, def StateDef) (state.Store, error) {
	switch def.Store {
	case "":
		return nil, nil
	case "memory":
		return state.NewMemoryStore(), nil
	case "file":
		return state.NewFileStore(def.BaseDir)
	case "redis":
		if def.Redis == nil {
			return nil, fmt.Errorf("state store redis needs a redis section")
		}
		cfg := state.RedisConfig{
			Addr:     def.Redis.Addr,
			Password: def.Redis.Password,
			DB:       def.Redis.DB,
			Prefix:   def.Redis.Prefix,
		}
		if def.Redis.TTL != "" {
			ttl, err := time.ParseDuration(def.Redis.TTL)
			if err != nil {
				return nil, fmt.Errorf("state redis ttl: %w", err)
			}
			cfg.TTL = ttl
		}
		return state.NewRedisStore(cfg)
	case "firestore":
		if def.Firestore == nil {
			return nil, fmt.Errorf("state store firestore needs a firestore section")
		}
		fsOpts := []state.FirestoreOption{state.WithProjectID(def.Firestore.ProjectID)}
		if def.Firestore.Collection != "" {
			fsOpts = append(fsOpts, state.WithCollection(def.Firestore.Collection))
		}
		if def.Firestore.CredentialsFile != "" {
			fsOpts = append(fsOpts, state.WithCredentialsFile(def.Firestore.CredentialsFile))
		}
		return state.NewFirestoreStore(ctx, fsOpts...)
	default:
		return nil, fmt.Errorf("unknown state store %q (want memory, file, redis or firestore)", def.Store)
	}
}

// Stop shuts the system down: final checkpoint, runtime drain, then the
// ambient servers. Safe to call once per Start.
func (s *System) Stop(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Checkpoint first: the final save needs the runtime still accepting
	// snapshot requests.
	if s.checkpointer != nil {
		if s.cfg.State.Checkpoint.AutoSave {
			keep(s.checkpointer.Stop())
		} else {
			keep(s.checkpointer.Save(ctx))
		}
	}

	if s.rt != nil {
		keep(s.rt.Stop(ctx))
	}
	if s.host != nil {
		keep(s.host.Stop(ctx))
	}

	if s.store != nil {
		keep(s.store.Close())
	}
	if s.metrics != nil {
		keep(s.metrics.Shutdown(ctx))
	}
	if err := observability.Shutdown(ctx); err != nil {
		log.Printf("[Agentry] tracing shutdown: %v", err)
	}
	return firstErr
}

// runtimeConfig converts the yaml TLS block to the runtime's TLS config.
// A nil def means plaintext.
func (t *TLSDef) runtimeConfig() *runtime.TLSConfig {
	if t == nil {
		return nil
	}
	return &runtime.TLSConfig{
		Enabled:            true,
		CertFile:           t.CertFile,
		KeyFile:            t.KeyFile,
		CAFile:             t.CAFile,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
		ExternalTLS:        t.External,
	}
}
