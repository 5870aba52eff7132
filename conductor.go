// Package conductor provides a top-level convenience entry point that
// assembles a complete orchestrator with minimal boilerplate.
//
// Usage:
//
//	import "github.com/conductorhq/conductor"
//
//	sys, err := conductor.New(
//	    conductor.WithWorkflowDir("workflows"),
//	    conductor.WithRules(rules),
//	)
//	defer sys.Close()
//
//	run, err := sys.Engine.Start(ctx, "feature-delivery", nil)
//
// Every collaborator defaults to an in-memory implementation; pass options
// to swap in durable stores or tune policies.
package conductor

import (
	"time"

	"go.uber.org/zap"

	"github.com/conductorhq/conductor/bus"
	"github.com/conductorhq/conductor/checkpoint"
	"github.com/conductorhq/conductor/definition"
	"github.com/conductorhq/conductor/engine"
	"github.com/conductorhq/conductor/hitl"
	"github.com/conductorhq/conductor/internal/metrics"
	"github.com/conductorhq/conductor/risk"
	"github.com/conductorhq/conductor/router"
	"github.com/conductorhq/conductor/types"
)

// System bundles a fully wired orchestrator.
type System struct {
	Catalog   *definition.Catalog
	Bus       *bus.Bus
	Router    *router.Router
	Engine    *engine.Engine
	Approvals *hitl.Manager

	checkpoints checkpoint.Store
	approvals   hitl.Store
}

type options struct {
	logger        *zap.Logger
	source        definition.Source
	catalogTTL    time.Duration
	checkpoints   checkpoint.Store
	approvalStore hitl.Store
	notifier      hitl.Notifier
	rules         []router.Rule
	matcher       router.SemanticMatcher
	routerOpts    router.Options
	engineOpts    engine.Options
	collector     *metrics.Collector
}

// Option configures the system created by [New].
type Option func(*options)

// WithLogger sets the logger shared by all components.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithWorkflowDir loads workflow definitions from a directory.
func WithWorkflowDir(dir string) Option {
	return func(o *options) { o.source = definition.NewDirSource(dir) }
}

// WithSource sets a custom definition source.
func WithSource(source definition.Source) Option {
	return func(o *options) { o.source = source }
}

// WithCatalogTTL overrides the catalog cache TTL.
func WithCatalogTTL(ttl time.Duration) Option {
	return func(o *options) { o.catalogTTL = ttl }
}

// WithCheckpointStore swaps in a durable checkpoint backend.
func WithCheckpointStore(store checkpoint.Store) Option {
	return func(o *options) { o.checkpoints = store }
}

// WithApprovalStore swaps in a durable approval backend.
func WithApprovalStore(store hitl.Store) Option {
	return func(o *options) { o.approvalStore = store }
}

// WithNotifier delivers approval notifications.
func WithNotifier(n hitl.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithRules sets the heuristic routing rules.
func WithRules(rules []router.Rule) Option {
	return func(o *options) { o.rules = rules }
}

// WithSemanticMatcher sets the semantic routing stage.
func WithSemanticMatcher(m router.SemanticMatcher) Option {
	return func(o *options) { o.matcher = m }
}

// WithRouterOptions tunes routing thresholds and strategy.
func WithRouterOptions(opts router.Options) Option {
	return func(o *options) { o.routerOpts = opts }
}

// WithEngineOptions tunes execution policies.
func WithEngineOptions(opts engine.Options) Option {
	return func(o *options) { o.engineOpts = opts }
}

// WithCollector enables metrics.
func WithCollector(c *metrics.Collector) Option {
	return func(o *options) { o.collector = c }
}

// New assembles an orchestrator. A definition source is required, via
// [WithWorkflowDir] or [WithSource].
func New(opts ...Option) (*System, error) {
	o := &options{catalogTTL: definition.DefaultCatalogTTL}
	for _, opt := range opts {
		opt(o)
	}
	if o.source == nil {
		return nil, types.NewErrorf(types.ErrValidation, "a definition source is required")
	}
	if o.checkpoints == nil {
		o.checkpoints = checkpoint.NewMemoryStore()
	}
	if o.approvalStore == nil {
		o.approvalStore = hitl.NewMemoryStore()
	}

	catalog := definition.NewCatalog(o.source, o.catalogTTL, o.logger)

	rtr, err := router.New(catalog, o.rules, o.matcher, o.routerOpts, o.logger)
	if err != nil {
		return nil, err
	}

	b := bus.New(o.logger)
	manager := hitl.NewManager(o.approvalStore, risk.NewAssessor(), o.notifier, o.logger)
	eng := engine.New(catalog, b, o.checkpoints, manager, o.collector, o.engineOpts, o.logger)

	return &System{
		Catalog:     catalog,
		Bus:         b,
		Router:      rtr,
		Engine:      eng,
		Approvals:   manager,
		checkpoints: o.checkpoints,
		approvals:   o.approvalStore,
	}, nil
}

// Close stops the bus and releases store resources.
func (s *System) Close() error {
	s.Bus.Stop()
	err := s.checkpoints.Close()
	if cerr := s.approvals.Close(); err == nil {
		err = cerr
	}
	return err
}
