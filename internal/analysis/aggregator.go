package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/fin-analysis/internal/completion"
	"github.com/ChuLiYu/fin-analysis/internal/source"
	"github.com/ChuLiYu/fin-analysis/internal/store"
	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

// Resolver is the get-or-generate entry point the aggregator depends on.
type Resolver interface {
	Resolve(ctx context.Context, key types.AnalysisKey) (types.Resolution, error)
	// Await blocks until the handle is terminal. An unknown handle yields
	// types.ErrStalePointer.
	Await(ctx context.Context, handleID string) (*types.TaskHandle, error)
}

// AggregatorConfig tunes dependency waiting.
type AggregatorConfig struct {
	WaitTimeout  time.Duration // bound on waiting for all three statements
	RetryBackoff time.Duration // pause before re-resolving after retry or a stale pointer
}

// DefaultAggregatorConfig returns the production settings.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{WaitTimeout: 80 * time.Minute, RetryBackoff: 500 * time.Millisecond}
}

// Aggregator produces the composite analysis from the three statement
// analyses, generating any that are missing through the Resolver.
type Aggregator struct {
	settings
	config     AggregatorConfig
	resolver   Resolver
	store      store.Store
	source     source.Source
	dispatcher Dispatcher
	client     completion.Client
}

// NewAggregator creates an Aggregator.
func NewAggregator(cfg AggregatorConfig, r Resolver, st store.Store, src source.Source, d Dispatcher, client completion.Client, opts ...Option) *Aggregator {
	return &Aggregator{
		settings:   newSettings(opts),
		config:     cfg,
		resolver:   r,
		store:      st,
		source:     src,
		dispatcher: d,
		client:     client,
	}
}

// Analyze runs on the aggregate worker class.
func (a *Aggregator) Analyze(ctx context.Context, key types.AnalysisKey) (*types.Artifact, error) {
	if key.Kind != types.KindComposite {
		return nil, fmt.Errorf("%w: %s is not composite", types.ErrInvalidInput, key.Kind)
	}

	waitCtx := ctx
	if a.config.WaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, a.config.WaitTimeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(waitCtx)
	for _, kind := range types.StatementKinds {
		dep := types.NewKey(key.EntityID, kind)
		g.Go(func() error { return a.awaitDependency(gctx, dep) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// every dependency is terminal; read the artifacts back from the store
	inputs := make(map[string]string, len(types.StatementKinds))
	for _, kind := range types.StatementKinds {
		dep := types.NewKey(key.EntityID, kind)
		art, err := a.store.Get(ctx, dep)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", dep, err)
		}
		if art == nil {
			a.logger.Error("dependency succeeded without artifact", zap.String("key", dep.String()))
			return nil, fmt.Errorf("%w: %s finished without an artifact", types.ErrConsistencyViolation, dep)
		}
		inputs[string(kind)+"_analysis"] = art.Narrative
	}

	name := key.EntityID
	if p, err := a.source.Profile(ctx, key.EntityID); err == nil && p.Name != "" {
		name = p.Name
	} else if err != nil {
		a.logger.Warn("company profile unavailable, using symbol", zap.String("entity", key.EntityID), zap.Error(err))
	}

	id, err := a.dispatcher.Enqueue(ctx, types.ClassLeaf, key.String()+"/synthesis", func(ctx context.Context) (any, error) {
		return a.client.Complete(ctx, CompanyPrompt(name), inputs)
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch company synthesis: %w", err)
	}
	h, err := a.dispatcher.Wait(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("company synthesis: %w", err)
	}
	if h.Status == types.StatusFailed {
		return nil, fmt.Errorf("company synthesis: %w", h.Error)
	}
	res, ok := h.Value.(completion.Result)
	if !ok {
		return nil, fmt.Errorf("unexpected synthesis result %T", h.Value)
	}
	if !res.UsageReported {
		a.logger.Warn("completion reported no token usage, counting zero", zap.String("key", key.String()))
	}

	a.logger.Info("company analysis complete", zap.String("key", key.String()), zap.Int("token_usage", res.Usage))
	return &types.Artifact{
		Key:        key,
		Narrative:  res.Text,
		TokenUsage: res.Usage,
		ComputedAt: a.now().UTC(),
	}, nil
}

// awaitDependency resolves one statement analysis until it is cached or its
// generating handle is terminal.
func (a *Aggregator) awaitDependency(ctx context.Context, dep types.AnalysisKey) error {
	for {
		res, err := a.resolver.Resolve(ctx, dep)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", dep, err)
		}

		switch res.State {
		case types.StateCached:
			return nil
		case types.StatePending:
			h, err := a.resolver.Await(ctx, res.HandleID)
			if errors.Is(err, types.ErrStalePointer) {
				a.logger.Debug("stale in-flight pointer, re-resolving", zap.String("key", dep.String()))
				break
			}
			if err != nil {
				return fmt.Errorf("wait for %s: %w", dep, err)
			}
			if h.Status == types.StatusFailed {
				return fmt.Errorf("dependency %s failed: %w", dep, h.Error)
			}
			return nil
		}

		if err := sleep(ctx, a.config.RetryBackoff); err != nil {
			return fmt.Errorf("wait for %s: %w", dep, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
