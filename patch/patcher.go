package patch

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/ilpatch/cil"
	"github.com/wippyai/ilpatch/detour"
	"github.com/wippyai/ilpatch/errors"
	"github.com/wippyai/ilpatch/hook"
	"github.com/wippyai/ilpatch/registry"
	"github.com/wippyai/ilpatch/schedule"
	"github.com/wippyai/ilpatch/transform"
	"github.com/wippyai/ilpatch/weave"
)

// Source supplies the original body of a method.
type Source interface {
	Body(id cil.MethodID) (*cil.MethodBody, bool)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(id cil.MethodID) (*cil.MethodBody, bool)

func (f SourceFunc) Body(id cil.MethodID) (*cil.MethodBody, bool) {
	return f(id)
}

// Config configures a Patcher.
type Config struct {
	// Registry records active patches. Defaults to registry.Default().
	Registry registry.Registry

	// Source supplies original bodies. Required.
	Source Source

	// Applier installs detours. Required. If it also implements
	// detour.Restorer, UnpatchAll restores the original entry point.
	Applier detour.Applier

	// Definer materializes woven bodies. Defaults to Applier when it
	// implements detour.Definer.
	Definer detour.Definer

	Logger *zap.Logger

	// CacheSize bounds the scheduler's memoized orders.
	CacheSize int
}

// Patcher applies and removes hooks. Safe for concurrent use.
type Patcher struct {
	reg     registry.Registry
	src     Source
	applier detour.Applier
	definer detour.Definer
	sched   *schedule.Scheduler
	log     *zap.Logger
	locks   sync.Map // cil.MethodID -> *sync.Mutex
	seq     atomic.Uint64
}

// New creates a patcher.
func New(cfg Config) (*Patcher, error) {
	if cfg.Source == nil {
		return nil, errors.InvalidInput(errors.PhaseRegistry, "patcher needs a body source")
	}
	if cfg.Applier == nil {
		return nil, errors.InvalidInput(errors.PhaseDetour, "patcher needs a detour applier")
	}
	if cfg.Definer == nil {
		d, ok := cfg.Applier.(detour.Definer)
		if !ok {
			return nil, errors.InvalidInput(errors.PhaseDetour, "patcher needs a definer for woven bodies")
		}
		cfg.Definer = d
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = Logger()
	}
	sched, err := schedule.New(schedule.Config{Logger: cfg.Logger, CacheSize: cfg.CacheSize})
	if err != nil {
		return nil, err
	}
	return &Patcher{
		reg:     cfg.Registry,
		src:     cfg.Source,
		applier: cfg.Applier,
		definer: cfg.Definer,
		sched:   sched,
		log:     cfg.Logger,
	}, nil
}

// Registry returns the registry the patcher records into.
func (p *Patcher) Registry() registry.Registry {
	return p.reg
}

func (p *Patcher) lock(id cil.MethodID) func() {
	v, _ := p.locks.LoadOrStore(id, new(sync.Mutex))
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Patch adds hooks to the method id and installs the resynthesized body.
// It returns the new replacement identity.
func (p *Patcher) Patch(id cil.MethodID, hooks ...*hook.Descriptor) (cil.MethodID, error) {
	for i, d := range hooks {
		if err := validate(id, i, d); err != nil {
			return "", err
		}
	}
	unlock := p.lock(id)
	defer unlock()

	entry, _ := p.reg.Get(id)
	set := entry.Patches
	if set == nil {
		set = hook.NewPatchSet()
	}
	for _, d := range hooks {
		set.Add(d)
	}
	return p.apply(id, set, entry.Replacement)
}

func validate(id cil.MethodID, i int, d *hook.Descriptor) error {
	b := func(kind errors.Kind) *errors.Builder {
		return errors.New(errors.PhaseRegistry, kind).
			Method(string(id)).
			Path(fmt.Sprintf("hook %d", i))
	}
	switch {
	case d == nil:
		return b(errors.KindNilPointer).Detail("nil hook descriptor").Build()
	case int(d.Kind) >= len(hook.Kinds):
		return b(errors.KindInvalidInput).Hook(d.Name()).Detail("unknown hook kind %d", d.Kind).Build()
	case d.Kind == hook.Transpiler && d.Transpiler == nil:
		return b(errors.KindInvalidInput).Hook(d.Owner).Detail("transpiler without a pass").Build()
	case d.Kind != hook.Transpiler && d.Method == nil:
		return b(errors.KindInvalidInput).Hook(d.Owner).Detail("%s without a method", d.Kind).Build()
	}
	return nil
}

// Unpatch removes every hook owner registered on id.
func (p *Patcher) Unpatch(id cil.MethodID, owner string) error {
	return p.remove(id, func(s *hook.PatchSet) int { return s.RemoveOwner(owner) })
}

// UnpatchMethod removes every hook on id whose callable is named name.
func (p *Patcher) UnpatchMethod(id cil.MethodID, name string) error {
	return p.remove(id, func(s *hook.PatchSet) int { return s.RemoveMethod(name) })
}

func (p *Patcher) remove(id cil.MethodID, drop func(*hook.PatchSet) int) error {
	unlock := p.lock(id)
	defer unlock()

	entry, ok := p.reg.Get(id)
	if !ok || drop(entry.Patches) == 0 {
		return nil
	}
	_, err := p.apply(id, entry.Patches, entry.Replacement)
	return err
}

// UnpatchAll removes every hook from id and drops its registry entry.
// The original entry point is restored when the applier supports it;
// otherwise an unmodified copy of the original is installed.
func (p *Patcher) UnpatchAll(id cil.MethodID) error {
	unlock := p.lock(id)
	defer unlock()

	if _, ok := p.reg.Get(id); !ok {
		return nil
	}
	if r, ok := p.applier.(detour.Restorer); ok {
		if err := r.Restore(id); err != nil {
			p.log.Error("restore failed", zap.String("method", string(id)), zap.Error(err))
			return errors.New(errors.PhaseDetour, errors.KindInstall).
				Method(string(id)).
				Cause(err).
				Detail("restore original").
				Build()
		}
	} else {
		original, err := p.original(id)
		if err != nil {
			return err
		}
		if _, err := p.install(id, original.Clone()); err != nil {
			return err
		}
	}
	p.reg.Remove(id)
	p.log.Debug("method restored", zap.String("method", string(id)))
	return nil
}

// Info returns the hooks active on id and its current replacement.
func (p *Patcher) Info(id cil.MethodID) (registry.Entry, bool) {
	return p.reg.Get(id)
}

// Original maps a replacement identity seen on a call stack back to the
// method it replaced.
func (p *Patcher) Original(replacement cil.MethodID) (cil.MethodID, bool) {
	return p.reg.Original(replacement)
}

// PatchedMethods lists every method with a registry entry.
func (p *Patcher) PatchedMethods() []cil.MethodID {
	return p.reg.Methods()
}

func (p *Patcher) original(id cil.MethodID) (*cil.MethodBody, error) {
	body, ok := p.src.Body(id)
	if !ok || body == nil {
		return nil, errors.NotFound(errors.PhaseSynthesis, "method body", string(id))
	}
	return body, nil
}

// apply resynthesizes id from set and installs the result. The registry
// is written last.
func (p *Patcher) apply(id cil.MethodID, set *hook.PatchSet, previous cil.MethodID) (cil.MethodID, error) {
	original, err := p.original(id)
	if err != nil {
		return "", err
	}
	woven, err := p.synthesize(original, set)
	if err != nil {
		p.log.Debug("synthesis failed", zap.String("method", string(id)), zap.Error(err))
		return "", err
	}
	replacement, err := p.install(id, woven)
	if err != nil {
		return "", err
	}
	p.reg.Put(id, registry.Entry{Patches: set, Replacement: replacement})
	p.log.Debug("method patched",
		zap.String("method", string(id)),
		zap.String("replacement", string(replacement)),
		zap.String("previous", string(previous)),
		zap.Int("hooks", set.Len()))
	return replacement, nil
}

func (p *Patcher) synthesize(original *cil.MethodBody, set *hook.PatchSet) (*cil.MethodBody, error) {
	transpilers, err := p.order(set, hook.Transpiler)
	if err != nil {
		return nil, err
	}
	body := original
	if len(transpilers) > 0 {
		passes := make([]transform.Pass, len(transpilers))
		for i, d := range transpilers {
			passes[i] = d.Transpiler
		}
		if body, err = transform.Run(original, passes...); err != nil {
			return nil, err
		}
	}

	var hooks weave.Hooks
	if hooks.Prefixes, err = p.order(set, hook.Prefix); err != nil {
		return nil, err
	}
	if hooks.Postfixes, err = p.order(set, hook.Postfix); err != nil {
		return nil, err
	}
	if hooks.Finalizers, err = p.order(set, hook.Finalizer); err != nil {
		return nil, err
	}
	return weave.Weave(body, hooks)
}

func (p *Patcher) order(set *hook.PatchSet, kind hook.Kind) ([]*hook.Descriptor, error) {
	res, err := p.sched.Order(set.Of(kind))
	if err != nil {
		return nil, err
	}
	return res.Order, nil
}

func (p *Patcher) install(id cil.MethodID, body *cil.MethodBody) (cil.MethodID, error) {
	replacement := cil.MethodID(fmt.Sprintf("%s#patch%d", id, p.seq.Add(1)))
	if err := p.definer.Define(replacement, body); err != nil {
		p.log.Error("define failed",
			zap.String("method", string(id)),
			zap.String("replacement", string(replacement)),
			zap.Error(err))
		return "", errors.New(errors.PhaseDetour, errors.KindInstall).
			Method(string(id)).
			Value(string(replacement)).
			Cause(err).
			Detail("define replacement").
			Build()
	}
	if err := p.applier.Install(id, replacement); err != nil {
		p.log.Error("install failed",
			zap.String("method", string(id)),
			zap.String("replacement", string(replacement)),
			zap.Error(err))
		return "", errors.Install(string(id), err)
	}
	return replacement, nil
}
