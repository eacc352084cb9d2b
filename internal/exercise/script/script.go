// Package script runs JavaScript-defined exercises behind the exercise.Module
// interface. A program declares advance(), applyInput(input) and snapshot()
// functions; each module instance owns an isolated VM driven by a single
// goroutine, since goja runtimes are not goroutine-safe.
package script

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/mindrill/mindrill/errs"
	"github.com/mindrill/mindrill/internal/exercise"
	"github.com/mindrill/mindrill/internal/state"
)

// Program is a compiled exercise script.
type Program struct {
	Name string
	prog *goja.Program
}

// Compile parses and compiles an exercise script.
func Compile(name, source string) (*Program, error) {
	prog, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, fmt.Errorf("compile exercise script %s: %w", name, err)
	}
	return &Program{Name: name, prog: prog}, nil
}

// Factory adapts a compiled program to the registry signature. The options
// map is exposed to the script as the global `options` object.
func (p *Program) Factory() exercise.Factory {
	return func(opts map[string]any) (exercise.Module, error) {
		return newModule(p, opts)
	}
}

// Module is one scripted exercise instance.
type Module struct {
	name string
	rt   *goja.Runtime

	advance    goja.Callable
	applyInput goja.Callable
	snapshot   goja.Callable

	queue chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

func newModule(p *Program, opts map[string]any) (*Module, error) {
	rt := goja.New()
	rt.SetFieldNameMapper(goja.UncapFieldNameMapper())
	if err := rt.Set("options", opts); err != nil {
		return nil, fmt.Errorf("script %s: set options: %w", p.Name, err)
	}
	if _, err := rt.RunProgram(p.prog); err != nil {
		return nil, fmt.Errorf("script %s: execute: %w", p.Name, err)
	}

	m := &Module{name: p.Name, rt: rt, queue: make(chan func())}
	for _, fn := range []struct {
		name   string
		target *goja.Callable
	}{
		{"advance", &m.advance},
		{"applyInput", &m.applyInput},
		{"snapshot", &m.snapshot},
	} {
		callable, ok := goja.AssertFunction(rt.Get(fn.name))
		if !ok {
			return nil, errs.New("exercise/script", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("script %s must define function %s", p.Name, fn.name)))
		}
		*fn.target = callable
	}

	m.wg.Add(1)
	go m.loop()
	return m, nil
}

func (m *Module) loop() {
	defer m.wg.Done()
	for fn := range m.queue {
		fn()
	}
}

// run executes fn on the VM goroutine and waits for its result.
func (m *Module) run(fn func() (goja.Value, error)) (goja.Value, error) {
	type outcome struct {
		value goja.Value
		err   error
	}
	done := make(chan outcome, 1)
	m.queue <- func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: errs.New("exercise/script", errs.CodeModuleFault,
					errs.WithMessage(fmt.Sprint(r)))}
			}
		}()
		value, err := fn()
		done <- outcome{value: value, err: err}
	}
	result := <-done
	return result.value, result.err
}

func (m *Module) Name() string { return m.name }

func (m *Module) Advance() error {
	_, err := m.run(func() (goja.Value, error) {
		return m.advance(goja.Undefined())
	})
	if err != nil {
		return moduleFault(m.name, "advance", err)
	}
	return nil
}

func (m *Module) ApplyInput(input map[string]any) (map[string]any, error) {
	value, err := m.run(func() (goja.Value, error) {
		return m.applyInput(goja.Undefined(), m.rt.ToValue(input))
	})
	if err != nil {
		return nil, moduleFault(m.name, "applyInput", err)
	}
	result, ok := exportMap(value)
	if !ok {
		return nil, errs.New("exercise/script", errs.CodeInvalid,
			errs.WithMessage("applyInput must return an object"))
	}
	return result, nil
}

func (m *Module) Snapshot() state.State {
	value, err := m.run(func() (goja.Value, error) {
		return m.snapshot(goja.Undefined())
	})
	if err != nil {
		// Snapshot has no error surface; an unreadable snapshot is empty.
		return state.State{}
	}
	snap, ok := exportMap(value)
	if !ok {
		return state.State{}
	}
	return state.State(snap)
}

// Close stops the VM goroutine. The session calls this when releasing the
// module.
func (m *Module) Close() {
	m.once.Do(func() {
		close(m.queue)
		m.wg.Wait()
	})
}

func moduleFault(name, fn string, err error) error {
	if _, ok := err.(*errs.E); ok {
		return err
	}
	return errs.New("exercise/script", errs.CodeModuleFault,
		errs.WithFunction(fn),
		errs.WithMessage("script "+name+" failed"),
		errs.WithCause(err))
}

func exportMap(value goja.Value) (map[string]any, bool) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, false
	}
	exported := value.Export()
	m, ok := exported.(map[string]any)
	return m, ok
}
