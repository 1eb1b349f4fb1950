// Package expr evaluates small JavaScript predicates against send results.
// Stop conditions of an iteration and post-send retry checks are written as
// expressions such as `json.status === "PENDING"` or `result.includes("DONE")`.
package expr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// DefaultTimeout bounds a single evaluation
const DefaultTimeout = time.Second

// Predicate is a compiled expression. It is safe for concurrent use; every
// evaluation runs on a VM taken from an internal pool.
type Predicate struct {
	source  string
	program *goja.Program
	timeout time.Duration
	vms     sync.Pool
}

// Compile parses source once. The expression's completion value decides the
// outcome, see Eval.
func Compile(source string, timeout time.Duration) (*Predicate, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("empty expression")
	}
	program, err := goja.Compile("predicate", source, false)
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	p := &Predicate{source: source, program: program, timeout: timeout}
	p.vms.New = func() interface{} {
		vm := goja.New()
		vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
		return vm
	}
	return p, nil
}

// Source returns the expression text
func (p *Predicate) Source() string {
	return p.source
}

// Eval runs the expression with vars bound as globals. A string result is
// true when it is non-empty and not "false"; null and undefined are false;
// other values follow JavaScript truthiness.
func (p *Predicate) Eval(ctx context.Context, vars map[string]interface{}) (bool, error) {
	vm := p.vms.Get().(*goja.Runtime)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan struct{})
	var (
		interruptMu sync.Mutex
		interrupted bool
	)
	go func() {
		select {
		case <-ctx.Done():
			interruptMu.Lock()
			interrupted = true
			interruptMu.Unlock()
			vm.Interrupt("evaluation timeout")
		case <-done:
		}
	}()

	value, err := p.run(vm, vars)
	close(done)

	interruptMu.Lock()
	wasInterrupted := interrupted
	interruptMu.Unlock()
	if wasInterrupted {
		// the VM may carry a pending interrupt; do not reuse it
		if err == nil {
			err = ctx.Err()
		}
		return false, fmt.Errorf("evaluate %q: %w", p.source, err)
	}
	p.vms.Put(vm)

	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", p.source, err)
	}
	return truthy(value), nil
}

func (p *Predicate) run(vm *goja.Runtime, vars map[string]interface{}) (goja.Value, error) {
	for name, v := range vars {
		if err := vm.Set(name, v); err != nil {
			return nil, fmt.Errorf("set %s: %w", name, err)
		}
	}
	return vm.RunProgram(p.program)
}

func truthy(v goja.Value) bool {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return false
	}
	if s, ok := v.Export().(string); ok {
		return s != "" && !strings.EqualFold(s, "false")
	}
	return v.ToBoolean()
}

// ResultVars binds result as the string `result` and, when it parses as
// JSON, the decoded value as `json`. Extra key/value pairs are added as is.
func ResultVars(result string, extra map[string]interface{}) map[string]interface{} {
	vars := make(map[string]interface{}, len(extra)+2)
	vars["result"] = result
	var decoded interface{}
	if err := json.Unmarshal([]byte(result), &decoded); err == nil {
		vars["json"] = decoded
	} else {
		vars["json"] = nil
	}
	for k, v := range extra {
		vars[k] = v
	}
	return vars
}
