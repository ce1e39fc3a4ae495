package dispatch

import (
	"log"

	"github.com/dop251/goja"

	"github.com/combo-lab/combo-pubsub/errs"
	"github.com/combo-lab/combo-pubsub/registry"
)

// ScriptDispatcher evaluates a user-supplied, sandboxed JavaScript function
// per subscription entry to decide whether (and with what payload) to
// deliver, giving custom per-subscription filtering without a Go rebuild —
// the same value proposition as the teacher's JS strategy loader, applied
// to delivery filtering instead of trading strategies.
type ScriptDispatcher struct {
	program *goja.Program
}

// NewScriptDispatcher compiles source, which must define a top-level
// `dispatch` function taking (value, isSender, message) and returning the
// payload to deliver, or a falsy value to skip delivery; returning true
// delivers message unchanged. A compile error is reported as
// errs.CodeConfigInvalid.
func NewScriptDispatcher(source string) (*ScriptDispatcher, error) {
	program, err := goja.Compile("dispatcher.js", source, true)
	if err != nil {
		return nil, errs.New("dispatch/script", errs.CodeConfigInvalid,
			errs.WithMessage("compile dispatcher script"), errs.WithCause(err))
	}
	return &ScriptDispatcher{program: program}, nil
}

// Dispatch implements Dispatcher. Each entry gets a fresh, sandboxed VM: no
// require, no filesystem, no state shared across goroutines or calls.
func (d *ScriptDispatcher) Dispatch(entries []registry.Entry, sender registry.Handle, message any) {
	for _, e := range entries {
		d.deliverOne(e, sender, message)
	}
}

func (d *ScriptDispatcher) deliverOne(e registry.Entry, sender registry.Handle, message any) {
	vm := goja.New()
	if _, err := vm.RunProgram(d.program); err != nil {
		log.Printf("dispatch/script: runtime error loading dispatcher script: %v", err)
		return
	}
	fn, ok := goja.AssertFunction(vm.Get("dispatch"))
	if !ok {
		log.Printf("dispatch/script: dispatcher script does not define a dispatch function")
		return
	}

	isSender := sender != nil && e.Handle == sender
	result, err := fn(goja.Undefined(), vm.ToValue(e.Value), vm.ToValue(isSender), vm.ToValue(message))
	if err != nil {
		log.Printf("dispatch/script: runtime error evaluating dispatch function: %v", err)
		return
	}
	if !result.ToBoolean() {
		return
	}
	payload := result.Export()
	if b, ok := payload.(bool); ok && b {
		payload = message
	}
	if err := e.Handle.Send(payload); err != nil {
		log.Printf("dispatch/script: delivery to subscriber failed: %v", err)
	}
}
