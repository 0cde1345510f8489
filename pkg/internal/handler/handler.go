// Package handler provides reflection-based handler execution for queue workers.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Handler holds metadata about a registered job handler.
type Handler struct {
	Fn         reflect.Value
	ArgsType   reflect.Type
	HasContext bool
	HasResult  bool
}

// NewHandler creates a Handler from a function.
// Accepted signatures:
//
//	func(ctx context.Context, payload T) error
//	func(ctx context.Context, payload T) (R, error)
//	func(payload T) error
//	func(ctx context.Context) error
func NewHandler(fn any) (*Handler, error) {
	if fn == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	fnVal := reflect.ValueOf(fn)
	if fnVal.Kind() != reflect.Func {
		return nil, fmt.Errorf("handler must be a function")
	}
	if fnVal.IsNil() {
		return nil, fmt.Errorf("handler function cannot be nil")
	}

	fnType := fnVal.Type()
	handler := &Handler{Fn: fnVal}

	numIn := fnType.NumIn()
	if numIn < 1 || numIn > 2 {
		return nil, fmt.Errorf("handler must have 1-2 arguments")
	}

	argIdx := 0
	if fnType.In(0).Implements(contextType) {
		handler.HasContext = true
		argIdx = 1
	} else if numIn == 2 {
		return nil, fmt.Errorf("handler with two arguments must take context.Context first")
	}
	if argIdx < numIn {
		handler.ArgsType = fnType.In(argIdx)
	}

	switch fnType.NumOut() {
	case 1:
		if !fnType.Out(0).Implements(errorType) {
			return nil, fmt.Errorf("handler must return error")
		}
	case 2:
		if !fnType.Out(1).Implements(errorType) {
			return nil, fmt.Errorf("handler must return (R, error)")
		}
		handler.HasResult = true
	default:
		return nil, fmt.Errorf("handler must return error or (R, error)")
	}

	return handler, nil
}

// Execute decodes payload into the handler's argument type, runs the handler,
// and returns its JSON-encoded result. Handlers without a result return nil.
func (h *Handler) Execute(ctx context.Context, payload []byte) ([]byte, error) {
	if !h.Fn.IsValid() || h.Fn.IsNil() {
		return nil, fmt.Errorf("handler function is nil or invalid")
	}

	var args []reflect.Value
	if h.HasContext {
		args = append(args, reflect.ValueOf(ctx))
	}
	if h.ArgsType != nil {
		argVal := reflect.New(h.ArgsType)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, argVal.Interface()); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}
		args = append(args, argVal.Elem())
	}

	results := h.Fn.Call(args)

	if !h.HasResult {
		if err, _ := results[0].Interface().(error); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err, _ := results[1].Interface().(error); err != nil {
		return nil, err
	}
	out, err := json.Marshal(results[0].Interface())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return out, nil
}
