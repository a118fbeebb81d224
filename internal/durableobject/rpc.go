package durableobject

import (
	"context"
	"fmt"
	"reflect"

	"github.com/evalgo/edgerun/internal/bindingerr"
)

// Stub is a client-side handle to one actor instance: a (class, id) pair
// whose methods the caller invokes by name via Call.
type Stub struct {
	registry *Registry
	class    string
	id       ID
}

// NewStub returns a stub addressing the given instance.
func (r *Registry) NewStub(class string, id ID) *Stub {
	return &Stub{registry: r, class: class, id: id}
}

// Call invokes methodName on the instance's actor object with args,
// validating that both args and the return value are structured-clone-safe
// before crossing the RPC boundary, then returns the method's result.
func (s *Stub) Call(ctx context.Context, methodName string, args ...any) (any, error) {
	for i, a := range args {
		if err := validateCloneable(a); err != nil {
			return nil, fmt.Errorf("durable object rpc: argument %d: %w", i, err)
		}
	}

	var result any
	err := s.registry.Dispatch(ctx, s.class, s.id, func(ctx context.Context, obj Object, state *State) error {
		method := reflect.ValueOf(obj).MethodByName(methodName)
		if !method.IsValid() {
			return bindingerr.NewNotFound(fmt.Sprintf("method %q on class %q", methodName, s.class))
		}

		in := make([]reflect.Value, 0, len(args)+1)
		methodType := method.Type()
		argOffset := 0
		if methodType.NumIn() > 0 && methodType.In(0) == reflect.TypeOf((*context.Context)(nil)).Elem() {
			in = append(in, reflect.ValueOf(ctx))
			argOffset = 1
		}
		if methodType.NumIn()-argOffset != len(args) {
			return bindingerr.NewValidation("args", fmt.Sprintf("method %q expects %d arguments, got %d", methodName, methodType.NumIn()-argOffset, len(args)))
		}
		for _, a := range args {
			in = append(in, reflect.ValueOf(a))
		}

		out := method.Call(in)
		if len(out) == 0 {
			return nil
		}

		errType := reflect.TypeOf((*error)(nil)).Elem()
		lastIsErr := out[len(out)-1].Type().Implements(errType)
		if lastIsErr {
			if !out[len(out)-1].IsNil() {
				return out[len(out)-1].Interface().(error)
			}
			if len(out) > 1 {
				result = out[0].Interface()
			}
			return nil
		}

		result = out[0].Interface()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := validateCloneable(result); err != nil {
		return nil, fmt.Errorf("durable object rpc: return value: %w", err)
	}
	return result, nil
}

// validateCloneable rejects values the structured-clone algorithm cannot
// represent: functions, channels, and cyclic structures. Primitives, slices,
// maps, and structs composed of those are accepted.
func validateCloneable(v any) error {
	if v == nil {
		return nil
	}
	return checkCloneable(reflect.ValueOf(v), map[uintptr]bool{})
}

func checkCloneable(v reflect.Value, seen map[uintptr]bool) error {
	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return fmt.Errorf("value of kind %s is not structured-clone-safe", v.Kind())
	case reflect.Ptr:
		if v.IsNil() {
			return nil
		}
		addr := v.Pointer()
		if seen[addr] {
			return fmt.Errorf("cyclic structure is not structured-clone-safe")
		}
		seen[addr] = true
		err := checkCloneable(v.Elem(), seen)
		delete(seen, addr)
		return err
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return checkCloneable(v.Elem(), seen)
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := checkCloneable(v.Index(i), seen); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if err := checkCloneable(iter.Value(), seen); err != nil {
				return err
			}
		}
		return nil
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !v.Field(i).CanInterface() {
				continue
			}
			if err := checkCloneable(v.Field(i), seen); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}
