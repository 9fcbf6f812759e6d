package event

import (
	"reflect"

	apperrors "github.com/jrjohn/arcana-runtime/pkg/errors"
)

var listenerType = reflect.TypeOf(Listener(nil))

// BindListener registers obj's OnEvent<Name> method for each event. Every
// method is looked up before anything is registered: if obj lacks a method, or
// the method is not func(...any), ErrMissingMethod is returned and no listener
// is bound.
func (b *Bus) BindListener(obj any, events ...Event) ([]Handle, error) {
	if obj == nil {
		return nil, apperrors.ErrInvalidArgument.WithMessage("cannot bind listener methods of nil")
	}

	v := reflect.ValueOf(obj)
	seen := make(map[Event]bool, len(events))
	methods := make([]Listener, 0, len(events))
	unique := make([]Event, 0, len(events))

	for _, e := range events {
		if seen[e] {
			continue
		}
		seen[e] = true

		name := e.MethodName()
		m := v.MethodByName(name)
		if !m.IsValid() {
			return nil, apperrors.ErrMissingMethod.WithMessagef("%T has no method %s()", obj, name)
		}
		if !m.Type().ConvertibleTo(listenerType) {
			return nil, apperrors.ErrMissingMethod.WithMessagef("%T.%s must be func(...any), got %s", obj, name, m.Type())
		}
		methods = append(methods, m.Convert(listenerType).Interface().(Listener))
		unique = append(unique, e)
	}

	handles := make([]Handle, 0, len(unique))
	for i, e := range unique {
		handles = append(handles, b.AppendListener(e, methods[i]))
	}
	return handles, nil
}

// UnbindListener removes listeners bound by BindListener
func (b *Bus) UnbindListener(handles []Handle) {
	for _, h := range handles {
		b.RemoveListener(h)
	}
}
