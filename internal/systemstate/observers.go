package systemstate

import (
	"fmt"
	"reflect"

	"github.com/loqalabs/loqa-audio/internal/errcode"
)

// Callback receives the new value of a setting and the arg it was
// registered with.
type Callback[T any] func(value T, arg any)

type observerID struct {
	key string
	arg any
}

type observer[T any] struct {
	id observerID
	fn Callback[T]
}

// observers is an ordered registry keyed by (key, arg). Args that cannot be
// compared, such as slices or maps, are rejected with ErrInvalidArgument.
type observers[T any] struct {
	name string
	list []observer[T]
}

func (o *observers[T]) indexOf(id observerID) int {
	for i, obs := range o.list {
		if obs.id == id {
			return i
		}
	}
	return -1
}

func comparableArg(arg any) bool {
	return arg == nil || reflect.ValueOf(arg).Comparable()
}

func (o *observers[T]) register(key string, fn Callback[T], arg any) error {
	if fn == nil {
		return fmt.Errorf("register %s observer %q: nil callback: %w", o.name, key, errcode.ErrInvalidArgument)
	}
	if !comparableArg(arg) {
		return fmt.Errorf("register %s observer %q: arg %T is not comparable: %w", o.name, key, arg, errcode.ErrInvalidArgument)
	}
	id := observerID{key: key, arg: arg}
	if o.indexOf(id) >= 0 {
		return fmt.Errorf("register %s observer %q: %w", o.name, key, errcode.ErrExists)
	}
	o.list = append(o.list, observer[T]{id: id, fn: fn})
	return nil
}

func (o *observers[T]) remove(key string, arg any) error {
	if !comparableArg(arg) {
		return fmt.Errorf("remove %s observer %q: arg %T is not comparable: %w", o.name, key, arg, errcode.ErrInvalidArgument)
	}
	i := o.indexOf(observerID{key: key, arg: arg})
	if i < 0 {
		return fmt.Errorf("remove %s observer %q: %w", o.name, key, errcode.ErrNotFound)
	}
	o.list = append(o.list[:i:i], o.list[i+1:]...)
	return nil
}

// notify calls every observer registered when notification starts, in
// registration order. An observer removed by an earlier callback in the same
// pass is skipped.
func (o *observers[T]) notify(value T) {
	snapshot := append([]observer[T](nil), o.list...)
	for _, obs := range snapshot {
		if o.indexOf(obs.id) < 0 {
			continue
		}
		obs.fn(value, obs.id.arg)
	}
}

func (o *observers[T]) count() int { return len(o.list) }
