// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ace

import (
	"fmt"
	"reflect"
	"sync"
)

// A Factory makes the analytics supported by a program. Analytic types
// are small integers in [0, Size()).
type Factory interface {
	// Size returns the number of analytic types.
	Size() int
	// Name returns the command line name of the analytic type.
	Name(typ int) string
	// Make returns a new analytic of the provided type.
	Make(typ int) (Analytic, error)
}

// MakeAnalytic returns a new analytic of the provided type, checking
// that the type is valid for the factory.
func MakeAnalytic(f Factory, typ int) (Analytic, error) {
	if typ < 0 || typ >= f.Size() {
		return nil, ConfigurationError("%d is not a valid analytic type (max is %d)", typ, f.Size()-1)
	}
	a, err := f.Make(typ)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, LogicError("factory returned nil analytic for type %d", typ)
	}
	return a, nil
}

// TypeOf returns the analytic type with the provided name.
func TypeOf(f Factory, name string) (int, error) {
	for i := 0; i < f.Size(); i++ {
		if f.Name(i) == name {
			return i, nil
		}
	}
	return -1, ConfigurationError("unknown analytic %q", name)
}

var (
	factoriesMu sync.Mutex
	factories   = make(map[string]Factory)
)

// RegisterFactory registers a factory under the provided name.
// Factories are registered by programs that start remote ranks, so that
// a rank process, which runs the same binary, can find the factory by
// name. RegisterFactory panics if the name is already registered; it
// should be called from package initialization.
func RegisterFactory(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, ok := factories[name]; ok {
		panic(fmt.Sprintf("ace.RegisterFactory: factory %q already registered", name))
	}
	factories[name] = f
}

// LookupFactory returns the factory registered under the provided
// name.
func LookupFactory(name string) (Factory, bool) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	f, ok := factories[name]
	return f, ok
}

// FactoryName returns the name under which f is registered.
// Factories of uncomparable types are never found.
func FactoryName(f Factory) (string, bool) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	for name, g := range factories {
		if reflect.TypeOf(g).Comparable() && g == f {
			return name, true
		}
	}
	return "", false
}
