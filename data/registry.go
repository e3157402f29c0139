// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package data

import (
	"fmt"
	"sync"
)

var (
	factoriesMu sync.Mutex
	factories   = make(map[string]Factory)
)

// RegisterFactory registers a data factory under the provided name,
// which is the name of the program's analytic factory. Remote ranks,
// which run the same binary, find it by that name.
func RegisterFactory(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, ok := factories[name]; ok {
		panic(fmt.Sprintf("data.RegisterFactory: factory %q already registered", name))
	}
	factories[name] = f
}

// LookupFactory returns the data factory registered under the provided
// name.
func LookupFactory(name string) (Factory, bool) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	f, ok := factories[name]
	return f, ok
}
