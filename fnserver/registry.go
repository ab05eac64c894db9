/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnserver

import (
	"sync"

	"github.com/pkg/errors"
)

var ErrRegistrationCollision = errors.New("registration collision")
var ErrBuilderFrozen = errors.New("builder already frozen")

// Builder is the startup-phase collection point. Independently-compiled
// units contribute descriptors, usually from init, and exactly one
// Freeze drains the collection into the immutable registry.
type Builder struct {
	mu          sync.Mutex
	descriptors []*Descriptor
	frozen      bool
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (t *Builder) Add(d *Descriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return ErrBuilderFrozen
	}
	t.descriptors = append(t.descriptors, d)
	return nil
}

// Freeze drains the builder once and builds the path mapping. A path
// collision fails fast, naming both descriptors; the process must not
// begin serving after that.
func (t *Builder) Freeze() (*Registry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return nil, ErrBuilderFrozen
	}
	t.frozen = true

	byPath := make(map[string]*Descriptor, len(t.descriptors))
	for _, d := range t.descriptors {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if prev, ok := byPath[d.Path]; ok {
			return nil, errors.Wrapf(ErrRegistrationCollision,
				"%s and %s both resolve to %s", prev.Name, d.Name, d.Path)
		}
		byPath[d.Path] = d
	}
	t.descriptors = nil

	return &Registry{byPath: byPath}, nil
}

// Registry is the process-wide path mapping. Read-only after Freeze, so
// concurrent lookups need no synchronization. An empty registry is valid
// and merely means no remote endpoint exists.
type Registry struct {
	byPath map[string]*Descriptor
}

func (t *Registry) Resolve(path string) (*Descriptor, bool) {
	d, ok := t.byPath[path]
	return d, ok
}

func (t *Registry) Len() int {
	return len(t.byPath)
}

var defaultBuilder = NewBuilder()

// Register contributes a descriptor to the default builder. Call it from
// init or an explicit startup function, before Freeze.
func Register(d *Descriptor) {
	if err := defaultBuilder.Add(d); err != nil {
		panic(err)
	}
}

// Freeze freezes the default builder.
func Freeze() (*Registry, error) {
	return defaultBuilder.Freeze()
}

// MustFreeze is the fail-fast startup path.
func MustFreeze() *Registry {
	r, err := Freeze()
	if err != nil {
		panic(err)
	}
	return r
}
