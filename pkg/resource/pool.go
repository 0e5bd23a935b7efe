// Package resource hands out exclusive leases on a fixed inventory of
// interchangeable hardware units.
package resource

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Kind names a family of interchangeable units.
type Kind string

const (
	KindDemodulator Kind = "iq"
	KindCapture     Kind = "scope"
)

// Unit is anything that can be pooled. Name must be unique within a pool.
type Unit interface {
	comparable
	Name() string
}

// ErrNoRequester is returned by Lease for an empty requester. An empty owner
// marks a unit as free.
var ErrNoRequester = errors.New("lease requires a requester")

// InsufficientResourceError is returned by Lease when every unit is taken.
type InsufficientResourceError struct {
	Kind      Kind
	Requester string
	Capacity  int
}

func (e *InsufficientResourceError) Error() string {
	return fmt.Sprintf("no free %s unit for %s (all %d leased)", e.Kind, e.Requester, e.Capacity)
}

// Pool tracks which unit is leased to which requester. Units are handed out
// first-available, in the order they were given to NewPool.
type Pool[U Unit] struct {
	kind   Kind
	units  []U
	owners []string // "" means free

	mu sync.Mutex
}

// NewPool creates a pool over units. The slice is copied.
func NewPool[U Unit](kind Kind, units ...U) *Pool[U] {
	return &Pool[U]{
		kind:   kind,
		units:  append([]U(nil), units...),
		owners: make([]string, len(units)),
	}
}

// Kind returns the kind of units in the pool.
func (p *Pool[U]) Kind() Kind {
	return p.kind
}

// Lease returns the first free unit and records requester as its owner.
// requester must not be empty.
func (p *Pool[U]) Lease(requester string) (U, error) {
	if requester == "" {
		var zero U
		return zero, ErrNoRequester
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i, owner := range p.owners {
		if owner != "" {
			continue
		}
		p.owners[i] = requester
		logrus.WithFields(logrus.Fields{
			"kind":      p.kind,
			"unit":      p.units[i].Name(),
			"requester": requester,
		}).Debug("unit leased")
		return p.units[i], nil
	}

	var zero U
	return zero, &InsufficientResourceError{Kind: p.kind, Requester: requester, Capacity: len(p.units)}
}

// Release returns u to the free set. Releasing a free or unknown unit is a no-op.
func (p *Pool[U]) Release(u U) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexOf(u)
	if i < 0 || p.owners[i] == "" {
		return
	}
	logrus.WithFields(logrus.Fields{
		"kind":      p.kind,
		"unit":      u.Name(),
		"requester": p.owners[i],
	}).Debug("unit released")
	p.owners[i] = ""
}

// ReleaseAll releases every unit leased to requester and returns how many
// were released.
func (p *Pool[U]) ReleaseAll(requester string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for i, owner := range p.owners {
		if owner == requester && owner != "" {
			p.owners[i] = ""
			n++
		}
	}
	if n > 0 {
		logrus.WithFields(logrus.Fields{
			"kind":      p.kind,
			"requester": requester,
			"count":     n,
		}).Debug("units released")
	}
	return n
}

// Owner returns the requester holding u, or "" if u is free or unknown.
func (p *Pool[U]) Owner(u U) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i := p.indexOf(u); i >= 0 {
		return p.owners[i]
	}
	return ""
}

// Capacity returns the total number of units.
func (p *Pool[U]) Capacity() int {
	return len(p.units)
}

// Available returns the number of free units.
func (p *Pool[U]) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, owner := range p.owners {
		if owner == "" {
			n++
		}
	}
	return n
}

// Leases returns a snapshot of unit name to owner for every leased unit.
func (p *Pool[U]) Leases() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := make(map[string]string)
	for i, owner := range p.owners {
		if owner != "" {
			m[p.units[i].Name()] = owner
		}
	}
	return m
}

func (p *Pool[U]) indexOf(u U) int {
	for i := range p.units {
		if p.units[i] == u {
			return i
		}
	}
	return -1
}
