// Package topology enumerates the devices a transport exposes and sorts them
// into device classes.
package topology

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"energy-monitor/internal/installation"
)

// Entry is one row of a flat device inventory.
type Entry struct {
	// Kind is the transport's own category label, e.g. "Meter".
	Kind       string
	ID         string
	DeviceType int
	Model      string
	Serial     string
	// Models lists SunSpec model ids found on the device, if any.
	Models []uint16
}

// Source is anything that can list its devices.
type Source interface {
	Inventory(ctx context.Context) ([]Entry, error)
}

// Rule assigns Class to entries matching Match.
type Rule struct {
	Class installation.Class
	Match func(Entry) bool
}

// Rules are evaluated in order; the first match wins.
type Rules []Rule

// Classify returns the class of e, or installation.Other.
func (r Rules) Classify(e Entry) installation.Class {
	for _, rule := range r {
		if rule.Match(e) {
			return rule.Class
		}
	}
	return installation.Other
}

func kindIs(kind string) func(Entry) bool {
	return func(e Entry) bool {
		return strings.EqualFold(e.Kind, kind)
	}
}

func hasModel(ids ...uint16) func(Entry) bool {
	return func(e Entry) bool {
		return lo.Some(e.Models, ids)
	}
}

// FroniusRules classify Solar API inventory entries by their device class
// label.
var FroniusRules = Rules{
	{Class: installation.Inverter, Match: kindIs("Inverter")},
	{Class: installation.Storage, Match: kindIs("Storage")},
	{Class: installation.Meter, Match: kindIs("Meter")},
}

// SunSpecRules classify Modbus devices by the SunSpec models they expose.
var SunSpecRules = Rules{
	{Class: installation.Meter, Match: hasModel(201, 202, 203, 204, 211, 212, 213, 214)},
	{Class: installation.Inverter, Match: hasModel(101, 102, 103, 111, 112, 113)},
	{Class: installation.Storage, Match: hasModel(124, 802)},
}

// Identity is a classified inventory entry.
type Identity struct {
	Entry
	Class installation.Class
}

// Key returns the class-qualified device key.
func (i Identity) Key() string {
	return installation.Key(i.Class, i.ID)
}

// Topology is the classified inventory in source order.
type Topology struct {
	Identities []Identity
}

// Classes maps every device key to its class.
func (t Topology) Classes() map[string]installation.Class {
	return lo.SliceToMap(t.Identities, func(i Identity) (string, installation.Class) {
		return i.Key(), i.Class
	})
}

// Of returns the identities of one class in source order.
func (t Topology) Of(c installation.Class) []Identity {
	return lo.Filter(t.Identities, func(i Identity, _ int) bool {
		return i.Class == c
	})
}

// Has reports whether at least one device of class c was found.
func (t Topology) Has(c installation.Class) bool {
	return lo.ContainsBy(t.Identities, func(i Identity) bool {
		return i.Class == c
	})
}

// Discover lists the devices of src and classifies them. It has no side
// effects beyond the inventory read.
func Discover(ctx context.Context, src Source, rules Rules) (Topology, error) {
	entries, err := src.Inventory(ctx)
	if err != nil {
		return Topology{}, fmt.Errorf("reading inventory: %w", err)
	}

	t := Topology{Identities: make([]Identity, 0, len(entries))}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		id := Identity{Entry: e, Class: rules.Classify(e)}
		if _, dup := seen[id.Key()]; dup {
			continue
		}
		seen[id.Key()] = struct{}{}
		t.Identities = append(t.Identities, id)
	}
	return t, nil
}
