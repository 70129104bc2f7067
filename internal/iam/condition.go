// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package iam

import (
	"fmt"
	"sort"
	"strings"
)

// Op is a comparison operator inside a condition leaf.
type Op string

const (
	OpEq     Op = "$eq"
	OpNe     Op = "$ne"
	OpGt     Op = "$gt"
	OpGte    Op = "$gte"
	OpLt     Op = "$lt"
	OpLte    Op = "$lte"
	OpIn     Op = "$in"
	OpNin    Op = "$nin"
	OpExists Op = "$exists"
)

// Condition is a node in a policy condition tree: exactly one of the
// logical slices/pointers is set, or the node is a comparison leaf with
// Field, Op and Value. Field may be a dotted relation path such as
// "ingestionSource.userId".
type Condition struct {
	And []*Condition
	Or  []*Condition
	Nor []*Condition
	Not *Condition

	Field string
	Op    Op
	Value interface{}
}

// parseConditions turns the JSON condition object of a policy into a
// tree. Sibling keys combine with AND. Keys are processed in sorted
// order so compilation output is deterministic.
func parseConditions(raw map[string]interface{}) (*Condition, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var children []*Condition
	for _, key := range keys {
		value := raw[key]
		switch key {
		case "$or", "$and", "$nor":
			list, ok := value.([]interface{})
			if !ok {
				return nil, fmt.Errorf("%s expects an array of conditions", key)
			}
			var parsed []*Condition
			for _, item := range list {
				obj, ok := item.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("%s expects condition objects", key)
				}
				child, err := parseConditions(obj)
				if err != nil {
					return nil, err
				}
				if child != nil {
					parsed = append(parsed, child)
				}
			}
			if len(parsed) == 0 {
				continue
			}
			node := &Condition{}
			switch key {
			case "$or":
				node.Or = parsed
			case "$and":
				node.And = parsed
			case "$nor":
				node.Nor = parsed
			}
			children = append(children, node)
		case "$not":
			obj, ok := value.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("$not expects a condition object")
			}
			child, err := parseConditions(obj)
			if err != nil {
				return nil, err
			}
			if child != nil {
				children = append(children, &Condition{Not: child})
			}
		default:
			leaves, err := parseLeaf(key, value)
			if err != nil {
				return nil, err
			}
			children = append(children, leaves...)
		}
	}
	return andOf(children), nil
}

// parseLeaf handles a field key: either a bare value (implicit equals)
// or an object of operators.
func parseLeaf(field string, value interface{}) ([]*Condition, error) {
	obj, ok := value.(map[string]interface{})
	if !ok {
		return []*Condition{{Field: field, Op: OpEq, Value: value}}, nil
	}
	ops := make([]string, 0, len(obj))
	for op := range obj {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	var leaves []*Condition
	for _, op := range ops {
		switch Op(op) {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNin, OpExists:
			leaves = append(leaves, &Condition{Field: field, Op: Op(op), Value: obj[op]})
		default:
			return nil, fmt.Errorf("unsupported operator %q on field %q", op, field)
		}
	}
	return leaves, nil
}

func andOf(children []*Condition) *Condition {
	switch len(children) {
	case 0:
		return nil
	case 1:
		return children[0]
	default:
		return &Condition{And: children}
	}
}

// interpolate replaces the user id placeholder inside leaf values.
func (c *Condition) interpolate(userID string) {
	if c == nil {
		return
	}
	for _, child := range c.And {
		child.interpolate(userID)
	}
	for _, child := range c.Or {
		child.interpolate(userID)
	}
	for _, child := range c.Nor {
		child.interpolate(userID)
	}
	c.Not.interpolate(userID)
	c.Value = interpolateValue(c.Value, userID)
}

func interpolateValue(v interface{}, userID string) interface{} {
	switch value := v.(type) {
	case string:
		if value == UserIDPlaceholder {
			return userID
		}
		return value
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = interpolateValue(item, userID)
		}
		return out
	default:
		return v
	}
}

// negate returns the logical complement of the condition. De Morgan on
// the logical nodes, operator inversion on the leaves.
func (c *Condition) negate() *Condition {
	switch {
	case c == nil:
		return nil
	case len(c.And) > 0:
		out := make([]*Condition, len(c.And))
		for i, child := range c.And {
			out[i] = child.negate()
		}
		return &Condition{Or: out}
	case len(c.Or) > 0:
		out := make([]*Condition, len(c.Or))
		for i, child := range c.Or {
			out[i] = child.negate()
		}
		return &Condition{And: out}
	case len(c.Nor) > 0:
		return &Condition{Or: c.Nor}
	case c.Not != nil:
		return c.Not
	}

	inverse := map[Op]Op{
		OpEq: OpNe, OpNe: OpEq,
		OpGt: OpLte, OpLte: OpGt,
		OpGte: OpLt, OpLt: OpGte,
		OpIn: OpNin, OpNin: OpIn,
	}
	if c.Op == OpExists {
		return &Condition{Field: c.Field, Op: OpExists, Value: !truthy(c.Value)}
	}
	return &Condition{Field: c.Field, Op: inverse[c.Op], Value: c.Value}
}

// matches evaluates the condition against a resource represented as a
// (possibly nested) map, resolving dotted field paths.
func (c *Condition) matches(resource map[string]interface{}) bool {
	if c == nil {
		return true
	}
	if len(c.And) > 0 {
		for _, child := range c.And {
			if !child.matches(resource) {
				return false
			}
		}
		return true
	}
	if len(c.Or) > 0 {
		for _, child := range c.Or {
			if child.matches(resource) {
				return true
			}
		}
		return false
	}
	if len(c.Nor) > 0 {
		for _, child := range c.Nor {
			if child.matches(resource) {
				return false
			}
		}
		return true
	}
	if c.Not != nil {
		return !c.Not.matches(resource)
	}

	value, present := lookupField(resource, c.Field)
	switch c.Op {
	case OpExists:
		return truthy(c.Value) == (present && value != nil)
	case OpEq:
		return present && equalValues(value, c.Value)
	case OpNe:
		return !present || !equalValues(value, c.Value)
	case OpIn:
		return present && valueInList(value, c.Value)
	case OpNin:
		return !present || !valueInList(value, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		if !present {
			return false
		}
		cmp, ok := compareValues(value, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	}
	return false
}

func lookupField(resource map[string]interface{}, field string) (interface{}, bool) {
	parts := strings.Split(field, ".")
	var current interface{} = resource
	for _, part := range parts {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func equalValues(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	return a == b
}

func valueInList(v, list interface{}) bool {
	items, ok := list.([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		if equalValues(v, item) {
			return true
		}
	}
	return false
}

func compareValues(a, b interface{}) (int, bool) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func truthy(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}
