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
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/arcmail/arcmail/internal/store"
)

const (
	noAccessSQL    = "1=0"
	noAccessSearch = `ingestionSourceId = "-1"`
)

// SourceLookup resolves the ingestion source ids owned by a user. The
// search index cannot join across entities, so owner conditions on the
// search path need this preliminary relational lookup.
type SourceLookup interface {
	SourceIDsByOwner(ctx context.Context, userID string) ([]string, error)
}

// FilterBuilder compiles an ability into the two filter forms a
// listing operation needs: a relational WHERE fragment and a search
// index filter string.
type FilterBuilder struct {
	sources SourceLookup
}

func NewFilterBuilder(sources SourceLookup) *FilterBuilder {
	return &FilterBuilder{sources: sources}
}

// Build returns (nil, "") for unrestricted access. A provably false
// filter comes back when the ability grants nothing for the pair.
//
// An unconditional grant with no denies short-circuits the whole
// compilation. An unconditional grant alongside conditional denies
// compiles to the AND of the inverted deny conditions. Otherwise the
// grant conditions OR together and the inverted denies AND on top.
func (b *FilterBuilder) Build(ctx context.Context, ability *Ability, action, subject string) (*store.SQLFilter, string, error) {
	rules := ability.rulesFor(action, subject)

	// Rules arrive highest priority first. An unconditional rule masks
	// everything defined before it, so collection stops there.
	hasUnconditionalCan := false
	var canConds, cannotConds []*Condition
collecting:
	for _, r := range rules {
		switch {
		case r.cond == nil && !r.inverted:
			hasUnconditionalCan = true
			break collecting
		case r.cond == nil:
			break collecting
		case r.inverted:
			cannotConds = append(cannotConds, r.cond)
		default:
			canConds = append(canConds, r.cond)
		}
	}

	if hasUnconditionalCan && len(cannotConds) == 0 {
		return nil, "", nil
	}

	var parts []*Condition
	if !hasUnconditionalCan {
		if len(canConds) == 0 {
			return &store.SQLFilter{Expr: noAccessSQL}, noAccessSearch, nil
		}
		if len(canConds) == 1 {
			parts = append(parts, canConds[0])
		} else {
			parts = append(parts, &Condition{Or: canConds})
		}
	}
	for _, cond := range cannotConds {
		parts = append(parts, cond.negate())
	}
	tree := andOf(parts)

	sqlFilter, err := compileSQL(tree, subject)
	if err != nil {
		return nil, "", fmt.Errorf("compiling relational filter: %w", err)
	}
	searchFilter, err := b.compileSearch(ctx, tree)
	if err != nil {
		return nil, "", fmt.Errorf("compiling search filter: %w", err)
	}
	return sqlFilter, searchFilter, nil
}

// --- relational compilation ---

type sqlCompiler struct {
	args   []interface{}
	column func(field string) (string, error)
}

func compileSQL(cond *Condition, subject string) (*store.SQLFilter, error) {
	c := &sqlCompiler{column: columnResolver(subject)}
	expr, err := c.expr(cond)
	if err != nil {
		return nil, err
	}
	return &store.SQLFilter{Expr: expr, Args: c.args}, nil
}

// columnResolver maps camelCase policy fields to the columns of the
// subject's listing query. Archive listings join ingestion_sources as
// "s" next to archived_emails as "e"; dotted relation paths resolve to
// the joined table.
func columnResolver(subject string) func(string) (string, error) {
	return func(field string) (string, error) {
		if err := checkFieldName(field); err != nil {
			return "", err
		}
		relation, column, dotted := strings.Cut(field, ".")
		if dotted {
			if relation != "ingestionSource" {
				return "", fmt.Errorf("unknown relation %q", relation)
			}
			return "s." + camelToSnake(column), nil
		}
		if subject == "archive" {
			return "e." + camelToSnake(field), nil
		}
		return camelToSnake(field), nil
	}
}

func (c *sqlCompiler) expr(cond *Condition) (string, error) {
	switch {
	case len(cond.And) > 0:
		return c.join(cond.And, " AND ")
	case len(cond.Or) > 0:
		return c.join(cond.Or, " OR ")
	case len(cond.Nor) > 0:
		inner, err := c.join(cond.Nor, " OR ")
		if err != nil {
			return "", err
		}
		return "NOT " + inner, nil
	case cond.Not != nil:
		inner, err := c.expr(cond.Not)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	}

	column, err := c.column(cond.Field)
	if err != nil {
		return "", err
	}
	switch cond.Op {
	case OpEq:
		return column + " = " + c.arg(cond.Value), nil
	case OpNe:
		return column + " <> " + c.arg(cond.Value), nil
	case OpGt:
		return column + " > " + c.arg(cond.Value), nil
	case OpGte:
		return column + " >= " + c.arg(cond.Value), nil
	case OpLt:
		return column + " < " + c.arg(cond.Value), nil
	case OpLte:
		return column + " <= " + c.arg(cond.Value), nil
	case OpIn:
		list, err := typedSlice(cond.Value)
		if err != nil {
			return "", fmt.Errorf("field %q: %w", cond.Field, err)
		}
		return column + " = ANY(" + c.arg(list) + ")", nil
	case OpNin:
		list, err := typedSlice(cond.Value)
		if err != nil {
			return "", fmt.Errorf("field %q: %w", cond.Field, err)
		}
		return column + " <> ALL(" + c.arg(list) + ")", nil
	case OpExists:
		if truthy(cond.Value) {
			return column + " IS NOT NULL", nil
		}
		return column + " IS NULL", nil
	}
	return "", fmt.Errorf("unsupported operator %q", cond.Op)
}

func (c *sqlCompiler) join(children []*Condition, sep string) (string, error) {
	exprs := make([]string, len(children))
	for i, child := range children {
		expr, err := c.expr(child)
		if err != nil {
			return "", err
		}
		exprs[i] = expr
	}
	if len(exprs) == 1 {
		return exprs[0], nil
	}
	return "(" + strings.Join(exprs, sep) + ")", nil
}

func (c *sqlCompiler) arg(v interface{}) string {
	c.args = append(c.args, v)
	return "$" + strconv.Itoa(len(c.args))
}

// typedSlice narrows a JSON array to a homogeneous slice pgx can bind.
func typedSlice(v interface{}) (interface{}, error) {
	items, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("$in/$nin expect an array")
	}
	if len(items) == 0 {
		return []string{}, nil
	}
	if _, ok := items[0].(string); ok {
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("mixed-type array")
			}
			out = append(out, s)
		}
		return out, nil
	}
	out := make([]float64, 0, len(items))
	for _, item := range items {
		f, ok := toFloat(item)
		if !ok {
			return nil, fmt.Errorf("mixed-type array")
		}
		out = append(out, f)
	}
	return out, nil
}

// --- search-index compilation ---

func (b *FilterBuilder) compileSearch(ctx context.Context, cond *Condition) (string, error) {
	switch {
	case len(cond.And) > 0:
		return b.joinSearch(ctx, cond.And, " AND ")
	case len(cond.Or) > 0:
		return b.joinSearch(ctx, cond.Or, " OR ")
	case len(cond.Nor) > 0:
		inner, err := b.joinSearch(ctx, cond.Nor, " OR ")
		if err != nil {
			return "", err
		}
		return "NOT " + inner, nil
	case cond.Not != nil:
		inner, err := b.compileSearch(ctx, cond.Not)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	}

	if err := checkFieldName(cond.Field); err != nil {
		return "", err
	}

	// Owner conditions cannot be expressed against the index directly;
	// resolve the owned source ids relationally and filter on those.
	if cond.Field == "ingestionSource.userId" && (cond.Op == OpEq || cond.Op == OpNe) {
		owner, ok := cond.Value.(string)
		if !ok {
			return "", fmt.Errorf("ingestionSource.userId expects a string value")
		}
		ids, err := b.sources.SourceIDsByOwner(ctx, owner)
		if err != nil {
			return "", fmt.Errorf("resolving sources owned by %s: %w", owner, err)
		}
		if len(ids) == 0 {
			if cond.Op == OpNe {
				return "", nil
			}
			return noAccessSearch, nil
		}
		quoted := make([]string, len(ids))
		for i, id := range ids {
			quoted[i] = strconv.Quote(id)
		}
		expr := "ingestionSourceId IN [" + strings.Join(quoted, ", ") + "]"
		if cond.Op == OpNe {
			return "NOT " + expr, nil
		}
		return expr, nil
	}

	column := cond.Field
	switch cond.Op {
	case OpEq:
		return column + " = " + searchValue(cond.Value), nil
	case OpNe:
		return column + " != " + searchValue(cond.Value), nil
	case OpGt:
		return column + " > " + searchValue(cond.Value), nil
	case OpGte:
		return column + " >= " + searchValue(cond.Value), nil
	case OpLt:
		return column + " < " + searchValue(cond.Value), nil
	case OpLte:
		return column + " <= " + searchValue(cond.Value), nil
	case OpIn, OpNin:
		items, ok := cond.Value.([]interface{})
		if !ok {
			return "", fmt.Errorf("$in/$nin expect an array")
		}
		values := make([]string, len(items))
		for i, item := range items {
			values[i] = searchValue(item)
		}
		expr := column + " IN [" + strings.Join(values, ", ") + "]"
		if cond.Op == OpNin {
			return column + " NOT IN [" + strings.Join(values, ", ") + "]", nil
		}
		return expr, nil
	case OpExists:
		if truthy(cond.Value) {
			return column + " EXISTS", nil
		}
		return column + " NOT EXISTS", nil
	}
	return "", fmt.Errorf("unsupported operator %q", cond.Op)
}

func (b *FilterBuilder) joinSearch(ctx context.Context, children []*Condition, sep string) (string, error) {
	exprs := make([]string, 0, len(children))
	for _, child := range children {
		expr, err := b.compileSearch(ctx, child)
		if err != nil {
			return "", err
		}
		if expr != "" {
			exprs = append(exprs, expr)
		}
	}
	if len(exprs) == 0 {
		return "", nil
	}
	if len(exprs) == 1 {
		return exprs[0], nil
	}
	return "(" + strings.Join(exprs, sep) + ")", nil
}

func searchValue(v interface{}) string {
	switch value := v.(type) {
	case string:
		return strconv.Quote(value)
	case bool:
		return strconv.FormatBool(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", value)
	}
}

// checkFieldName rejects field names that could not have come from a
// validated policy. Fields reach SQL text as identifiers, so only
// identifier characters pass.
func checkFieldName(field string) error {
	if field == "" {
		return fmt.Errorf("empty field name")
	}
	for _, r := range field {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
		default:
			return fmt.Errorf("invalid field name %q", field)
		}
	}
	return nil
}

func camelToSnake(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
