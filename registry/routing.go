// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/zeroclaw/cp/cperror"
)

// NewRoutingRuleParams holds the fields required to add a RoutingRule.
type NewRoutingRuleParams struct {
	FromPattern string
	ToPattern   string
	TypePattern string
	MaxRetries  *int
	TTLSeconds  *int
}

// AddRoutingRule inserts a new routing rule.
func (r *Registry) AddRoutingRule(ctx context.Context, params NewRoutingRuleParams) (*RoutingRule, error) {
	conn, err := r.takeWriter(ctx)
	if err != nil {
		return nil, err
	}
	defer r.putWriter(conn)

	now := r.nowString()
	err = sqlitex.Execute(conn, `
		INSERT INTO routing_rules (from_pattern, to_pattern, type_pattern, max_retries, ttl_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{params.FromPattern, params.ToPattern, params.TypePattern, nullableInt(params.MaxRetries), nullableInt(params.TTLSeconds), now},
		})
	if err != nil {
		return nil, cperror.Wrap(err, "registry: adding routing rule")
	}

	var id int64
	err = sqlitex.Execute(conn, `SELECT last_insert_rowid()`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return nil, cperror.Wrap(err, "registry: fetching new routing rule id")
	}

	return &RoutingRule{
		ID: id, FromPattern: params.FromPattern, ToPattern: params.ToPattern,
		TypePattern: params.TypePattern, MaxRetries: params.MaxRetries, TTLSeconds: params.TTLSeconds,
	}, nil
}

// ListRoutingRules returns all routing rules.
func (r *Registry) ListRoutingRules(ctx context.Context) ([]*RoutingRule, error) {
	conn, err := r.takeReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.putReader(conn)

	var rules []*RoutingRule
	err = sqlitex.Execute(conn, `
		SELECT id, from_pattern, to_pattern, type_pattern, max_retries, ttl_seconds, created_at FROM routing_rules ORDER BY id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rules = append(rules, scanRoutingRule(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, cperror.Wrap(err, "registry: listing routing rules")
	}
	return rules, nil
}

// MatchRoutingRule returns the first rule (by id) admitting a message
// from "from" to "to" with the given type, or nil if deny-by-default
// applies.
func (r *Registry) MatchRoutingRule(ctx context.Context, from, to, messageType string) (*RoutingRule, error) {
	rules, err := r.ListRoutingRules(ctx)
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		if rule.Matches(from, to, messageType) {
			return rule, nil
		}
	}
	return nil, nil
}

func scanRoutingRule(stmt *sqlite.Stmt) *RoutingRule {
	rule := &RoutingRule{
		ID:          stmt.ColumnInt64(0),
		FromPattern: stmt.ColumnText(1),
		ToPattern:   stmt.ColumnText(2),
		TypePattern: stmt.ColumnText(3),
	}
	if stmt.ColumnType(4) != sqlite.TypeNull {
		v := stmt.ColumnInt(4)
		rule.MaxRetries = &v
	}
	if stmt.ColumnType(5) != sqlite.TypeNull {
		v := stmt.ColumnInt(5)
		rule.TTLSeconds = &v
	}
	rule.CreatedAt, _ = ParseTime(stmt.ColumnText(6))
	return rule
}
