package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// SQLRuleStore implements RuleStore on a database/sql connection.
// The placeholder format selects the dialect: sq.Dollar for PostgreSQL,
// sq.Question for SQLite.
type SQLRuleStore struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

// NewSQLRuleStore creates a SQL-backed RuleStore
func NewSQLRuleStore(db *sql.DB, placeholder sq.PlaceholderFormat) *SQLRuleStore {
	return &SQLRuleStore{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(placeholder),
	}
}

var groupColumns = []string{"id", "name", "description", "action", "library_id", "enabled", "created_at", "updated_at"}

// LoadAll reads every group and its rules
func (s *SQLRuleStore) LoadAll(ctx context.Context) ([]RuleGroup, error) {
	groups, err := s.loadGroups(ctx)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return groups, nil
	}

	index := make(map[int64]int, len(groups))
	for i, g := range groups {
		index[g.ID] = i
	}
	if err := s.loadRules(ctx, groups, index); err != nil {
		return nil, err
	}
	return groups, nil
}

// loadGroups closes its rows before returning; SQLite runs with a single
// connection so the rules query cannot start while they are open
func (s *SQLRuleStore) loadGroups(ctx context.Context) ([]RuleGroup, error) {
	query, args, err := s.sb.Select(groupColumns...).From("rule_groups").OrderBy("id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rule groups: %w", err)
	}
	defer rows.Close()

	groups := []RuleGroup{}
	for rows.Next() {
		var g RuleGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &g.Action, &g.LibraryID,
			&g.Enabled, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule group: %w", err)
		}
		g.Rules = []Rule{}
		g.Joins = []Join{}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rule groups: %w", err)
	}
	return groups, nil
}

func (s *SQLRuleStore) loadRules(ctx context.Context, groups []RuleGroup, index map[int64]int) error {
	query, args, err := s.sb.
		Select("group_id", "position", "field", "operator", "value", "negate", "join_op").
		From("rules").
		OrderBy("group_id ASC", "position ASC").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			groupID  int64
			position int
			r        Rule
			op       string
			value    string
			join     string
		)
		if err := rows.Scan(&groupID, &position, &r.Field, &op, &value, &r.Negate, &join); err != nil {
			return fmt.Errorf("failed to scan rule: %w", err)
		}
		i, ok := index[groupID]
		if !ok {
			continue
		}
		r.Operator = Operator(op)
		if err := json.Unmarshal([]byte(value), &r.Value); err != nil {
			return fmt.Errorf("rule %d/%d has invalid value: %w", groupID, position, err)
		}
		if position > 0 {
			groups[i].Joins = append(groups[i].Joins, Join(join))
		}
		groups[i].Rules = append(groups[i].Rules, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating rules: %w", err)
	}
	return nil
}

// Save inserts or replaces a group and its rules in one transaction
func (s *SQLRuleStore) Save(ctx context.Context, group *RuleGroup) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	if group.ID == 0 {
		query, args, err := s.sb.Insert("rule_groups").
			Columns("name", "description", "action", "library_id", "enabled", "created_at", "updated_at").
			Values(group.Name, group.Description, group.Action, group.LibraryID, group.Enabled, now, now).
			Suffix("RETURNING id").
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build insert: %w", err)
		}
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&group.ID); err != nil {
			return fmt.Errorf("failed to insert rule group: %w", err)
		}
		group.CreatedAt = now
	} else {
		query, args, err := s.sb.Select("created_at").From("rule_groups").Where(sq.Eq{"id": group.ID}).ToSql()
		if err != nil {
			return fmt.Errorf("failed to build query: %w", err)
		}
		var createdAt time.Time
		err = tx.QueryRowContext(ctx, query, args...).Scan(&createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return &NotFoundError{ID: group.ID}
		}
		if err != nil {
			return fmt.Errorf("failed to get rule group: %w", err)
		}
		group.CreatedAt = createdAt

		query, args, err = s.sb.Update("rule_groups").
			SetMap(map[string]any{
				"name":        group.Name,
				"description": group.Description,
				"action":      group.Action,
				"library_id":  group.LibraryID,
				"enabled":     group.Enabled,
				"updated_at":  now,
			}).
			Where(sq.Eq{"id": group.ID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to update rule group: %w", err)
		}

		query, args, err = s.sb.Delete("rules").Where(sq.Eq{"group_id": group.ID}).ToSql()
		if err != nil {
			return fmt.Errorf("failed to build delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to replace rules: %w", err)
		}
	}
	group.UpdatedAt = now

	if len(group.Rules) > 0 {
		insert := s.sb.Insert("rules").Columns("group_id", "position", "field", "operator", "value", "negate", "join_op")
		for i, r := range group.Rules {
			value, err := json.Marshal(r.Value)
			if err != nil {
				return fmt.Errorf("failed to encode rule %d value: %w", i, err)
			}
			join := ""
			if i > 0 {
				join = string(group.Joins[i-1])
			}
			insert = insert.Values(group.ID, i, r.Field, string(r.Operator), string(value), r.Negate, join)
		}
		query, args, err := insert.ToSql()
		if err != nil {
			return fmt.Errorf("failed to build insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert rules: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rule group: %w", err)
	}
	return nil
}

// Delete removes a group and its rules in one transaction
func (s *SQLRuleStore) Delete(ctx context.Context, id int64) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query, args, err := s.sb.Delete("rules").Where(sq.Eq{"group_id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete rules: %w", err)
	}

	query, args, err = s.sb.Delete("rule_groups").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete rule group: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &NotFoundError{ID: id}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}
