package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/onnwee/stream-herald/events"
)

// Channel is a chat channel the bot operates in.
type Channel struct {
	ID        int
	AliasID   string
	AliasName string
}

// Store wraps the queries used by the notification subsystem.
type Store struct {
	DB *sql.DB
}

// UpsertChannel inserts or refreshes a channel row and returns its id.
func (s *Store) UpsertChannel(ctx context.Context, aliasID, aliasName string) (int, error) {
	var id int
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO channels(alias_id, alias_name) VALUES($1,$2)
		 ON CONFLICT(alias_id) DO UPDATE SET alias_name=EXCLUDED.alias_name
		 RETURNING id`, aliasID, aliasName).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert channel %s: %w", aliasID, err)
	}
	return id, nil
}

// Channels lists all channels that have not opted out.
func (s *Store) Channels(ctx context.Context) ([]Channel, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, alias_id, alias_name FROM channels WHERE opted_out_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer closeRows(rows)

	var out []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ID, &c.AliasID, &c.AliasName); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateRule stores a notification rule and returns its id.
func (s *Store) CreateRule(ctx context.Context, channelID int, targetAliasID string, kind events.Kind, message string, flags []events.Flag) (int, error) {
	names := make([]string, 0, len(flags))
	for _, f := range flags {
		names = append(names, f.String())
	}
	var id int
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO event_rules(channel_id, target_alias_id, kind, message, flags)
		 VALUES($1,$2,$3,$4,$5)
		 ON CONFLICT(channel_id, target_alias_id, kind) DO UPDATE SET message=EXCLUDED.message, flags=EXCLUDED.flags
		 RETURNING id`,
		channelID, targetAliasID, kind.String(), message, strings.Join(names, ",")).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create rule: %w", err)
	}
	return id, nil
}

// AddSubscriber attaches a user login to a rule's explicit audience.
func (s *Store) AddSubscriber(ctx context.Context, ruleID int, userLogin string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO event_subscribers(rule_id, user_login) VALUES($1,$2)
		 ON CONFLICT(rule_id, user_login) DO NOTHING`, ruleID, userLogin)
	if err != nil {
		return fmt.Errorf("add subscriber: %w", err)
	}
	return nil
}

// RulesFor returns every rule configured for (target, kind), joined with the
// owning channel's login so the fanout knows where to deliver.
func (s *Store) RulesFor(ctx context.Context, targetAliasID string, kind events.Kind) ([]events.Rule, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT r.id, r.channel_id, c.alias_id, c.alias_name, r.target_alias_id, r.kind, r.message, r.flags
		 FROM event_rules r JOIN channels c ON c.id = r.channel_id
		 WHERE r.target_alias_id = $1 AND r.kind = $2 AND c.opted_out_at IS NULL
		 ORDER BY r.id`, targetAliasID, kind.String())
	if err != nil {
		return nil, fmt.Errorf("load rules for %s/%s: %w", targetAliasID, kind, err)
	}
	defer closeRows(rows)

	var out []events.Rule
	for rows.Next() {
		var r events.Rule
		var kindStr, flagStr string
		if err := rows.Scan(&r.ID, &r.ChannelID, &r.ChannelAliasID, &r.ChannelLogin, &r.TargetAliasID, &kindStr, &r.Message, &flagStr); err != nil {
			return nil, err
		}
		if r.Kind, err = events.ParseKind(kindStr); err != nil {
			return nil, err
		}
		for _, name := range strings.Split(flagStr, ",") {
			if name == "" {
				continue
			}
			f, err := events.ParseFlag(name)
			if err != nil {
				slog.Warn("skipping unknown rule flag", slog.Int("rule_id", r.ID), slog.String("flag", name))
				continue
			}
			r.Flags = append(r.Flags, f)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SubscriberHandles returns the explicit subscriber logins for a rule.
func (s *Store) SubscriberHandles(ctx context.Context, ruleID int) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT user_login FROM event_subscribers WHERE rule_id = $1 ORDER BY user_login`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("load subscribers for rule %d: %w", ruleID, err)
	}
	defer closeRows(rows)

	var out []string
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return nil, err
		}
		out = append(out, login)
	}
	return out, rows.Err()
}

// WatchTargets returns the distinct target channel ids that have at least one
// rule of the given kinds. Used at startup to seed the subscription
// registries.
func (s *Store) WatchTargets(ctx context.Context, kinds ...events.Kind) ([]string, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(kinds))
	args := make([]any, 0, len(kinds))
	for i, k := range kinds {
		names = append(names, fmt.Sprintf("$%d", i+1))
		args = append(args, k.String())
	}
	q := `SELECT DISTINCT target_alias_id FROM event_rules WHERE kind IN (` + strings.Join(names, ",") + `) ORDER BY target_alias_id`
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("load watch targets: %w", err)
	}
	defer closeRows(rows)

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", slog.Any("err", err))
	}
}
