package store

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/InjectiveLabs/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// SettingType tags how a settings value is interpreted.
type SettingType string

const (
	SettingString SettingType = "string"
	SettingInt    SettingType = "int"
	SettingFloat  SettingType = "float"
	SettingBool   SettingType = "bool"
	SettingJSON   SettingType = "json"
)

// The settings table holds operator-tunable values only. Secrets never live
// here; they come from the process environment.

// GetSetting returns the raw value and its type tag.
func (s *Store) GetSetting(ctx context.Context, key string) (string, SettingType, error) {
	metrics.ReportFuncCall(s.svcTags)

	var (
		value string
		typ   SettingType
	)
	err := s.pool.QueryRow(ctx,
		`SELECT value, value_type FROM settings WHERE key = $1`, key,
	).Scan(&value, &typ)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", errors.Errorf("setting %s not found", key)
	}
	if err != nil {
		metrics.ReportFuncError(s.svcTags)
		return "", "", errors.Wrapf(err, "failed to query setting %s", key)
	}

	return value, typ, nil
}

// SetSetting upserts a value and appends an audit row with the previous
// value and the operator who changed it.
func (s *Store) SetSetting(ctx context.Context, key, value string, typ SettingType, changedBy string) error {
	metrics.ReportFuncCall(s.svcTags)
	doneFn := metrics.ReportFuncTiming(s.svcTags)
	defer doneFn()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		metrics.ReportFuncError(s.svcTags)
		return errors.Wrap(err, "failed to begin settings transaction")
	}
	defer tx.Rollback(ctx)

	var oldValue *string
	err = tx.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&oldValue)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		metrics.ReportFuncError(s.svcTags)
		return errors.Wrapf(err, "failed to read previous value of %s", key)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO settings (key, value, value_type, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, value_type = EXCLUDED.value_type, updated_at = now()`,
		key, value, typ,
	); err != nil {
		metrics.ReportFuncError(s.svcTags)
		return errors.Wrapf(err, "failed to upsert setting %s", key)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO settings_history (key, old_value, new_value, changed_by)
		VALUES ($1, $2, $3, $4)`,
		key, oldValue, value, changedBy,
	); err != nil {
		metrics.ReportFuncError(s.svcTags)
		return errors.Wrapf(err, "failed to record settings history for %s", key)
	}

	if err := tx.Commit(ctx); err != nil {
		metrics.ReportFuncError(s.svcTags)
		return errors.Wrap(err, "failed to commit settings transaction")
	}

	return nil
}

// LoadSettings reads the whole table into a typed map and decodes it into
// out, so callers can overlay dynamic settings onto their config structs.
func (s *Store) LoadSettings(ctx context.Context, out interface{}) error {
	metrics.ReportFuncCall(s.svcTags)
	doneFn := metrics.ReportFuncTiming(s.svcTags)
	defer doneFn()

	rows, err := s.pool.Query(ctx, `SELECT key, value, value_type FROM settings`)
	if err != nil {
		metrics.ReportFuncError(s.svcTags)
		return errors.Wrap(err, "failed to query settings")
	}
	defer rows.Close()

	values := make(map[string]interface{})
	for rows.Next() {
		var (
			key, value string
			typ        SettingType
		)
		if err := rows.Scan(&key, &value, &typ); err != nil {
			metrics.ReportFuncError(s.svcTags)
			return errors.Wrap(err, "failed to scan setting row")
		}

		decoded, err := decodeSettingValue(value, typ)
		if err != nil {
			s.logger.WithError(err).Warningf("skipping malformed setting %s", key)
			continue
		}
		values[key] = decoded
	}
	if err := rows.Err(); err != nil {
		return err
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return errors.Wrap(err, "failed to build settings decoder")
	}

	if err := decoder.Decode(values); err != nil {
		return errors.Wrap(err, "failed to decode settings")
	}

	return nil
}

func decodeSettingValue(value string, typ SettingType) (interface{}, error) {
	switch typ {
	case SettingString, "":
		return value, nil
	case SettingInt:
		return strconv.ParseInt(value, 10, 64)
	case SettingFloat:
		return strconv.ParseFloat(value, 64)
	case SettingBool:
		return strconv.ParseBool(value)
	case SettingJSON:
		var v interface{}
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			return nil, errors.Wrap(err, "invalid JSON setting")
		}
		return v, nil
	default:
		return nil, errors.Errorf("unknown setting type %q", typ)
	}
}
