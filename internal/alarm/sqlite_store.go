package alarm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pulseone/engine/internal/model"
)

// SQLiteOccurrenceStore 基于SQLite的告警记录持久化
// next_check_at 随记录落盘，升级阶梯在重启后可恢复
type SQLiteOccurrenceStore struct {
	db *sql.DB
}

// NewSQLiteOccurrenceStore 打开数据库并建表
func NewSQLiteOccurrenceStore(path string) (*SQLiteOccurrenceStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &SQLiteOccurrenceStore{db: db}
	if err := store.initDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}
	return store, nil
}

func (s *SQLiteOccurrenceStore) initDatabase() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS alarm_occurrences (
			id TEXT PRIMARY KEY,
			rule_id INTEGER NOT NULL,
			tenant_id INTEGER NOT NULL,
			target_ref TEXT NOT NULL,
			state TEXT NOT NULL,
			occurrence_time DATETIME NOT NULL,
			trigger_value TEXT,
			alarm_level TEXT,
			severity TEXT NOT NULL,
			message TEXT,
			acknowledged_time DATETIME,
			acknowledged_by TEXT,
			acknowledge_comment TEXT,
			cleared_time DATETIME,
			cleared_value TEXT,
			clear_comment TEXT,
			escalation_level INTEGER DEFAULT 0,
			next_check_at DATETIME,
			notification_count INTEGER DEFAULT 0
		)
	`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_occurrences_open
		ON alarm_occurrences (rule_id, target_ref) WHERE state != 'cleared'
	`)
	return err
}

const occurrenceColumns = `id, rule_id, tenant_id, target_ref, state, occurrence_time,
	trigger_value, alarm_level, severity, message,
	acknowledged_time, acknowledged_by, acknowledge_comment,
	cleared_time, cleared_value, clear_comment,
	escalation_level, next_check_at, notification_count`

func (s *SQLiteOccurrenceStore) Insert(ctx context.Context, occ *Occurrence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alarm_occurrences (`+occurrenceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		occ.ID, occ.RuleID, occ.TenantID, occ.TargetRef.String(), string(occ.State),
		occ.OccurrenceTime, occ.TriggerValue, string(occ.AlarmLevel), string(occ.Severity), occ.Message,
		occ.AcknowledgedTime, occ.AcknowledgedBy, occ.AcknowledgeComment,
		occ.ClearedTime, occ.ClearedValue, occ.ClearComment,
		occ.EscalationLevel, occ.NextCheckAt, occ.NotificationCount,
	)
	if err != nil {
		return fmt.Errorf("写入告警记录失败: %w", err)
	}
	return nil
}

func (s *SQLiteOccurrenceStore) Update(ctx context.Context, occ *Occurrence) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE alarm_occurrences SET
			state = ?, severity = ?, message = ?,
			acknowledged_time = ?, acknowledged_by = ?, acknowledge_comment = ?,
			cleared_time = ?, cleared_value = ?, clear_comment = ?,
			escalation_level = ?, next_check_at = ?, notification_count = ?
		WHERE id = ?`,
		string(occ.State), string(occ.Severity), occ.Message,
		occ.AcknowledgedTime, occ.AcknowledgedBy, occ.AcknowledgeComment,
		occ.ClearedTime, occ.ClearedValue, occ.ClearComment,
		occ.EscalationLevel, occ.NextCheckAt, occ.NotificationCount,
		occ.ID,
	)
	if err != nil {
		return fmt.Errorf("更新告警记录失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrOccurrenceNotFound
	}
	return nil
}

func (s *SQLiteOccurrenceStore) Get(ctx context.Context, id string) (*Occurrence, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+occurrenceColumns+` FROM alarm_occurrences WHERE id = ?`, id)
	return scanOccurrence(row)
}

func (s *SQLiteOccurrenceStore) OpenOccurrences(ctx context.Context) ([]*Occurrence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+occurrenceColumns+` FROM alarm_occurrences WHERE state != 'cleared'`)
	if err != nil {
		return nil, fmt.Errorf("查询未清除告警失败: %w", err)
	}
	defer rows.Close()

	var out []*Occurrence
	for rows.Next() {
		occ, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, occ)
	}
	return out, rows.Err()
}

func (s *SQLiteOccurrenceStore) OpenByRuleTarget(ctx context.Context, ruleID int, target model.PointRef) (*Occurrence, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+occurrenceColumns+` FROM alarm_occurrences
		 WHERE rule_id = ? AND target_ref = ? AND state != 'cleared' LIMIT 1`,
		ruleID, target.String())
	return scanOccurrence(row)
}

func (s *SQLiteOccurrenceStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOccurrence(row rowScanner) (*Occurrence, error) {
	var (
		occ       Occurrence
		targetRef string
		state     string
		level     string
		severity  string
		ackTime   sql.NullTime
		ackBy     sql.NullString
		ackNote   sql.NullString
		clrTime   sql.NullTime
		clrValue  sql.NullString
		clrNote   sql.NullString
		nextCheck sql.NullTime
	)
	err := row.Scan(
		&occ.ID, &occ.RuleID, &occ.TenantID, &targetRef, &state, &occ.OccurrenceTime,
		&occ.TriggerValue, &level, &severity, &occ.Message,
		&ackTime, &ackBy, &ackNote,
		&clrTime, &clrValue, &clrNote,
		&occ.EscalationLevel, &nextCheck, &occ.NotificationCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOccurrenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取告警记录失败: %w", err)
	}

	ref, err := model.ParsePointRef(targetRef)
	if err == nil {
		occ.TargetRef = ref
	}
	occ.State = State(state)
	occ.AlarmLevel = AnalogLevel(level)
	occ.Severity = Severity(severity)
	if ackTime.Valid {
		occ.AcknowledgedTime = &ackTime.Time
	}
	occ.AcknowledgedBy = ackBy.String
	occ.AcknowledgeComment = ackNote.String
	if clrTime.Valid {
		occ.ClearedTime = &clrTime.Time
	}
	occ.ClearedValue = clrValue.String
	occ.ClearComment = clrNote.String
	if nextCheck.Valid {
		occ.NextCheckAt = &nextCheck.Time
	}
	return &occ, nil
}
