package msgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pigeon/tools/errs"
)

// PgStore Postgres 实现。领取用 FOR UPDATE SKIP LOCKED，
// 多实例抢同一批行互不阻塞，输家直接跳过。
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema 幂等建表。生产应走迁移工具，这里兜底本地/测试环境。
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS im_message (
			msg_id       BIGINT PRIMARY KEY,
			session_id   TEXT NOT NULL,
			sender_id    TEXT NOT NULL,
			partition_id INT NOT NULL DEFAULT 0,
			seq          BIGINT NOT NULL,
			msg_type     INT NOT NULL DEFAULT 0,
			appearance   TEXT,
			content      BYTEA,
			created_at_ms BIGINT NOT NULL,
			UNIQUE (session_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS im_message_dedup (
			client_msg_id TEXT PRIMARY KEY,
			msg_id        BIGINT NOT NULL,
			session_id    TEXT NOT NULL,
			partition_id  INT NOT NULL DEFAULT 0,
			seq           BIGINT NOT NULL,
			created_at_ms BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS im_outbox_event (
			id             BIGSERIAL PRIMARY KEY,
			event_type     TEXT NOT NULL,
			topic          TEXT NOT NULL,
			keys           TEXT NOT NULL DEFAULT '',
			body           BYTEA,
			status         INT NOT NULL DEFAULT 0,
			retry_count    INT NOT NULL DEFAULT 0,
			next_retry_at_ms BIGINT NOT NULL DEFAULT 0,
			claimed_at_ms  BIGINT NOT NULL DEFAULT 0,
			created_at_ms  BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_claim ON im_outbox_event (status, next_retry_at_ms)`,
		`CREATE TABLE IF NOT EXISTS im_fanout_task (
			id             BIGSERIAL PRIMARY KEY,
			session_id     TEXT NOT NULL,
			msg_id         BIGINT NOT NULL,
			seq            BIGINT NOT NULL,
			status         INT NOT NULL DEFAULT 0,
			retry_count    INT NOT NULL DEFAULT 0,
			next_retry_at_ms BIGINT NOT NULL DEFAULT 0,
			claimed_at_ms  BIGINT NOT NULL DEFAULT 0,
			created_at_ms  BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fanout_claim ON im_fanout_task (status, next_retry_at_ms)`,
		`CREATE TABLE IF NOT EXISTS im_user_msg_index (
			user_id    TEXT NOT NULL,
			session_id TEXT NOT NULL,
			msg_id     BIGINT NOT NULL,
			seq        BIGINT NOT NULL,
			read_state INT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, session_id, msg_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_umi_user_msg ON im_user_msg_index (user_id, msg_id)`,
		`CREATE TABLE IF NOT EXISTS im_session_read_offset (
			session_id    TEXT NOT NULL,
			user_id       TEXT NOT NULL,
			last_msg_id   BIGINT NOT NULL DEFAULT 0,
			last_seq      BIGINT NOT NULL DEFAULT 0,
			updated_at_ms BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, user_id)
		)`,
	}
	for _, q := range ddl {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return errs.Wrap(err)
		}
	}
	return nil
}

// 23505 unique_violation → 哨兵错误，约束名区分是哪个唯一键撞了。
func translateUnique(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case "im_message_dedup_pkey":
			return ErrDuplicateClientID
		case "im_message_session_id_seq_key":
			return ErrDuplicateSeq
		}
	}
	return err
}

func (s *PgStore) InsertMessageTx(ctx context.Context, m *Message, d *MessageDedup, e *OutboxEvent, t *FanoutTask) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO im_message (msg_id, session_id, sender_id, partition_id, seq, msg_type, appearance, content, created_at_ms)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		m.MsgID, m.SessionID, m.SenderID, m.PartitionID, m.Seq, m.MsgType, m.Appearance, m.Content, m.CreatedAtMS); err != nil {
		return translateUnique(err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO im_message_dedup (client_msg_id, msg_id, session_id, partition_id, seq, created_at_ms)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		d.ClientMsgID, d.MsgID, d.SessionID, d.PartitionID, d.Seq, d.CreatedAtMS); err != nil {
		return translateUnique(err)
	}
	if err := tx.QueryRow(ctx,
		`INSERT INTO im_outbox_event (event_type, topic, keys, body, status, created_at_ms)
		 VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		e.EventType, e.Topic, e.Keys, e.Body, e.Status, e.CreatedAtMS).Scan(&e.ID); err != nil {
		return errs.Wrap(err)
	}
	if err := tx.QueryRow(ctx,
		`INSERT INTO im_fanout_task (session_id, msg_id, seq, status, created_at_ms)
		 VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		t.SessionID, t.MsgID, t.Seq, t.Status, t.CreatedAtMS).Scan(&t.ID); err != nil {
		return errs.Wrap(err)
	}
	return errs.Wrap(tx.Commit(ctx))
}

func (s *PgStore) FindDedup(ctx context.Context, clientMsgID string) (*MessageDedup, error) {
	var d MessageDedup
	err := s.pool.QueryRow(ctx,
		`SELECT client_msg_id, msg_id, session_id, partition_id, seq, created_at_ms
		 FROM im_message_dedup WHERE client_msg_id = $1`, clientMsgID).
		Scan(&d.ClientMsgID, &d.MsgID, &d.SessionID, &d.PartitionID, &d.Seq, &d.CreatedAtMS)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &d, nil
}

func (s *PgStore) MaxSeq(ctx context.Context, sessionID string) (int64, error) {
	var max int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM im_message WHERE session_id = $1`, sessionID).Scan(&max)
	if err != nil {
		return 0, errs.Wrap(err)
	}
	return max, nil
}

func (s *PgStore) GetMessages(ctx context.Context, msgIDs []int64) ([]*Message, error) {
	if len(msgIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT msg_id, session_id, sender_id, partition_id, seq, msg_type, appearance, content, created_at_ms
		 FROM im_message WHERE msg_id = ANY($1)`, msgIDs)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MsgID, &m.SessionID, &m.SenderID, &m.PartitionID, &m.Seq,
			&m.MsgType, &m.Appearance, &m.Content, &m.CreatedAtMS); err != nil {
			return nil, errs.Wrap(err)
		}
		out = append(out, &m)
	}
	return out, errs.Wrap(rows.Err())
}

// claimSQL 领取模板：pending/到期 retry/租约过期 processing，
// SKIP LOCKED 保证多实例只有一个赢家。
const claimFanoutSQL = `
UPDATE im_fanout_task SET status = 1, claimed_at_ms = $1
WHERE id IN (
	SELECT id FROM im_fanout_task
	WHERE (status = 0)
	   OR (status = 3 AND next_retry_at_ms <= $1)
	   OR (status = 1 AND claimed_at_ms <= $2)
	ORDER BY id
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
RETURNING id, session_id, msg_id, seq, status, retry_count, next_retry_at_ms, claimed_at_ms, created_at_ms`

func (s *PgStore) ClaimFanoutTasks(ctx context.Context, limit int, nowMS, leaseMS int64) ([]*FanoutTask, error) {
	rows, err := s.pool.Query(ctx, claimFanoutSQL, nowMS, nowMS-leaseMS, limit)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	defer rows.Close()
	var out []*FanoutTask
	for rows.Next() {
		var t FanoutTask
		if err := rows.Scan(&t.ID, &t.SessionID, &t.MsgID, &t.Seq, &t.Status,
			&t.RetryCount, &t.NextRetryAtMS, &t.ClaimedAtMS, &t.CreatedAtMS); err != nil {
			return nil, errs.Wrap(err)
		}
		out = append(out, &t)
	}
	return out, errs.Wrap(rows.Err())
}

func (s *PgStore) MarkFanoutDone(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE im_fanout_task SET status = 2 WHERE id = $1`, id)
	return errs.Wrap(err)
}

func (s *PgStore) MarkFanoutRetry(ctx context.Context, id int64, retryCount int32, nextRetryAtMS int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE im_fanout_task SET status = 3, retry_count = $2, next_retry_at_ms = $3 WHERE id = $1`,
		id, retryCount, nextRetryAtMS)
	return errs.Wrap(err)
}

func (s *PgStore) MarkFanoutFailed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE im_fanout_task SET status = 4 WHERE id = $1`, id)
	return errs.Wrap(err)
}

const claimOutboxSQL = `
UPDATE im_outbox_event SET status = 1, claimed_at_ms = $1
WHERE id IN (
	SELECT id FROM im_outbox_event
	WHERE (status = 0)
	   OR (status = 3 AND next_retry_at_ms <= $1)
	   OR (status = 1 AND claimed_at_ms <= $2)
	ORDER BY id
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
RETURNING id, event_type, topic, keys, body, status, retry_count, next_retry_at_ms, claimed_at_ms, created_at_ms`

func (s *PgStore) ClaimOutboxEvents(ctx context.Context, limit int, nowMS, leaseMS int64) ([]*OutboxEvent, error) {
	rows, err := s.pool.Query(ctx, claimOutboxSQL, nowMS, nowMS-leaseMS, limit)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	defer rows.Close()
	var out []*OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.Topic, &e.Keys, &e.Body, &e.Status,
			&e.RetryCount, &e.NextRetryAtMS, &e.ClaimedAtMS, &e.CreatedAtMS); err != nil {
			return nil, errs.Wrap(err)
		}
		out = append(out, &e)
	}
	return out, errs.Wrap(rows.Err())
}

func (s *PgStore) MarkOutboxSent(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE im_outbox_event SET status = 2 WHERE id = $1`, id)
	return errs.Wrap(err)
}

func (s *PgStore) MarkOutboxRetry(ctx context.Context, id int64, retryCount int32, nextRetryAtMS int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE im_outbox_event SET status = 3, retry_count = $2, next_retry_at_ms = $3 WHERE id = $1`,
		id, retryCount, nextRetryAtMS)
	return errs.Wrap(err)
}

func (s *PgStore) MarkOutboxFailed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE im_outbox_event SET status = 4 WHERE id = $1`, id)
	return errs.Wrap(err)
}

func (s *PgStore) InsertIndexIgnoreDup(ctx context.Context, rows []*UserMessageIndex) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(
			`INSERT INTO im_user_msg_index (user_id, session_id, msg_id, seq, read_state)
			 VALUES ($1,$2,$3,$4,$5) ON CONFLICT DO NOTHING`,
			r.UserID, r.SessionID, r.MsgID, r.Seq, r.ReadState)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return errs.Wrap(err)
		}
	}
	return nil
}

func (s *PgStore) ListIndexByUser(ctx context.Context, userID string, afterMsgID int64, limit int) ([]*UserMessageIndex, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, session_id, msg_id, seq, read_state
		 FROM im_user_msg_index WHERE user_id = $1 AND msg_id > $2
		 ORDER BY msg_id LIMIT $3`, userID, afterMsgID, limit)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	defer rows.Close()
	return scanIndexRows(rows)
}

func (s *PgStore) ListIndexBySession(ctx context.Context, userID, sessionID string, afterSeq int64, limit int) ([]*UserMessageIndex, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, session_id, msg_id, seq, read_state
		 FROM im_user_msg_index WHERE user_id = $1 AND session_id = $2 AND seq > $3
		 ORDER BY seq LIMIT $4`, userID, sessionID, afterSeq, limit)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	defer rows.Close()
	return scanIndexRows(rows)
}

func scanIndexRows(rows pgx.Rows) ([]*UserMessageIndex, error) {
	var out []*UserMessageIndex
	for rows.Next() {
		var r UserMessageIndex
		if err := rows.Scan(&r.UserID, &r.SessionID, &r.MsgID, &r.Seq, &r.ReadState); err != nil {
			return nil, errs.Wrap(err)
		}
		out = append(out, &r)
	}
	return out, errs.Wrap(rows.Err())
}

func (s *PgStore) UpsertReadOffsetIfGreater(ctx context.Context, off *SessionReadOffset) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO im_session_read_offset (session_id, user_id, last_msg_id, last_seq, updated_at_ms)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (session_id, user_id) DO UPDATE
		 SET last_msg_id = EXCLUDED.last_msg_id, last_seq = EXCLUDED.last_seq, updated_at_ms = EXCLUDED.updated_at_ms
		 WHERE im_session_read_offset.last_seq < EXCLUDED.last_seq`,
		off.SessionID, off.UserID, off.LastMsgID, off.LastSeq, off.UpdatedAtMS)
	if err != nil {
		return false, errs.Wrap(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PgStore) GetReadOffsets(ctx context.Context, userID string, sessionIDs []string) (map[string]*SessionReadOffset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, user_id, last_msg_id, last_seq, updated_at_ms
		 FROM im_session_read_offset WHERE user_id = $1 AND session_id = ANY($2)`,
		userID, sessionIDs)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	defer rows.Close()
	out := make(map[string]*SessionReadOffset)
	for rows.Next() {
		var o SessionReadOffset
		if err := rows.Scan(&o.SessionID, &o.UserID, &o.LastMsgID, &o.LastSeq, &o.UpdatedAtMS); err != nil {
			return nil, errs.Wrap(err)
		}
		out[o.SessionID] = &o
	}
	return out, errs.Wrap(rows.Err())
}
