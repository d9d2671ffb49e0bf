package chat

import (
	"context"
	"database/sql"

	"github.com/example/job-dispatch/internal/models"
	"github.com/example/job-dispatch/internal/pgdb"
)

// appendMessage bumps the job's counter row and inserts the message with the
// new value in one statement. The counter row lock orders concurrent senders.
const appendMessage = `
WITH next AS (
    INSERT INTO chat_sequences (job_id, last_seq) VALUES ($1, 1)
    ON CONFLICT (job_id) DO UPDATE SET last_seq = chat_sequences.last_seq + 1
    RETURNING last_seq
)
INSERT INTO chat_messages (id, job_id, seq, sender_id, sender_role, body, sent_at)
SELECT $2, $1, last_seq, $3, $4, $5, $6 FROM next
RETURNING seq`

// PostgresRepository stores chat logs next to the jobs they belong to.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) Append(ctx context.Context, msg models.Message) (models.Message, error) {
	var seq int64
	err := p.db.QueryRowContext(ctx, appendMessage,
		msg.JobID, msg.ID, msg.SenderID, string(msg.SenderRole), msg.Text, msg.SentAt,
	).Scan(&seq)
	if err != nil {
		return models.Message{}, pgdb.Classify("append message", err)
	}
	msg.Seq = uint64(seq)
	return msg, nil
}

func (p *PostgresRepository) List(ctx context.Context, jobID string) ([]models.Message, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, job_id, seq, sender_id, sender_role, body, sent_at FROM chat_messages WHERE job_id = $1 ORDER BY seq`,
		jobID)
	if err != nil {
		return nil, pgdb.Classify("list messages", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var (
			m    models.Message
			seq  int64
			role string
		)
		if err := rows.Scan(&m.ID, &m.JobID, &seq, &m.SenderID, &role, &m.Text, &m.SentAt); err != nil {
			return nil, pgdb.Classify("scan message", err)
		}
		m.Seq = uint64(seq)
		m.SenderRole = models.Role(role)
		m.SentAt = m.SentAt.UTC()
		out = append(out, m)
	}
	return out, pgdb.Classify("list messages", rows.Err())
}
