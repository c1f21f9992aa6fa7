package session

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gestaozabele/sos/internal/db"
)

const schemaSessaoChaves = `
    CREATE TABLE IF NOT EXISTS sessao_chaves (
        namespace     TEXT NOT NULL,
        chave         TEXT NOT NULL,
        valor         TEXT NOT NULL,
        atualizado_em TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY (namespace, chave)
    )
`

type pgDB interface {
	db.Beginner
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresBackend persiste a sessão na tabela sessao_chaves.
type PostgresBackend struct {
	db        pgDB
	namespace string
}

// NewPostgresBackend cria backend sobre o pool informado.
func NewPostgresBackend(pool pgDB, namespace string) *PostgresBackend {
	if namespace == "" {
		namespace = "default"
	}
	return &PostgresBackend{db: pool, namespace: namespace}
}

// EnsureSchema cria a tabela quando ausente.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, schemaSessaoChaves); err != nil {
		return fmt.Errorf("postgres: criar tabela de sessão: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Load(ctx context.Context) (Record, error) {
	rows, err := b.db.Query(ctx, `
        SELECT chave, valor
        FROM sessao_chaves
        WHERE namespace = $1
    `, b.namespace)
	if err != nil {
		return nil, fmt.Errorf("postgres: carregar sessão: %w", err)
	}
	defer rows.Close()

	rec := Record{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		rec[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if rec[KeyAccessToken] == "" {
		return nil, nil
	}
	return rec, nil
}

// Save troca todas as chaves do namespace numa única transação.
func (b *PostgresBackend) Save(ctx context.Context, rec Record) error {
	return db.WithTx(ctx, b.db, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM sessao_chaves WHERE namespace = $1`, b.namespace); err != nil {
			return err
		}
		for _, key := range Keys {
			if _, err := tx.Exec(ctx, `
                INSERT INTO sessao_chaves (namespace, chave, valor, atualizado_em)
                VALUES ($1, $2, $3, now())
            `, b.namespace, key, rec[key]); err != nil {
				return fmt.Errorf("postgres: gravar %s: %w", key, err)
			}
		}
		return nil
	})
}

func (b *PostgresBackend) Clear(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, `DELETE FROM sessao_chaves WHERE namespace = $1`, b.namespace); err != nil {
		return fmt.Errorf("postgres: limpar sessão: %w", err)
	}
	return nil
}
