package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/hitoshi/kbsync/internal/database"
	"github.com/hitoshi/kbsync/internal/model"
)

// PostgresMenuMappingRepo はPostgreSQLを使用したメニュー分類マッピングリポジトリ。
type PostgresMenuMappingRepo struct {
	db *sqlx.DB
}

// NewPostgresMenuMappingRepo はPostgresMenuMappingRepoを生成する。
func NewPostgresMenuMappingRepo(db *sqlx.DB) *PostgresMenuMappingRepo {
	return &PostgresMenuMappingRepo{db: db}
}

var _ MenuMappingRepository = (*PostgresMenuMappingRepo)(nil)

// FindByMenuRef はメニュー参照に対応するマッピングを返す。未登録の場合はnilを返す。
func (r *PostgresMenuMappingRepo) FindByMenuRef(ctx context.Context, menuRef string) (*model.MenuMapping, error) {
	m := &model.MenuMapping{}
	err := sqlx.GetContext(ctx, database.Executor(ctx, r.db), m,
		`SELECT menu_ref, system, module FROM menu_mappings WHERE menu_ref = $1`, menuRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("メニューマッピングの取得に失敗しました: %w", err)
	}
	return m, nil
}

// Upsert はマッピングを登録・更新する。
func (r *PostgresMenuMappingRepo) Upsert(ctx context.Context, m *model.MenuMapping) error {
	_, err := database.Executor(ctx, r.db).ExecContext(ctx,
		`INSERT INTO menu_mappings (menu_ref, system, module, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (menu_ref) DO UPDATE SET
		    system = EXCLUDED.system, module = EXCLUDED.module, updated_at = EXCLUDED.updated_at`,
		m.MenuRef, m.System, m.Module,
	)
	if err != nil {
		return fmt.Errorf("メニューマッピングの保存に失敗しました: %w", err)
	}
	return nil
}
