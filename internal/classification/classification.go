// Package classification はソースのメニュー参照を社内システム分類に対応付ける。
// 未登録のメニュー参照は必ず既定分類に解決し、呼び出し元に未対応であることを通知する。
package classification

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/kbsync/internal/model"
)

// MappingRepository はマッピングの参照・登録を行うインターフェース。
type MappingRepository interface {
	FindByMenuRef(ctx context.Context, menuRef string) (*model.MenuMapping, error)
	Upsert(ctx context.Context, mapping *model.MenuMapping) error
}

// Outcome は分類結果の種別。
type Outcome int

const (
	// Mapped はマッピングが見つかった。
	Mapped Outcome = iota
	// MissingRef は記事にメニュー参照が無い。
	MissingRef
	// Unmapped はメニュー参照に対応するマッピングが無い。
	Unmapped
)

// Result は分類結果。MappedでなければSystemはmodel.DefaultSystemになる。
type Result struct {
	Outcome Outcome
	System  string
	Module  *string
	MenuRef string
}

// Store はメニュー分類マッピングを参照する。
type Store struct {
	repo MappingRepository
}

// NewStore はStoreを生成する。
func NewStore(repo MappingRepository) *Store {
	return &Store{repo: repo}
}

// Classify はメニュー参照を分類する。
func (s *Store) Classify(ctx context.Context, menuRef string) (Result, error) {
	ref := strings.TrimSpace(menuRef)
	if ref == "" {
		return Result{Outcome: MissingRef, System: model.DefaultSystem}, nil
	}

	mapping, err := s.repo.FindByMenuRef(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	if mapping == nil {
		return Result{Outcome: Unmapped, System: model.DefaultSystem, MenuRef: ref}, nil
	}
	return Result{Outcome: Mapped, System: mapping.System, Module: mapping.Module, MenuRef: ref}, nil
}

type mappingFile struct {
	Mappings []struct {
		MenuRef string `yaml:"menu_ref"`
		System  string `yaml:"system"`
		Module  string `yaml:"module"`
	} `yaml:"mappings"`
}

// LoadFile はYAMLファイルからマッピング一覧を読み込む。
//
//	mappings:
//	  - menu_ref: "360001234"
//	    system: billing
//	    module: invoices
func LoadFile(path string) ([]model.MenuMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read classification file: %w", err)
	}

	var f mappingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse classification file: %w", err)
	}

	mappings := make([]model.MenuMapping, 0, len(f.Mappings))
	for i, m := range f.Mappings {
		if strings.TrimSpace(m.MenuRef) == "" || strings.TrimSpace(m.System) == "" {
			return nil, fmt.Errorf("mapping #%d: menu_ref and system are required", i+1)
		}
		mappings = append(mappings, model.MenuMapping{
			MenuRef: strings.TrimSpace(m.MenuRef),
			System:  strings.TrimSpace(m.System),
			Module:  model.StringPtr(strings.TrimSpace(m.Module)),
		})
	}
	return mappings, nil
}

// Seed はマッピング一覧をリポジトリに登録し、件数を返す。
func (s *Store) Seed(ctx context.Context, mappings []model.MenuMapping) (int, error) {
	for i := range mappings {
		if err := s.repo.Upsert(ctx, &mappings[i]); err != nil {
			return i, err
		}
	}
	return len(mappings), nil
}
