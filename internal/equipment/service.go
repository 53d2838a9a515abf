package equipment

import (
	"context"
	"crypto/rand"
	"database/sql"
	"strings"
	"time"

	ulid "github.com/oklog/ulid/v2"
)

type Service struct {
	store Store
}

func NewService(store Store) *Service { return &Service{store: store} }

// 登録されている備品カテゴリ。"other" は貸出申請の目的欄が自由記述になる。
var KnownCategories = []string{"camera", "audio", "pc", "network", "cable", "other"}

func validCategory(c string) bool {
	for _, k := range KnownCategories {
		if c == k {
			return true
		}
	}
	return false
}

func newULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

func (s *Service) Create(ctx context.Context, in CreateEquipmentRequest) (EquipmentResponse, error) {
	if strings.TrimSpace(in.Name) == "" {
		return EquipmentResponse{}, ErrInvalid("name is required")
	}
	if !validCategory(in.Category) {
		return EquipmentResponse{}, ErrInvalid("unknown category: " + in.Category)
	}

	e := &Equipment{
		EquipmentULID: newULID(time.Now().UTC()),
		Name:          strings.TrimSpace(in.Name),
		Category:      in.Category,
		Note:          toNullString(in.Note),
	}
	if err := s.store.Insert(ctx, e); err != nil {
		return EquipmentResponse{}, err
	}
	return toDTO(e), nil
}

func (s *Service) Update(ctx context.Context, equipmentULID string, in UpdateEquipmentRequest) (EquipmentResponse, error) {
	if strings.TrimSpace(in.Name) == "" {
		return EquipmentResponse{}, ErrInvalid("name is required")
	}
	if !validCategory(in.Category) {
		return EquipmentResponse{}, ErrInvalid("unknown category: " + in.Category)
	}

	e := &Equipment{
		EquipmentULID: equipmentULID,
		Name:          strings.TrimSpace(in.Name),
		Category:      in.Category,
		Note:          toNullString(in.Note),
	}
	if err := s.store.Update(ctx, e); err != nil {
		return EquipmentResponse{}, err
	}
	updated, err := s.store.Get(ctx, equipmentULID)
	if err != nil {
		return EquipmentResponse{}, err
	}
	return toDTO(updated), nil
}

func (s *Service) Get(ctx context.Context, equipmentULID string) (EquipmentResponse, error) {
	e, err := s.store.Get(ctx, equipmentULID)
	if err != nil {
		return EquipmentResponse{}, err
	}
	return toDTO(e), nil
}

func (s *Service) List(ctx context.Context, f Filter) ([]EquipmentResponse, error) {
	items, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]EquipmentResponse, 0, len(items))
	for i := range items {
		out = append(out, toDTO(&items[i]))
	}
	return out, nil
}

func toNullString(p *string) sql.NullString {
	if p == nil || *p == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}
