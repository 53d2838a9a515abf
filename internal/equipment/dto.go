package equipment

import "time"

// 備品登録リクエスト
type CreateEquipmentRequest struct {
	Name     string  `json:"name" binding:"required"`
	Category string  `json:"category" binding:"required"`
	Note     *string `json:"note,omitempty"`
}

// 備品更新リクエスト
type UpdateEquipmentRequest struct {
	Name     string  `json:"name" binding:"required"`
	Category string  `json:"category" binding:"required"`
	Note     *string `json:"note,omitempty"`
}

type EquipmentResponse struct {
	EquipmentULID string    `json:"equipment_ulid"`
	Name          string    `json:"name"`
	Category      string    `json:"category"`
	Available     bool      `json:"available"`
	Note          *string   `json:"note,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toDTO(e *Equipment) EquipmentResponse {
	resp := EquipmentResponse{
		EquipmentULID: e.EquipmentULID,
		Name:          e.Name,
		Category:      e.Category,
		Available:     e.Available,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
	if e.Note.Valid {
		val := e.Note.String
		resp.Note = &val
	}
	return resp
}
