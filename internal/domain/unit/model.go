package unit

import (
	"time"

	"github.com/google/uuid"
)

// Unit maps to the care_unit table.
type Unit struct {
	ID            uuid.UUID `db:"id" json:"id"`
	HospitalID    uuid.UUID `db:"hospital_id" json:"hospital_id"`
	Name          string    `db:"name" json:"name"`
	CareMethodKey string    `db:"care_method_key" json:"care_method_key"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}
