package identity

import (
	"time"

	"github.com/google/uuid"
)

// Author maps to the author table: the practitioner who recorded an
// evaluation.
type Author struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Role      *string   `db:"role" json:"role,omitempty"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
