package flags

import (
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("flag not found")
	ErrInvalidKey = errors.New("invalid flag key")
)

// Flag is a named switch that queries can ask about through meta.flags
type Flag struct {
	Key       string    `json:"key"`
	Value     bool      `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
