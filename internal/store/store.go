package store

import "errors"

// ErrNotFound is returned when a requested record does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Light operations, keyed by entity id
	SaveLight(rec *LightRecord) error
	GetLight(id string) (*LightRecord, error)
	DeleteLight(id string) error
	ListLights() ([]*LightRecord, error)

	// Toy state
	GetToy() (*Toy, error)
	// UpdateToy reads, modifies and saves the toy record in a single
	// transaction. A missing record starts from the zero Toy.
	UpdateToy(fn func(toy *Toy) error) error

	// Close the store
	Close() error
}
