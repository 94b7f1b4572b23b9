package storage

import (
	"context"
	"errors"

	"github.com/bldmahavidyalaya/kitsapi/internal/models"
)

// ErrNotFound reports that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ItemUpdate carries the mutable item fields; nil pointers leave the stored
// value untouched.
type ItemUpdate struct {
	Name        *string
	Description *string
	Price       *float64
	Quantity    *int
}

// CreateItemParams holds the fields required to create an item.
type CreateItemParams struct {
	Name        string
	Description string
	Price       float64
	Quantity    int
}

// Repository exposes the datastore operations the API handlers need.
type Repository interface {
	Ping(ctx context.Context) error

	CreateItem(ctx context.Context, params CreateItemParams) (models.Item, error)
	GetItem(ctx context.Context, id string) (models.Item, error)
	ListItems(ctx context.Context) ([]models.Item, error)
	UpdateItem(ctx context.Context, id string, update ItemUpdate) (models.Item, error)
	DeleteItem(ctx context.Context, id string) error

	RecordConversion(ctx context.Context, record models.ConversionRecord) error
	ListConversions(ctx context.Context, limit int) ([]models.ConversionRecord, error)

	Close()
}
