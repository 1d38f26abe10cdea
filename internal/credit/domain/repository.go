package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the raw-SQL store for credit rows. Callers own transaction
// boundaries; FindByIDForUpdate must run inside one.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, credit *Credit) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Credit, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Credit, error)
	Update(ctx context.Context, db *gorm.DB, credit *Credit) error
}
