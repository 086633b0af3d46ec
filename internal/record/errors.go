package record

import "codeberg.org/mutker/sweepctl/internal/errors"

const (
	ErrInvalidDBPath = errors.ErrorCode("record_invalid_db_path")
	ErrInvalidPath   = errors.ErrorCode("record_invalid_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("record_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("record_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("record_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("record_transaction_failed")

	// Storage Errors
	ErrStorageInit  = errors.ErrorCode("record_storage_init_failed")
	ErrStorageClose = errors.ErrShutdownFailed
	ErrPersist      = errors.ErrPersist
)
