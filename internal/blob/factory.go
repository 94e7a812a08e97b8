package blob

import (
	"context"
	"fmt"

	"marketcore/internal/infra/blob/fs"
	memorystore "marketcore/internal/infra/blob/memory"
	infraS3 "marketcore/internal/infra/blob/s3"
)

// S3Config re-exports the S3 backend configuration.
type S3Config = infraS3.Config

// Config selects and configures a backend.
type Config struct {
	Driver Driver
	// FSRoot is the directory root for the fs driver.
	FSRoot string
	S3     S3Config
}

// Open constructs the configured backend. The fs driver is the default.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return NewFilesystem(cfg.FSRoot)
	case DriverS3:
		return infraS3.New(ctx, cfg.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

// NewFilesystem returns a filesystem-backed store rooted at root.
func NewFilesystem(root string) (Store, error) {
	return fs.New(root)
}

// NewMemory returns an in-memory store.
func NewMemory() Store { return memorystore.New() }

// NewMockS3ForTests returns an S3 store backed by a fake transport.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests() }
