package blob

import (
	"context"
	"fmt"
)

// OpenDriver opens the named driver: fs (default), s3 or memory. root is the
// directory for the filesystem driver; the s3 driver reads the variables
// documented in s3.go.
func OpenDriver(ctx context.Context, driver, root string) (Store, error) {
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return NewFilesystem(root)
	case DriverS3:
		return OpenS3FromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
