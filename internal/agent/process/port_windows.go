//go:build windows

package process

import (
	"context"
	"errors"
)

// ListenerPIDs is not implemented on Windows.
func ListenerPIDs(ctx context.Context, port int) ([]int, error) {
	return nil, errors.New("listener lookup is not supported on windows")
}

// KillByPort is not implemented on Windows; process-tree kill is used instead.
func KillByPort(ctx context.Context, port int) (int, error) {
	return 0, nil
}
