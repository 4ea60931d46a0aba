//go:build !unix

package progression

// FileLock is a no-op where advisory locks are unavailable.
type FileLock struct{}

func AcquireLock(path string) (*FileLock, error) {
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileLock{}, nil
}

func (l *FileLock) Release() error {
	return nil
}
