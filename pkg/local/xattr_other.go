//go:build !linux && !darwin

package local

// NewXattrStore returns a store refusing every operation, extended
// attributes are only wired on Linux and macOS
func NewXattrStore() AttrStore {
	return unsupportedStore{}
}

type unsupportedStore struct{}

func (unsupportedStore) Get(path, name string) ([]byte, error) {
	return nil, ErrMissingXattrSupport
}

func (unsupportedStore) Set(path, name string, value []byte) error {
	return ErrMissingXattrSupport
}

func (unsupportedStore) Remove(path, name string) error {
	return ErrMissingXattrSupport
}
