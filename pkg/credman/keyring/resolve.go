package keyring

import (
	"errors"
	"fmt"
)

// Resolve returns the master key from the first usable store, creating one
// when a store is reachable but empty. A store that fails with anything
// other than ErrKeyNotFound is treated as unavailable and the next one is
// tried.
func Resolve(stores ...KeyStore) ([]byte, error) {
	var errs []error
	for _, s := range stores {
		key, err := s.GetKey()
		if err == nil {
			return key, nil
		}
		if errors.Is(err, ErrKeyNotFound) {
			key, err = s.SetKey()
			if err == nil {
				return key, nil
			}
		}
		errs = append(errs, fmt.Errorf("%T: %w", s, err))
	}
	if len(errs) == 0 {
		return nil, errors.New("no key store configured")
	}
	return nil, errors.Join(errs...)
}
