package usecase

import (
	"context"

	"github.com/REFLX0/RAM/internal/retry"
)

// cacheGet reads key through the redis retry policy.
func cacheGet(ctx context.Context, p retry.Policy, cache Cache, requestID, operation, key string) (string, error) {
	var result string
	err := p.Do(ctx, operation, requestID, func() error {
		value, err := cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
