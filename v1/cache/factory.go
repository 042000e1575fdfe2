package cache

import (
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

// Driver names a Cache implementation selectable from configuration.
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverRedis  Driver = "redis"
)

// New returns a Cache for driver. client and prefix are only used by the
// redis driver.
func New[T any](driver Driver, client redis.UniversalClient, prefix string, opts ...InMemoryOption[T]) (Cache[T], error) {
	switch driver {
	case DriverMemory, "":
		return NewInMemory[T](opts...), nil
	case DriverRedis:
		if client == nil {
			return nil, fmt.Errorf("cache: redis driver requires a client")
		}
		return NewRedis[T](client, JSONCodec{}, prefix), nil
	default:
		return nil, fmt.Errorf("cache: unknown driver %q", driver)
	}
}
