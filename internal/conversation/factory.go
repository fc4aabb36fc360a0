package conversation

import (
	"context"
	"fmt"
	"strings"
)

// NewStore builds the backend named by kind: "memory", "badger" (dir), or
// "postgres" (databaseURL).
func NewStore(ctx context.Context, kind, dir, databaseURL string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "memory":
		return NewInMemoryStore(), nil
	case "badger":
		return NewBadgerStore(dir)
	case "postgres":
		if strings.TrimSpace(databaseURL) == "" {
			return nil, fmt.Errorf("postgres conversation store requires a database url")
		}
		return NewPostgresStore(ctx, databaseURL)
	default:
		return nil, fmt.Errorf("unknown conversation store %q", kind)
	}
}
