// Package lock provides short-lived leases that keep an enrollment from being
// processed by two workers at once.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrLockHeld is returned by Acquire when another owner holds an unexpired lease
var ErrLockHeld = errors.New("lock held by another owner")

// Lease is a held lock. It expires on its own if never released.
type Lease struct {
	Key       string
	Owner     string
	ExpiresAt time.Time
}

// Locker acquires and releases leases
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	Release(ctx context.Context, lease *Lease) error
}

func newOwner() string {
	return uuid.New().String()
}

// EnrollmentKey is the lease key of an enrollment
func EnrollmentKey(enrollmentID string) string {
	return "enrollment:" + enrollmentID
}
