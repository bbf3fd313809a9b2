package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	// registryLockTimeout bounds how long any registry operation waits for
	// the map lock before giving up with ErrLockTimeout.
	registryLockTimeout = 50 * time.Millisecond

	// perUserSendTimeout bounds each individual delivery during fan-out.
	perUserSendTimeout = 100 * time.Millisecond

	// broadcastConcurrency caps in-flight deliveries per broadcast.
	broadcastConcurrency = 1024
)

// ErrLockTimeout is a transient operational error: the registry lock could
// not be acquired within the bounded wait.
var ErrLockTimeout = errors.New("registry lock timeout")

// UsernameTakenError reports a registration collision on the normalized key.
type UsernameTakenError struct {
	Username string
}

func (e *UsernameTakenError) Error() string {
	return fmt.Sprintf("username '%s' is already taken", e.Username)
}

// User is a registered participant: the validated username plus the send end
// of their outbound queue.
type User struct {
	username Username
	out      Outbound
}

// Username returns the user's handle as originally typed.
func (u User) Username() Username { return u.username }

// Registry maps normalized usernames to registered users. All operations
// take the lock with a bounded wait so a stuck writer cannot wedge the
// connection tasks.
type Registry struct {
	logger zerolog.Logger
	lock   *timedRWLock
	users  map[NormalizedKey]User
	fanout *semaphore.Weighted
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger: logger.With().Str("component", "registry").Logger(),
		lock:   newTimedRWLock(),
		users:  make(map[NormalizedKey]User),
		fanout: semaphore.NewWeighted(broadcastConcurrency),
	}
}

// Register inserts the username atomically in its normalized key. Returns
// the stored User handle, a *UsernameTakenError if the key is present, or
// ErrLockTimeout.
func (r *Registry) Register(username Username, out Outbound) (User, error) {
	if !r.lock.lockTimeout(registryLockTimeout) {
		return User{}, ErrLockTimeout
	}
	defer r.lock.unlock()

	key := username.Key()
	if _, taken := r.users[key]; taken {
		return User{}, &UsernameTakenError{Username: username.String()}
	}
	user := User{username: username, out: out}
	r.users[key] = user
	return user, nil
}

// Unregister removes the user. Idempotent: reports false when the user was
// not present.
func (r *Registry) Unregister(user User) (bool, error) {
	if !r.lock.lockTimeout(registryLockTimeout) {
		return false, ErrLockTimeout
	}
	defer r.lock.unlock()

	key := user.username.Key()
	if _, present := r.users[key]; !present {
		return false, nil
	}
	delete(r.users, key)
	return true, nil
}

// Count returns the number of registered users.
func (r *Registry) Count() (int, error) {
	if !r.lock.rlockTimeout(registryLockTimeout) {
		return 0, ErrLockTimeout
	}
	defer r.lock.runlock()
	return len(r.users), nil
}

// Broadcast delivers payload to every registered user except the excluded
// one, returning how many deliveries succeeded. Senders are snapshotted
// under a short read lock, then fan-out runs with bounded concurrency; a
// delivery that times out counts as a miss but never aborts the broadcast.
// Exclusion matches the original username, not the normalized key.
func (r *Registry) Broadcast(ctx context.Context, payload []byte, exclude *Username) (int, error) {
	if !r.lock.rlockTimeout(registryLockTimeout) {
		return 0, ErrLockTimeout
	}
	targets := make([]Outbound, 0, len(r.users))
	for _, user := range r.users {
		if exclude != nil && user.username.String() == exclude.String() {
			continue
		}
		targets = append(targets, user.out)
	}
	r.lock.runlock()

	var delivered int64
	var wg sync.WaitGroup
	for _, out := range targets {
		if err := r.fanout.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(out Outbound) {
			defer wg.Done()
			defer r.fanout.Release(1)
			if err := out.SendTimeout(payload, perUserSendTimeout); err == nil {
				atomic.AddInt64(&delivered, 1)
			}
		}(out)
	}
	wg.Wait()

	sent := int(atomic.LoadInt64(&delivered))
	if missed := len(targets) - sent; missed > 0 {
		r.logger.Debug().
			Int("delivered", sent).
			Int("missed", missed).
			Msg("Broadcast fan-out incomplete")
	}
	return sent, nil
}

// timedRWLock is a reader-writer lock whose acquisitions carry a bounded
// wait, built on a weighted semaphore: readers take one unit, a writer takes
// them all.
type timedRWLock struct {
	sem *semaphore.Weighted
}

const lockWeight = 1 << 30

func newTimedRWLock() *timedRWLock {
	return &timedRWLock{sem: semaphore.NewWeighted(lockWeight)}
}

func (l *timedRWLock) rlockTimeout(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return l.sem.Acquire(ctx, 1) == nil
}

func (l *timedRWLock) runlock() { l.sem.Release(1) }

func (l *timedRWLock) lockTimeout(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return l.sem.Acquire(ctx, lockWeight) == nil
}

func (l *timedRWLock) unlock() { l.sem.Release(lockWeight) }
