package runlock

import (
	"context"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"
	"github.com/warp/billing-engine/domain"
	"github.com/warp/billing-engine/logger"
)

// DefaultTTL bounds how long a crashed holder can block a key.
const DefaultTTL = 10 * time.Minute

var (
	acquireScript = valkey.NewLuaScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return 1
end
return 0`)

	releaseScript = valkey.NewLuaScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0`)
)

// Valkey is a lock shared by every process connected to the same server.
type Valkey struct {
	client valkey.Client
	ttl    time.Duration
	log    logger.Logger
}

// NewValkey connects to addr. Close the returned lock on shutdown.
func NewValkey(addr string, ttl time.Duration) (*Valkey, error) {
	log := logger.New("runlock").Function("NewValkey")

	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		return nil, log.Err("failed to connect to valkey", err, "address", addr)
	}
	return NewValkeyWithClient(client, ttl), nil
}

func NewValkeyWithClient(client valkey.Client, ttl time.Duration) *Valkey {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Valkey{client: client, ttl: ttl, log: logger.New("runlock")}
}

func (v *Valkey) Acquire(ctx context.Context, key string) (func(), error) {
	log := v.log.Function("Acquire")

	token := domain.NewID()
	ttl := formatMillis(v.ttl)

	ok, err := acquireScript.Exec(ctx, v.client, []string{key}, []string{token, ttl}).AsInt64()
	if err != nil {
		return nil, log.Err("failed to acquire lock", err, "key", key)
	}
	if ok != 1 {
		return nil, ErrLockHeld
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Exec(ctx, v.client, []string{key}, []string{token}).Error(); err != nil {
			log.Er("failed to release lock, it will expire", err, "key", key)
		}
	}, nil
}

func (v *Valkey) Close() {
	v.client.Close()
}

func formatMillis(d time.Duration) string {
	return strconv.FormatInt(max(d.Milliseconds(), 1), 10)
}
