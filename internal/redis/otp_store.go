package redisclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/visioncare/eyecare-scheduling/internal/apperr"
	"github.com/visioncare/eyecare-scheduling/internal/verification"
)

// VerificationStore keeps one hash per contact address under otp:<contact>
// with fields code_hash, expires_at (unix ms), confirmed and attempts.
// Failures to reach Redis are returned as apperr.ErrTransient.
type VerificationStore struct {
	client *redis.Client
}

func NewVerificationStore(client *redis.Client) *VerificationStore {
	return &VerificationStore{client: client}
}

func otpKey(contact string) string {
	return "otp:" + contact
}

func (s *VerificationStore) Put(ctx context.Context, t verification.Token, ttl time.Duration) error {
	key := otpKey(t.Contact)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"code_hash", string(t.CodeHash),
			"expires_at", t.ExpiresAt.UnixMilli(),
			"confirmed", boolField(t.Confirmed),
			"attempts", t.Attempts,
		)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return apperr.Unavailable("put verification token", err)
	}
	return nil
}

func (s *VerificationStore) Get(ctx context.Context, contact string) (*verification.Token, error) {
	fields, err := s.client.HGetAll(ctx, otpKey(contact)).Result()
	if err != nil {
		return nil, apperr.Unavailable("get verification token", err)
	}
	if len(fields) == 0 {
		return nil, verification.ErrNoToken
	}

	expiresMs, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt verification token for %s: %w", contact, err)
	}
	attempts, _ := strconv.Atoi(fields["attempts"])

	return &verification.Token{
		Contact:   contact,
		CodeHash:  []byte(fields["code_hash"]),
		ExpiresAt: time.UnixMilli(expiresMs),
		Confirmed: fields["confirmed"] == "1",
		Attempts:  attempts,
	}, nil
}

var incrementAttemptsScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
return redis.call("HINCRBY", KEYS[1], "attempts", 1)
`)

func (s *VerificationStore) IncrementAttempts(ctx context.Context, contact string) (int, error) {
	n, err := incrementAttemptsScript.Run(ctx, s.client, []string{otpKey(contact)}).Int()
	if err != nil {
		return 0, apperr.Unavailable("increment attempts", err)
	}
	if n < 0 {
		return 0, verification.ErrNoToken
	}
	return n, nil
}

var markConfirmedScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "code_hash") ~= ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[1], "confirmed", "1")
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

func (s *VerificationStore) MarkConfirmed(ctx context.Context, contact string, codeHash []byte, ttl time.Duration) error {
	ok, err := markConfirmedScript.Run(ctx, s.client, []string{otpKey(contact)}, string(codeHash), ttl.Milliseconds()).Int()
	if err != nil {
		return apperr.Unavailable("mark confirmed", err)
	}
	if ok == 0 {
		return verification.ErrNoToken
	}
	return nil
}

var consumeScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "confirmed") == "1" and redis.call("HGET", KEYS[1], "code_hash") == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Consume deletes the token only while it is confirmed and still holds
// codeHash, so a code re-issued after the caller's check is left alone.
func (s *VerificationStore) Consume(ctx context.Context, contact string, codeHash []byte) error {
	n, err := consumeScript.Run(ctx, s.client, []string{otpKey(contact)}, string(codeHash)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return apperr.Unavailable("consume verification token", err)
	}
	if n == 0 {
		return verification.ErrNotConfirmed
	}
	return nil
}

func (s *VerificationStore) Delete(ctx context.Context, contact string) error {
	if err := s.client.Del(ctx, otpKey(contact)).Err(); err != nil {
		return apperr.Unavailable("delete verification token", err)
	}
	return nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
