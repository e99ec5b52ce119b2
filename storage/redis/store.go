package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-tokens/instrumentation"
	"github.com/giantswarm/oauth-tokens/internal/util"
	"github.com/giantswarm/oauth-tokens/pkce"
	"github.com/giantswarm/oauth-tokens/security"
	"github.com/giantswarm/oauth-tokens/storage"
)

const (
	storageType = "redis"

	// tokenIDLogLength is the number of characters to include when logging hashes and ids
	tokenIDLogLength = 8

	keyRefreshToken    = "rt:"
	keyFamilyMembers   = "rtfam:"
	keyFamilyTombstone = "rtfamrevoked:"
	keyRevocation      = "rev:"
	keyRevocationIndex = "revindex"
	keyAttempt         = "attempt:"
)

// Consume script results.
const (
	consumeOK       = "ok"
	consumeMissing  = "missing"
	consumeMismatch = "mismatch"
	consumeConsumed = "consumed"
	consumeExpired  = "expired"
)

// Store implements storage.Store on Redis.
type Store struct {
	// The family scripts read and write member records listed in the family
	// set, keys not declared in KEYS. That only holds on a single node (or a
	// sentinel-managed primary), so the store takes a *goredis.Client and
	// never a cluster client.
	client    *goredis.Client
	keyPrefix string

	encryptor *security.Encryptor

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	logger *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.RevocationStore   = (*Store)(nil)
	_ storage.AttemptStore      = (*Store)(nil)
	_ storage.Store             = (*Store)(nil)
)

// New connects to Redis and returns a store.
// Returns error if configuration validation fails or connection cannot be established.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}
	cfg.applyDefaults()

	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient creates a Store with a pre-configured client, such as one
// from goredis.NewFailoverClient or one pointed at miniredis in tests.
// Redis Cluster is not supported.
func NewWithClient(client *goredis.Client, keyPrefix string) *Store {
	return &Store{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    slog.Default(),
	}
}

// Close closes the Redis client connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity (health check).
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetEncryptor enables encryption at rest for refresh token subjects and
// authorization attempts. Call it before the store is used.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Encryption at rest enabled for redis storage")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

func (s *Store) key(kind, id string) string {
	return s.keyPrefix + kind + id
}

// ttlMillis converts a validity window into a key TTL. The clock skew grace
// period is added so a key never disappears before every replica agrees it
// has expired.
func ttlMillis(from, until time.Time) int64 {
	ttl := until.Sub(from) + security.DefaultClockSkewGracePeriod
	if ttl < security.DefaultClockSkewGracePeriod {
		ttl = security.DefaultClockSkewGracePeriod
	}
	return ttl.Milliseconds()
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// saveRefreshTokenScript stores a live record unless the family is revoked,
// still has a live member, or has a member owned by another subject.
// KEYS: record, family members set, family tombstone.
// ARGV[6] (issued at) decides whether an existing member is still live.
// Returns 1 when stored, 0 when the family is revoked, -1 on a conflict.
var saveRefreshTokenScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
	return 0
end
local issuedAt = tonumber(ARGV[6])
for _, k in ipairs(redis.call('SMEMBERS', KEYS[2])) do
	if k ~= KEYS[1] then
		local m = redis.call('HMGET', k, 'subject_digest', 'state', 'expires_at')
		if m[1] then
			if m[1] ~= ARGV[2] then
				return -1
			end
			if m[2] == 'live' and tonumber(m[3]) > issuedAt then
				return -1
			end
		end
	end
end
redis.call('HSET', KEYS[1],
	'hash', ARGV[1], 'subject_digest', ARGV[2], 'subject', ARGV[3],
	'family', ARGV[4], 'generation', ARGV[5],
	'issued_at', ARGV[6], 'expires_at', ARGV[7],
	'state', 'live', 'consumed_at', '0', 'revoked_at', '0')
redis.call('PEXPIRE', KEYS[1], ARGV[8])
redis.call('SADD', KEYS[2], KEYS[1])
if redis.call('PTTL', KEYS[2]) < tonumber(ARGV[8]) then
	redis.call('PEXPIRE', KEYS[2], ARGV[8])
end
return 1
`)

// consumeRefreshTokenScript marks a live, unexpired record owned by the
// given subject as consumed. The subject is compared first so a mismatched
// presentation leaves the record untouched.
var consumeRefreshTokenScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 'missing'
end
local f = redis.call('HMGET', KEYS[1], 'subject_digest', 'state', 'expires_at')
if f[1] ~= ARGV[1] then
	return 'mismatch'
end
if f[2] ~= 'live' then
	return 'consumed'
end
if tonumber(f[3]) <= tonumber(ARGV[2]) then
	return 'expired'
end
redis.call('HSET', KEYS[1], 'state', 'consumed', 'consumed_at', ARGV[2])
return 'ok'
`)

// revokeRefreshTokenScript marks one record revoked.
// Returns 0 when the record does not exist.
var revokeRefreshTokenScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
if redis.call('HGET', KEYS[1], 'state') ~= 'revoked' then
	redis.call('HSET', KEYS[1], 'state', 'revoked', 'revoked_at', ARGV[1])
end
return 1
`)

// revokeFamilyScript writes the family tombstone, extending its TTL if it
// already exists, then revokes every live member.
// KEYS: family members set, family tombstone. Returns the revoked record keys.
var revokeFamilyScript = goredis.NewScript(`
local ttl = tonumber(ARGV[2])
if redis.call('PTTL', KEYS[2]) < ttl then
	local revokedAt = redis.call('GET', KEYS[2]) or ARGV[1]
	redis.call('SET', KEYS[2], revokedAt, 'PX', ttl)
end
local revoked = {}
for _, k in ipairs(redis.call('SMEMBERS', KEYS[1])) do
	if redis.call('HGET', k, 'state') == 'live' then
		redis.call('HSET', k, 'state', 'revoked', 'revoked_at', ARGV[1])
		table.insert(revoked, k)
	end
end
return revoked
`)

// SaveRefreshToken stores a new live refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, rec *storage.RefreshTokenRecord) error {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime)
	}()

	if rec == nil {
		err = errors.New("refresh token record cannot be nil")
		return err
	}
	if rec.Hash == "" || rec.FamilyID == "" {
		err = errors.New("refresh token record requires hash and family id")
		return err
	}

	subject, encErr := s.sealSubject(rec.Subject, rec.Hash)
	if encErr != nil {
		err = encErr
		return err
	}

	keys := []string{
		s.key(keyRefreshToken, rec.Hash),
		s.key(keyFamilyMembers, rec.FamilyID),
		s.key(keyFamilyTombstone, rec.FamilyID),
	}
	stored, runErr := saveRefreshTokenScript.Run(ctx, s.client, keys,
		rec.Hash,
		security.HashToken(rec.Subject),
		subject,
		rec.FamilyID,
		rec.Generation,
		rec.IssuedAt.UnixMilli(),
		rec.ExpiresAt.UnixMilli(),
		ttlMillis(rec.IssuedAt, rec.ExpiresAt),
	).Int()
	if runErr != nil {
		err = fmt.Errorf("failed to save refresh token: %w", runErr)
		return err
	}
	switch stored {
	case 0:
		err = storage.ErrFamilyRevoked
		return err
	case -1:
		err = storage.ErrFamilyConflict
		return err
	}

	s.logger.Debug("Saved refresh token",
		"token_hash", util.SafeTruncate(rec.Hash, tokenIDLogLength),
		"family_id", util.SafeTruncate(rec.FamilyID, tokenIDLogLength),
		"generation", rec.Generation)

	return nil
}

// GetRefreshToken returns the record for hash
func (s *Store) GetRefreshToken(ctx context.Context, hash string) (*storage.RefreshTokenRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_refresh_token", err, startTime)
	}()

	var rec *storage.RefreshTokenRecord
	rec, err = s.loadRefreshToken(ctx, s.key(keyRefreshToken, hash))
	return rec, err
}

// ConsumeRefreshToken atomically marks a live token consumed
func (s *Store) ConsumeRefreshToken(ctx context.Context, hash, subject string, now time.Time) (*storage.RefreshTokenRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_refresh_token", err, startTime)
	}()

	key := s.key(keyRefreshToken, hash)
	status, runErr := consumeRefreshTokenScript.Run(ctx, s.client, []string{key},
		security.HashToken(subject), now.UnixMilli()).Text()
	if runErr != nil {
		err = fmt.Errorf("failed to consume refresh token: %w", runErr)
		return nil, err
	}

	switch status {
	case consumeOK:
	case consumeMissing:
		err = storage.ErrNotFound
		return nil, err
	case consumeMismatch:
		err = storage.ErrSubjectMismatch
		return nil, err
	case consumeExpired:
		err = storage.ErrExpired
		return nil, err
	case consumeConsumed:
		rec, loadErr := s.loadRefreshToken(ctx, key)
		if loadErr != nil {
			err = loadErr
			return nil, err
		}
		return rec, storage.ErrAlreadyConsumed
	default:
		err = fmt.Errorf("unexpected consume result %q", status)
		return nil, err
	}

	var rec *storage.RefreshTokenRecord
	rec, err = s.loadRefreshToken(ctx, key)
	return rec, err
}

// RevokeRefreshToken marks a single token revoked
func (s *Store) RevokeRefreshToken(ctx context.Context, hash string, now time.Time) (*storage.RefreshTokenRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_refresh_token", err, startTime)
	}()

	key := s.key(keyRefreshToken, hash)
	found, runErr := revokeRefreshTokenScript.Run(ctx, s.client, []string{key}, now.UnixMilli()).Int()
	if runErr != nil {
		err = fmt.Errorf("failed to revoke refresh token: %w", runErr)
		return nil, err
	}
	if found == 0 {
		err = storage.ErrNotFound
		return nil, err
	}

	var rec *storage.RefreshTokenRecord
	rec, err = s.loadRefreshToken(ctx, key)
	return rec, err
}

// RevokeFamily writes the family tombstone and revokes every live member
func (s *Store) RevokeFamily(ctx context.Context, familyID string, retainUntil, now time.Time) ([]*storage.RefreshTokenRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_family")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_family", err, startTime)
	}()

	if familyID == "" {
		err = errors.New("family id cannot be empty")
		return nil, err
	}

	keys := []string{
		s.key(keyFamilyMembers, familyID),
		s.key(keyFamilyTombstone, familyID),
	}
	revokedKeys, runErr := revokeFamilyScript.Run(ctx, s.client, keys,
		now.UnixMilli(), ttlMillis(now, retainUntil)).StringSlice()
	if runErr != nil {
		err = fmt.Errorf("failed to revoke token family: %w", runErr)
		return nil, err
	}

	revoked := make([]*storage.RefreshTokenRecord, 0, len(revokedKeys))
	for _, key := range revokedKeys {
		rec, loadErr := s.loadRefreshToken(ctx, key)
		if loadErr != nil {
			if errors.Is(loadErr, storage.ErrNotFound) {
				continue
			}
			err = loadErr
			return nil, err
		}
		revoked = append(revoked, rec)
	}

	return revoked, nil
}

// IsFamilyRevoked reports whether a family tombstone exists
func (s *Store) IsFamilyRevoked(ctx context.Context, familyID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(keyFamilyTombstone, familyID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check family tombstone: %w", err)
	}
	return n > 0, nil
}

// DeleteExpiredRefreshTokens is a no-op: records and tombstones carry key
// TTLs and Redis removes them itself.
func (s *Store) DeleteExpiredRefreshTokens(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

func (s *Store) loadRefreshToken(ctx context.Context, key string) (*storage.RefreshTokenRecord, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}
	return s.decodeRefreshToken(fields)
}

func (s *Store) decodeRefreshToken(fields map[string]string) (*storage.RefreshTokenRecord, error) {
	rec := &storage.RefreshTokenRecord{
		Hash:     fields["hash"],
		FamilyID: fields["family"],
		State:    storage.RefreshTokenState(fields["state"]),
	}

	generation, err := strconv.Atoi(fields["generation"])
	if err != nil {
		return nil, fmt.Errorf("invalid generation in refresh token record: %w", err)
	}
	rec.Generation = generation

	for name, dst := range map[string]*time.Time{
		"issued_at":   &rec.IssuedAt,
		"expires_at":  &rec.ExpiresAt,
		"consumed_at": &rec.ConsumedAt,
		"revoked_at":  &rec.RevokedAt,
	} {
		t, err := parseMillis(fields[name])
		if err != nil {
			return nil, fmt.Errorf("invalid %s in refresh token record: %w", name, err)
		}
		*dst = t
	}

	subject, err := s.openSubject(fields["subject"], rec.Hash)
	if err != nil {
		return nil, err
	}
	rec.Subject = subject

	return rec, nil
}

// parseMillis parses a unix millisecond timestamp; "0" is the zero time.
func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if ms == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}

// sealSubject encrypts the subject bound to the record's hash when an
// encryptor is configured.
func (s *Store) sealSubject(subject, hash string) (string, error) {
	if !s.encryptor.IsEnabled() {
		return subject, nil
	}
	sealed, err := s.encryptor.Encrypt([]byte(subject), hash)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt subject: %w", err)
	}
	return sealed, nil
}

func (s *Store) openSubject(stored, hash string) (string, error) {
	if !s.encryptor.IsEnabled() {
		return stored, nil
	}
	plain, err := s.encryptor.Decrypt(stored, hash)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt subject: %w", err)
	}
	return string(plain), nil
}

// ============================================================
// RevocationStore Implementation
// ============================================================

// addRevocationScript stores an entry keeping the later retain-until, the
// earlier revoked-at and any known family id, and indexes it by revoked-at.
// KEYS: entry, index. ARGV: token type, family, reason, revoked at, retain
// until, grace period (ms).
var addRevocationScript = goredis.NewScript(`
local retain = tonumber(ARGV[5])
local revokedAt = tonumber(ARGV[4])
local family = ARGV[2]
if redis.call('EXISTS', KEYS[1]) == 1 then
	local cur = redis.call('HMGET', KEYS[1], 'retain_until', 'revoked_at', 'family_id')
	if tonumber(cur[1]) > retain then
		retain = tonumber(cur[1])
	end
	if tonumber(cur[2]) < revokedAt then
		revokedAt = tonumber(cur[2])
	end
	if family == '' and cur[3] then
		family = cur[3]
	end
end
redis.call('HSET', KEYS[1],
	'token_type', ARGV[1], 'family_id', family, 'reason', ARGV[3],
	'revoked_at', tostring(revokedAt), 'retain_until', tostring(retain))
local ttl = retain - tonumber(ARGV[4]) + tonumber(ARGV[6])
if ttl < tonumber(ARGV[6]) then
	ttl = tonumber(ARGV[6])
end
redis.call('PEXPIRE', KEYS[1], ttl)
redis.call('ZADD', KEYS[2], revokedAt, KEYS[1])
return 1
`)

// AddRevocation stores a registry entry, keeping the later retention
func (s *Store) AddRevocation(ctx context.Context, entry *storage.RevocationEntry) error {
	ctx, span := s.startStorageSpan(ctx, "add_revocation")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "add_revocation", err, startTime)
	}()

	if entry == nil || entry.Key == "" {
		err = errors.New("revocation entry requires a key")
		return err
	}

	keys := []string{s.key(keyRevocation, entry.Key), s.key(keyRevocationIndex, "")}
	runErr := addRevocationScript.Run(ctx, s.client, keys,
		entry.TokenType,
		entry.FamilyID,
		entry.Reason,
		entry.RevokedAt.UnixMilli(),
		entry.RetainUntil.UnixMilli(),
		security.DefaultClockSkewGracePeriod.Milliseconds(),
	).Err()
	if runErr != nil {
		err = fmt.Errorf("failed to add revocation: %w", runErr)
		return err
	}
	return nil
}

// GetRevocation returns the entry for key
func (s *Store) GetRevocation(ctx context.Context, key string) (*storage.RevocationEntry, error) {
	fields, err := s.client.HGetAll(ctx, s.key(keyRevocation, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get revocation: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}

	entry := &storage.RevocationEntry{
		Key:       key,
		TokenType: fields["token_type"],
		FamilyID:  fields["family_id"],
		Reason:    fields["reason"],
	}
	if entry.RevokedAt, err = parseMillis(fields["revoked_at"]); err != nil {
		return nil, fmt.Errorf("invalid revoked_at in revocation entry: %w", err)
	}
	if entry.RetainUntil, err = parseMillis(fields["retain_until"]); err != nil {
		return nil, fmt.Errorf("invalid retain_until in revocation entry: %w", err)
	}
	return entry, nil
}

// DeleteRevocationsBefore removes entries revoked before revokedBefore whose
// retention has passed. Index members whose entry already expired are pruned
// without being counted.
func (s *Store) DeleteRevocationsBefore(ctx context.Context, revokedBefore, now time.Time) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "delete_revocations")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_revocations", err, startTime)
	}()

	indexKey := s.key(keyRevocationIndex, "")
	candidates, rangeErr := s.client.ZRangeByScore(ctx, indexKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(revokedBefore.UnixMilli(), 10),
	}).Result()
	if rangeErr != nil {
		err = fmt.Errorf("failed to scan revocation index: %w", rangeErr)
		return 0, err
	}

	removed := 0
	for _, key := range candidates {
		retain, getErr := s.client.HGet(ctx, key, "retain_until").Result()
		if errors.Is(getErr, goredis.Nil) {
			s.client.ZRem(ctx, indexKey, key)
			continue
		}
		if getErr != nil {
			err = fmt.Errorf("failed to read revocation: %w", getErr)
			return removed, err
		}
		retainUntil, parseErr := parseMillis(retain)
		if parseErr != nil || retainUntil.After(now) {
			continue
		}
		if _, txErr := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, indexKey, key)
			return nil
		}); txErr != nil {
			err = fmt.Errorf("failed to delete revocation: %w", txErr)
			return removed, err
		}
		removed++
	}

	return removed, nil
}

// ============================================================
// AttemptStore Implementation
// ============================================================

// SaveAttempt stores an authorization attempt with a TTL matching its expiry
func (s *Store) SaveAttempt(ctx context.Context, attempt *pkce.Attempt) error {
	ctx, span := s.startStorageSpan(ctx, "save_attempt")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_attempt", err, startTime)
	}()

	if attempt == nil || attempt.ID == "" {
		err = errors.New("attempt requires an id")
		return err
	}

	payload, encErr := s.encodeAttempt(attempt)
	if encErr != nil {
		err = encErr
		return err
	}

	ttl := time.Duration(ttlMillis(attempt.CreatedAt, attempt.ExpiresAt)) * time.Millisecond
	if setErr := s.client.Set(ctx, s.key(keyAttempt, attempt.ID), payload, ttl).Err(); setErr != nil {
		err = fmt.Errorf("failed to save attempt: %w", setErr)
		return err
	}
	return nil
}

// GetAttempt returns a pending attempt
func (s *Store) GetAttempt(ctx context.Context, id string, now time.Time) (*pkce.Attempt, error) {
	data, err := s.client.Get(ctx, s.key(keyAttempt, id)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}

	attempt, err := s.decodeAttempt(id, data)
	if err != nil {
		return nil, err
	}
	if attempt.Expired(now) {
		return nil, storage.ErrExpired
	}
	return attempt, nil
}

// maxAuthorizeRetries bounds optimistic retries of AuthorizeAttempt.
const maxAuthorizeRetries = 3

// AuthorizeAttempt binds subject to a pending attempt. The read and the write
// run in a WATCH transaction, so a concurrent completion or consume makes
// the write fail and the attempt is re-read.
func (s *Store) AuthorizeAttempt(ctx context.Context, id, subject string, now time.Time) (*pkce.Attempt, error) {
	ctx, span := s.startStorageSpan(ctx, "authorize_attempt")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "authorize_attempt", err, startTime)
	}()

	key := s.key(keyAttempt, id)
	var authorized *pkce.Attempt

	txf := func(tx *goredis.Tx) error {
		data, getErr := tx.Get(ctx, key).Result()
		if getErr != nil {
			if errors.Is(getErr, goredis.Nil) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("failed to get attempt: %w", getErr)
		}

		attempt, decErr := s.decodeAttempt(id, data)
		if decErr != nil {
			return decErr
		}
		if attempt.Expired(now) {
			return storage.ErrExpired
		}
		if attempt.Authorized() {
			return storage.ErrAlreadyAuthorized
		}

		attempt.Subject = subject
		payload, encErr := s.encodeAttempt(attempt)
		if encErr != nil {
			return encErr
		}
		ttl := time.Duration(ttlMillis(attempt.CreatedAt, attempt.ExpiresAt)) * time.Millisecond

		_, pipeErr := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		if pipeErr != nil {
			return pipeErr
		}
		authorized = attempt
		return nil
	}

	for range maxAuthorizeRetries {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, goredis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, goredis.TxFailedErr) {
			err = fmt.Errorf("failed to authorize attempt: %w", err)
		}
		return nil, err
	}
	return authorized, nil
}

// ConsumeAttempt atomically returns and deletes an attempt using GETDEL
func (s *Store) ConsumeAttempt(ctx context.Context, id string, now time.Time) (*pkce.Attempt, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_attempt")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_attempt", err, startTime)
	}()

	data, getErr := s.client.GetDel(ctx, s.key(keyAttempt, id)).Result()
	if getErr != nil {
		if errors.Is(getErr, goredis.Nil) {
			err = storage.ErrNotFound
			return nil, err
		}
		err = fmt.Errorf("failed to consume attempt: %w", getErr)
		return nil, err
	}

	attempt, decErr := s.decodeAttempt(id, data)
	if decErr != nil {
		err = decErr
		return nil, err
	}
	if attempt.Expired(now) {
		err = storage.ErrExpired
		return nil, err
	}
	return attempt, nil
}

// DeleteExpiredAttempts is a no-op: attempts carry key TTLs.
func (s *Store) DeleteExpiredAttempts(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

func (s *Store) encodeAttempt(attempt *pkce.Attempt) (string, error) {
	data, err := json.Marshal(attempt)
	if err != nil {
		return "", fmt.Errorf("failed to marshal attempt: %w", err)
	}
	if !s.encryptor.IsEnabled() {
		return string(data), nil
	}
	sealed, err := s.encryptor.Encrypt(data, attempt.ID)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt attempt: %w", err)
	}
	return sealed, nil
}

func (s *Store) decodeAttempt(id, stored string) (*pkce.Attempt, error) {
	data := []byte(stored)
	if s.encryptor.IsEnabled() {
		plain, err := s.encryptor.Decrypt(stored, id)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt attempt: %w", err)
		}
		data = plain
	}

	var attempt pkce.Attempt
	if err := json.Unmarshal(data, &attempt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attempt: %w", err)
	}
	return &attempt, nil
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return instrumentation.NoopTracer().Start(ctx, operation)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation))
	instrumentation.AddStorageAttributes(span, operation, storageType)

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := instrumentation.ResultSuccess
	if err != nil {
		result = instrumentation.ResultError
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
