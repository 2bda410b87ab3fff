package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-matchmaking/internal/metrics"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

var _ Store = (*RedisStore)(nil)

// errEntryExpired marks an entry id whose hash has already expired while the
// id is still listed in a scope set.
var errEntryExpired = errors.New("queue: waiting entry expired")

// RedisStore keeps the waiting list in Redis so that any number of server
// instances can pair participants of the same scope.
//
// Layout per scope:
//
//	queue:<scope>:seq                  INCR counter for entry ids
//	queue:<scope>:entries              ZSET of all entry ids, score = joinedAt
//	queue:<scope>:waiting              ZSET of unmatched entry ids, score = joinedAt
//	queue:<scope>:entry:<id>           HASH participantId, joinedAt, matched, opponentId
//	queue:<scope>:participant:<pid>    id of the participant's entry
//	queue:<scope>:matched:<pid>        pub/sub channel for match notifications
//
// Entry ids are zero padded so that Redis' lexicographic ordering of members
// with equal scores matches insertion order.
type RedisStore struct {
	client redis.UniversalClient
	logger zerolog.Logger
	ttl    time.Duration
}

// NewRedisStore wraps a Redis client. Keys expire after ttl so abandoned
// scopes are eventually reclaimed; zero disables expiry.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration, logger zerolog.Logger) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

func scopeKey(scope, suffix string) string {
	return "queue:" + scope + ":" + suffix
}

func entryKey(scope, id string) string        { return scopeKey(scope, "entry:"+id) }
func participantKey(scope, pid string) string { return scopeKey(scope, "participant:"+pid) }
func matchChannel(scope, pid string) string   { return scopeKey(scope, "matched:"+pid) }

func (s *RedisStore) Enqueue(ctx context.Context, scope, participantID string) (models.EnqueueResult, error) {
	if err := validate(scope, participantID); err != nil {
		return models.EnqueueResult{}, err
	}

	id, err := s.insert(ctx, scope, participantID)
	if err != nil {
		return models.EnqueueResult{}, err
	}

	pair, err := s.pairOldest(ctx, scope)
	if err != nil {
		return models.EnqueueResult{InsertedID: id}, err
	}
	if len(pair) == 2 {
		s.publish(ctx, notifications(pair))
	}
	return result(id, pair), nil
}

// insert adds an entry unless the participant already has one in the scope.
// The participant key is watched so two concurrent inserts for the same
// participant cannot both succeed.
func (s *RedisStore) insert(ctx context.Context, scope, participantID string) (string, error) {
	pKey := participantKey(scope, participantID)

	for attempt := 0; attempt < maxPairAttempts; attempt++ {
		var id string
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			existing, err := tx.Get(ctx, pKey).Result()
			switch {
			case err == nil:
				id = existing
				return nil
			case err != redis.Nil:
				return err
			}

			seq, err := s.client.Incr(ctx, scopeKey(scope, "seq")).Result()
			if err != nil {
				return err
			}
			id = fmt.Sprintf("%020d", seq)
			joined := time.Now()

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				eKey := entryKey(scope, id)
				pipe.HSet(ctx, eKey, map[string]any{
					"participantId": participantID,
					"joinedAt":      strconv.FormatInt(joined.UnixNano(), 10),
					"matched":       "0",
					"opponentId":    "",
				})
				member := redis.Z{Score: float64(joined.UnixMicro()), Member: id}
				pipe.ZAdd(ctx, scopeKey(scope, "entries"), member)
				pipe.ZAdd(ctx, scopeKey(scope, "waiting"), member)
				pipe.Set(ctx, pKey, id, s.ttl)
				s.expire(ctx, pipe, eKey, scopeKey(scope, "entries"), scopeKey(scope, "waiting"), scopeKey(scope, "seq"))
				return nil
			})
			if err == nil {
				metrics.Enqueued.WithLabelValues("redis").Inc()
			}
			return err
		}, pKey)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return "", errors.Wrap(err, "inserting waiting entry")
		}
		return id, nil
	}
	return "", ErrContention
}

func (s *RedisStore) expire(ctx context.Context, pipe redis.Pipeliner, keys ...string) {
	if s.ttl <= 0 {
		return
	}
	for _, k := range keys {
		pipe.Expire(ctx, k, s.ttl)
	}
}

// pairOldest links the two oldest unmatched entries. The waiting set and
// both entry rows are watched; EXEC only applies if none of them changed
// since they were read, otherwise the whole sequence is retried.
func (s *RedisStore) pairOldest(ctx context.Context, scope string) ([]models.WaitingEntry, error) {
	waitingKey := scopeKey(scope, "waiting")

	for attempt := 0; attempt < maxPairAttempts; attempt++ {
		var pair []models.WaitingEntry
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			ids, err := tx.ZRange(ctx, waitingKey, 0, 1).Result()
			if err != nil {
				return err
			}
			if len(ids) < 2 {
				return nil
			}

			keyA, keyB := entryKey(scope, ids[0]), entryKey(scope, ids[1])
			if err := tx.Watch(ctx, keyA, keyB).Err(); err != nil {
				return err
			}

			a, errA := s.readEntry(ctx, tx, scope, ids[0])
			b, errB := s.readEntry(ctx, tx, scope, ids[1])
			var expired []any
			for i, err := range []error{errA, errB} {
				switch {
				case errors.Is(err, errEntryExpired):
					expired = append(expired, ids[i])
				case err != nil:
					return err
				}
			}
			if len(expired) > 0 {
				return tx.ZRem(ctx, waitingKey, expired...).Err()
			}
			if a.Matched || b.Matched {
				// The waiting set is stale; drop the rows and let the retry
				// pick the next candidates.
				return tx.ZRem(ctx, waitingKey, ids[0], ids[1]).Err()
			}

			a.Matched, a.OpponentID = true, b.ParticipantID
			b.Matched, b.OpponentID = true, a.ParticipantID

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, keyA, "matched", "1", "opponentId", a.OpponentID)
				pipe.HSet(ctx, keyB, "matched", "1", "opponentId", b.OpponentID)
				pipe.ZRem(ctx, waitingKey, a.ID, b.ID)
				return nil
			})
			if err != nil {
				return err
			}
			pair = []models.WaitingEntry{a, b}
			return nil
		}, waitingKey)

		if err == redis.TxFailedErr {
			metrics.PairingConflicts.WithLabelValues("redis").Inc()
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "pairing waiting entries")
		}
		if pair == nil {
			// Either nothing to pair or stale rows were dropped; in the
			// latter case another pass may find a pair.
			if n, err := s.client.ZCard(ctx, waitingKey).Result(); err == nil && n >= 2 {
				continue
			}
			return nil, nil
		}

		metrics.Paired.WithLabelValues("redis").Inc()
		s.logger.Debug().
			Str("scope", scope).
			Str("first", pair[0].ParticipantID).
			Str("second", pair[1].ParticipantID).
			Msg("paired waiting entries")
		return pair, nil
	}
	return nil, ErrContention
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *RedisStore) readEntry(ctx context.Context, r hashReader, scope, id string) (models.WaitingEntry, error) {
	fields, err := r.HGetAll(ctx, entryKey(scope, id)).Result()
	if err != nil {
		return models.WaitingEntry{}, err
	}
	if len(fields) == 0 {
		return models.WaitingEntry{}, errors.Wrapf(errEntryExpired, "entry %s/%s", scope, id)
	}

	nanos, err := strconv.ParseInt(fields["joinedAt"], 10, 64)
	if err != nil {
		return models.WaitingEntry{}, errors.Wrapf(err, "parsing joinedAt of entry %s", id)
	}

	return models.WaitingEntry{
		ID:            id,
		SessionScope:  scope,
		ParticipantID: fields["participantId"],
		JoinedAt:      time.Unix(0, nanos),
		Matched:       fields["matched"] == "1",
		OpponentID:    fields["opponentId"],
	}, nil
}

func (s *RedisStore) Entries(ctx context.Context, scope string) ([]models.WaitingEntry, error) {
	ids, err := s.client.ZRange(ctx, scopeKey(scope, "entries"), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "listing waiting entries")
	}

	out := make([]models.WaitingEntry, 0, len(ids))
	for _, id := range ids {
		e, err := s.readEntry(ctx, s.client, scope, id)
		if errors.Is(err, errEntryExpired) {
			s.logger.Debug().Str("scope", scope).Str("entry", id).Msg("skipping expired entry")
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sortByJoined(out)
	return out, nil
}

func (s *RedisStore) SubscribeMatches(ctx context.Context, scope, participantID string) (<-chan models.MatchNotification, error) {
	if err := validate(scope, participantID); err != nil {
		return nil, err
	}

	pubsub := s.client.Subscribe(ctx, matchChannel(scope, participantID))
	// Wait for the subscription to be confirmed so that a pairing published
	// right after this call returns is not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, errors.Wrap(err, "subscribing to match notifications")
	}

	out := make(chan models.MatchNotification, 4)
	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var note models.MatchNotification
				if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
					s.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("malformed match notification")
					continue
				}
				select {
				case out <- note:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *RedisStore) publish(ctx context.Context, notes []models.MatchNotification) {
	for _, n := range notes {
		data, err := json.Marshal(n)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to marshal match notification")
			continue
		}
		if err := s.client.Publish(ctx, matchChannel(n.SessionScope, n.ParticipantID), data).Err(); err != nil {
			s.logger.Warn().Err(err).
				Str("scope", n.SessionScope).
				Str("participant", n.ParticipantID).
				Msg("failed to publish match notification")
		}
	}
}
