package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Scripts return {status, member...} so the roster after the change comes
// back in the same round trip.
var (
	joinScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  local maxRooms = tonumber(ARGV[4])
  if maxRooms > 0 and redis.call('SCARD', KEYS[2]) >= maxRooms then
    return {'too_many_rooms'}
  end
end
if redis.call('HEXISTS', KEYS[1], ARGV[2]) == 0 then
  local maxParticipants = tonumber(ARGV[5])
  if maxParticipants > 0 and redis.call('HLEN', KEYS[1]) >= maxParticipants then
    local out = redis.call('HVALS', KEYS[1])
    table.insert(out, 1, 'room_full')
    return out
  end
end
redis.call('HSET', KEYS[1], ARGV[2], ARGV[3])
redis.call('SADD', KEYS[2], ARGV[1])
local out = redis.call('HVALS', KEYS[1])
table.insert(out, 1, 'ok')
return out
`)

	leaveScript = redis.NewScript(`
local removed = redis.call('HDEL', KEYS[1], ARGV[2])
local out = redis.call('HVALS', KEYS[1])
if #out == 0 then
  redis.call('SREM', KEYS[2], ARGV[1])
end
if removed == 0 then
  table.insert(out, 1, 'not_member')
else
  table.insert(out, 1, 'ok')
end
return out
`)
)

// RedisStore keeps one hash per room (<prefix>:room:<code>:participants,
// field = participant id, value = JSON) plus the set <prefix>:rooms.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	limits Limits
}

func NewRedisStore(client redis.UniversalClient, prefix string, limits Limits) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, limits: limits}
}

func (s *RedisStore) participantsKey(room string) string {
	return s.prefix + ":room:" + room + ":participants"
}

func (s *RedisStore) roomsKey() string {
	return s.prefix + ":rooms"
}

func (s *RedisStore) Join(ctx context.Context, room string, p Participant) ([]Participant, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	res, err := joinScript.Run(ctx, s.client,
		[]string{s.participantsKey(room), s.roomsKey()},
		room, p.ID, raw, s.limits.MaxRooms, s.limits.MaxParticipantsPerRoom,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("redis join %s: %w", room, err)
	}
	return decodeScriptResult(res)
}

func (s *RedisStore) Leave(ctx context.Context, room, id string) ([]Participant, error) {
	res, err := leaveScript.Run(ctx, s.client,
		[]string{s.participantsKey(room), s.roomsKey()},
		room, id,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("redis leave %s: %w", room, err)
	}
	return decodeScriptResult(res)
}

func (s *RedisStore) SetMuted(ctx context.Context, room string, ids []string, muted bool) ([]Participant, error) {
	key := s.participantsKey(room)
	if len(ids) == 0 {
		return s.Members(ctx, room)
	}

	var roster []Participant
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		members, err := decodeMembers(vals)
		if err != nil {
			return err
		}

		changed := map[string]any{}
		for _, id := range ids {
			p, ok := members[id]
			if !ok || p.Muted == muted {
				continue
			}
			p.Muted = muted
			members[id] = p
			raw, err := json.Marshal(p)
			if err != nil {
				return err
			}
			changed[id] = raw
		}

		if len(changed) > 0 {
			if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, changed)
				return nil
			}); err != nil {
				return err
			}
		}

		roster = make([]Participant, 0, len(members))
		for _, p := range members {
			roster = append(roster, p)
		}
		sortRoster(roster)
		return nil
	}

	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis set muted %s: %w", room, err)
		}
		return roster, nil
	}
	return nil, fmt.Errorf("redis set muted %s: %w", room, redis.TxFailedErr)
}

func (s *RedisStore) Members(ctx context.Context, room string) ([]Participant, error) {
	vals, err := s.client.HGetAll(ctx, s.participantsKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis members %s: %w", room, err)
	}
	members, err := decodeMembers(vals)
	if err != nil {
		return nil, err
	}
	out := make([]Participant, 0, len(members))
	for _, p := range members {
		out = append(out, p)
	}
	sortRoster(out)
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeMembers(vals map[string]string) (map[string]Participant, error) {
	out := make(map[string]Participant, len(vals))
	for id, raw := range vals {
		var p Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode participant %s: %w", id, err)
		}
		out[id] = p
	}
	return out, nil
}

func decodeScriptResult(res []interface{}) ([]Participant, error) {
	if len(res) == 0 {
		return nil, errors.New("empty script result")
	}
	status, _ := res[0].(string)

	roster := make([]Participant, 0, len(res)-1)
	for _, v := range res[1:] {
		raw, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected script result element %T", v)
		}
		var p Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode participant: %w", err)
		}
		roster = append(roster, p)
	}
	sortRoster(roster)

	switch status {
	case "ok":
		return roster, nil
	case "room_full":
		return roster, ErrRoomFull
	case "too_many_rooms":
		return nil, ErrTooManyRooms
	case "not_member":
		return roster, ErrNotMember
	default:
		return nil, fmt.Errorf("unexpected script status %q", status)
	}
}
