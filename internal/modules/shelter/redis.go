// README: Shelter directory backed by Redis hashes, a GEO set and Lua-scripted reservations.
package shelter

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"refuge/internal/types"
)

const defaultRedisPrefix = "refuge"

// reserveScript takes one slot if the user holds none and the shelter is active
// with spare capacity.
// KEYS[1] shelter hash, KEYS[2] user reservation key; ARGV[1] shelter id.
var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then return 0 end
if redis.call('HGET', KEYS[1], 'active') ~= '1' then return 0 end
local cap = tonumber(redis.call('HGET', KEYS[1], 'capacity') or '0')
local occ = tonumber(redis.call('HGET', KEYS[1], 'occupancy') or '0')
if occ >= cap then return 0 end
redis.call('HINCRBY', KEYS[1], 'occupancy', 1)
redis.call('SET', KEYS[2], ARGV[1])
return 1
`)

// releaseScript drops the user's reservation and frees its slot, provided the
// reservation still names ARGV[1]; -1 means it moved since it was read.
// KEYS[1] user reservation key, KEYS[2] shelter hash; ARGV[1] shelter id.
var releaseScript = redis.NewScript(`
local sid = redis.call('GET', KEYS[1])
if not sid then return 0 end
if sid ~= ARGV[1] then return -1 end
redis.call('DEL', KEYS[1])
local occ = tonumber(redis.call('HGET', KEYS[2], 'occupancy') or '0')
if occ > 0 then redis.call('HINCRBY', KEYS[2], 'occupancy', -1) end
return 1
`)

const releaseAttempts = 3

// RedisDirectory passes every key a script touches in KEYS. On Redis Cluster the
// prefix needs a hash tag such as "{refuge}" so those keys share a slot.
type RedisDirectory struct {
	redis  *redis.Client
	prefix string
}

// NewRedisDirectory namespaces every key under prefix ("refuge" when empty).
func NewRedisDirectory(client *redis.Client, prefix string) *RedisDirectory {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisDirectory{redis: client, prefix: prefix}
}

func (d *RedisDirectory) geoKey() string { return d.prefix + ":shelters:geo" }
func (d *RedisDirectory) idsKey() string { return d.prefix + ":shelters:ids" }
func (d *RedisDirectory) hashPrefix() string { return d.prefix + ":shelter:" }
func (d *RedisDirectory) hashKey(id types.ID) string {
	return d.hashPrefix() + string(id)
}
func (d *RedisDirectory) reservationKey(userID types.ID) string {
	return fmt.Sprintf("%s:reservation:%s", d.prefix, userID)
}

// Upsert writes the shelter hash and keeps the GEO set limited to active shelters.
func (d *RedisDirectory) Upsert(ctx context.Context, s Shelter) error {
	active := "0"
	if s.Active {
		active = "1"
	}
	pipe := d.redis.TxPipeline()
	pipe.HSet(ctx, d.hashKey(s.ID), map[string]any{
		"name":     s.Name,
		"lat":      strconv.FormatFloat(s.Location.Lat, 'f', -1, 64),
		"lng":      strconv.FormatFloat(s.Location.Lng, 'f', -1, 64),
		"capacity": s.Capacity,
		"active":   active,
	})
	pipe.HSetNX(ctx, d.hashKey(s.ID), "occupancy", s.Occupancy)
	pipe.SAdd(ctx, d.idsKey(), string(s.ID))
	if s.Active {
		pipe.GeoAdd(ctx, d.geoKey(), &redis.GeoLocation{
			Name:      string(s.ID),
			Longitude: s.Location.Lng,
			Latitude:  s.Location.Lat,
		})
	} else {
		pipe.ZRem(ctx, d.geoKey(), string(s.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return eris.Wrapf(err, "shelter: redis upsert %s", s.ID)
	}
	return nil
}

func (d *RedisDirectory) ListActive(ctx context.Context) ([]Shelter, error) {
	ids, err := d.redis.SMembers(ctx, d.idsKey()).Result()
	if err != nil {
		return nil, eris.Wrap(err, "shelter: redis list ids")
	}
	return d.load(ctx, ids)
}

// NearbyActive answers from the GEO set, nearest first.
func (d *RedisDirectory) NearbyActive(ctx context.Context, p types.Point, radiusKm float64) ([]Shelter, error) {
	ids, err := d.redis.GeoSearch(ctx, d.geoKey(), &redis.GeoSearchQuery{
		Longitude:  p.Lng,
		Latitude:   p.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, eris.Wrap(err, "shelter: redis geosearch")
	}
	out, err := d.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	rank := make(map[types.ID]int, len(ids))
	for i, id := range ids {
		rank[types.ID(id)] = i
	}
	slices.SortFunc(out, func(a, b Shelter) int { return cmp.Compare(rank[a.ID], rank[b.ID]) })
	return out, nil
}

func (d *RedisDirectory) Get(ctx context.Context, id types.ID) (Shelter, bool, error) {
	vals, err := d.redis.HGetAll(ctx, d.hashKey(id)).Result()
	if err != nil {
		return Shelter{}, false, eris.Wrapf(err, "shelter: redis get %s", id)
	}
	if len(vals) == 0 {
		return Shelter{}, false, nil
	}
	s, err := parseShelterHash(id, vals)
	if err != nil {
		return Shelter{}, false, err
	}
	return s, true, nil
}

func (d *RedisDirectory) CurrentOccupancy(ctx context.Context, id types.ID) (int, bool, error) {
	occ, err := d.redis.HGet(ctx, d.hashKey(id), "occupancy").Int()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, eris.Wrapf(err, "shelter: redis occupancy %s", id)
	}
	return occ, true, nil
}

func (d *RedisDirectory) Reserve(ctx context.Context, userID, shelterID types.ID) (bool, error) {
	n, err := reserveScript.Run(ctx, d.redis,
		[]string{d.hashKey(shelterID), d.reservationKey(userID)}, string(shelterID)).Int()
	if err != nil {
		return false, eris.Wrapf(err, "shelter: redis reserve %s", shelterID)
	}
	return n == 1, nil
}

func (d *RedisDirectory) Release(ctx context.Context, userID types.ID) (bool, error) {
	for range releaseAttempts {
		sid, held, err := d.ReservationOf(ctx, userID)
		if err != nil || !held {
			return false, err
		}
		n, err := releaseScript.Run(ctx, d.redis,
			[]string{d.reservationKey(userID), d.hashKey(sid)}, string(sid)).Int()
		if err != nil {
			return false, eris.Wrapf(err, "shelter: redis release %s", userID)
		}
		if n >= 0 {
			return n == 1, nil
		}
	}
	return false, eris.Errorf("shelter: redis release %s: reservation changed during release", userID)
}

func (d *RedisDirectory) ReservationOf(ctx context.Context, userID types.ID) (types.ID, bool, error) {
	sid, err := d.redis.Get(ctx, d.reservationKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrapf(err, "shelter: redis reservation of %s", userID)
	}
	return types.ID(sid), true, nil
}

func (d *RedisDirectory) load(ctx context.Context, ids []string) ([]Shelter, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := d.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, d.hashKey(types.ID(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, eris.Wrap(err, "shelter: redis load")
	}

	out := make([]Shelter, 0, len(ids))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		s, err := parseShelterHash(types.ID(ids[i]), vals)
		if err != nil {
			return nil, err
		}
		if s.Active {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b Shelter) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func parseShelterHash(id types.ID, vals map[string]string) (Shelter, error) {
	s := Shelter{ID: id, Name: vals["name"], Active: vals["active"] == "1"}
	var err error
	if s.Location.Lat, err = strconv.ParseFloat(vals["lat"], 64); err != nil {
		return Shelter{}, eris.Wrapf(err, "shelter: %s lat", id)
	}
	if s.Location.Lng, err = strconv.ParseFloat(vals["lng"], 64); err != nil {
		return Shelter{}, eris.Wrapf(err, "shelter: %s lng", id)
	}
	if s.Capacity, err = strconv.Atoi(vals["capacity"]); err != nil {
		return Shelter{}, eris.Wrapf(err, "shelter: %s capacity", id)
	}
	if occ, ok := vals["occupancy"]; ok {
		if s.Occupancy, err = strconv.Atoi(occ); err != nil {
			return Shelter{}, eris.Wrapf(err, "shelter: %s occupancy", id)
		}
	}
	return s, nil
}
