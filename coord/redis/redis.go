package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/suyash-sneo/tileacq/coord"
	"github.com/suyash-sneo/tileacq/internal/redis_scripts"
)

const (
	defaultPrefix      = "tileacq:"
	defaultTerminalTTL = 24 * time.Hour
)

// Options configure the Redis store.
type Options struct {
	Addr           string
	SentinelAddrs  []string
	SentinelMaster string
	Username       string
	Password       string
	DB             int
	KeyPrefix      string
	// TerminalTTL is how long a terminal status stays readable.
	TerminalTTL time.Duration
}

// Store implements coord.Store using Redis.
type Store struct {
	client      goredis.UniversalClient
	prefix      string
	terminalTTL time.Duration

	markTerminal redis_scripts.Script
	putStatus    redis_scripts.Script
}

// New creates a Redis-backed store. Supports single instance or Sentinel via UniversalClient.
func New(opts Options) (*Store, error) {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	terminalTTL := opts.TerminalTTL
	if terminalTTL <= 0 {
		terminalTTL = defaultTerminalTTL
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:      addrs(opts),
		MasterName: opts.SentinelMaster,
		Username:   opts.Username,
		Password:   opts.Password,
		DB:         opts.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Store{
		client:       client,
		prefix:       prefix,
		terminalTTL:  terminalTTL,
		markTerminal: redis_scripts.NewScript(redis_scripts.MarkTerminal),
		putStatus:    redis_scripts.NewScript(redis_scripts.PutStatus),
	}, nil
}

func addrs(opts Options) []string {
	if len(opts.SentinelAddrs) > 0 {
		return opts.SentinelAddrs
	}
	if opts.Addr != "" {
		return []string{opts.Addr}
	}
	return []string{"127.0.0.1:6379"}
}

// Close releases the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) HeartbeatSession(ctx context.Context, sessionID string, ttl time.Duration) error {
	_, err := s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, s.sessionKey(sessionID), "1", ttl)
		p.SAdd(ctx, s.sessionsSetKey(), sessionID)
		return nil
	})
	return err
}

func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	live, _, err := s.partitionSessions(ctx)
	return live, err
}

func (s *Store) PruneDeadSessions(ctx context.Context) (int, error) {
	_, dead, err := s.partitionSessions(ctx)
	if err != nil {
		return 0, err
	}
	var removed int
	for _, id := range dead {
		if err := s.client.SRem(ctx, s.sessionsSetKey(), id).Err(); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *Store) partitionSessions(ctx context.Context) (live, dead []string, err error) {
	members, err := s.client.SMembers(ctx, s.sessionsSetKey()).Result()
	if err != nil {
		return nil, nil, err
	}
	if len(members) == 0 {
		return nil, nil, nil
	}

	pipe := s.client.Pipeline()
	existsCmds := make([]*goredis.IntCmd, 0, len(members))
	for _, id := range members {
		existsCmds = append(existsCmds, pipe.Exists(ctx, s.sessionKey(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, nil, err
	}

	live = make([]string, 0, len(members))
	for i, cmd := range existsCmds {
		if cmd.Val() > 0 {
			live = append(live, members[i])
		} else {
			dead = append(dead, members[i])
		}
	}
	return live, dead, nil
}

func (s *Store) PutStatus(ctx context.Context, st coord.Status, ttl time.Duration) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	_, err = s.run(ctx, s.putStatus, []string{s.terminalKey(st.SessionID), s.statusKey(st.SessionID)}, data, ttl.Milliseconds())
	return err
}

func (s *Store) GetStatus(ctx context.Context, sessionID string) (coord.Status, bool, error) {
	val, err := s.client.Get(ctx, s.statusKey(sessionID)).Bytes()
	if err == goredis.Nil {
		return coord.Status{}, false, nil
	}
	if err != nil {
		return coord.Status{}, false, err
	}
	var st coord.Status
	if err := json.Unmarshal(val, &st); err != nil {
		return coord.Status{}, false, fmt.Errorf("decode status: %w", err)
	}
	return st, true, nil
}

func (s *Store) MarkTerminal(ctx context.Context, st coord.Status) (bool, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return false, fmt.Errorf("encode status: %w", err)
	}
	n, err := s.run(ctx, s.markTerminal, []string{s.terminalKey(st.SessionID), s.statusKey(st.SessionID)}, data, s.terminalTTL.Milliseconds())
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) run(ctx context.Context, script redis_scripts.Script, keys []string, args ...interface{}) (int64, error) {
	val, err := s.client.EvalSha(ctx, script.SHA, keys, args...).Result()
	if err != nil && isNoScript(err) {
		val, err = s.client.Eval(ctx, script.Source, keys, args...).Result()
	}
	if err != nil && !errors.Is(err, goredis.Nil) {
		return 0, err
	}
	switch v := val.(type) {
	case int64:
		return v, nil
	case string:
		// Some Redis proxies return string numbers.
		return strconv.ParseInt(v, 10, 64)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected script result: %v", val)
	}
}

func isNoScript(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOSCRIPT")
}

func (s *Store) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *Store) sessionsSetKey() string {
	return s.prefix + "sessions:all"
}

func (s *Store) statusKey(sessionID string) string {
	return s.prefix + "status:" + sessionID
}

func (s *Store) terminalKey(sessionID string) string {
	return s.prefix + "terminal:" + sessionID
}
