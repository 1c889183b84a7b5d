package redis_scripts

import (
	"crypto/sha1" //nolint:gosec // used for deterministic script hash
	"encoding/hex"
)

const (
	// KEYS[1]=terminal marker KEYS[2]=status ARGV[1]=status json ARGV[2]=ttl ms
	MarkTerminal = `if redis.call("setnx", KEYS[1], ARGV[1]) == 1 then redis.call("pexpire", KEYS[1], ARGV[2]) redis.call("set", KEYS[2], ARGV[1], "px", ARGV[2]) return 1 else return 0 end`
	// KEYS[1]=terminal marker KEYS[2]=status ARGV[1]=status json ARGV[2]=ttl ms
	PutStatus = `if redis.call("exists", KEYS[1]) == 1 then return 0 else redis.call("set", KEYS[2], ARGV[1], "px", ARGV[2]) return 1 end`
)

// Script wraps a Lua source and precomputed sha.
type Script struct {
	Source string
	SHA    string
}

// NewScript builds a Script with deterministic sha1.
func NewScript(src string) Script {
	sum := sha1.Sum([]byte(src))
	return Script{
		Source: src,
		SHA:    hex.EncodeToString(sum[:]),
	}
}
