package sharding

import (
	"errors"
	"fmt"
)

var (
	// Setup errors
	ErrClusterNotFound      = errors.New("sharding: cluster not found")
	ErrInvalidCluster       = errors.New("sharding: invalid cluster config")
	ErrUnknownAlgorithm     = errors.New("sharding: unknown routing algorithm")
	ErrAlreadyConfigured    = errors.New("sharding: already configured")
	ErrRoutingNotConfigured = errors.New("sharding: cluster router is not defined, use UseSharding")

	// Put errors
	ErrShardingKeyNotConfigured    = errors.New("sharding: sharding key is not defined, use DefineShardingKey")
	ErrMissingShardingKeyAttribute = errors.New("sharding: missing sharding key attribute")
	ErrMissingPrimaryKey           = errors.New("sharding: missing primary key")
	ErrInvalidPrimaryKey           = errors.New("sharding: invalid primary key")

	// Routing and shard errors
	ErrInvalidRoutingKey = errors.New("sharding: invalid routing key")
	ErrUnknownShard      = errors.New("sharding: unknown shard")
	ErrShardUnavailable  = errors.New("sharding: shard unavailable")
	ErrCancelled         = errors.New("sharding: cancelled")
)

// ShardError attributes an error to the shard it happened on.
type ShardError struct {
	Shard ShardID
	Err   error
}

func (e *ShardError) Error() string { return fmt.Sprintf("shard %s: %s", e.Shard, e.Err) }

func (e *ShardError) Unwrap() error { return e.Err }

func shardErr(id ShardID, err error) error {
	if err == nil {
		return nil
	}
	var se *ShardError
	if errors.As(err, &se) && se.Shard == id {
		return err
	}
	return &ShardError{Shard: id, Err: err}
}
