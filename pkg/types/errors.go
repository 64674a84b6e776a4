package types

import "errors"

var (
	// ErrLeaseConflict indicates another writer holds an active lease on the file.
	ErrLeaseConflict = errors.New("lease held by another writer")
	// ErrNoLeaseHeld indicates the caller does not hold the lease it needs.
	ErrNoLeaseHeld = errors.New("no lease held on file")
	// ErrAlreadyBeingCreated indicates the path is open for write by another client.
	ErrAlreadyBeingCreated = errors.New("file already being created")
	// ErrParentNotDirectory indicates the parent path exists but is a file.
	ErrParentNotDirectory = errors.New("parent path is not a directory")
	// ErrParentNotFound indicates the parent directory does not exist.
	ErrParentNotFound = errors.New("parent directory not found")
	// ErrInvalidPath indicates a non-canonical path reached the coordinator.
	ErrInvalidPath = errors.New("invalid path")
	// ErrPendingBlockExists indicates the file's last block is not yet committed.
	ErrPendingBlockExists = errors.New("previous block not committed")
	// ErrNotEnoughReplicas indicates too few live nodes to place a block.
	ErrNotEnoughReplicas = errors.New("not enough live replicas")
	// ErrReplicationTimeout indicates a close could not reach the replication minimum.
	ErrReplicationTimeout = errors.New("replication minimum not reached before timeout")
	// ErrFileNotFound indicates the path or file id does not resolve to a file.
	ErrFileNotFound = errors.New("file not found")
	// ErrStaleGenerationStamp indicates a replica reported an outdated generation stamp.
	ErrStaleGenerationStamp = errors.New("stale generation stamp")
	// ErrFileAlreadyExists indicates the path exists and overwrite was not requested.
	ErrFileAlreadyExists = errors.New("file already exists")
	// ErrNotDirectory indicates a directory operation hit a file path.
	ErrNotDirectory = errors.New("path is not a directory")
)
