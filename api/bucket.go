// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import "fmt"

// BucketSpace partitions buckets. Only the default and global spaces exist.
type BucketSpace uint8

const (
	BucketSpaceInvalid BucketSpace = iota
	BucketSpaceDefault
	BucketSpaceGlobal
)

// BucketSpaceFromName parses "default" or "global". Any other name yields
// BucketSpaceInvalid.
func BucketSpaceFromName(name string) BucketSpace {
	switch name {
	case "default":
		return BucketSpaceDefault
	case "global":
		return BucketSpaceGlobal
	default:
		return BucketSpaceInvalid
	}
}

// Valid reports whether s is the default or global space.
func (s BucketSpace) Valid() bool {
	return s == BucketSpaceDefault || s == BucketSpaceGlobal
}

func (s BucketSpace) String() string {
	switch s {
	case BucketSpaceDefault:
		return "default"
	case BucketSpaceGlobal:
		return "global"
	default:
		return "INVALID"
	}
}

// BucketID identifies a bucket within a space. The upper 6 bits hold the
// number of used bits.
type BucketID uint64

// NewBucketID builds a bucket ID from a used-bits count and a raw location.
func NewBucketID(usedBits uint8, location uint64) BucketID {
	if usedBits > 58 {
		usedBits = 58
	}
	mask := uint64(1)<<usedBits - 1
	return BucketID(uint64(usedBits)<<58 | location&mask)
}

// UsedBits returns the number of significant location bits.
func (b BucketID) UsedBits() uint8 {
	return uint8(uint64(b) >> 58)
}

func (b BucketID) String() string {
	return fmt.Sprintf("BucketId(0x%016x)", uint64(b))
}

// Bucket is a bucket ID qualified with its space.
type Bucket struct {
	Space BucketSpace `json:"space"`
	ID    BucketID    `json:"id"`
}

func (b Bucket) String() string {
	return fmt.Sprintf("Bucket(%s, %s)", b.Space, b.ID)
}

// BucketInfo summarizes a bucket as listed by GetBucketList.
type BucketInfo struct {
	Bucket   Bucket `json:"bucket"`
	Checksum uint32 `json:"checksum"`
	DocCount uint32 `json:"doc_count"`
	Size     uint64 `json:"size"`
}
