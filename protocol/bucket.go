// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"

	"github.com/DeepBlueCoffee/vespa/api"
	"github.com/DeepBlueCoffee/vespa/documentapi"
	"github.com/cespare/xxhash/v2"
)

// LocationBits is the number of bucket ID bits derived from a document's
// location.
const LocationBits = 32

// BucketResolver maps documents onto buckets using a configured document
// type to bucket space mapping.
type BucketResolver struct {
	typeToSpace map[string]api.BucketSpace
}

// NewBucketResolver builds a resolver from a document type to space name
// mapping. Space names other than "default" and "global" are rejected.
func NewBucketResolver(mapping map[string]string) (*BucketResolver, error) {
	r := &BucketResolver{typeToSpace: make(map[string]api.BucketSpace, len(mapping))}
	for docType, name := range mapping {
		space := api.BucketSpaceFromName(name)
		if !space.Valid() {
			return nil, fmt.Errorf("document type %q: invalid bucket space %q", docType, name)
		}
		r.typeToSpace[docType] = space
	}
	return r, nil
}

// BucketFromID returns the bucket a document belongs to. Document types
// without a mapping go to the default space.
func (r *BucketResolver) BucketFromID(docID string) (api.Bucket, error) {
	id, err := documentapi.ParseDocumentID(docID)
	if err != nil {
		return api.Bucket{}, err
	}

	space, ok := r.typeToSpace[id.DocType]
	if !ok {
		space = api.BucketSpaceDefault
	}

	location := id.Location
	if location == "" {
		location = id.UserSpecific
	}
	return api.Bucket{
		Space: space,
		ID:    api.NewBucketID(LocationBits, xxhash.Sum64String(location)),
	}, nil
}

// BucketSpaceFromName resolves a space name. The result is valid only for
// "default" and "global".
func (r *BucketResolver) BucketSpaceFromName(name string) api.BucketSpace {
	return api.BucketSpaceFromName(name)
}

// NameFromBucketSpace is the inverse of BucketSpaceFromName.
func (r *BucketResolver) NameFromBucketSpace(space api.BucketSpace) string {
	return space.String()
}
