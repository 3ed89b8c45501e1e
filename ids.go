// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package psrpc

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator produces correlation ids. The router skips any id that is
// still pending, so generators only need to be unique in practice.
type IDGenerator interface {
	Next() string
}

// SequenceGenerator yields "1", "2", ... for the lifetime of the value.
type SequenceGenerator struct {
	n atomic.Uint64
}

func (g *SequenceGenerator) Next() string {
	return strconv.FormatUint(g.n.Add(1), 10)
}

// UUIDGenerator yields random version 4 UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) Next() string {
	return uuid.NewString()
}
