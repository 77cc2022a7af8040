// Copyright (C) The Varstats Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package varstats

import "sync/atomic"

// workQueue distributes a contiguous index range across any number of
// concurrent workers: a single atomically incremented cursor, claimed
// in bounded chunks. Every index in [start, end) is handed out exactly
// once; workers that receive an empty claim simply stop, so no end
// barrier is needed.
type workQueue struct {
	next int64
	end  int64
}

func newWorkQueue(start, end int) *workQueue {
	q := &workQueue{end: int64(end)}
	atomic.StoreInt64(&q.next, int64(start))
	return q
}

// Claim atomically reserves up to max indices and returns the claimed
// interval. A claim with start >= end means the range is exhausted.
func (q *workQueue) Claim(max int) (start, end int) {
	next := atomic.AddInt64(&q.next, int64(max))
	claimStart := next - int64(max)
	if claimStart >= q.end {
		return 0, 0
	}
	claimEnd := next
	if claimEnd > q.end {
		claimEnd = q.end
	}
	return int(claimStart), int(claimEnd)
}

// onceLatch lets exactly one of many concurrent callers win.
type onceLatch struct {
	fired uint32
}

// TryClaim reports whether the caller is the one that fired the latch.
func (l *onceLatch) TryClaim() bool {
	return atomic.CompareAndSwapUint32(&l.fired, 0, 1)
}
