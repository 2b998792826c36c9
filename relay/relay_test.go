// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSortMessages(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_000, 0)
	msgs := []*Message{
		{ID: "c", CreatedAt: base.Add(time.Second)},
		{ID: "b", CreatedAt: base},
		{ID: "d", CreatedAt: base.Add(-time.Second)},
		{ID: "a", CreatedAt: base},
	}
	SortMessages(msgs)

	var ids []string
	for _, msg := range msgs {
		ids = append(ids, msg.ID)
	}
	require.Equal(t, []string{"d", "a", "b", "c"}, ids)
}
