// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package streams

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbortSignal_SetOnce(t *testing.T) {
	s := NewAbortSignal()
	assert.False(t, s.IsSet())
	assert.Nil(t, s.Reason())

	assert.True(t, s.Set("first"))
	assert.False(t, s.Set("second"))

	assert.True(t, s.IsSet())
	require.NotNil(t, s.Reason())
	assert.Equal(t, "first", s.Reason().Message)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Set")
	}
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	a := r.Register("r1")
	b := r.Register("r1")
	assert.Same(t, a, b)
	assert.Equal(t, 1, r.Active())
}

func TestRegistry_Cancel(t *testing.T) {
	r := NewRegistry(nil)

	assert.False(t, r.Cancel("unknown"))

	sig := r.Register("r1")
	assert.True(t, r.Cancel("r1"))
	assert.True(t, sig.IsSet())
	assert.Equal(t, ReasonUser, sig.Reason().Message)

	// Cancelling again is still a hit while registered.
	assert.True(t, r.Cancel("r1"))
}

func TestRegistry_NewIDGetsFreshSignal(t *testing.T) {
	r := NewRegistry(nil)
	old := r.Register("r1")
	r.Cancel("r1")
	r.Unregister("r1")

	fresh := r.Register("r2")
	assert.NotSame(t, old, fresh)
	assert.False(t, fresh.IsSet())

	again := r.Register("r1")
	assert.NotSame(t, old, again)
	assert.False(t, again.IsSet())
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("r1")
	r.Unregister("r1")
	r.Unregister("r1")
	r.Unregister("never")

	assert.Equal(t, 0, r.Active())
	assert.False(t, r.Cancel("r1"))
}

func TestRegistry_CancelAll(t *testing.T) {
	r := NewRegistry(nil)
	sigs := []*AbortSignal{r.Register("a"), r.Register("b"), r.Register("c")}

	assert.Equal(t, 3, r.CancelAll())

	for _, s := range sigs {
		assert.True(t, s.IsSet())
		assert.Equal(t, ReasonShutdown, s.Reason().Message)
	}
	assert.Equal(t, 0, r.Active())
	assert.Equal(t, 0, r.CancelAll())
}

func TestRegistry_IDsSorted(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("c")
	r.Register("a")
	r.Register("b")
	assert.Equal(t, []string{"a", "b", "c"}, r.IDs())
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("r%d", i)
			r.Register(id)
			r.Cancel(id)
			r.Unregister(id)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Active())
}
