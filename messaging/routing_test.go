package messaging

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zailic/nest/contracts"
)

func TestRoutingTable(t *testing.T) {
	t.Run("register then lookup returns the handler", func(t *testing.T) {
		table := NewRoutingTable()
		delivered := false
		table.Register("id-1", func(contracts.WriteResponse) { delivered = true })

		handler, ok := table.Lookup("id-1")

		assert.True(t, ok)
		handler(contracts.WriteResponse{})
		assert.True(t, delivered)
		assert.Equal(t, 1, table.Len())
	})

	t.Run("lookup of unknown id reports absence", func(t *testing.T) {
		table := NewRoutingTable()

		handler, ok := table.Lookup("never-issued")

		assert.False(t, ok)
		assert.Nil(t, handler)
	})

	t.Run("remove deletes the entry", func(t *testing.T) {
		table := NewRoutingTable()
		table.Register("id-1", func(contracts.WriteResponse) {})

		table.Remove("id-1")

		_, ok := table.Lookup("id-1")
		assert.False(t, ok)
		assert.Equal(t, 0, table.Len())
	})

	t.Run("remove of absent id is a no-op", func(t *testing.T) {
		table := NewRoutingTable()
		assert.NotPanics(t, func() { table.Remove("absent") })
	})

	t.Run("tolerates concurrent register, lookup and remove", func(t *testing.T) {
		table := NewRoutingTable()
		var wg sync.WaitGroup

		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("id-%d", i)
				table.Register(id, func(contracts.WriteResponse) {})
				table.Lookup(id)
				table.Remove(id)
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 0, table.Len())
	})
}
