package client

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelTable(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	var table channelTable
	a, b := &Stream{name: "a"}, &Stream{name: "b"}

	re.Nil(table.get(0))
	re.Nil(table.get(1 << 31))

	table.put(3, a)
	re.Equal(4, table.len())
	re.Same(a, table.get(3))
	re.Nil(table.get(2))

	table.put(0, b)
	re.Same(b, table.get(0))

	table.put(3, nil)
	re.Nil(table.get(3))
	re.Equal(1, table.len())

	table.put(7, nil)
	re.Equal(1, table.len())

	table.put(0, nil)
	re.Equal(0, table.len())

	table.put(2, a)
	re.Same(a, table.get(2))
	re.Nil(table.get(0))
}
