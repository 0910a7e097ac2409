package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	require.Equal(t, []int{3, 3, 4}, split(10, 3))
	require.Equal(t, []int{5}, split(5, 1))
	require.Equal(t, []int{0, 0, 2}, split(2, 3))
}

func TestPicker(t *testing.T) {
	single := picker{mode: modeSingle, member: "post-1"}
	require.Equal(t, "post-1", single.pick(3, 7))

	z := picker{mode: modeZipf, hot: "hot", cold: 3, hotEvery: 5}
	hot := 0
	for i := 0; i < 100; i++ {
		if z.pick(0, i) == "hot" {
			hot++
		}
	}
	require.Equal(t, 80, hot)
	require.Equal(t, "cold-1", z.pick(0, 0))
	require.Equal(t, "cold-3", z.pick(0, 5))
}
