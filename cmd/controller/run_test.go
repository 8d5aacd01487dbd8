package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOneShotRounds(t *testing.T) {
	require.Equal(t, 3, oneShotRounds(0, 1, 3), "fills the gate window")
	require.Equal(t, 5, oneShotRounds(0, 5, 3), "plays every scripted round")
	require.Equal(t, 2, oneShotRounds(2, 5, 3), "explicit flag wins")
	require.Equal(t, 1, oneShotRounds(0, 0, 0))
}
