package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/forgiveness"
)

func TestEmptyColumnsUseASCIIPlaceholder(t *testing.T) {
	require.Equal(t, "-", shortID(""))
	require.Equal(t, "-", witnessOf(forgiveness.Case{}))
	require.Equal(t, "auditor-1", witnessOf(forgiveness.Case{Witness: "auditor-1"}))
	require.Equal(t, "0123abcd", shortID("0123abcd-ffff"))
	require.Equal(t, "short", shortID("short"))
}
