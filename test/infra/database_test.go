package infra

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeGivesUpOnClosedPort(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	err := probe(ctx, "postgres://nobody@127.0.0.1:1/postgres?sslmode=disable")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local postgres as nobody")
	assert.Less(t, time.Since(start), 8*time.Second)
}

func TestLocalCandidatesIncludeCurrentUser(t *testing.T) {
	t.Setenv("USER", "dev")
	assert.Contains(t, localCandidates(), "postgres://dev@127.0.0.1:5432/postgres?sslmode=disable")

	t.Setenv("USER", "")
	assert.Len(t, localCandidates(), 1)
}
