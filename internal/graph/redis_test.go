package graph

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreFromClient(client)
}

func TestRedisCreateHandleIdempotent(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	h1, created, err := s.CreateHandle(ctx, "P1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, PhaseNone, h1.LastPhase)

	h2, created, err := s.CreateHandle(ctx, "P1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, h1.CreatedAt.Unix(), h2.CreatedAt.Unix())
}

func TestRedisGetHandleNotFound(t *testing.T) {
	s := newTestRedisStore(t)
	_, err := s.GetHandle(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisAdvancePhaseCAS(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	_, _, err := s.CreateHandle(ctx, "P1")
	require.NoError(t, err)

	require.NoError(t, s.AdvancePhase(ctx, "P1", PhaseNone, PhaseIntake))

	err = s.AdvancePhase(ctx, "P1", PhaseNone, PhaseIntake)
	assert.ErrorIs(t, err, ErrPhaseOrderingConflict)

	h, err := s.GetHandle(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, PhaseIntake, h.LastPhase)
}

func TestRedisMergeNodeIdempotentAndMerging(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	_, _, err := s.CreateHandle(ctx, "P1")
	require.NoError(t, err)

	ref := NodeRef{Kind: "Article", NaturalKey: "pmid:31452104"}
	require.NoError(t, s.MergeNode(ctx, "P1", MergeNode{Ref: ref, Props: map[string]string{"title": "Ocrelizumab outcomes"}}))
	require.NoError(t, s.MergeNode(ctx, "P1", MergeNode{Ref: ref, Props: map[string]string{"year": "2019"}}))

	ov, err := s.Overview(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 1, ov.NodesByKind["Article"])
}

func TestRedisMergeEdgeCreatesEndpoints(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	_, _, err := s.CreateHandle(ctx, "P1")
	require.NoError(t, err)

	edge := MergeEdge{
		Src: NodeRef{Kind: "Article", NaturalKey: "pmid:1"},
		Rel: "EVIDENCE_FOR",
		Dst: NodeRef{Kind: "Condition", NaturalKey: "icd10:G35"},
	}
	require.NoError(t, s.MergeEdge(ctx, "P1", edge))
	require.NoError(t, s.MergeEdge(ctx, "P1", edge))

	ov, err := s.Overview(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 1, ov.EdgeCount)
	assert.Equal(t, 1, ov.NodesByKind["Article"])
	assert.Equal(t, 1, ov.NodesByKind["Condition"])
}

func TestRedisMutationsRequireHandle(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	err := s.MergeNode(ctx, "ghost", MergeNode{Ref: NodeRef{Kind: "Condition", NaturalKey: "x"}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisAnnotations(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	_, _, err := s.CreateHandle(ctx, "P1")
	require.NoError(t, err)

	require.NoError(t, s.Annotate(ctx, "P1", Annotate{Key: "consensus/report", Value: `{"resolved":"accept"}`}))

	val, err := s.GetAnnotation(ctx, "P1", "consensus/report")
	require.NoError(t, err)
	assert.JSONEq(t, `{"resolved":"accept"}`, val)

	ov, err := s.Overview(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, []string{"consensus/report"}, ov.Annotations)
}

func TestRedisDeleteAndList(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	for _, pk := range []string{"P2", "P1"} {
		_, _, err := s.CreateHandle(ctx, pk)
		require.NoError(t, err)
	}
	require.NoError(t, s.MergeNode(ctx, "P1", MergeNode{Ref: NodeRef{Kind: "Condition", NaturalKey: "icd10:E11"}}))

	patients, err := s.ListPatients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"P1", "P2"}, patients)

	require.NoError(t, s.DeletePatient(ctx, "P1"))

	patients, err = s.ListPatients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"P2"}, patients)

	_, err = s.GetHandle(ctx, "P1")
	assert.ErrorIs(t, err, ErrNotFound)
}
