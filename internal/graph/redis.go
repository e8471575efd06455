package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// sep separates identity components inside redis set members. Unit
// separator, so natural keys containing punctuation stay unambiguous.
const sep = "\x1f"

// RedisStore implements Store on redis. Node and edge properties live in
// hashes, so HSET gives merge semantics per mutation for free; identity
// sets track which nodes and edges exist.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix. Default "patientmapd:graph:".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// NewRedisStore creates a store over a dedicated client.
func NewRedisStore(addr, password string, db int, opts ...RedisOption) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(client, opts...)
}

// NewRedisStoreFromClient wraps an existing client. Tests use this with
// miniredis.
func NewRedisStoreFromClient(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "patientmapd:graph:",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) patientsKey() string          { return s.prefix + "patients" }
func (s *RedisStore) handleKey(pk string) string   { return s.prefix + pk + ":handle" }
func (s *RedisStore) nodesKey(pk string) string    { return s.prefix + pk + ":nodes" }
func (s *RedisStore) edgesKey(pk string) string    { return s.prefix + pk + ":edges" }
func (s *RedisStore) annotKey(pk string) string    { return s.prefix + pk + ":annotations" }
func (s *RedisStore) nodeKey(pk string, ref NodeRef) string {
	return s.prefix + pk + ":node:" + ref.Kind + sep + ref.NaturalKey
}
func (s *RedisStore) edgePropsKey(pk, member string) string {
	return s.prefix + pk + ":edge:" + member
}

func edgeMember(m MergeEdge) string {
	return strings.Join([]string{m.Src.Kind, m.Src.NaturalKey, m.Rel, m.Dst.Kind, m.Dst.NaturalKey}, sep)
}

func nodeMember(ref NodeRef) string {
	return ref.Kind + sep + ref.NaturalKey
}

func (s *RedisStore) CreateHandle(ctx context.Context, patientKey string) (*Handle, bool, error) {
	h := Handle{
		PatientKey: patientKey,
		CreatedAt:  s.now().UTC(),
		LastPhase:  PhaseNone,
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal handle: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.handleKey(patientKey), data, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	if created {
		if err := s.client.SAdd(ctx, s.patientsKey(), patientKey).Err(); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrWriteFailure, err)
		}
		return &h, true, nil
	}

	existing, err := s.GetHandle(ctx, patientKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *RedisStore) GetHandle(ctx context.Context, patientKey string) (*Handle, error) {
	val, err := s.client.Get(ctx, s.handleKey(patientKey)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get handle: %w", err)
	}

	var h Handle
	if err := json.Unmarshal([]byte(val), &h); err != nil {
		return nil, fmt.Errorf("failed to unmarshal handle: %w", err)
	}
	return &h, nil
}

func (s *RedisStore) AdvancePhase(ctx context.Context, patientKey string, expected, next Phase) error {
	key := s.handleKey(patientKey)

	txn := func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}

		var h Handle
		if err := json.Unmarshal([]byte(val), &h); err != nil {
			return fmt.Errorf("failed to unmarshal handle: %w", err)
		}
		if h.LastPhase != expected {
			return ErrPhaseOrderingConflict
		}

		h.LastPhase = next
		data, err := json.Marshal(h)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txn, key)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPhaseOrderingConflict) {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	return nil
}

func (s *RedisStore) MergeNode(ctx context.Context, patientKey string, m MergeNode) error {
	if err := s.requireHandle(ctx, patientKey); err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, s.nodesKey(patientKey), nodeMember(m.Ref))
	if len(m.Props) > 0 {
		pipe.HSet(ctx, s.nodeKey(patientKey, m.Ref), flatten(m.Props))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	return nil
}

func (s *RedisStore) MergeEdge(ctx context.Context, patientKey string, m MergeEdge) error {
	if err := s.requireHandle(ctx, patientKey); err != nil {
		return err
	}

	member := edgeMember(m)
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, s.nodesKey(patientKey), nodeMember(m.Src), nodeMember(m.Dst))
	pipe.SAdd(ctx, s.edgesKey(patientKey), member)
	if len(m.Props) > 0 {
		pipe.HSet(ctx, s.edgePropsKey(patientKey, member), flatten(m.Props))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	return nil
}

func (s *RedisStore) Annotate(ctx context.Context, patientKey string, m Annotate) error {
	if err := s.requireHandle(ctx, patientKey); err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.annotKey(patientKey), m.Key, m.Value).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	return nil
}

func (s *RedisStore) Overview(ctx context.Context, patientKey string) (*Overview, error) {
	h, err := s.GetHandle(ctx, patientKey)
	if err != nil {
		return nil, err
	}

	nodes, err := s.client.SMembers(ctx, s.nodesKey(patientKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	byKind := make(map[string]int)
	for _, member := range nodes {
		kind, _, _ := strings.Cut(member, sep)
		byKind[kind]++
	}

	edgeCount, err := s.client.SCard(ctx, s.edgesKey(patientKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count edges: %w", err)
	}

	annotKeys, err := s.client.HKeys(ctx, s.annotKey(patientKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list annotations: %w", err)
	}
	sort.Strings(annotKeys)
	if len(annotKeys) == 0 {
		annotKeys = nil
	}

	return &Overview{
		PatientKey:  patientKey,
		LastPhase:   h.LastPhase,
		NodesByKind: byKind,
		EdgeCount:   int(edgeCount),
		Annotations: annotKeys,
	}, nil
}

func (s *RedisStore) GetAnnotation(ctx context.Context, patientKey, key string) (string, error) {
	val, err := s.client.HGet(ctx, s.annotKey(patientKey), key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get annotation: %w", err)
	}
	return val, nil
}

func (s *RedisStore) DeletePatient(ctx context.Context, patientKey string) error {
	nodes, err := s.client.SMembers(ctx, s.nodesKey(patientKey)).Result()
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}
	edges, err := s.client.SMembers(ctx, s.edgesKey(patientKey)).Result()
	if err != nil {
		return fmt.Errorf("failed to list edges: %w", err)
	}

	keys := []string{
		s.handleKey(patientKey),
		s.nodesKey(patientKey),
		s.edgesKey(patientKey),
		s.annotKey(patientKey),
	}
	for _, member := range nodes {
		kind, nk, _ := strings.Cut(member, sep)
		keys = append(keys, s.nodeKey(patientKey, NodeRef{Kind: kind, NaturalKey: nk}))
	}
	for _, member := range edges {
		keys = append(keys, s.edgePropsKey(patientKey, member))
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, keys...)
	pipe.SRem(ctx, s.patientsKey(), patientKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	return nil
}

func (s *RedisStore) ListPatients(ctx context.Context) ([]string, error) {
	patients, err := s.client.SMembers(ctx, s.patientsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list patients: %w", err)
	}
	sort.Strings(patients)
	return patients, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) requireHandle(ctx context.Context, patientKey string) error {
	_, err := s.GetHandle(ctx, patientKey)
	return err
}

func flatten(props map[string]string) []string {
	out := make([]string, 0, len(props)*2)
	for k, v := range props {
		out = append(out, k, v)
	}
	return out
}
