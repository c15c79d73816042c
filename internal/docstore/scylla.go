package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"call-insights-go/internal/types"
)

// Scylla stores calls in a ScyllaDB table and uses lightweight
// transactions for compare-and-set writes.
type Scylla struct {
	session *gocql.Session
}

func NewScylla(keyspace string, hosts ...string) (*Scylla, error) {
	if err := ensureKeyspace(keyspace, hosts); err != nil {
		return nil, err
	}
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.One
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect scylla: %w", err)
	}
	err = session.Query(`CREATE TABLE IF NOT EXISTS calls (
		call_id text PRIMARY KEY,
		status text,
		uploaded_at bigint,
		version bigint,
		doc text
	)`).Exec()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}
	return &Scylla{session: session}, nil
}

func ensureKeyspace(keyspace string, hosts []string) error {
	cluster := gocql.NewCluster(hosts...)
	cluster.Consistency = gocql.One
	session, err := cluster.CreateSession()
	if err != nil {
		return fmt.Errorf("connect scylla: %w", err)
	}
	defer session.Close()
	stmt := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`, keyspace)
	if err := session.Query(stmt).Exec(); err != nil {
		return fmt.Errorf("create keyspace: %w", err)
	}
	return nil
}

func (s *Scylla) Close() error {
	s.session.Close()
	return nil
}

func (s *Scylla) CreateCall(ctx context.Context, call *types.Call) error {
	if err := validateNew(call); err != nil {
		return err
	}
	c := clone(call)
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	applied, err := s.session.Query(
		`INSERT INTO calls (call_id, status, uploaded_at, version, doc) VALUES (?, ?, ?, 1, ?) IF NOT EXISTS`,
		c.CallID, string(c.Status), c.UploadedAt.UnixNano(), string(doc),
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("%w: insert call: %v", types.ErrUnavailable, err)
	}
	if !applied {
		return fmt.Errorf("%w: call %s already exists", types.ErrConflict, c.CallID)
	}
	return nil
}

func (s *Scylla) GetCall(ctx context.Context, callID string) (*types.Call, error) {
	c, _, err := s.load(ctx, callID)
	return c, err
}

func (s *Scylla) UpdateCall(ctx context.Context, callID string, u Update) (*types.Call, error) {
	return casUpdate(ctx, s, callID, u)
}

// ListCalls scans the table; Scylla has no global order, so the result
// is sorted client side.
func (s *Scylla) ListCalls(ctx context.Context, limit int) ([]*types.Call, error) {
	iter := s.session.Query(`SELECT doc FROM calls`).WithContext(ctx).Iter()
	var out []*types.Call
	var doc string
	for iter.Scan(&doc) {
		var c types.Call
		if err := json.Unmarshal([]byte(doc), &c); err != nil {
			_ = iter.Close()
			return nil, fmt.Errorf("decoding call: %w", err)
		}
		out = append(out, &c)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("%w: list calls: %v", types.ErrUnavailable, err)
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Scylla) load(ctx context.Context, callID string) (*types.Call, int64, error) {
	var doc string
	var version int64
	err := s.session.Query(`SELECT doc, version FROM calls WHERE call_id = ?`, callID).
		WithContext(ctx).Consistency(gocql.Quorum).Scan(&doc, &version)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, 0, fmt.Errorf("%w: call %s", types.ErrNotFound, callID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: get call: %v", types.ErrUnavailable, err)
	}
	var c types.Call
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return nil, 0, fmt.Errorf("decoding call %s: %w", callID, err)
	}
	return &c, version, nil
}

func (s *Scylla) save(ctx context.Context, c *types.Call, version int64) (bool, error) {
	doc, err := json.Marshal(c)
	if err != nil {
		return false, err
	}
	var current int64
	applied, err := s.session.Query(
		`UPDATE calls SET doc = ?, status = ?, version = ? WHERE call_id = ? IF version = ?`,
		string(doc), string(c.Status), version+1, c.CallID, version,
	).WithContext(ctx).ScanCAS(&current)
	if err != nil {
		return false, fmt.Errorf("%w: update call: %v", types.ErrUnavailable, err)
	}
	return applied, nil
}
