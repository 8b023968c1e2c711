package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStore is a Store that keeps each session as one JSON document in etcd.
// Session versions track the etcd key version, so the version check is a
// transaction compare.
type EtcdStore struct {
	client *clientv3.Client
	prefix string
}

var _ Store = (*EtcdStore)(nil)

// EtcdOption configures an EtcdStore.
type EtcdOption func(*EtcdStore)

// WithKeyPrefix sets the key prefix for session documents.
func WithKeyPrefix(prefix string) EtcdOption {
	return func(s *EtcdStore) { s.prefix = prefix }
}

// NewEtcdStore creates a store on an existing client.
func NewEtcdStore(client *clientv3.Client, opts ...EtcdOption) *EtcdStore {
	s := &EtcdStore{client: client, prefix: "/tripagent/sessions/"}
	for _, opt := range opts {
		opt(s)
	}
	if !strings.HasSuffix(s.prefix, "/") {
		s.prefix += "/"
	}
	return s
}

// OpenEtcd dials endpoints and returns a store using them.
func OpenEtcd(endpoints []string, dialTimeout time.Duration, opts ...EtcdOption) (*EtcdStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("session: connect etcd: %w", err)
	}
	return NewEtcdStore(client, opts...), nil
}

// Close closes the underlying client.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

func (s *EtcdStore) key(id string) string {
	return s.prefix + id
}

// Get loads a session document.
func (s *EtcdStore) Get(ctx context.Context, id string) (*Session, error) {
	resp, err := s.client.Get(ctx, s.key(id))
	if err != nil {
		return nil, fmt.Errorf("session: etcd get %q: %w", id, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, notFound(id)
	}
	return decodeEtcd(resp.Kvs[0].Value, resp.Kvs[0].Version)
}

// Save writes the document if the key version still matches sess.Version.
func (s *EtcdStore) Save(ctx context.Context, sess *Session) error {
	key := s.key(sess.ID)

	if sess.Version > 0 {
		current, err := s.Get(ctx, sess.ID)
		switch {
		case err == nil:
			if current.Version != sess.Version {
				return conflict(sess.ID, current.Version, sess.Version)
			}
			if err := checkHistory(sess.ID, current.Messages, sess.Messages); err != nil {
				return err
			}
		case isNotFound(err):
			return conflict(sess.ID, 0, sess.Version)
		default:
			return err
		}
	}

	next := sess.Clone()
	next.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("session: encode %q: %w", sess.ID, err)
	}

	// Key version is 0 for an absent key and increments on every put.
	cmp := clientv3.Compare(clientv3.Version(key), "=", sess.Version)
	resp, err := s.client.Txn(ctx).If(cmp).Then(clientv3.OpPut(key, string(data))).Commit()
	if err != nil {
		return fmt.Errorf("session: etcd save %q: %w", sess.ID, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%w: session %q changed concurrently", ErrVersionConflict, sess.ID)
	}

	sess.Version++
	sess.UpdatedAt = next.UpdatedAt
	return nil
}

// Delete removes a session document.
func (s *EtcdStore) Delete(ctx context.Context, id string) error {
	if _, err := s.client.Delete(ctx, s.key(id)); err != nil {
		return fmt.Errorf("session: etcd delete %q: %w", id, err)
	}
	return nil
}

// List scans the prefix and filters in memory.
func (s *EtcdStore) List(ctx context.Context, opts ListOptions) ([]*Session, error) {
	resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("session: etcd list: %w", err)
	}

	var result []*Session
	for _, kv := range resp.Kvs {
		sess, err := decodeEtcd(kv.Value, kv.Version)
		if err != nil {
			return nil, err
		}
		if opts.match(sess) {
			sess.Messages = nil
			result = append(result, sess)
		}
	}

	sortByUpdated(result)
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

func decodeEtcd(data []byte, version int64) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("session: decode: %w", err)
	}
	sess.Version = version
	return &sess, nil
}
