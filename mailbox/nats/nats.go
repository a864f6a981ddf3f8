// Package nats backs the mailbox store with a NATS JetStream key-value
// bucket so worker teams can span processes and hosts.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hupe1980/agentcore/mailbox"
	"github.com/nats-io/nats.go"
)

const (
	msgPrefix  = "msg."
	taskPrefix = "task."
)

// Options configure the store.
type Options struct {
	// Bucket names the JetStream KV bucket (default "agentcore-mailbox").
	Bucket string
	// NatsOptions are forwarded to nats.Connect.
	NatsOptions []nats.Option
}

// Store implements mailbox.Store on a JetStream key-value bucket. Entries
// live under msg.<recipient>.<id>, shared tasks under task.<id>. Task claims
// use revision-checked updates, so concurrent workers never claim the same
// task twice.
type Store struct {
	nc *nats.Conn
	kv nats.KeyValue
}

// New connects to a NATS server and binds (or creates) the bucket.
func New(url string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{Bucket: "agentcore-mailbox"}
	for _, fn := range optFns {
		fn(&opts)
	}

	nc, err := nats.Connect(url, opts.NatsOptions...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	kv, err := js.KeyValue(opts.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: opts.Bucket})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bind bucket %s: %w", opts.Bucket, err)
	}

	return &Store{nc: nc, kv: kv}, nil
}

// Close drops the server connection.
func (s *Store) Close() {
	s.nc.Close()
}

// Send implements mailbox.Store.
func (s *Store) Send(_ context.Context, entry mailbox.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	if _, err := s.kv.Put(msgKey(entry.To, entry.ID), data); err != nil {
		return fmt.Errorf("store entry: %w", err)
	}

	return nil
}

// Unread implements mailbox.Store.
func (s *Store) Unread(_ context.Context, recipient string) ([]mailbox.Entry, error) {
	keys, err := s.keys(msgPrefix + sanitize(recipient) + ".")
	if err != nil {
		return nil, err
	}

	var unread []mailbox.Entry
	for _, key := range keys {
		kve, err := s.kv.Get(key)
		if err != nil {
			continue // deleted between listing and read
		}
		var entry mailbox.Entry
		if err := json.Unmarshal(kve.Value(), &entry); err != nil {
			continue
		}
		if !entry.Read {
			unread = append(unread, entry)
		}
	}
	sort.SliceStable(unread, func(i, j int) bool { return unread[i].Created.Before(unread[j].Created) })

	return unread, nil
}

// MarkRead implements mailbox.Store.
func (s *Store) MarkRead(_ context.Context, id string) error {
	keys, err := s.keys(msgPrefix)
	if err != nil {
		return err
	}

	for _, key := range keys {
		if !strings.HasSuffix(key, "."+sanitize(id)) {
			continue
		}
		kve, err := s.kv.Get(key)
		if err != nil {
			return fmt.Errorf("read entry: %w", err)
		}
		var entry mailbox.Entry
		if err := json.Unmarshal(kve.Value(), &entry); err != nil {
			return fmt.Errorf("decode entry: %w", err)
		}
		entry.Read = true
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		if _, err := s.kv.Update(key, data, kve.Revision()); err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
		return nil
	}

	return nil
}

// AddTask implements mailbox.Store.
func (s *Store) AddTask(_ context.Context, task mailbox.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	if _, err := s.kv.Put(taskPrefix+sanitize(task.ID), data); err != nil {
		return fmt.Errorf("store task: %w", err)
	}

	return nil
}

// ClaimTask implements mailbox.Store. The revision-checked update loses the
// race cleanly: a concurrent claim bumps the revision, the update fails and
// the next candidate is tried.
func (s *Store) ClaimTask(_ context.Context, worker string) (mailbox.Task, bool, error) {
	keys, err := s.keys(taskPrefix)
	if err != nil {
		return mailbox.Task{}, false, err
	}

	var candidates []candidate
	for _, key := range keys {
		kve, err := s.kv.Get(key)
		if err != nil {
			continue
		}
		var task mailbox.Task
		if err := json.Unmarshal(kve.Value(), &task); err != nil {
			continue
		}
		if task.ClaimedBy == "" {
			candidates = append(candidates, candidate{key: key, task: task, revision: kve.Revision()})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].task.Created.Before(candidates[j].task.Created)
	})

	for _, c := range candidates {
		c.task.ClaimedBy = worker
		data, err := json.Marshal(c.task)
		if err != nil {
			return mailbox.Task{}, false, fmt.Errorf("marshal task: %w", err)
		}
		if _, err := s.kv.Update(c.key, data, c.revision); err != nil {
			continue // lost the claim race, try the next task
		}
		return c.task, true, nil
	}

	return mailbox.Task{}, false, nil
}

type candidate struct {
	key      string
	task     mailbox.Task
	revision uint64
}

func (s *Store) keys(prefix string) ([]string, error) {
	keys, err := s.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var matched []string
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
	}

	return matched, nil
}

func msgKey(recipient, id string) string {
	return msgPrefix + sanitize(recipient) + "." + sanitize(id)
}

// sanitize maps names onto the KV key alphabet.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
