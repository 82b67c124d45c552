// Package codec serializes mailbox events for the cluster transport.
//
// The wire record carries the variant tag and every identifier in its
// canonical string form. Identifiers are rebuilt on the receiving side by
// the [mailbox.IDFactory] and [mailbox.MessageIDFactory] the caller
// supplies, so one payload can be decoded by deployments whose storage
// engines represent ids differently.
//
// # Formats
//
// The record is encoded by a pluggable [Format]: [JSON] (default) or
// [MessagePack]. Both sides of a cluster must agree on the format.
//
//	s := codec.New(mailbox.UUIDIDFactory{}, mailbox.UUIDMessageIDFactory{},
//	    codec.WithFormat(codec.MessagePack))
//	data, _ := s.Serialize(event)
//	event, err := s.Deserialize(data)
//	if codec.IsMalformed(err) {
//	    // discard, never retry
//	}
package codec

import (
	"fmt"
	"time"

	"github.com/rbaliyan/mailbus/mailbox"
)

// WireVersion is the record version written by this package.
const WireVersion = 1

type options struct {
	format Format
}

// Option configures a Serializer.
type Option func(*options)

// WithFormat sets the wire format. Default is [JSON].
func WithFormat(f Format) Option {
	return func(o *options) {
		if f != nil {
			o.format = f
		}
	}
}

// Serializer converts events to and from transport payloads.
// It is safe for concurrent use.
type Serializer struct {
	format     Format
	mailboxIDs mailbox.IDFactory
	messageIDs mailbox.MessageIDFactory
}

// New creates a serializer whose Deserialize uses the given factories.
func New(mailboxIDs mailbox.IDFactory, messageIDs mailbox.MessageIDFactory, opts ...Option) *Serializer {
	o := &options{format: JSON}
	for _, opt := range opts {
		opt(o)
	}
	return &Serializer{
		format:     o.format,
		mailboxIDs: mailboxIDs,
		messageIDs: messageIDs,
	}
}

// Format returns the wire format in use.
func (s *Serializer) Format() Format {
	return s.format
}

// Serialize encodes e. The output is deterministic for a given event value.
func (s *Serializer) Serialize(e mailbox.Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	enc := &encoder{}
	if err := e.Accept(enc); err != nil {
		return nil, err
	}
	data, err := s.format.Marshal(&enc.rec)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal %s: %w", e.Kind(), err)
	}
	return data, nil
}

// Deserialize decodes data with the serializer's own factories.
func (s *Serializer) Deserialize(data []byte) (mailbox.Event, error) {
	return s.DeserializeWith(data, s.mailboxIDs, s.messageIDs)
}

// DeserializeWith decodes data, resolving identifiers with the supplied
// factories. It returns either a complete event or an error matching
// [ErrMalformedEvent]; it never returns a partially built event.
func (s *Serializer) DeserializeWith(data []byte, mailboxIDs mailbox.IDFactory, messageIDs mailbox.MessageIDFactory) (mailbox.Event, error) {
	if mailboxIDs == nil || messageIDs == nil {
		return nil, ErrFactoryRequired
	}
	if len(data) == 0 {
		return nil, malformed("", "empty payload", nil)
	}
	var rec record
	if err := s.format.Unmarshal(data, &rec); err != nil {
		return nil, malformed("", "decode "+s.format.Name(), err)
	}
	d := decoder{rec: &rec, mailboxIDs: mailboxIDs, messageIDs: messageIDs}
	return d.decode()
}

// record is the flat wire representation of every variant. Fields not used
// by a variant are omitted.
type record struct {
	Type    string `json:"type" msgpack:"type"`
	Version int    `json:"v" msgpack:"v"`
	ID      string `json:"id" msgpack:"id"`
	Session int64  `json:"session,omitempty" msgpack:"session,omitempty"`
	User    string `json:"user,omitempty" msgpack:"user,omitempty"`

	MailboxID string      `json:"mailbox_id,omitempty" msgpack:"mailbox_id,omitempty"`
	Path      *pathRecord `json:"path,omitempty" msgpack:"path,omitempty"`
	NewPath   *pathRecord `json:"new_path,omitempty" msgpack:"new_path,omitempty"`

	Messages []messageRecord `json:"messages,omitempty" msgpack:"messages,omitempty"`
	Updates  []flagsRecord   `json:"updates,omitempty" msgpack:"updates,omitempty"`
	ACL      []aclRecord     `json:"acl,omitempty" msgpack:"acl,omitempty"`

	QuotaRoot    string       `json:"quota_root,omitempty" msgpack:"quota_root,omitempty"`
	DeletedCount int64        `json:"deleted_count,omitempty" msgpack:"deleted_count,omitempty"`
	DeletedSize  int64        `json:"deleted_size,omitempty" msgpack:"deleted_size,omitempty"`
	Count        *quotaRecord `json:"count,omitempty" msgpack:"count,omitempty"`
	Size         *quotaRecord `json:"size,omitempty" msgpack:"size,omitempty"`
	Instant      *int64       `json:"instant,omitempty" msgpack:"instant,omitempty"`
}

type pathRecord struct {
	Namespace string `json:"ns" msgpack:"ns"`
	User      string `json:"user" msgpack:"user"`
	Name      string `json:"name" msgpack:"name"`
}

type messageRecord struct {
	UID          uint32   `json:"uid" msgpack:"uid"`
	ModSeq       uint64   `json:"modseq,omitempty" msgpack:"modseq,omitempty"`
	Size         int64    `json:"size,omitempty" msgpack:"size,omitempty"`
	InternalDate *int64   `json:"date,omitempty" msgpack:"date,omitempty"`
	Flags        []string `json:"flags,omitempty" msgpack:"flags,omitempty"`
	MessageID    string   `json:"message_id,omitempty" msgpack:"message_id,omitempty"`
}

type flagsRecord struct {
	UID       uint32   `json:"uid" msgpack:"uid"`
	ModSeq    uint64   `json:"modseq,omitempty" msgpack:"modseq,omitempty"`
	MessageID string   `json:"message_id,omitempty" msgpack:"message_id,omitempty"`
	Old       []string `json:"old,omitempty" msgpack:"old,omitempty"`
	New       []string `json:"new,omitempty" msgpack:"new,omitempty"`
}

type aclRecord struct {
	Entry string `json:"entry" msgpack:"entry"`
	Old   string `json:"old,omitempty" msgpack:"old,omitempty"`
	New   string `json:"new,omitempty" msgpack:"new,omitempty"`
}

type quotaRecord struct {
	Used  int64 `json:"used" msgpack:"used"`
	Limit int64 `json:"limit" msgpack:"limit"`
}

func encodeTime(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func decodeTime(n *int64) time.Time {
	if n == nil {
		return time.Time{}
	}
	return time.Unix(0, *n).UTC()
}

func encodePath(p mailbox.Path) *pathRecord {
	return &pathRecord{Namespace: p.Namespace, User: p.User, Name: p.Name}
}

func idString(id interface{ String() string }) string {
	if id == nil {
		return ""
	}
	return id.String()
}
