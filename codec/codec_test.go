package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rbaliyan/mailbus/mailbox"
)

var (
	inbox   = mailbox.PrivatePath("alice", "INBOX")
	archive = mailbox.PrivatePath("alice", "Archive")
	date    = time.Date(2024, 3, 14, 15, 9, 26, 535897932, time.UTC)
)

func base() mailbox.Base {
	return mailbox.Base{ID: mailbox.NewEventID(), Session: 42, Username: "alice"}
}

// sampleEvents returns one event per variant, built with the identifiers
// produced by newMailboxID and newMessageID.
func sampleEvents(mailboxID mailbox.ID, messageID func(n int) mailbox.MessageID) []mailbox.Event {
	target := mailbox.Target{MailboxID: mailboxID, MailboxPath: inbox}
	return []mailbox.Event{
		&mailbox.Added{
			Base:   base(),
			Target: target,
			Messages: []mailbox.MessageMetadata{
				{UID: 1, ModSeq: 10, Size: 2048, InternalDate: date, Flags: mailbox.NewFlags(mailbox.FlagRecent), MessageID: messageID(1)},
				{UID: 2, ModSeq: 11, Size: 99, InternalDate: date.Add(time.Second), Flags: mailbox.NewFlags(0, "$Junk"), MessageID: messageID(2)},
			},
		},
		&mailbox.Expunged{
			Base:     base(),
			Target:   target,
			Messages: []mailbox.MessageMetadata{{UID: 3, ModSeq: 12, MessageID: messageID(3)}},
		},
		&mailbox.FlagsUpdated{
			Base:   base(),
			Target: target,
			Updates: []mailbox.UpdatedFlags{{
				UID:       1,
				ModSeq:    13,
				MessageID: messageID(1),
				Old:       mailbox.NewFlags(mailbox.FlagRecent),
				New:       mailbox.NewFlags(mailbox.FlagSeen|mailbox.FlagFlagged, "work"),
			}},
		},
		&mailbox.MailboxAdded{Base: base(), Target: target},
		&mailbox.MailboxDeleted{
			Base:                base(),
			Target:              target,
			QuotaRoot:           "#private&alice",
			DeletedMessageCount: 12,
			TotalDeletedSize:    40960,
		},
		&mailbox.MailboxRenamed{Base: base(), Target: target, NewPath: archive},
		&mailbox.MailboxACLUpdated{
			Base:   base(),
			Target: target,
			Changes: []mailbox.ACLChange{
				{Entry: "bob", New: "lr"},
				{Entry: "carol", Old: "lrs", New: "lrswi"},
			},
		},
		&mailbox.QuotaUsageUpdated{
			Base:      base(),
			QuotaRoot: "#private&alice",
			Count:     mailbox.QuotaUsage{Used: 12, Limit: 1000},
			Size:      mailbox.QuotaUsage{Used: 40960, Limit: -1},
			Instant:   date,
		},
	}
}

func TestRoundTrip(t *testing.T) {
	backends := []struct {
		name       string
		mailboxID  mailbox.ID
		messageID  func(n int) mailbox.MessageID
		mailboxIDs mailbox.IDFactory
		messageIDs mailbox.MessageIDFactory
	}{
		{
			name:       "uuid",
			mailboxID:  mailbox.NewUUIDID(),
			messageID:  func(int) mailbox.MessageID { return mailbox.NewUUIDID() },
			mailboxIDs: mailbox.UUIDIDFactory{},
			messageIDs: mailbox.UUIDMessageIDFactory{},
		},
		{
			name:       "serial",
			mailboxID:  mailbox.SerialID(7),
			messageID:  func(n int) mailbox.MessageID { return mailbox.SerialID(1000 + n) },
			mailboxIDs: mailbox.SerialIDFactory{},
			messageIDs: mailbox.SerialMessageIDFactory{},
		},
	}

	for _, format := range []Format{JSON, MessagePack} {
		for _, b := range backends {
			s := New(b.mailboxIDs, b.messageIDs, WithFormat(format))
			for _, e := range sampleEvents(b.mailboxID, b.messageID) {
				t.Run(format.Name()+"/"+b.name+"/"+string(e.Kind()), func(t *testing.T) {
					data, err := s.Serialize(e)
					if err != nil {
						t.Fatalf("serialize failed: %v", err)
					}
					got, err := s.Deserialize(data)
					if err != nil {
						t.Fatalf("deserialize failed: %v", err)
					}
					if !reflect.DeepEqual(got, e) {
						t.Errorf("round trip mismatch\nwant %#v\ngot  %#v", e, got)
					}
				})
			}
		}
	}
}

func TestSerializeIsDeterministic(t *testing.T) {
	for _, format := range []Format{JSON, MessagePack} {
		s := New(mailbox.SerialIDFactory{}, mailbox.SerialMessageIDFactory{}, WithFormat(format))
		for _, e := range sampleEvents(mailbox.SerialID(1), func(n int) mailbox.MessageID { return mailbox.SerialID(n) }) {
			first, err := s.Serialize(e)
			if err != nil {
				t.Fatalf("serialize failed: %v", err)
			}
			second, err := s.Serialize(e)
			if err != nil {
				t.Fatalf("serialize failed: %v", err)
			}
			if !bytes.Equal(first, second) {
				t.Errorf("%s/%s: encoding is not deterministic", format.Name(), e.Kind())
			}
		}
	}
}

func TestMissingMessageIDIsPreserved(t *testing.T) {
	s := New(mailbox.SerialIDFactory{}, mailbox.SerialMessageIDFactory{})
	e := &mailbox.Expunged{
		Base:     base(),
		Target:   mailbox.Target{MailboxID: mailbox.SerialID(1), MailboxPath: inbox},
		Messages: []mailbox.MessageMetadata{{UID: 9}},
	}
	data, err := s.Serialize(e)
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	got, err := s.Deserialize(data)
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}
	if id := got.(*mailbox.Expunged).Messages[0].MessageID; id != nil {
		t.Errorf("expected nil message id, got %v", id)
	}
}

func TestTruncatedPayloadIsMalformed(t *testing.T) {
	for _, format := range []Format{JSON, MessagePack} {
		t.Run(format.Name(), func(t *testing.T) {
			s := New(mailbox.UUIDIDFactory{}, mailbox.UUIDMessageIDFactory{}, WithFormat(format))
			events := sampleEvents(mailbox.NewUUIDID(), func(int) mailbox.MessageID { return mailbox.NewUUIDID() })
			data, err := s.Serialize(events[0])
			if err != nil {
				t.Fatalf("serialize failed: %v", err)
			}
			for n := 0; n < len(data); n++ {
				got, err := s.Deserialize(data[:n])
				if !errors.Is(err, ErrMalformedEvent) {
					t.Fatalf("prefix %d/%d: expected ErrMalformedEvent, got %v", n, len(data), err)
				}
				if got != nil {
					t.Fatalf("prefix %d/%d: expected no event, got %#v", n, len(data), got)
				}
			}
		})
	}
}

func TestCorruptPayloadIsMalformed(t *testing.T) {
	s := New(mailbox.SerialIDFactory{}, mailbox.SerialMessageIDFactory{})

	encode := func(rec map[string]any) []byte {
		data, err := json.Marshal(rec)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return data
	}
	validPath := map[string]any{"ns": "#private", "user": "alice", "name": "INBOX"}

	tests := []struct {
		name    string
		payload []byte
	}{
		{"garbage", []byte("\x00\x01not an event")},
		{"wrong json shape", []byte(`["Added"]`)},
		{"unknown type", encode(map[string]any{"type": "MailboxExploded", "v": 1, "id": "e1", "mailbox_id": "1", "path": validPath})},
		{"missing type", encode(map[string]any{"v": 1, "id": "e1"})},
		{"future version", encode(map[string]any{"type": "MailboxAdded", "v": 99, "id": "e1", "mailbox_id": "1", "path": validPath})},
		{"missing id", encode(map[string]any{"type": "MailboxAdded", "v": 1, "mailbox_id": "1", "path": validPath})},
		{"missing mailbox id", encode(map[string]any{"type": "MailboxAdded", "v": 1, "id": "e1", "path": validPath})},
		{"unresolvable mailbox id", encode(map[string]any{"type": "MailboxAdded", "v": 1, "id": "e1", "mailbox_id": "not-a-number", "path": validPath})},
		{"missing path", encode(map[string]any{"type": "MailboxAdded", "v": 1, "id": "e1", "mailbox_id": "1"})},
		{"missing new path", encode(map[string]any{"type": "MailboxRenamed", "v": 1, "id": "e1", "mailbox_id": "1", "path": validPath})},
		{"unresolvable message id", encode(map[string]any{
			"type": "Added", "v": 1, "id": "e1", "mailbox_id": "1", "path": validPath,
			"messages": []any{map[string]any{"uid": 1, "message_id": "abc"}},
		})},
		{"quota without usage", encode(map[string]any{"type": "QuotaUsageUpdated", "v": 1, "id": "e1", "quota_root": "r"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Deserialize(tt.payload)
			if !errors.Is(err, ErrMalformedEvent) {
				t.Fatalf("expected ErrMalformedEvent, got %v", err)
			}
			if got != nil {
				t.Errorf("expected no event, got %#v", got)
			}
			var me *MalformedEventError
			if !errors.As(err, &me) {
				t.Fatalf("expected *MalformedEventError, got %T", err)
			}
			if me.Retryable() {
				t.Error("malformed events must not be retryable")
			}
		})
	}
}

func TestDeserializeWithOtherFactories(t *testing.T) {
	// A payload produced by a serial-id backend is rejected by a uuid backend.
	serial := New(mailbox.SerialIDFactory{}, mailbox.SerialMessageIDFactory{})
	data, err := serial.Serialize(&mailbox.MailboxAdded{
		Base:   base(),
		Target: mailbox.Target{MailboxID: mailbox.SerialID(3), MailboxPath: inbox},
	})
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	_, err = serial.DeserializeWith(data, mailbox.UUIDIDFactory{}, mailbox.UUIDMessageIDFactory{})
	if !errors.Is(err, ErrMalformedEvent) || !errors.Is(err, mailbox.ErrInvalidID) {
		t.Errorf("expected malformed event wrapping ErrInvalidID, got %v", err)
	}

	if _, err := serial.DeserializeWith(data, nil, nil); !errors.Is(err, ErrFactoryRequired) {
		t.Errorf("expected ErrFactoryRequired, got %v", err)
	}
}

func TestSerializeRejectsInvalidEvents(t *testing.T) {
	s := New(mailbox.SerialIDFactory{}, mailbox.SerialMessageIDFactory{})
	tests := []struct {
		name string
		e    mailbox.Event
	}{
		{"nil", nil},
		{"no event id", &mailbox.MailboxAdded{Target: mailbox.Target{MailboxID: mailbox.SerialID(1), MailboxPath: inbox}}},
		{"no mailbox id", &mailbox.MailboxAdded{Base: base(), Target: mailbox.Target{MailboxPath: inbox}}},
		{"no path", &mailbox.MailboxAdded{Base: base(), Target: mailbox.Target{MailboxID: mailbox.SerialID(1)}}},
		{"rename without destination", &mailbox.MailboxRenamed{Base: base(), Target: mailbox.Target{MailboxID: mailbox.SerialID(1), MailboxPath: inbox}}},
		{"quota without root", &mailbox.QuotaUsageUpdated{Base: base()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Serialize(tt.e); !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestLookupFormat(t *testing.T) {
	for _, name := range []string{"json", "msgpack"} {
		if _, ok := LookupFormat(name); !ok {
			t.Errorf("expected format %q to be registered", name)
		}
	}
	if _, ok := LookupFormat("xml"); ok {
		t.Error("did not expect xml format")
	}
}
