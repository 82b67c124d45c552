package mailbox

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// ErrInvalidID is returned by factories for strings they cannot parse.
var ErrInvalidID = errors.New("mailbox: invalid id")

// ID identifies a mailbox within a storage engine. Its String form is the
// canonical representation carried on the wire.
type ID interface {
	String() string
}

// MessageID identifies a message within a storage engine.
type MessageID interface {
	String() string
}

// IDFactory reconstructs mailbox identifiers from their canonical form.
// Each storage engine supplies its own.
type IDFactory interface {
	FromString(s string) (ID, error)
}

// MessageIDFactory reconstructs message identifiers from their canonical form.
type MessageIDFactory interface {
	FromString(s string) (MessageID, error)
}

// UUIDID is an identifier backed by a UUID, as used by document stores.
// It implements both [ID] and [MessageID].
type UUIDID uuid.UUID

// NewUUIDID returns a random UUID identifier.
func NewUUIDID() UUIDID {
	return UUIDID(uuid.New())
}

func (id UUIDID) String() string {
	return uuid.UUID(id).String()
}

func parseUUID(s string) (UUIDID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return UUIDID{}, fmt.Errorf("%w: %q: %v", ErrInvalidID, s, err)
	}
	return UUIDID(u), nil
}

// UUIDIDFactory parses mailbox ids produced by [UUIDID].
type UUIDIDFactory struct{}

func (UUIDIDFactory) FromString(s string) (ID, error) {
	id, err := parseUUID(s)
	if err != nil {
		return nil, err
	}
	return id, nil
}

// UUIDMessageIDFactory parses message ids produced by [UUIDID].
type UUIDMessageIDFactory struct{}

func (UUIDMessageIDFactory) FromString(s string) (MessageID, error) {
	id, err := parseUUID(s)
	if err != nil {
		return nil, err
	}
	return id, nil
}

// SerialID is a numeric identifier, as used by relational stores with
// sequence-generated keys. It implements both [ID] and [MessageID].
type SerialID uint64

func (id SerialID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

func parseSerial(s string) (SerialID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidID, s, err)
	}
	return SerialID(n), nil
}

// SerialIDFactory parses mailbox ids produced by [SerialID].
type SerialIDFactory struct{}

func (SerialIDFactory) FromString(s string) (ID, error) {
	id, err := parseSerial(s)
	if err != nil {
		return nil, err
	}
	return id, nil
}

// SerialMessageIDFactory parses message ids produced by [SerialID].
type SerialMessageIDFactory struct{}

func (SerialMessageIDFactory) FromString(s string) (MessageID, error) {
	id, err := parseSerial(s)
	if err != nil {
		return nil, err
	}
	return id, nil
}
