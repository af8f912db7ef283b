// Package model holds the messaging records kept in the primary store and
// the business predicates the views are defined over. Predicates only look
// at record state, they never touch the store.
package model

import (
	"time"

	"github.com/drpcorg/viewdb/protocol"
	"github.com/drpcorg/viewdb/viewdb_errors"
	"github.com/pkg/errors"
)

const (
	CollectionThreads     = "threads"
	CollectionMessages    = "messages"
	CollectionAttachments = "attachments"
	CollectionDeviceLinks = "device-links"
)

type Record interface {
	Collection() string
	Key() string
	Encode() []byte
}

type Thread struct {
	ID                string
	Name              string
	IsGroup           bool
	Archived          bool
	MessageRequest    bool
	Blocked           bool
	HasMessages       bool
	CreatedAt         time.Time
	LastInteractionAt time.Time
}

func (t *Thread) Collection() string { return CollectionThreads }
func (t *Thread) Key() string        { return t.ID }

func (t *Thread) IsArchived() bool { return t.Archived }

// IsMessageRequestOnly is true while the thread holds nothing but an
// unanswered request from a stranger.
func (t *Thread) IsMessageRequestOnly() bool { return t.MessageRequest }

// CanReceiveShares tells whether the thread is offered as a share target.
func (t *Thread) CanReceiveShares() bool {
	return !t.Blocked && !t.MessageRequest && (t.HasMessages || t.IsGroup)
}

// SortTime is the last interaction, or creation for a fresh thread.
func (t *Thread) SortTime() time.Time {
	if t.LastInteractionAt.IsZero() {
		return t.CreatedAt
	}
	return t.LastInteractionAt
}

func (t *Thread) Encode() []byte {
	return protocol.Concat(
		protocol.Str('N', t.Name),
		protocol.Bool('G', t.IsGroup),
		protocol.Bool('A', t.Archived),
		protocol.Bool('Q', t.MessageRequest),
		protocol.Bool('B', t.Blocked),
		protocol.Bool('H', t.HasMessages),
		protocol.Time('C', t.CreatedAt),
		protocol.Time('L', t.LastInteractionAt),
	)
}

func decodeThread(key string, f protocol.Fields) *Thread {
	return &Thread{
		ID:                key,
		Name:              f.String('N'),
		IsGroup:           f.Bool('G'),
		Archived:          f.Bool('A'),
		MessageRequest:    f.Bool('Q'),
		Blocked:           f.Bool('B'),
		HasMessages:       f.Bool('H'),
		CreatedAt:         f.Time('C'),
		LastInteractionAt: f.Time('L'),
	}
}

type Direction byte

const (
	Incoming Direction = 'I'
	Outgoing Direction = 'O'
)

type MessageKind byte

const (
	KindRegular MessageKind = 'R'
	KindInfo    MessageKind = 'N'
	KindError   MessageKind = 'E'
)

type Message struct {
	ID        string
	ThreadID  string
	Body      string
	Direction Direction
	Kind      MessageKind
	// SortID is the receipt order within the store, Timestamp alone is
	// not unique.
	SortID    uint64
	Timestamp time.Time
	Read      bool
	Mentioned bool
}

func (m *Message) Collection() string { return CollectionMessages }
func (m *Message) Key() string        { return m.ID }

func (m *Message) IsOutgoing() bool { return m.Direction == Outgoing }

// IsSpecial marks info and error messages which get their own per-thread
// view.
func (m *Message) IsSpecial() bool { return m.Kind == KindInfo || m.Kind == KindError }

// ImplementsReadTracking is true for anything that can be "unread":
// incoming messages and info/error messages. Outgoing messages are never
// unread.
func (m *Message) ImplementsReadTracking() bool {
	return m.Direction == Incoming || m.IsSpecial()
}

func (m *Message) WasRead() bool { return m.Read }

// AffectsUnreadCount excludes info messages from unread badges, they still
// count as unseen.
func (m *Message) AffectsUnreadCount() bool {
	return m.Kind != KindInfo
}

func (m *Message) IsUserMentioned() bool { return m.Mentioned }

func (m *Message) Encode() []byte {
	return protocol.Concat(
		protocol.Str('T', m.ThreadID),
		protocol.Str('B', m.Body),
		protocol.Record('D', []byte{byte(m.Direction)}),
		protocol.Record('K', []byte{byte(m.Kind)}),
		protocol.Uint('O', m.SortID),
		protocol.Time('C', m.Timestamp),
		protocol.Bool('R', m.Read),
		protocol.Bool('M', m.Mentioned),
	)
}

func oneByte(f protocol.Fields, lit byte, def byte) byte {
	if v := f[lit]; len(v) == 1 {
		return v[0]
	}
	return def
}

func decodeMessage(key string, f protocol.Fields) *Message {
	return &Message{
		ID:        key,
		ThreadID:  f.String('T'),
		Body:      f.String('B'),
		Direction: Direction(oneByte(f, 'D', byte(Incoming))),
		Kind:      MessageKind(oneByte(f, 'K', byte(KindRegular))),
		SortID:    f.Uint('O'),
		Timestamp: f.Time('C'),
		Read:      f.Bool('R'),
		Mentioned: f.Bool('M'),
	}
}

type Attachment struct {
	ID          string
	MessageID   string
	ContentType string
	// LazyRestore is set on attachments restored from a backup as
	// pointers; their content is fetched on demand.
	LazyRestore bool
	CreatedAt   time.Time
}

func (a *Attachment) Collection() string { return CollectionAttachments }
func (a *Attachment) Key() string        { return a.ID }

func (a *Attachment) NeedsLazyRestore() bool { return a.LazyRestore }

func (a *Attachment) Encode() []byte {
	return protocol.Concat(
		protocol.Str('M', a.MessageID),
		protocol.Str('T', a.ContentType),
		protocol.Bool('L', a.LazyRestore),
		protocol.Time('C', a.CreatedAt),
	)
}

func decodeAttachment(key string, f protocol.Fields) *Attachment {
	return &Attachment{
		ID:          key,
		MessageID:   f.String('M'),
		ContentType: f.String('T'),
		LazyRestore: f.Bool('L'),
		CreatedAt:   f.Time('C'),
	}
}

// DeviceLink pairs a master device with a secondary one.
type DeviceLink struct {
	ID        string
	MasterKey string
	SlaveKey  string
	// Secondary is set when this installation is the slave side.
	Secondary bool
	Approved  bool
	CreatedAt time.Time
}

func (d *DeviceLink) Collection() string { return CollectionDeviceLinks }
func (d *DeviceLink) Key() string        { return d.ID }

func (d *DeviceLink) IsSecondaryDevice() bool { return d.Secondary && d.Approved }

func (d *DeviceLink) Encode() []byte {
	return protocol.Concat(
		protocol.Str('M', d.MasterKey),
		protocol.Str('S', d.SlaveKey),
		protocol.Bool('Y', d.Secondary),
		protocol.Bool('A', d.Approved),
		protocol.Time('C', d.CreatedAt),
	)
}

func decodeDeviceLink(key string, f protocol.Fields) *DeviceLink {
	return &DeviceLink{
		ID:        key,
		MasterKey: f.String('M'),
		SlaveKey:  f.String('S'),
		Secondary: f.Bool('Y'),
		Approved:  f.Bool('A'),
		CreatedAt: f.Time('C'),
	}
}

// Decode turns a stored value back into its record.
func Decode(collection, key string, value []byte) (Record, error) {
	f, err := protocol.ParseFields(value)
	if err != nil {
		return nil, errors.Wrapf(viewdb_errors.ErrBadRecord, "%s/%s: %v", collection, key, err)
	}
	switch collection {
	case CollectionThreads:
		return decodeThread(key, f), nil
	case CollectionMessages:
		return decodeMessage(key, f), nil
	case CollectionAttachments:
		return decodeAttachment(key, f), nil
	case CollectionDeviceLinks:
		return decodeDeviceLink(key, f), nil
	}
	return nil, errors.Wrapf(viewdb_errors.ErrBadRecord, "unknown collection %q", collection)
}
