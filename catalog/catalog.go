// Package catalog holds the messaging views: the fixed group keys, one
// Definition per view and the start-up registration order.
package catalog

import (
	"context"

	"github.com/drpcorg/viewdb/model"
	"github.com/drpcorg/viewdb/store"
	"github.com/drpcorg/viewdb/views"
	"github.com/pkg/errors"
)

// Fixed group keys. Per-thread views group by thread key instead.
const (
	GroupInbox                  = "inbox"
	GroupArchive                = "archive"
	GroupMessageRequests        = "message-requests"
	GroupShareExtension         = "share-extension"
	GroupSecondaryDevices       = "secondary-devices"
	GroupLazyRestoreAttachments = "lazy-restore-attachments"
)

const (
	ViewThreads                = "threads"
	ViewThreadShareExtension   = "thread-share-extension"
	ViewInteractions           = "interactions"
	ViewInteractionsLegacy     = "interactions-legacy"
	ViewThreadOutgoingMessages = "thread-outgoing-messages"
	ViewThreadSpecialMessages  = "thread-special-messages"
	ViewUnread                 = "unread"
	ViewUnseen                 = "unseen"
	ViewMentions               = "mentions"
	ViewSecondaryDevices       = "secondary-devices"
	ViewLazyRestoreAttachments = "lazy-restore-attachments"
)

// Decode adapts the model codec to the view registry.
func Decode(collection, key string, value []byte) (views.Record, error) {
	rec, err := model.Decode(collection, key, value)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func threadDefinition(name, version string, group func(t *model.Thread) (string, bool)) views.Definition {
	return views.Definition{
		Name:       name,
		Collection: model.CollectionThreads,
		Version:    version,
		Classify: func(rec views.Record) (string, bool) {
			t, ok := rec.(*model.Thread)
			if !ok {
				return "", false
			}
			return group(t)
		},
		SortKey: func(rec views.Record) []byte {
			return views.TimeSortKey(rec.(*model.Thread).SortTime())
		},
	}
}

// messageDefinition groups the matching messages by thread in receipt
// order.
func messageDefinition(name, version string, match func(m *model.Message) bool) views.Definition {
	return views.Definition{
		Name:       name,
		Collection: model.CollectionMessages,
		Version:    version,
		Classify: func(rec views.Record) (string, bool) {
			m, ok := rec.(*model.Message)
			if !ok || !match(m) {
				return "", false
			}
			return m.ThreadID, true
		},
		SortKey: func(rec views.Record) []byte {
			return views.UintSortKey(rec.(*model.Message).SortID)
		},
	}
}

func Threads() views.Definition {
	return threadDefinition(ViewThreads, "1", func(t *model.Thread) (string, bool) {
		switch {
		case t.IsArchived():
			return GroupArchive, true
		case t.IsMessageRequestOnly():
			return GroupMessageRequests, true
		}
		return GroupInbox, true
	})
}

func ThreadShareExtension() views.Definition {
	return threadDefinition(ViewThreadShareExtension, "1", func(t *model.Thread) (string, bool) {
		return GroupShareExtension, t.CanReceiveShares()
	})
}

func Interactions() views.Definition {
	return messageDefinition(ViewInteractions, "2", func(*model.Message) bool {
		return true
	})
}

// InteractionsLegacy is the first generation of the interactions view,
// ordered by timestamp. Timestamps collide, so it got replaced.
func InteractionsLegacy() views.Definition {
	def := messageDefinition(ViewInteractionsLegacy, "1", func(*model.Message) bool {
		return true
	})
	def.SortKey = func(rec views.Record) []byte {
		return views.TimeSortKey(rec.(*model.Message).Timestamp)
	}
	return def
}

func ThreadOutgoingMessages() views.Definition {
	return messageDefinition(ViewThreadOutgoingMessages, "1", (*model.Message).IsOutgoing)
}

func ThreadSpecialMessages() views.Definition {
	return messageDefinition(ViewThreadSpecialMessages, "1", (*model.Message).IsSpecial)
}

func isUnseen(m *model.Message) bool {
	return m.ImplementsReadTracking() && !m.WasRead()
}

// Unread feeds unread counters.
func Unread() views.Definition {
	return messageDefinition(ViewUnread, "1", func(m *model.Message) bool {
		return isUnseen(m) && m.AffectsUnreadCount()
	})
}

// Unseen feeds the unread indicator.
func Unseen() views.Definition {
	return messageDefinition(ViewUnseen, "1", isUnseen)
}

func Mentions() views.Definition {
	return messageDefinition(ViewMentions, "1", func(m *model.Message) bool {
		return isUnseen(m) && m.IsUserMentioned()
	})
}

func SecondaryDevices() views.Definition {
	return views.Definition{
		Name:       ViewSecondaryDevices,
		Collection: model.CollectionDeviceLinks,
		Version:    "1",
		Classify: func(rec views.Record) (string, bool) {
			d, ok := rec.(*model.DeviceLink)
			return GroupSecondaryDevices, ok && d.IsSecondaryDevice()
		},
		SortKey: func(rec views.Record) []byte {
			return views.TimeSortKey(rec.(*model.DeviceLink).CreatedAt)
		},
	}
}

func LazyRestoreAttachments() views.Definition {
	return views.Definition{
		Name:       ViewLazyRestoreAttachments,
		Collection: model.CollectionAttachments,
		Version:    "1",
		Classify: func(rec views.Record) (string, bool) {
			a, ok := rec.(*model.Attachment)
			return GroupLazyRestoreAttachments, ok && a.NeedsLazyRestore()
		},
		SortKey: func(rec views.Record) []byte {
			return views.TimeSortKey(rec.(*model.Attachment).CreatedAt)
		},
	}
}

type Entry struct {
	Definition views.Definition
	Mode       views.Mode
}

// Defaults lists every view in start-up order. Sync views come first so
// that fallbacks are ready before anything resolves against them, and
// the threads view is registered after the interactions views.
func Defaults() []Entry {
	return []Entry{
		{LazyRestoreAttachments(), views.Sync},
		{Unread(), views.Sync},
		{Interactions(), views.Async},
		{InteractionsLegacy(), views.Async},
		{Threads(), views.Async},
		{ThreadShareExtension(), views.Async},
		{ThreadOutgoingMessages(), views.Async},
		{ThreadSpecialMessages(), views.Async},
		{Unseen(), views.Async},
		{Mentions(), views.Async},
		{SecondaryDevices(), views.Async},
	}
}

// RegisterDefaults registers every view of Defaults in order.
func RegisterDefaults(ctx context.Context, reg *views.Registry) ([]*views.Handle, error) {
	entries := Defaults()
	handles := make([]*views.Handle, 0, len(entries))
	for _, e := range entries {
		h, err := reg.Register(ctx, e.Definition, e.Mode)
		if err != nil {
			return handles, errors.Wrapf(err, "register %s", e.Definition.Name)
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// Names lists the views of Defaults.
func Names() []string {
	entries := Defaults()
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Definition.Name
	}
	return names
}

// UnseenView is the unseen view when ready, the unread view otherwise.
func UnseenView(reg *views.Registry, tx *store.ReadTx) (*views.Handle, error) {
	return reg.Resolve(tx, ViewUnseen, ViewUnread)
}

// OutgoingMessages lists the outgoing messages of one thread.
func OutgoingMessages(reg *views.Registry, tx *store.ReadTx, threadID string) ([]string, error) {
	return reg.RecordsInGroup(tx, ViewThreadOutgoingMessages, threadID)
}

// SpecialMessages lists the info and error messages of one thread.
func SpecialMessages(reg *views.Registry, tx *store.ReadTx, threadID string) ([]string, error) {
	return reg.RecordsInGroup(tx, ViewThreadSpecialMessages, threadID)
}
