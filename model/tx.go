package model

import (
	"github.com/drpcorg/viewdb/store"
	"github.com/pkg/errors"
)

func Save(tx *store.WriteTx, rec Record) error {
	return tx.Put(rec.Collection(), rec.Key(), rec.Encode())
}

func Delete(tx *store.WriteTx, rec Record) error {
	return tx.Remove(rec.Collection(), rec.Key())
}

func load[T Record](tx *store.ReadTx, collection, key string) (T, error) {
	var zero T
	val, err := tx.Get(collection, key)
	if err != nil {
		return zero, err
	}
	rec, err := Decode(collection, key, val)
	if err != nil {
		return zero, err
	}
	typed, ok := rec.(T)
	if !ok {
		return zero, errors.Errorf("record %s/%s has type %T", collection, key, rec)
	}
	return typed, nil
}

func LoadThread(tx *store.ReadTx, id string) (*Thread, error) {
	return load[*Thread](tx, CollectionThreads, id)
}

func LoadMessage(tx *store.ReadTx, id string) (*Message, error) {
	return load[*Message](tx, CollectionMessages, id)
}

func LoadAttachment(tx *store.ReadTx, id string) (*Attachment, error) {
	return load[*Attachment](tx, CollectionAttachments, id)
}

// MarkRead flags every given message as read in one transaction.
func MarkRead(tx *store.WriteTx, ids ...string) error {
	for _, id := range ids {
		m, err := LoadMessage(&tx.ReadTx, id)
		if err != nil {
			return err
		}
		if m.Read {
			continue
		}
		m.Read = true
		if err := Save(tx, m); err != nil {
			return err
		}
	}
	return nil
}
