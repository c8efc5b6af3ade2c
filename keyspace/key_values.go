package keyspace

import (
	"sort"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// KeyValue composes a raw Etcd KeyValue with its decoded representation.
type KeyValue struct {
	Raw     mvccpb.KeyValue
	Decoded interface{}
}

// A Decoder decodes raw KeyValues into a user-defined representation, or
// returns an error if the KeyValue cannot be decoded. A KeySpace logs and
// skips KeyValues which fail to decode: a later correction of the value is
// then applied as though it were a creation.
//
// A Decoder may return a nil representation and nil error for a key which
// the KeySpace shouldn't mirror.
type Decoder func(raw *mvccpb.KeyValue) (interface{}, error)

// KeyValues is a collection of KeyValue ordered on key.
type KeyValues []KeyValue

// Search returns the index at which |key| is found to be present,
// or should be inserted to maintain ordering.
func (kv KeyValues) Search(key string) (ind int, found bool) {
	ind = sort.Search(len(kv), func(i int) bool {
		return key <= string(kv[i].Raw.Key)
	})
	found = ind != len(kv) && key == string(kv[ind].Raw.Key)
	return
}

// Range returns the sub-slice of KeyValues spanning range [from, to).
func (kv KeyValues) Range(from, to string) KeyValues {
	var ind, _ = kv.Search(from)
	var tmp = kv[ind:]

	ind, _ = tmp.Search(to)
	return tmp[:ind]
}

// Prefixed returns the sub-slice of KeyValues prefixed by |prefix|.
func (kv KeyValues) Prefixed(prefix string) KeyValues {
	return kv.Range(prefix, clientv3.GetPrefixRangeEnd(prefix))
}

// Get returns the KeyValue of |key|, if present.
func (kv KeyValues) Get(key string) (KeyValue, bool) {
	if ind, found := kv.Search(key); found {
		return kv[ind], true
	}
	return KeyValue{}, false
}

// apply a watched Event to the KeyValues, returning the updated KeyValues.
// Events must be applied in ModRevision order.
func (kv KeyValues) apply(decode Decoder, event *clientv3.Event) (KeyValues, error) {
	var ind, found = kv.Search(string(event.Kv.Key))

	if found && kv[ind].Raw.ModRevision >= event.Kv.ModRevision {
		// A replay of an event we've already applied.
		return kv, nil
	}

	switch event.Type {
	case clientv3.EventTypeDelete:
		if found {
			kv = append(kv[:ind], kv[ind+1:]...)
		}
		return kv, nil

	case clientv3.EventTypePut:
		var decoded, err = decode(event.Kv)
		if err != nil || decoded == nil {
			// Drop a current value which the update doesn't replace.
			if found {
				kv = append(kv[:ind], kv[ind+1:]...)
			}
			return kv, err
		}
		var next = KeyValue{Raw: *event.Kv, Decoded: decoded}

		if found {
			kv[ind] = next
		} else {
			kv = append(kv, KeyValue{})
			copy(kv[ind+1:], kv[ind:])
			kv[ind] = next
		}
		return kv, nil

	default:
		panic(event.Type) // Only DELETE and PUT are defined.
	}
}
