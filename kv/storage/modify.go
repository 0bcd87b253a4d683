package storage

// ModifyType is the smallest unit of mutation of the underlying storage.
type ModifyType int64

const (
	ModifyTypePut    ModifyType = 1
	ModifyTypeDelete ModifyType = 2
)

type Put struct {
	Key   []byte
	Value []byte
	Cf    string
}

type Delete struct {
	Key []byte
	Cf  string
}

type Modify struct {
	Type ModifyType
	Data interface{}
}

func NewPut(cf string, key, value []byte) Modify {
	return Modify{Type: ModifyTypePut, Data: Put{Cf: cf, Key: key, Value: value}}
}

func NewDelete(cf string, key []byte) Modify {
	return Modify{Type: ModifyTypeDelete, Data: Delete{Cf: cf, Key: key}}
}

func (m *Modify) Key() []byte {
	switch m.Type {
	case ModifyTypePut:
		return m.Data.(Put).Key
	case ModifyTypeDelete:
		return m.Data.(Delete).Key
	}
	return nil
}

func (m *Modify) Value() []byte {
	if m.Type == ModifyTypePut {
		return m.Data.(Put).Value
	}
	return nil
}

func (m *Modify) Cf() string {
	switch m.Type {
	case ModifyTypePut:
		return m.Data.(Put).Cf
	case ModifyTypeDelete:
		return m.Data.(Delete).Cf
	}
	return ""
}
