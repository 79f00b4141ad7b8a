package sync

import (
	"encoding/json"
	"fmt"
)

// ToObject serialises an entity into its wire envelope. The status is
// derived, never stored on the entity: deleted wins, then an entity whose
// created and modified stamps match is an add, anything else a modify.
func ToObject(typeName string, e Entity) (Object, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return Object{}, fmt.Errorf("serialize %s: %w", typeName, err)
	}
	m := e.SyncMeta()
	status := StatusModified
	switch {
	case m.IsDeleted:
		status = StatusDeleted
	case m.CreatedOn.Equal(m.ModifiedOn):
		status = StatusAdded
	}
	return Object{
		Data:       string(data),
		TypeName:   typeName,
		SyncID:     m.SyncID,
		ModifiedOn: m.ModifiedOn,
		Status:     status,
	}, nil
}

// ToEntity deserialises an object into a fresh entity of its declared type.
// An unresolvable type name is a data-format fault.
func (r *Registry) ToEntity(o Object) (Entity, error) {
	d := r.Lookup(o.TypeName)
	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, o.TypeName)
	}
	e := d.New()
	if err := json.Unmarshal([]byte(o.Data), e); err != nil {
		return nil, fmt.Errorf("deserialize %s: %w", o.TypeName, err)
	}
	return e, nil
}

// entityFromData deserialises a payload into a fresh entity of this
// descriptor's type, regardless of the payload's declared type key. Used by
// converters to get JSON field-name member matching for free.
func (d *TypeDescriptor) entityFromData(data string) (Entity, error) {
	e := d.New()
	if err := json.Unmarshal([]byte(data), e); err != nil {
		return nil, fmt.Errorf("deserialize %s: %w", d.Name, err)
	}
	return e, nil
}

// applyEntity copies src onto dst: the shared meta fields the wire carries,
// then the type's data members. The local primary key and sync id are left
// alone; callers force the sync id explicitly where the protocol requires it.
func applyEntity(d *TypeDescriptor, dst, src Entity) {
	dm, sm := dst.SyncMeta(), src.SyncMeta()
	dm.CreatedOn = sm.CreatedOn
	dm.ModifiedOn = sm.ModifiedOn
	dm.IsDeleted = sm.IsDeleted
	if d.Apply != nil {
		d.Apply(dst, src)
	}
}
