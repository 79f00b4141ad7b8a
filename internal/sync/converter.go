package sync

import "fmt"

// Converter translates objects of one source type into a destination type.
// Member copy happens through JSON field-name matching: the source payload is
// deserialised directly into the destination shape, so same-named members
// carry over and everything else takes the destination's zero value.
type Converter struct {
	// SourceName is the type key this converter accepts.
	SourceName string
	// Dest describes the type the converter produces.
	Dest *TypeDescriptor
	// ConvertFn optionally adjusts the destination entity after the member
	// copy and before re-serialisation.
	ConvertFn func(dst Entity) error
	// UpdateFn optionally replaces the default member copy when applying
	// onto an existing destination instance.
	UpdateFn func(dst, src Entity, status Status) error
}

// CanConvert reports whether this converter handles the given type key.
func (c *Converter) CanConvert(typeName string) bool {
	return c.SourceName == typeName
}

// Convert translates o into the destination type. The sync id is force-set
// (ordinary updates exclude it by convention) and the original wire status is
// propagated unchanged.
func (c *Converter) Convert(o Object) (Object, error) {
	dst, err := c.Dest.entityFromData(o.Data)
	if err != nil {
		return Object{}, err
	}
	dst.SyncMeta().SyncID = o.SyncID
	if c.ConvertFn != nil {
		if err := c.ConvertFn(dst); err != nil {
			return Object{}, fmt.Errorf("convert %s to %s: %w", c.SourceName, c.Dest.Name, err)
		}
	}
	out, err := ToObject(c.Dest.Name, dst)
	if err != nil {
		return Object{}, err
	}
	out.Status = o.Status
	return out, nil
}

// Update applies src onto the existing dst instance, again force-syncing the
// sync id. Returns false when this converter does not handle src's type.
func (c *Converter) Update(dst Entity, src Entity, srcType string, status Status) (bool, error) {
	if !c.CanConvert(srcType) {
		return false, nil
	}
	if c.UpdateFn != nil {
		if err := c.UpdateFn(dst, src, status); err != nil {
			return false, err
		}
	} else {
		applyEntity(c.Dest, dst, src)
	}
	dst.SyncMeta().SyncID = src.SyncMeta().SyncID
	return true, nil
}

// ClientConverter is an ordered converter list. Convert and Update dispatch
// to the first converter whose predicate matches.
type ClientConverter struct {
	converters []*Converter
}

// NewClientConverter builds a converter pipeline from the given converters.
func NewClientConverter(converters ...*Converter) *ClientConverter {
	return &ClientConverter{converters: converters}
}

// CanConvert reports whether any converter handles the type.
func (cc *ClientConverter) CanConvert(typeName string) bool {
	if cc == nil {
		return false
	}
	for _, c := range cc.converters {
		if c.CanConvert(typeName) {
			return true
		}
	}
	return false
}

// Convert translates o, or returns the empty sentinel when no converter
// matches. Callers must filter empties out.
func (cc *ClientConverter) Convert(o Object) (Object, error) {
	for _, c := range cc.converters {
		if c.CanConvert(o.TypeName) {
			return c.Convert(o)
		}
	}
	return Object{}, nil
}

// ConvertAll translates a collection, dropping entries no converter handles.
func (cc *ClientConverter) ConvertAll(objects []Object) ([]Object, error) {
	out := make([]Object, 0, len(objects))
	for _, o := range objects {
		converted, err := cc.Convert(o)
		if err != nil {
			return nil, err
		}
		if converted.IsEmpty() {
			continue
		}
		out = append(out, converted)
	}
	return out, nil
}

// Update dispatches to the first matching converter; returns false when no
// converter handles the source type.
func (cc *ClientConverter) Update(dst, src Entity, srcType string, status Status) (bool, error) {
	if cc == nil {
		return false, nil
	}
	for _, c := range cc.converters {
		ok, err := c.Update(dst, src, srcType, status)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
