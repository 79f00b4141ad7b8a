// Package models defines the syncable entity types and their wiring into the
// sync registry.
package models

import (
	"github.com/google/uuid"

	"github.com/BobbyCannon/cornerstone-go/internal/sync"
)

// Type keys carried on the wire.
const (
	TypeAddress = "Address"
	TypeAccount = "Account"
)

// SyncOrder lists types parents first so applied groups resolve their
// references and permanent deletes can run child-to-parent in reverse.
var SyncOrder = []string{TypeAddress, TypeAccount}

// Address is a physical location accounts reference.
type Address struct {
	sync.Meta
	Line1  string `json:"line1"`
	Line2  string `json:"line2"`
	City   string `json:"city"`
	State  string `json:"state"`
	Postal string `json:"postal"`
}

// Account belongs to an address. The local address key is store-specific and
// never crosses the wire; the address sync id does and is repaired into the
// local key on apply.
type Account struct {
	sync.Meta
	Name          string    `json:"name"`
	EmailAddress  string    `json:"email_address"`
	AddressID     int64     `json:"-"`
	AddressSyncID uuid.UUID `json:"address_sync_id"`
}

// Register wires both types into the registry, parents first.
func Register(r *sync.Registry) {
	r.MustRegister(&sync.TypeDescriptor{
		Name: TypeAddress,
		New:  func() sync.Entity { return &Address{} },
		Apply: func(dst, src sync.Entity) {
			d, s := dst.(*Address), src.(*Address)
			d.Line1 = s.Line1
			d.Line2 = s.Line2
			d.City = s.City
			d.State = s.State
			d.Postal = s.Postal
		},
	})
	r.MustRegister(&sync.TypeDescriptor{
		Name: TypeAccount,
		New:  func() sync.Entity { return &Account{} },
		Apply: func(dst, src sync.Entity) {
			d, s := dst.(*Account), src.(*Account)
			d.Name = s.Name
			d.EmailAddress = s.EmailAddress
			d.AddressSyncID = s.AddressSyncID
		},
		Relationships: []sync.Relationship{
			{
				Name:       "Address",
				TargetType: TypeAddress,
				SyncID:     func(e sync.Entity) uuid.UUID { return e.(*Account).AddressSyncID },
				LocalID:    func(e sync.Entity) int64 { return e.(*Account).AddressID },
				SetLocalID: func(e sync.Entity, id int64) { e.(*Account).AddressID = id },
			},
		},
	})
}

// NewRegistry returns a registry with every model registered.
func NewRegistry() *sync.Registry {
	r := sync.NewRegistry()
	Register(r)
	return r
}
