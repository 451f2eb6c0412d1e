package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"

	"go-marketpay/payment/db"
	"go-marketpay/payment/errs"
)

// Owner says who receives the money for a resource.
type Owner interface {
	owner()
}

// PlatformOwned resources settle entirely to the platform account.
type PlatformOwned struct{}

// ThirdPartyOwned resources settle to the payee minus whatever the commission
// rules compute. Rate is the percentage the resource advertises.
type ThirdPartyOwned struct {
	PayeeID int64
	Rate    decimal.NullDecimal
}

func (PlatformOwned) owner()   {}
func (ThirdPartyOwned) owner() {}

func OwnerOf(r db.Resource) (Owner, error) {
	switch r.ProviderType {
	case db.ProviderPlatform:
		return PlatformOwned{}, nil
	case db.ProviderThirdParty:
		if r.OwnerID == nil {
			return nil, fmt.Errorf("third-party resource %d has no owner: %w", r.ID, errs.ErrInvalidConfig)
		}
		return ThirdPartyOwned{PayeeID: *r.OwnerID, Rate: r.CommissionRate}, nil
	}
	return nil, fmt.Errorf("resource %d has provider type %q: %w", r.ID, r.ProviderType, errs.ErrInvalidConfig)
}
