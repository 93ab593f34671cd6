package txbuilder

import "ppy-wallet/go-core/internal/keys"

// Authority is the key tier an operation must be signed with. Higher values
// satisfy lower requirements.
type Authority int

const (
	AuthorityNone Authority = iota
	AuthorityPosting
	AuthorityActive
	AuthorityOwner
)

func (a Authority) String() string {
	switch a {
	case AuthorityPosting:
		return "posting"
	case AuthorityActive:
		return "active"
	case AuthorityOwner:
		return "owner"
	default:
		return "none"
	}
}

// Role is the signing key role for the tier.
func (a Authority) Role() keys.Role {
	switch a {
	case AuthorityOwner:
		return keys.RoleOwner
	case AuthorityPosting:
		return keys.RolePosting
	default:
		return keys.RoleActive
	}
}

type OperationInfo struct {
	ID        uint32
	Authority Authority
}

var operations = map[string]OperationInfo{
	"transfer":                  {ID: 0, Authority: AuthorityActive},
	"limit_order_create":        {ID: 1, Authority: AuthorityActive},
	"limit_order_cancel":        {ID: 2, Authority: AuthorityActive},
	"call_order_update":         {ID: 3, Authority: AuthorityActive},
	"account_create":            {ID: 5, Authority: AuthorityActive},
	"account_update":            {ID: 6, Authority: AuthorityOwner},
	"account_whitelist":         {ID: 7, Authority: AuthorityActive},
	"account_upgrade":           {ID: 8, Authority: AuthorityActive},
	"account_transfer":          {ID: 9, Authority: AuthorityOwner},
	"asset_create":              {ID: 10, Authority: AuthorityActive},
	"asset_issue":               {ID: 14, Authority: AuthorityActive},
	"proposal_create":           {ID: 22, Authority: AuthorityActive},
	"proposal_update":           {ID: 23, Authority: AuthorityActive},
	"withdraw_permission_claim": {ID: 27, Authority: AuthorityActive},
	"vesting_balance_withdraw":  {ID: 33, Authority: AuthorityActive},
	"custom":                    {ID: 35, Authority: AuthorityPosting},
	"override_transfer":         {ID: 38, Authority: AuthorityActive},
}

func LookupOperation(name string) (OperationInfo, bool) {
	info, ok := operations[name]
	return info, ok
}

// LowestAuthorityRequired returns the lowest tier that satisfies every named
// operation. Unknown operations do not raise the requirement.
func LowestAuthorityRequired(names ...string) Authority {
	required := AuthorityNone
	for _, name := range names {
		if info, ok := operations[name]; ok && info.Authority > required {
			required = info.Authority
		}
	}
	return required
}
