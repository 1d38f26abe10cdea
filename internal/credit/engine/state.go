package engine

// CreditState is the lifecycle state of a credit line.
type CreditState string

const (
	CreditStateDeleted      CreditState = "DELETED"
	CreditStateDefaulted    CreditState = "DEFAULTED"
	CreditStateApproved     CreditState = "APPROVED"
	CreditStateGoodStanding CreditState = "GOOD_STANDING"
	CreditStateDelayed      CreditState = "DELAYED"
)

// Valid reports whether s is a known lifecycle state.
func (s CreditState) Valid() bool {
	switch s {
	case CreditStateDeleted, CreditStateDefaulted, CreditStateApproved,
		CreditStateGoodStanding, CreditStateDelayed:
		return true
	default:
		return false
	}
}

// Absorbing reports whether the state admits no further billing activity.
func (s CreditState) Absorbing() bool {
	return s == CreditStateDeleted || s == CreditStateDefaulted
}

// transitions is the full lifecycle table. The engine itself only performs
// Approved to GoodStanding and GoodStanding to Delayed; default, deletion and
// recovery from Delayed are operations of the surrounding service.
var transitions = map[CreditState][]CreditState{
	CreditStateApproved:     {CreditStateGoodStanding, CreditStateDeleted},
	CreditStateGoodStanding: {CreditStateDelayed, CreditStateDefaulted, CreditStateDeleted},
	CreditStateDelayed:      {CreditStateGoodStanding, CreditStateDefaulted, CreditStateDeleted},
	CreditStateDefaulted:    nil,
	CreditStateDeleted:      nil,
}

// CanTransition reports whether moving from one state to another is a legal
// lifecycle step.
func CanTransition(from, to CreditState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
