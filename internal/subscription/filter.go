package subscription

import (
	"errors"
	"fmt"

	"github.com/Amsterdam/brp-kennisgevingen-api/internal/person"
)

// Predicate kinds.
const (
	KindAttributes  = "attributes"
	KindChangeTypes = "change_types"
	KindPersons     = "persons"
	KindAll         = "all"
	KindAny         = "any"
)

// Predicate is the filter stored with a subscription. It is data, not code:
// a small tagged variant evaluated right here, so filters stay sandboxed and
// auditable.
//
// Kinds:
// - attributes:   at least one of Values appears in the event's changed
//                 attribute set; an empty Values list matches any change
// - change_types: the event's change type is one of Values
// - persons:      the event's person reference is one of Values (the
//                 volgindicatie form: watch these BSNs)
// - all / any:    composite AND / OR over Children
type Predicate struct {
	Kind     string      `json:"kind"`
	Values   []string    `json:"values,omitempty"`
	Children []Predicate `json:"children,omitempty"`
}

// MatchInput is the event projection a predicate gets to see. Predicates
// never inspect full person records, only what the mutation feed carried.
type MatchInput struct {
	PersonRef         string
	ChangeType        string
	ChangedAttributes []string
}

// Eval evaluates p against in. Unknown kinds return an error so the caller
// can skip the subscription instead of guessing.
func (p Predicate) Eval(in MatchInput) (bool, error) {
	switch p.Kind {
	case KindAttributes:
		if len(p.Values) == 0 {
			// watch-all
			return true, nil
		}
		for _, want := range p.Values {
			for _, got := range in.ChangedAttributes {
				if want == got {
					return true, nil
				}
			}
		}
		return false, nil

	case KindChangeTypes:
		for _, v := range p.Values {
			if v == in.ChangeType {
				return true, nil
			}
		}
		return false, nil

	case KindPersons:
		for _, v := range p.Values {
			if v == in.PersonRef {
				return true, nil
			}
		}
		return false, nil

	case KindAll:
		for _, c := range p.Children {
			ok, err := c.Eval(in)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case KindAny:
		for _, c := range p.Children {
			ok, err := c.Eval(in)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, fmt.Errorf("unknown predicate kind %q", p.Kind)
	}
}

// change type vocabulary, mirrored from the mutation feed contract
var validChangeTypes = map[string]struct{}{
	"created": {},
	"updated": {},
	"deleted": {},
}

// Validate checks predicate structure before storage. Eval tolerates empty
// composites; Validate does not, because a caller sending one is almost
// certainly making a mistake.
func (p Predicate) Validate() error {
	switch p.Kind {
	case KindAttributes:
		// empty means watch-all
		return nil

	case KindChangeTypes:
		if len(p.Values) == 0 {
			return errors.New("change_types predicate needs at least one value")
		}
		for _, v := range p.Values {
			if _, ok := validChangeTypes[v]; !ok {
				return fmt.Errorf("unknown change type %q", v)
			}
		}
		return nil

	case KindPersons:
		if len(p.Values) == 0 {
			return errors.New("persons predicate needs at least one value")
		}
		for _, v := range p.Values {
			if !person.ValidBSN(v) {
				return fmt.Errorf("persons predicate contains an invalid burgerservicenummer")
			}
		}
		return nil

	case KindAll, KindAny:
		if len(p.Children) == 0 {
			return fmt.Errorf("%s predicate needs at least one child", p.Kind)
		}
		for _, c := range p.Children {
			if err := c.Validate(); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown predicate kind %q", p.Kind)
	}
}
