package courier

import "fmt"

// AssociationToString selects the string form of the whole payload as
// the association value.
const AssociationToString = "toString"

// AssociationValue routes events to saga instances. Within a saga type it
// identifies the instances holding it.
type AssociationValue struct {
	Key   string
	Value string
}

// NewAssociationValue is shorthand for AssociationValue{Key: key, Value: value}.
func NewAssociationValue(key, value string) AssociationValue {
	return AssociationValue{Key: key, Value: value}
}

func (a AssociationValue) String() string { return a.Key + "=" + a.Value }

// evaluateAssociation computes the value of property for payload. The
// property is either AssociationToString or a path understood by
// InspectPayload.
func evaluateAssociation(property string, payload any) (string, bool) {
	if payload == nil {
		return "", false
	}
	if property == AssociationToString {
		if raw, ok := rawPayload(payload); ok {
			return string(raw), true
		}
		return fmt.Sprint(payload), true
	}
	view, err := InspectPayload(payload)
	if err != nil {
		return "", false
	}
	v, ok := view.Get(property)
	if !ok || v == nil {
		return "", false
	}
	return fmt.Sprint(v), true
}

// associationFor evaluates the handler's association against an event.
func (d *HandlerDefinition) associationFor(m Message) (AssociationValue, bool) {
	v, ok := evaluateAssociation(d.association, m.Payload())
	if !ok {
		return AssociationValue{}, false
	}
	return AssociationValue{Key: d.associationKey, Value: v}, true
}
