package bus

import "strconv"

// PropertyType is how a property row is displayed.
type PropertyType int

const (
	PropertyNormal PropertyType = 0
	PropertyHeader PropertyType = 1
	PropertyBlank  PropertyType = 3
)

// BusProperty is one row of an entity's property list.
type BusProperty struct {
	Label string       `yaml:"label" json:"label"`
	Value string       `yaml:"value,omitempty" json:"value,omitempty"`
	Unit  string       `yaml:"unit,omitempty" json:"unit,omitempty"`
	Type  PropertyType `yaml:"type" json:"type"`
}

func NewProperty(label, value string) BusProperty {
	return BusProperty{Label: label, Value: value, Type: PropertyNormal}
}

func NewUnitProperty(label, value, unit string) BusProperty {
	return BusProperty{Label: label, Value: value, Unit: unit, Type: PropertyNormal}
}

func HeaderProperty(label string) BusProperty {
	return BusProperty{Label: label, Type: PropertyHeader}
}

func BlankProperty() BusProperty {
	return BusProperty{Type: PropertyBlank}
}

// appendSection starts a new header section, separated from earlier rows by
// a blank row.
func appendSection(props []BusProperty, header string) []BusProperty {
	if len(props) > 0 {
		props = append(props, BlankProperty())
	}
	return append(props, HeaderProperty(header))
}

func itoa(v int) string {
	return strconv.Itoa(v)
}
