package classifiers

import (
	"github.com/ledfleet/eventcore/contracts"
)

// base carries what every family classifier shares
type base struct {
	name     string
	family   contracts.Family
	priority int
	builder  *Builder
}

func newBase(name string, family contracts.Family, builder *Builder) base {
	if builder == nil {
		builder = NewBuilder()
	}
	return base{name: name, family: family, priority: 100, builder: builder}
}

// SupportedType implements messaging.Classifier
func (b *base) SupportedType() string {
	return b.name
}

// Priority implements messaging.Classifier
func (b *base) Priority() int {
	return b.priority
}

// Supports implements messaging.Classifier
func (b *base) Supports(kind contracts.EventKind, _ string) bool {
	return kind.Family() == b.family
}

// Family returns the family the classifier is registered under
func (b *base) Family() contracts.Family {
	return b.family
}
