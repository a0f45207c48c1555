package classifiers

import (
	"log/slog"

	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/messaging"
	"github.com/ledfleet/eventcore/progress"
)

// familyClassifier is a classifier bound to one family
type familyClassifier interface {
	messaging.Classifier
	Family() contracts.Family
}

// NewRegistry returns a classifier registry with every family classifier
// registered and Unknown as the fallback
func NewRegistry(builder *Builder, aggregator *progress.Aggregator, logger *slog.Logger) (*messaging.ClassifierRegistry, error) {
	if builder == nil {
		builder = NewBuilder()
	}
	registry := messaging.NewClassifierRegistry(NewUnknown(builder), logger)

	all := []familyClassifier{
		NewTask(builder),
		NewStatus(builder),
		NewNotification(builder),
		NewDevice(builder),
		NewUser(builder),
		NewBusiness(builder),
		NewSystem(builder),
		NewProgress(builder, aggregator),
	}
	for _, c := range all {
		if err := registry.Register(c, c.Family()); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
